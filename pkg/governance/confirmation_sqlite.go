package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
)

const confirmationTable = "kyrax_confirmations"

// SQLConfirmationStore persists holds in a SQL database (SQLite or MySQL).
type SQLConfirmationStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLConfirmationStore ensures the schema and returns the store.
func NewSQLConfirmationStore(db *sql.DB, ttl time.Duration) (*SQLConfirmationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}
	if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		token VARCHAR(64) PRIMARY KEY,
		actor_id VARCHAR(255) NOT NULL,
		roles TEXT NOT NULL,
		reason TEXT NOT NULL,
		command_json TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL
	)`, confirmationTable)); err != nil {
		return nil, fmt.Errorf("ensure confirmation schema: %w", err)
	}
	return &SQLConfirmationStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Hold inserts h.
func (s *SQLConfirmationStore) Hold(ctx context.Context, h Held) (Held, error) {
	if h.Command.IsZero() {
		return Held{}, errors.New(errors.CodeInvalidInput, "command is required", nil)
	}
	h = stamp(h, s.now(), s.ttl)
	payload, err := json.Marshal(h.Command)
	if err != nil {
		return Held{}, err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (token, actor_id, roles, reason, command_json, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?, ?)", confirmationTable),
		h.Token, h.ActorID, strings.Join(h.Roles, ","), h.Reason, string(payload), h.CreatedAt.UnixMilli(), h.ExpiresAt.UnixMilli())
	if err != nil {
		return Held{}, err
	}
	return h, nil
}

// Resolve reads and deletes the hold in one transaction.
func (s *SQLConfirmationStore) Resolve(ctx context.Context, token string) (Held, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Held{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT token, actor_id, roles, reason, command_json, created_at, expires_at FROM %s WHERE token = ?", confirmationTable),
		token)
	h, err := scanHeld(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Held{}, notFound(token)
		}
		return Held{}, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE token = ?", confirmationTable), token); err != nil {
		return Held{}, err
	}
	if err := tx.Commit(); err != nil {
		return Held{}, err
	}
	if h.Expired(s.now()) {
		return Held{}, expired(token)
	}
	return h, nil
}

// Discard deletes the hold.
func (s *SQLConfirmationStore) Discard(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE token = ?", confirmationTable), token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(token)
	}
	return nil
}

// Pending lists live holds, oldest first.
func (s *SQLConfirmationStore) Pending(ctx context.Context) ([]Held, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT token, actor_id, roles, reason, command_json, created_at, expires_at FROM %s WHERE expires_at > ? ORDER BY created_at ASC", confirmationTable),
		s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Held, 0)
	for rows.Next() {
		h, err := scanHeld(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ExpireHolds implements Expirer.
func (s *SQLConfirmationStore) ExpireHolds(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE expires_at <= ?", confirmationTable), s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// HealthCheck pings the database.
func (s *SQLConfirmationStore) HealthCheck() core.HealthChecker {
	return core.HealthFunc(s.db.PingContext)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHeld(row rowScanner) (Held, error) {
	var (
		h           Held
		roles       string
		commandJSON string
		createdAtMs int64
		expiresAtMs int64
	)
	if err := row.Scan(&h.Token, &h.ActorID, &roles, &h.Reason, &commandJSON, &createdAtMs, &expiresAtMs); err != nil {
		return Held{}, err
	}
	if roles != "" {
		h.Roles = strings.Split(roles, ",")
	}
	if err := json.Unmarshal([]byte(commandJSON), &h.Command); err != nil {
		return Held{}, fmt.Errorf("decode held command: %w", err)
	}
	h.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	h.ExpiresAt = time.UnixMilli(expiresAtMs).UTC()
	return h, nil
}

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jllopis/kyrax/pkg/core"
)

const auditTable = "kyrax_audit"

// SQLLog stores the chain in SQLite or MySQL. Appends run in a transaction
// that reads the tail and inserts the next entry.
type SQLLog struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewSQLLog ensures the schema and returns the log.
func NewSQLLog(db *sql.DB) (*SQLLog, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq BIGINT PRIMARY KEY,
		ts BIGINT NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		run_id VARCHAR(64) NOT NULL,
		payload_json TEXT NOT NULL,
		prev_hash VARCHAR(64) NOT NULL,
		hash VARCHAR(64) NOT NULL
	)`, auditTable)); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	return &SQLLog{db: db, now: time.Now}, nil
}

// Append implements Log.
func (l *SQLLog) Append(ctx context.Context, eventType, runID string, payload any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback()

	var (
		prevSeq  int64
		prevHash string
	)
	err = tx.QueryRowContext(ctx, fmt.Sprintf("SELECT seq, hash FROM %s ORDER BY seq DESC LIMIT 1", auditTable)).
		Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, err
	}

	e, err := seal(prevSeq, prevHash, l.now(), eventType, runID, payload)
	if err != nil {
		return Entry{}, err
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (seq, ts, event_type, run_id, payload_json, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?)", auditTable),
		e.Seq, e.Timestamp.UnixMilli(), e.EventType, e.RunID, string(e.Payload), e.PrevHash, e.Hash)
	if err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// List implements Log.
func (l *SQLLog) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := fmt.Sprintf("SELECT seq, ts, event_type, run_id, payload_json, prev_hash, hash FROM %s WHERE seq > ?", auditTable)
	args := []any{filter.AfterSeq}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			tsMs    int64
			payload string
		)
		if err := rows.Scan(&e.Seq, &tsMs, &e.EventType, &e.RunID, &payload, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(tsMs).UTC()
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Verify implements Log.
func (l *SQLLog) Verify(ctx context.Context) (int, error) {
	entries, err := l.List(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	return len(entries), VerifyEntries(entries)
}

// HealthCheck pings the database.
func (l *SQLLog) HealthCheck() core.HealthChecker {
	return core.HealthFunc(l.db.PingContext)
}

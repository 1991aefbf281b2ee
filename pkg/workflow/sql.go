package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/kyrax/pkg/core"
	"github.com/jllopis/kyrax/pkg/errors"
	"github.com/jllopis/kyrax/pkg/storage"
)

const (
	workflowTable = "kyrax_workflows"
	stepTable     = "kyrax_workflow_steps"
)

// SQLStore persists workflows in SQLite or MySQL. Timestamps are stored as
// Unix milliseconds so both dialects share one schema.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore ensures the schema and returns the store.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			goal TEXT NOT NULL,
			state VARCHAR(32) NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, workflowTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			workflow_id VARCHAR(64) NOT NULL,
			idx INT NOT NULL,
			command_json TEXT NOT NULL,
			status VARCHAR(32) NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			result_json TEXT,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (workflow_id, idx)
		)`, stepTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("ensure workflow schema: %w", err)
		}
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, goal string, commands []core.Command) (string, error) {
	if len(commands) == 0 {
		return "", errors.New(errors.CodeInvalidInput, "workflow needs at least one command", nil)
	}
	id := "wf-" + uuid.NewString()
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, goal, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?)", workflowTable),
		id, goal, string(StateActive), now, now); err != nil {
		if storage.IsDuplicateKey(err) {
			return "", errors.New(errors.CodeInvalidInput, "workflow id already exists", err).WithContext("workflow_id", id)
		}
		return "", err
	}
	for i, cmd := range commands {
		payload, err := json.Marshal(cmd)
		if err != nil {
			return "", fmt.Errorf("encode step %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (workflow_id, idx, command_json, status, attempts, updated_at) VALUES (?, ?, ?, ?, 0, ?)", stepTable),
			id, i, string(payload), string(StepPending), now); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// MarkStep implements Store.
func (s *SQLStore) MarkStep(ctx context.Context, id string, index int, status StepStatus, res *core.SkillResult) error {
	if !status.Valid() {
		return invalidStatus(status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	step, err := scanStep(tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT idx, command_json, status, attempts, last_error, result_json, updated_at FROM %s WHERE workflow_id = ? AND idx = ?", stepTable),
		id, index))
	if err == sql.ErrNoRows {
		return stepNotFound(id, index)
	}
	if err != nil {
		return err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	applyMark(&step, status, res, now)
	resultJSON, err := encodeResult(step.Result)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, attempts = ?, last_error = ?, result_json = ?, updated_at = ? WHERE workflow_id = ? AND idx = ?", stepTable),
		string(step.Status), step.Attempts, nullString(step.LastError), resultJSON, now.UnixMilli(), id, index); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET updated_at = ? WHERE id = ?", workflowTable),
		now.UnixMilli(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetNextPending implements Store.
func (s *SQLStore) GetNextPending(ctx context.Context, id string) (Step, bool, error) {
	if _, err := s.header(ctx, id); err != nil {
		return Step{}, false, err
	}
	step, err := scanStep(s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT idx, command_json, status, attempts, last_error, result_json, updated_at FROM %s WHERE workflow_id = ? AND status IN (?, ?, ?) ORDER BY idx ASC LIMIT 1", stepTable),
		id, string(StepPending), string(StepFailed), string(StepInProgress)))
	if err == sql.ErrNoRows {
		return Step{}, false, nil
	}
	if err != nil {
		return Step{}, false, err
	}
	return step, true, nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (Workflow, error) {
	wf, err := s.header(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	wf.Steps, err = s.steps(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// List implements Store. Workflows are returned oldest first.
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]Workflow, error) {
	query := fmt.Sprintf("SELECT id, goal, state, created_at, updated_at FROM %s", workflowTable)
	var args []any
	if filter.State != "" {
		query += " WHERE state = ?"
		args = append(args, string(filter.State))
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]Workflow, 0)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].Steps, err = s.steps(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SetState implements Store.
func (s *SQLStore) SetState(ctx context.Context, id string, state State) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET state = ?, updated_at = ? WHERE id = ?", workflowTable),
		string(state), s.now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflowNotFound(id)
	}
	return nil
}

// RetryStep implements Store.
func (s *SQLStore) RetryStep(ctx context.Context, id string, index int) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT status FROM %s WHERE workflow_id = ? AND idx = ?", stepTable),
		id, index).Scan(&status)
	if err == sql.ErrNoRows {
		return stepNotFound(id, index)
	}
	if err != nil {
		return err
	}
	if StepStatus(status) != StepFailed && StepStatus(status) != StepCancelled {
		return errors.New(errors.CodeInvalidInput, "only failed or cancelled steps can be retried", nil).
			WithContext("status", status)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, last_error = NULL, updated_at = ? WHERE workflow_id = ? AND idx = ?", stepTable),
		string(StepPending), s.now().UnixMilli(), id, index)
	return err
}

// HealthCheck pings the database.
func (s *SQLStore) HealthCheck() core.HealthChecker {
	return core.HealthFunc(s.db.PingContext)
}

func (s *SQLStore) header(ctx context.Context, id string) (Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, goal, state, created_at, updated_at FROM %s WHERE id = ?", workflowTable), id))
	if err == sql.ErrNoRows {
		return Workflow{}, workflowNotFound(id)
	}
	return wf, err
}

func (s *SQLStore) steps(ctx context.Context, id string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT idx, command_json, status, attempts, last_error, result_json, updated_at FROM %s WHERE workflow_id = ? ORDER BY idx ASC", stepTable),
		id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Step, 0)
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (Workflow, error) {
	var (
		wf                   Workflow
		state                string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&wf.ID, &wf.Goal, &state, &createdAt, &updatedAt); err != nil {
		return Workflow{}, err
	}
	wf.State = State(state)
	wf.CreatedAt = time.UnixMilli(createdAt).UTC()
	wf.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return wf, nil
}

func scanStep(row rowScanner) (Step, error) {
	var (
		st          Step
		commandJSON string
		status      string
		lastError   sql.NullString
		resultJSON  sql.NullString
		updatedAt   int64
	)
	if err := row.Scan(&st.Index, &commandJSON, &status, &st.Attempts, &lastError, &resultJSON, &updatedAt); err != nil {
		return Step{}, err
	}
	if err := json.Unmarshal([]byte(commandJSON), &st.Command); err != nil {
		return Step{}, fmt.Errorf("decode step command: %w", err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var res core.SkillResult
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return Step{}, fmt.Errorf("decode step result: %w", err)
		}
		st.Result = &res
	}
	st.Status = StepStatus(status)
	st.LastError = lastError.String
	st.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return st, nil
}

func encodeResult(res *core.SkillResult) (sql.NullString, error) {
	if res == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode step result: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

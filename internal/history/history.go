// Package history keeps a SQLite record of workflow runs.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"browserpilot-mcp-client/internal/workflow"
)

//go:embed schema.sql
var schemaSQL string

// Run statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusPartial = "partial"
)

// ErrRunNotFound is returned by Steps for an unknown run.
var ErrRunNotFound = errors.New("run not found")

// Run is one row of the runs table.
type Run struct {
	RunID          string        `json:"run_id"`
	Workflow       string        `json:"workflow"`
	Status         string        `json:"status"`
	TotalSteps     int           `json:"total_steps"`
	CompletedSteps int           `json:"completed_steps"`
	FailedSteps    int           `json:"failed_steps"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// Step is one row of the steps table.
type Step struct {
	Step        int    `json:"step"`
	Status      string `json:"status"`
	Action      string `json:"action,omitempty"`
	Description string `json:"description,omitempty"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Store wraps the history database.
type Store struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{conn: conn, path: path, logger: logger.Named("history")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Save records a finished run. runErr is the error Run returned, if any.
func (s *Store) Save(ctx context.Context, report *workflow.Report, runErr error) error {
	if report == nil {
		return errors.New("nil report")
	}

	status := StatusPassed
	switch {
	case runErr != nil:
		status = StatusFailed
	case report.FailedSteps > 0:
		status = StatusPartial
	}
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, workflow, status, total_steps, completed_steps, failed_steps, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, report.RunID, report.Workflow, status, report.TotalSteps, report.CompletedSteps, report.FailedSteps,
		errText, report.StartedAt.UnixMilli(), report.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert run %s: %w", report.RunID, err)
	}

	for i, entry := range report.Log {
		var result sql.NullString
		if entry.Result != nil {
			b, err := json.Marshal(entry.Result)
			if err != nil {
				s.logger.Warn("Unencodable step result", zap.Int("step", entry.Step), zap.Error(err))
			} else {
				result = sql.NullString{String: string(b), Valid: true}
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (run_id, seq, step, status, action, description, result, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, report.RunID, i, entry.Step, entry.Status, entry.Action, entry.Description, result, entry.Error)
		if err != nil {
			return fmt.Errorf("insert step %d of run %s: %w", entry.Step, report.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("Run saved", zap.String("run_id", report.RunID), zap.String("status", status))
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT run_id, workflow, status, total_steps, completed_steps, failed_steps, error, started_at, duration_ms
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			errText    sql.NullString
			startedMs  int64
			durationMs int64
		)
		if err := rows.Scan(&r.RunID, &r.Workflow, &r.Status, &r.TotalSteps, &r.CompletedSteps, &r.FailedSteps,
			&errText, &startedMs, &durationMs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Error = errText.String
		r.StartedAt = time.UnixMilli(startedMs)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Steps returns the step log of a run in execution order.
func (s *Store) Steps(ctx context.Context, runID string) ([]Step, error) {
	var exists int
	err := s.conn.QueryRowContext(ctx, "SELECT 1 FROM runs WHERE run_id = ?", runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup run %s: %w", runID, err)
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT step, status, action, description, result, error
		FROM steps WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			st                            Step
			action, desc, result, errText sql.NullString
		)
		if err := rows.Scan(&st.Step, &st.Status, &action, &desc, &result, &errText); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Action = action.String
		st.Description = desc.String
		st.Result = result.String
		st.Error = errText.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

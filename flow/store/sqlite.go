package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps the run queue and run history in a single-file database.
// Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments that need restart recovery
//   - Prototyping before migrating to a shared database
//
// SQLiteStore uses WAL mode for concurrent reads and transactional writes.
//
// Schema:
//   - run_requests: persisted queue entries awaiting execution
//   - run_history: one row per run with its terminal outcome
//   - step_history: one row per step per run, latest outcome wins
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./flowrun.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store creates the file and tables on first use, enables WAL mode,
// and sets a busy timeout so queue workers waiting on a writer do not
// fail immediately.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	requestsTable := `
		CREATE TABLE IF NOT EXISTS run_requests (
			id TEXT NOT NULL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			trigger_data TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			not_before TIMESTAMP NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			enqueued_at TIMESTAMP NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, requestsTable); err != nil {
		return fmt.Errorf("failed to create run_requests table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_requests_order ON run_requests(priority DESC, enqueued_at ASC)"); err != nil {
		return fmt.Errorf("failed to create idx_requests_order: %w", err)
	}

	runsTable := `
		CREATE TABLE IF NOT EXISTS run_history (
			run_id TEXT NOT NULL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create run_history table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_runs_workflow ON run_history(workflow_id)"); err != nil {
		return fmt.Errorf("failed to create idx_runs_workflow: %w", err)
	}

	stepsTable := `
		CREATE TABLE IF NOT EXISTS step_history (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			PRIMARY KEY(run_id, step_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, stepsTable); err != nil {
		return fmt.Errorf("failed to create step_history table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_steps_run ON step_history(run_id)"); err != nil {
		return fmt.Errorf("failed to create idx_steps_run: %w", err)
	}

	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SaveRequest persists a queue entry (implements Store interface).
//
// Saving an existing ID replaces its scheduling attributes, which the queue
// uses to record retry attempts and backoff deadlines.
func (s *SQLiteStore) SaveRequest(ctx context.Context, req RunRequest) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	triggerJSON, err := json.Marshal(req.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	query := `
		INSERT INTO run_requests (id, workflow_id, trigger_data, priority, not_before, attempt, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			not_before = excluded.not_before,
			attempt = excluded.attempt
	`
	_, err = s.db.ExecContext(ctx, query,
		req.ID, req.WorkflowID, string(triggerJSON), req.Priority,
		nullableTime(req.NotBefore), req.Attempt, req.EnqueuedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	return nil
}

// DeleteRequest removes a queue entry (implements Store interface).
func (s *SQLiteStore) DeleteRequest(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM run_requests WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	return nil
}

// PendingRequests returns all queue entries ordered by priority descending,
// then enqueue time ascending (implements Store interface).
func (s *SQLiteStore) PendingRequests(ctx context.Context) ([]RunRequest, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, workflow_id, trigger_data, priority, not_before, attempt, enqueued_at
		FROM run_requests
		ORDER BY priority DESC, enqueued_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reqs []RunRequest
	for rows.Next() {
		var (
			req         RunRequest
			triggerJSON string
			notBefore   sql.NullString
			enqueuedAt  string
		)
		if err := rows.Scan(&req.ID, &req.WorkflowID, &triggerJSON, &req.Priority, &notBefore, &req.Attempt, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan request row: %w", err)
		}
		if err := json.Unmarshal([]byte(triggerJSON), &req.Trigger); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
		}
		if req.NotBefore, err = parseNullableTime(notBefore); err != nil {
			return nil, err
		}
		if req.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to parse enqueued_at: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating request rows: %w", err)
	}
	return reqs, nil
}

// SaveRunStarted records that a run began executing (implements Store interface).
func (s *SQLiteStore) SaveRunStarted(ctx context.Context, runID, workflowID string, startedAt time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
		INSERT INTO run_history (run_id, workflow_id, status, started_at)
		VALUES (?, ?, 'RUNNING', ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = 'RUNNING',
			started_at = excluded.started_at
	`
	_, err := s.db.ExecContext(ctx, query, runID, workflowID, startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save run start: %w", err)
	}
	return nil
}

// SaveStepResult records a step outcome (implements Store interface).
//
// Repeated step IDs within a run replace the prior record, so loop bodies
// leave their final iteration's outcome.
func (s *SQLiteStore) SaveStepResult(ctx context.Context, rec StepRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	outputJSON, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal step output: %w", err)
	}

	query := `
		INSERT INTO step_history (run_id, step_id, status, output, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step_id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.RunID, rec.StepID, rec.Status, string(outputJSON), rec.Error,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save step result: %w", err)
	}
	return nil
}

// SaveRunFinished records the terminal outcome of a run (implements Store interface).
func (s *SQLiteStore) SaveRunFinished(ctx context.Context, rec RunRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	outputJSON, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal run output: %w", err)
	}

	query := `
		INSERT INTO run_history (run_id, workflow_id, status, output, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			finished_at = excluded.finished_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.RunID, rec.WorkflowID, rec.Status, string(outputJSON), rec.Error,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save run finish: %w", err)
	}
	return nil
}

// LoadRun retrieves a run and its step history (implements Store interface).
//
// Returns ErrNotFound if the run ID is unknown.
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (RunRecord, []StepRecord, error) {
	if err := s.checkOpen(); err != nil {
		return RunRecord{}, nil, err
	}

	runQuery := `
		SELECT run_id, workflow_id, status, output, error, started_at, finished_at
		FROM run_history
		WHERE run_id = ?
	`
	var (
		run        RunRecord
		outputJSON sql.NullString
		startedAt  string
		finishedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, runQuery, runID).Scan(
		&run.RunID, &run.WorkflowID, &run.Status, &outputJSON, &run.Error, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, nil, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, nil, fmt.Errorf("failed to load run: %w", err)
	}
	if outputJSON.Valid && outputJSON.String != "" && outputJSON.String != "null" {
		if err := json.Unmarshal([]byte(outputJSON.String), &run.Output); err != nil {
			return RunRecord{}, nil, fmt.Errorf("failed to unmarshal run output: %w", err)
		}
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return RunRecord{}, nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if run.FinishedAt, err = parseNullableTime(finishedAt); err != nil {
		return RunRecord{}, nil, err
	}

	stepsQuery := `
		SELECT run_id, step_id, status, output, error, started_at, finished_at
		FROM step_history
		WHERE run_id = ?
		ORDER BY step_id ASC
	`
	rows, err := s.db.QueryContext(ctx, stepsQuery, runID)
	if err != nil {
		return RunRecord{}, nil, fmt.Errorf("failed to query step history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []StepRecord
	for rows.Next() {
		var (
			rec          StepRecord
			stepOutput   sql.NullString
			stepStarted  string
			stepFinished string
		)
		if err := rows.Scan(&rec.RunID, &rec.StepID, &rec.Status, &stepOutput, &rec.Error, &stepStarted, &stepFinished); err != nil {
			return RunRecord{}, nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		if stepOutput.Valid && stepOutput.String != "" && stepOutput.String != "null" {
			if err := json.Unmarshal([]byte(stepOutput.String), &rec.Output); err != nil {
				return RunRecord{}, nil, fmt.Errorf("failed to unmarshal step output: %w", err)
			}
		}
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, stepStarted); err != nil {
			return RunRecord{}, nil, fmt.Errorf("failed to parse step started_at: %w", err)
		}
		if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, stepFinished); err != nil {
			return RunRecord{}, nil, fmt.Errorf("failed to parse step finished_at: %w", err)
		}
		steps = append(steps, rec)
	}
	if err := rows.Err(); err != nil {
		return RunRecord{}, nil, fmt.Errorf("error iterating step rows: %w", err)
	}

	return run, steps, nil
}

// Close closes the database connection.
//
// Calling Close multiple times is safe (subsequent calls are no-ops).
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return t, nil
}

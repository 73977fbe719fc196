package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production deployments with multiple queue workers on one database
//   - Run history that outlives any single process
//   - Audit trails and compliance requirements
//
// MySQLStore uses connection pooling; all writes are single-statement
// upserts so no cross-statement transactions are needed.
//
// Schema:
//   - run_requests: persisted queue entries awaiting execution
//   - run_history: one row per run with its terminal outcome
//   - step_history: one row per step per run, latest outcome wins
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Never hardcode credentials; read the DSN from the environment:
//
//	store, err := NewMySQLStore(os.Getenv("MYSQL_DSN"))
//
// The store creates required tables on first use and verifies the
// connection before returning.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	requestsTable := `
		CREATE TABLE IF NOT EXISTS run_requests (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			trigger_data JSON NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			not_before VARCHAR(64) NULL,
			attempt INT NOT NULL DEFAULT 0,
			enqueued_at VARCHAR(64) NOT NULL,
			INDEX idx_requests_order (priority DESC, enqueued_at ASC)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, requestsTable); err != nil {
		return fmt.Errorf("failed to create run_requests table: %w", err)
	}

	runsTable := `
		CREATE TABLE IF NOT EXISTS run_history (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			output JSON NULL,
			error TEXT NOT NULL,
			started_at VARCHAR(64) NOT NULL,
			finished_at VARCHAR(64) NULL,
			INDEX idx_runs_workflow (workflow_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create run_history table: %w", err)
	}

	stepsTable := `
		CREATE TABLE IF NOT EXISTS step_history (
			run_id VARCHAR(255) NOT NULL,
			step_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			output JSON NULL,
			error TEXT NOT NULL,
			started_at VARCHAR(64) NOT NULL,
			finished_at VARCHAR(64) NOT NULL,
			PRIMARY KEY (run_id, step_id),
			INDEX idx_steps_run (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, stepsTable); err != nil {
		return fmt.Errorf("failed to create step_history table: %w", err)
	}

	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SaveRequest persists a queue entry (implements Store interface).
func (m *MySQLStore) SaveRequest(ctx context.Context, req RunRequest) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	triggerJSON, err := json.Marshal(req.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	query := `
		INSERT INTO run_requests (id, workflow_id, trigger_data, priority, not_before, attempt, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			priority = VALUES(priority),
			not_before = VALUES(not_before),
			attempt = VALUES(attempt)
	`
	_, err = m.db.ExecContext(ctx, query,
		req.ID, req.WorkflowID, string(triggerJSON), req.Priority,
		nullableTime(req.NotBefore), req.Attempt, req.EnqueuedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	return nil
}

// DeleteRequest removes a queue entry (implements Store interface).
func (m *MySQLStore) DeleteRequest(ctx context.Context, id string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	if _, err := m.db.ExecContext(ctx, "DELETE FROM run_requests WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	return nil
}

// PendingRequests returns all queue entries ordered by priority descending,
// then enqueue time ascending (implements Store interface).
func (m *MySQLStore) PendingRequests(ctx context.Context) ([]RunRequest, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, workflow_id, trigger_data, priority, not_before, attempt, enqueued_at
		FROM run_requests
		ORDER BY priority DESC, enqueued_at ASC
	`
	rows, err := m.db.QueryContext(ctx, query)
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
func (m *MySQLStore) SaveRunStarted(ctx context.Context, runID, workflowID string, startedAt time.Time) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	query := `
		INSERT INTO run_history (run_id, workflow_id, status, error, started_at)
		VALUES (?, ?, 'RUNNING', '', ?)
		ON DUPLICATE KEY UPDATE
			status = 'RUNNING',
			started_at = VALUES(started_at)
	`
	_, err := m.db.ExecContext(ctx, query, runID, workflowID, startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save run start: %w", err)
	}
	return nil
}

// SaveStepResult records a step outcome (implements Store interface).
func (m *MySQLStore) SaveStepResult(ctx context.Context, rec StepRecord) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	outputJSON, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal step output: %w", err)
	}

	query := `
		INSERT INTO step_history (run_id, step_id, status, output, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			output = VALUES(output),
			error = VALUES(error),
			started_at = VALUES(started_at),
			finished_at = VALUES(finished_at)
	`
	_, err = m.db.ExecContext(ctx, query,
		rec.RunID, rec.StepID, rec.Status, string(outputJSON), rec.Error,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save step result: %w", err)
	}
	return nil
}

// SaveRunFinished records the terminal outcome of a run (implements Store interface).
func (m *MySQLStore) SaveRunFinished(ctx context.Context, rec RunRecord) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	outputJSON, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal run output: %w", err)
	}

	query := `
		INSERT INTO run_history (run_id, workflow_id, status, output, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			output = VALUES(output),
			error = VALUES(error),
			finished_at = VALUES(finished_at)
	`
	_, err = m.db.ExecContext(ctx, query,
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
func (m *MySQLStore) LoadRun(ctx context.Context, runID string) (RunRecord, []StepRecord, error) {
	if err := m.checkOpen(); err != nil {
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
	err := m.db.QueryRowContext(ctx, runQuery, runID).Scan(
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
	rows, err := m.db.QueryContext(ctx, stepsQuery, runID)
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
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Package store provides persistence for queued run requests and run
// history.
//
// A Store backs two independent concerns:
//   - The run queue persists every accepted request before admitting it,
//     so queued work survives a process restart.
//   - The run recorder appends run and step outcomes as they happen, so
//     history is queryable after the fact.
//
// Implementations: MemStore (testing), SQLiteStore (single process),
// MySQLStore (shared database).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run ID does not exist.
var ErrNotFound = errors.New("not found")

// RunRequest is a persisted queue entry: a workflow to execute with its
// trigger payload and scheduling attributes.
type RunRequest struct {
	// ID is the run identifier, assigned at enqueue time.
	ID string

	// WorkflowID names the definition to execute.
	WorkflowID string

	// Trigger is the payload the run starts from.
	Trigger map[string]interface{}

	// Priority orders dispatch; higher runs first. Equal priorities
	// dispatch in enqueue order.
	Priority int

	// NotBefore delays eligibility. The zero value means immediately
	// eligible.
	NotBefore time.Time

	// Attempt counts executions of this request, starting at 0.
	Attempt int

	// EnqueuedAt is when the request was first accepted.
	EnqueuedAt time.Time
}

// RunRecord is the persisted outcome of one workflow run.
type RunRecord struct {
	RunID      string
	WorkflowID string

	// Status is the terminal run status, or "RUNNING" while in flight.
	Status string

	Output map[string]interface{}

	// Error is the run-level error text, empty on success.
	Error string

	StartedAt  time.Time
	FinishedAt time.Time
}

// StepRecord is the persisted outcome of one step within a run. Steps
// inside loop bodies execute repeatedly under the same step ID; the latest
// outcome wins.
type StepRecord struct {
	RunID  string
	StepID string
	Status string

	Output interface{}

	// Error is the step error text, empty on success.
	Error string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Store persists queued run requests and run history.
//
// Request methods back the run queue; history methods back the recorder.
// Implementations must be safe for concurrent use: queue workers and
// scheduler goroutines call into the store simultaneously.
type Store interface {
	// SaveRequest persists a queue entry. Saving an existing ID updates
	// it in place, which the queue uses to bump Attempt and NotBefore
	// between retries.
	SaveRequest(ctx context.Context, req RunRequest) error

	// DeleteRequest removes a queue entry once its run reached a
	// terminal outcome. Deleting an unknown ID is a no-op.
	DeleteRequest(ctx context.Context, id string) error

	// PendingRequests returns all persisted queue entries, ordered by
	// priority descending then enqueue time ascending. Used on startup
	// to recover work that was queued when the process stopped.
	PendingRequests(ctx context.Context) ([]RunRequest, error)

	// SaveRunStarted records that a run began executing.
	SaveRunStarted(ctx context.Context, runID, workflowID string, startedAt time.Time) error

	// SaveStepResult records a step outcome. Repeated step IDs within a
	// run replace the prior record.
	SaveStepResult(ctx context.Context, rec StepRecord) error

	// SaveRunFinished records the terminal outcome of a run.
	SaveRunFinished(ctx context.Context, rec RunRecord) error

	// LoadRun retrieves a run and its step history.
	// Returns ErrNotFound if the run ID is unknown.
	LoadRun(ctx context.Context, runID string) (RunRecord, []StepRecord, error)

	// Close releases the store's resources. After Close all operations
	// return an error.
	Close() error
}

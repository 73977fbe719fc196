package store

import (
	"context"
	"time"

	"github.com/dshills/flowrun-go/flow"
)

// Recorder adapts a Store into a flow.Recorder, persisting run and step
// outcomes as the engine reports them.
//
// Safe for concurrent use when the underlying Store is.
type Recorder struct {
	store Store
}

// NewRecorder creates a store-backed run recorder.
func NewRecorder(s Store) *Recorder {
	return &Recorder{store: s}
}

// OnRunStarted persists the run start (implements flow.Recorder).
func (r *Recorder) OnRunStarted(ctx context.Context, runID, workflowID string) error {
	return r.store.SaveRunStarted(ctx, runID, workflowID, time.Now())
}

// OnStepCompleted persists a step outcome (implements flow.Recorder).
func (r *Recorder) OnStepCompleted(ctx context.Context, runID string, result flow.StepResult) error {
	rec := StepRecord{
		RunID:      runID,
		StepID:     result.StepID,
		Status:     string(result.Status),
		Output:     result.Output,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	return r.store.SaveStepResult(ctx, rec)
}

// OnRunFinished persists the terminal run outcome (implements flow.Recorder).
func (r *Recorder) OnRunFinished(ctx context.Context, result *flow.RunResult) error {
	rec := RunRecord{
		RunID:      result.RunID,
		WorkflowID: result.WorkflowID,
		Status:     string(result.Status),
		Output:     result.Output,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	return r.store.SaveRunFinished(ctx, rec)
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/flowrun-go/flow"
)

// TestRecorderPersistsRun verifies the recorder converts engine results into
// store records.
func TestRecorderPersistsRun(t *testing.T) {
	s := NewMemStore()
	defer func() { _ = s.Close() }()
	rec := NewRecorder(s)
	ctx := context.Background()

	if err := rec.OnRunStarted(ctx, "run-1", "wf-orders"); err != nil {
		t.Fatalf("failed to record run start: %v", err)
	}

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := rec.OnStepCompleted(ctx, "run-1", flow.StepResult{
		StepID:     "fetch",
		Status:     flow.StepSucceeded,
		Output:     map[string]interface{}{"n": "1"},
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}); err != nil {
		t.Fatalf("failed to record step: %v", err)
	}
	if err := rec.OnStepCompleted(ctx, "run-1", flow.StepResult{
		StepID:     "charge",
		Status:     flow.StepFailed,
		Err:        &flow.StepError{StepID: "charge", Cause: errors.New("card declined")},
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}); err != nil {
		t.Fatalf("failed to record step: %v", err)
	}

	if err := rec.OnRunFinished(ctx, &flow.RunResult{
		RunID:      "run-1",
		WorkflowID: "wf-orders",
		Status:     flow.RunPartial,
		Output:     map[string]interface{}{"fetch": "done"},
		Err:        errors.New("output incomplete"),
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
	}); err != nil {
		t.Fatalf("failed to record run finish: %v", err)
	}

	run, steps, err := s.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to load run: %v", err)
	}
	if run.Status != string(flow.RunPartial) {
		t.Errorf("expected PARTIAL, got %s", run.Status)
	}
	if run.Error != "output incomplete" {
		t.Errorf("expected run error text, got %q", run.Error)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 step records, got %d", len(steps))
	}
	if steps[0].StepID != "charge" || steps[0].Error == "" {
		t.Errorf("expected charge failure recorded, got %+v", steps[0])
	}
	if steps[1].StepID != "fetch" || steps[1].Status != string(flow.StepSucceeded) {
		t.Errorf("expected fetch success recorded, got %+v", steps[1])
	}
}

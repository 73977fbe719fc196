package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for tests and single-run tooling; nothing survives the process.
// Thread-safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	closed   bool
	requests map[string]RunRequest
	runs     map[string]RunRecord
	steps    map[string]map[string]StepRecord
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		requests: make(map[string]RunRequest),
		runs:     make(map[string]RunRecord),
		steps:    make(map[string]map[string]StepRecord),
	}
}

// SaveRequest persists a queue entry (implements Store interface).
func (m *MemStore) SaveRequest(_ context.Context, req RunRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}

	trigger := make(map[string]interface{}, len(req.Trigger))
	for k, v := range req.Trigger {
		trigger[k] = v
	}
	req.Trigger = trigger
	m.requests[req.ID] = req
	return nil
}

// DeleteRequest removes a queue entry (implements Store interface).
func (m *MemStore) DeleteRequest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}

	delete(m.requests, id)
	return nil
}

// PendingRequests returns all queue entries ordered by priority descending,
// then enqueue time ascending (implements Store interface).
func (m *MemStore) PendingRequests(_ context.Context) ([]RunRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	reqs := make([]RunRequest, 0, len(m.requests))
	for _, req := range m.requests {
		reqs = append(reqs, req)
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Priority != reqs[j].Priority {
			return reqs[i].Priority > reqs[j].Priority
		}
		return reqs[i].EnqueuedAt.Before(reqs[j].EnqueuedAt)
	})
	return reqs, nil
}

// SaveRunStarted records that a run began executing (implements Store interface).
func (m *MemStore) SaveRunStarted(_ context.Context, runID, workflowID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}

	m.runs[runID] = RunRecord{
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     "RUNNING",
		StartedAt:  startedAt,
	}
	return nil
}

// SaveStepResult records a step outcome, replacing any prior record for the
// same run and step ID (implements Store interface).
func (m *MemStore) SaveStepResult(_ context.Context, rec StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}

	byStep, ok := m.steps[rec.RunID]
	if !ok {
		byStep = make(map[string]StepRecord)
		m.steps[rec.RunID] = byStep
	}
	byStep[rec.StepID] = rec
	return nil
}

// SaveRunFinished records the terminal outcome of a run (implements Store interface).
func (m *MemStore) SaveRunFinished(_ context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}

	if existing, ok := m.runs[rec.RunID]; ok && rec.StartedAt.IsZero() {
		rec.StartedAt = existing.StartedAt
	}
	m.runs[rec.RunID] = rec
	return nil
}

// LoadRun retrieves a run and its step history (implements Store interface).
//
// Steps are returned sorted by step ID for stable output.
// Returns ErrNotFound if the run ID is unknown.
func (m *MemStore) LoadRun(_ context.Context, runID string) (RunRecord, []StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return RunRecord{}, nil, fmt.Errorf("store is closed")
	}

	run, ok := m.runs[runID]
	if !ok {
		return RunRecord{}, nil, ErrNotFound
	}

	steps := make([]StepRecord, 0, len(m.steps[runID]))
	for _, rec := range m.steps[runID] {
		steps = append(steps, rec)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepID < steps[j].StepID })
	return run, steps, nil
}

// Close marks the store closed. Double-close is a no-op.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

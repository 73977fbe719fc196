package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/flowrun-go/flow"
)

// DefinitionSource resolves workflow IDs to definitions at dispatch time.
// Persisted requests carry only the workflow ID, so the definition can be
// updated between enqueue and execution.
type DefinitionSource interface {
	Definition(ctx context.Context, workflowID string) (*flow.Definition, error)
}

// DefinitionMap is an in-memory DefinitionSource.
//
// Safe for concurrent use.
type DefinitionMap struct {
	mu   sync.RWMutex
	defs map[string]*flow.Definition
}

// NewDefinitionMap creates a DefinitionMap holding the given definitions,
// keyed by their IDs.
func NewDefinitionMap(defs ...*flow.Definition) *DefinitionMap {
	m := &DefinitionMap{defs: make(map[string]*flow.Definition, len(defs))}
	for _, def := range defs {
		m.defs[def.ID] = def
	}
	return m
}

// Add registers or replaces a definition under its ID.
func (m *DefinitionMap) Add(def *flow.Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = def
}

// Definition resolves a workflow ID (implements DefinitionSource).
func (m *DefinitionMap) Definition(_ context.Context, workflowID string) (*flow.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[workflowID]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", workflowID)
	}
	return def, nil
}

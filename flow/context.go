package flow

import (
	"context"
	"fmt"
	"sync"
)

// CredentialResolver looks up secrets referenced as {{credential.name}}.
// The credential store itself is an external collaborator.
type CredentialResolver interface {
	Credential(ctx context.Context, name string) (string, error)
}

// CredentialMap is an in-memory CredentialResolver for tests and examples.
type CredentialMap map[string]string

// Credential implements CredentialResolver.
func (m CredentialMap) Credential(_ context.Context, name string) (string, error) {
	secret, ok := m[name]
	if !ok {
		return "", fmt.Errorf("credential %q not found", name)
	}
	return secret, nil
}

// RunContext is the mutable state of one workflow execution: the trigger
// payload plus a map from output binding name to produced value.
//
// Exactly one RunContext exists per run; it is never shared across runs.
// Sibling steps of the same run write concurrently, but each step writes
// only its own binding (uniqueness is enforced at validation time), so a
// single mutex suffices.
//
// Loop iterations get child views: a child shares the parent's bindings for
// reads, while its own writes (the loop variable and body step outputs) stay
// iteration-local.
type RunContext struct {
	// RunID uniquely identifies this execution.
	RunID string

	// Trigger is the payload the trigger produced.
	Trigger map[string]interface{}

	mu     sync.RWMutex
	values map[string]interface{}

	parent *RunContext
	creds  CredentialResolver
}

// NewRunContext creates the root context for one run. creds may be nil when
// the definition uses no credential references.
func NewRunContext(runID string, trigger map[string]interface{}, creds CredentialResolver) *RunContext {
	return &RunContext{
		RunID:   runID,
		Trigger: trigger,
		values:  make(map[string]interface{}),
		creds:   creds,
	}
}

// Set records a step's output under its binding name.
func (rc *RunContext) Set(binding string, value interface{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.values[binding] = value
}

// Get looks up a binding, consulting parent scopes for loop views.
func (rc *RunContext) Get(binding string) (interface{}, bool) {
	rc.mu.RLock()
	value, ok := rc.values[binding]
	rc.mu.RUnlock()
	if ok {
		return value, true
	}
	if rc.parent != nil {
		return rc.parent.Get(binding)
	}
	return nil, false
}

// Child creates an iteration-scoped view holding one loop variable. Reads
// fall through to the parent; writes stay in the child.
func (rc *RunContext) Child(loopVar string, value interface{}) *RunContext {
	child := &RunContext{
		RunID:   rc.RunID,
		Trigger: rc.Trigger,
		values:  map[string]interface{}{loopVar: value},
		parent:  rc,
		creds:   rc.creds,
	}
	return child
}

// Snapshot returns a copy of all visible bindings, child scopes shadowing
// parents. Used for expression evaluation and final run reporting.
func (rc *RunContext) Snapshot() map[string]interface{} {
	var merged map[string]interface{}
	if rc.parent != nil {
		merged = rc.parent.Snapshot()
	} else {
		merged = make(map[string]interface{})
	}

	rc.mu.RLock()
	defer rc.mu.RUnlock()
	for k, v := range rc.values {
		merged[k] = v
	}
	return merged
}

func (rc *RunContext) credential(ctx context.Context, name string) (string, error) {
	if rc.creds == nil {
		return "", fmt.Errorf("credential %q requested but no credential resolver configured", name)
	}
	return rc.creds.Credential(ctx, name)
}

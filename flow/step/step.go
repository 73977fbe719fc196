// Package step provides the capability registry that maps dotted capability
// names to step implementations.
//
// The registry is not schedule-aware: a handler is an opaque callable from
// resolved input to output, and the engine has no knowledge of what it does.
package step

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotRegistered is returned when a workflow references a capability name
// with no registered handler.
var ErrNotRegistered = errors.New("capability not registered")

// Handler implements one capability. Input and output are structured values;
// failures are reported as errors for the engine to classify.
type Handler interface {
	// Call executes the capability. Implementations must respect context
	// cancellation: the engine's resilience layer cancels the context on
	// timeout or run cancellation.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// Call implements Handler.
func (f HandlerFunc) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, input)
}

// Registry maps dotted capability names (e.g. "http.request",
// "slack.postMessage") to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a capability name to a handler.
//
// Names must be non-empty, dot-separated segments of letters, digits,
// underscores, and hyphens. Registering a duplicate name is an error.
func (r *Registry) Register(name string, h Handler) error {
	if err := validateName(name); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("capability %s: handler cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("capability %s: already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup resolves a capability name to its handler.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("capability %s: %w", name, ErrNotRegistered)
	}
	return h, nil
}

// Names returns all registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateName(name string) error {
	if name == "" {
		return errors.New("capability name cannot be empty")
	}
	for _, segment := range strings.Split(name, ".") {
		if segment == "" {
			return fmt.Errorf("capability %s: empty name segment", name)
		}
		for _, r := range segment {
			if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
				continue
			}
			return fmt.Errorf("capability %s: invalid character %q", name, r)
		}
	}
	return nil
}

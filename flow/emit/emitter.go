// Package emit provides pluggable observability for workflow execution.
package emit

// Emitter receives observability events from the engine, the resilience
// layer, and the run queue.
//
// Implementations must be:
//   - Non-blocking: never stall workflow execution
//   - Thread-safe: events arrive concurrently from many goroutines
//   - Resilient: a failing backend must not crash the workflow
type Emitter interface {
	// Emit delivers a single event. Emit must not panic; backend errors
	// should be swallowed or logged internally.
	Emit(event Event)
}

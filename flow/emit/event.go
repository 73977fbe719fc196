package emit

// Event is an observability event produced during workflow execution.
//
// Events cover the whole engine surface:
//   - run lifecycle (run_started, run_finished)
//   - step lifecycle (step_started, step_succeeded, step_failed, step_skipped)
//   - resilience transitions (breaker_open, breaker_half_open, breaker_closed,
//     limiter_wait)
//   - queue activity (run_enqueued, run_retrying, run_retry_exhausted)
//
// Events are delivered to an Emitter which can log them, turn them into
// OpenTelemetry spans, or drop them.
type Event struct {
	// RunID identifies the workflow execution that produced this event.
	// Empty for process-wide events such as breaker transitions.
	RunID string

	// StepID identifies the step this event relates to.
	// Empty for run-level and endpoint-level events.
	StepID string

	// Endpoint is the external-call identity for resilience events.
	Endpoint string

	// Msg is the event name, e.g. "step_succeeded".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error text
	//   - "status": run or step status
	//   - "attempt": queue retry attempt
	Meta map[string]interface{}
}

package flow

import (
	"errors"
	"fmt"
)

// ErrMaxIterationsExceeded is the terminal outcome of a while step whose
// condition never became false within its iteration bound. The step is
// FAILED, never silently truncated.
var ErrMaxIterationsExceeded = errors.New("while step exceeded maximum iterations")

// Validation error codes. Validation failures are fatal before execution and
// are never retried.
const (
	CodeMalformedDefinition = "MALFORMED_DEFINITION"
	CodeBadStepSpec         = "BAD_STEP_SPEC"
	CodeDuplicateStep       = "DUPLICATE_STEP"
	CodeDuplicateBinding    = "DUPLICATE_BINDING"
	CodeMalformedReference  = "MALFORMED_REFERENCE"
	CodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	CodeCyclicDependency    = "CYCLIC_DEPENDENCY"
	CodeBadExpression       = "BAD_EXPRESSION"
)

// ValidationError reports a workflow definition problem detected before any
// step executes.
type ValidationError struct {
	// Code is a machine-readable error code (see Code* constants).
	Code string

	// StepID identifies the offending step, when one is known.
	StepID string

	// Message is the human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s: step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StepError wraps the failure of a single step. Step failures are recovered
// locally: they never crash the scheduler, and only the failed step's
// descendants are skipped.
type StepError struct {
	// StepID is the failed step.
	StepID string

	// Endpoint is the resilience scope of the underlying call, when the
	// failure came from an external call.
	Endpoint string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("step %s failed", e.StepID)
	}
	return fmt.Sprintf("step %s: %v", e.StepID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is / errors.As.
func (e *StepError) Unwrap() error {
	return e.Cause
}

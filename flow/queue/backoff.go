package queue

import (
	"errors"
	"math/rand"
	"time"
)

// ErrRetryExhausted is returned when a run request fails on its final
// permitted attempt. It wraps the last execution error.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// ErrInvalidRetryPolicy indicates a RetryPolicy with impossible constraints.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy defines automatic retry configuration for failed runs.
//
// Retries re-execute the whole run, so they are reserved for runs that
// errored without producing a recorded outcome. A run that finished FAILED
// carries its step failures in the result and settles as terminal unless
// the Retryable hook opts it in. When a retry is due, the queue re-persists
// the request with a backoff deadline instead of re-executing immediately.
// Exponential backoff with jitter avoids synchronized retry storms when
// many runs fail against the same endpoint.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts, including
	// the initial attempt. Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between
	// attempts. The actual delay is min(BaseDelay * 2^attempt, MaxDelay)
	// plus jitter in [0, BaseDelay).
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Retryable opts FAILED run results into retry; it receives the
	// result's error. Nil means FAILED results are terminal. It is not
	// consulted for errors that escape the engine without a result
	// (always retried) or validation failures (never retried).
	Retryable func(error) bool
}

// Validate checks the policy constraints:
//   - MaxAttempts must be >= 1
//   - If both MaxDelay and BaseDelay are set, MaxDelay must be >= BaseDelay
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff calculates the delay before the next attempt:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// attempt is zero-based (0 = first retry). Jitter spreads concurrent
// retries so a burst of failures does not come back as a burst of retries.
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing, not security
	return delay + jitter
}

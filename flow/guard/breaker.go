package guard

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected because the endpoint's
// circuit is open. Fast-fail rejections do not count toward the breaker's
// own failure threshold.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the circuit breaker state for one endpoint.
type State int

const (
	// StateClosed admits all calls.
	StateClosed State = iota

	// StateOpen rejects all calls until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits exactly one trial call.
	StateHalfOpen
)

// String returns the canonical state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker is a circuit breaker scoped to a single endpoint.
//
// Lifecycle:
//   - CLOSED: calls pass through; consecutive failures are counted. Reaching
//     the threshold opens the circuit.
//   - OPEN: calls fail immediately with ErrCircuitOpen. After the cooldown
//     window the next Allow transitions to HALF_OPEN.
//   - HALF_OPEN: exactly one trial call is admitted. Success closes the
//     circuit and resets the counter; failure reopens it and restarts the
//     cooldown.
//
// Breaker state is process-wide and outlives any single run, so all methods
// are safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	state     State
	failures  int
	openedAt  time.Time
	trial     bool // a half-open trial call is in flight

	// now is a clock hook for tests.
	now func() time.Time

	// onChange, if set, is invoked (outside critical operations but while
	// holding the breaker lock) whenever the state transitions.
	onChange func(from, to State)
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for the cooldown window.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen when
// the circuit is open or a half-open trial is already in flight.
//
// Every admitted call must be followed by exactly one Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trial = true
		return nil
	case StateHalfOpen:
		if b.trial {
			return ErrCircuitOpen
		}
		b.trial = true
		return nil
	}
	return nil
}

// Record reports the outcome of an admitted call. A nil error counts as
// success; any other error counts toward the failure threshold. Errors that
// are themselves ErrCircuitOpen are ignored so fast-fails never feed back
// into the counter.
func (b *Breaker) Record(err error) {
	if errors.Is(err, ErrCircuitOpen) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trial = false
		if err == nil {
			b.failures = 0
			b.transition(StateClosed)
			return
		}
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateClosed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateOpen:
		// A straggler finishing after the circuit opened; the cooldown
		// already governs recovery.
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

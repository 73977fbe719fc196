package guard

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(threshold, cooldown)
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }
	return b, &current
}

func failTimes(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		if err := b.Allow(); err != nil {
			return
		}
		b.Record(errors.New("downstream error"))
	}
}

// TestBreakerOpensAtThreshold verifies consecutive failures open the circuit
// and that a success in between resets the counter.
func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	failTimes(b, 2)
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED below the threshold, got %s", b.State())
	}

	// A success resets the consecutive count.
	if err := b.Allow(); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	b.Record(nil)
	if b.Failures() != 0 {
		t.Errorf("expected failure count reset, got %d", b.Failures())
	}

	failTimes(b, 3)
	if b.State() != StateOpen {
		t.Errorf("expected OPEN at the threshold, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

// TestBreakerFastFailNotCounted verifies rejections while open do not feed
// back into the failure counter.
func TestBreakerFastFailNotCounted(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	failTimes(b, 2)

	for i := 0; i < 10; i++ {
		err := b.Allow()
		if !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("expected ErrCircuitOpen, got %v", err)
		}
		b.Record(err)
	}
	if b.State() != StateOpen {
		t.Errorf("expected circuit to stay OPEN, got %s", b.State())
	}
}

// TestBreakerHalfOpenTrialSucceeds verifies the cooldown admits exactly one
// trial call and its success closes the circuit.
func TestBreakerHalfOpenTrialSucceeds(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	failTimes(b, 2)

	*clock = clock.Add(time.Minute)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial call admitted after cooldown, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State())
	}

	// A second call during the trial is rejected.
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected concurrent trial rejected, got %v", err)
	}

	b.Record(nil)
	if b.State() != StateClosed {
		t.Errorf("expected CLOSED after trial success, got %s", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("expected failure count reset, got %d", b.Failures())
	}
}

// TestBreakerHalfOpenTrialFails verifies a failed trial reopens the circuit
// and restarts the cooldown.
func TestBreakerHalfOpenTrialFails(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	failTimes(b, 2)

	*clock = clock.Add(time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial call admitted, got %v", err)
	}
	b.Record(errors.New("still down"))

	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after trial failure, got %s", b.State())
	}

	// Half a cooldown later the circuit is still open.
	*clock = clock.Add(30 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected rejection during the restarted cooldown, got %v", err)
	}

	// A full cooldown later a new trial is admitted.
	*clock = clock.Add(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Errorf("expected new trial after restarted cooldown, got %v", err)
	}
}

// TestBreakerStateChangeCallback verifies transition notifications fire in
// order.
func TestBreakerStateChangeCallback(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	var transitions []string
	b.onChange = func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}

	failTimes(b, 1)
	*clock = clock.Add(time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	b.Record(nil)

	want := []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("expected transition %d to be %s, got %s", i, want[i], transitions[i])
		}
	}
}

// TestStateString verifies the canonical state names.
func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
}

package queue

import (
	"testing"
	"time"
)

// TestRetryPolicyValidate verifies the policy constraints.
func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"defaults", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}, false},
		{"single attempt", RetryPolicy{MaxAttempts: 1}, false},
		{"no cap", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second}, false},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, true},
		{"negative attempts", RetryPolicy{MaxAttempts: -1}, true},
		{"cap below base", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Minute, MaxDelay: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected an error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// TestComputeBackoff verifies exponential growth, the cap, and the jitter
// bound.
func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := time.Second

	tests := []struct {
		attempt int
		wantMin time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second}, // capped
		{10, time.Second},
	}
	for _, tt := range tests {
		got := computeBackoff(tt.attempt, base, maxDelay)
		if got < tt.wantMin {
			t.Errorf("attempt %d: expected at least %v, got %v", tt.attempt, tt.wantMin, got)
		}
		if got >= tt.wantMin+base {
			t.Errorf("attempt %d: expected jitter below %v, got %v", tt.attempt, base, got-tt.wantMin)
		}
	}
}

// TestComputeBackoffZeroBase verifies a zero base disables backoff.
func TestComputeBackoffZeroBase(t *testing.T) {
	if got := computeBackoff(3, 0, time.Second); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

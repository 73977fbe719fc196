package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestLimiterInFlightCap verifies no more than MaxInFlight calls are admitted
// simultaneously.
func TestLimiterInFlightCap(t *testing.T) {
	l := NewLimiter(Config{MaxInFlight: 2, MaxWait: -1})
	defer l.Close()

	ctx := context.Background()
	var inFlight, peak int64
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx); err != nil {
				t.Errorf("unexpected acquire error: %v", err)
				return
			}
			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			l.Release()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("expected at most 2 in flight, observed %d", got)
	}
}

// TestLimiterReservoir verifies tokens are consumed per call and replenish on
// the refill interval independent of consumption.
func TestLimiterReservoir(t *testing.T) {
	l := NewLimiter(Config{
		MaxInFlight:       -1,
		ReservoirCapacity: 2,
		RefillAmount:      2,
		RefillInterval:    20 * time.Millisecond,
		MaxWait:           -1,
	})
	defer l.Close()

	ctx := context.Background()

	// The initial reservoir admits two calls immediately.
	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("expected initial token %d, got %v", i, err)
		}
		l.Release()
	}

	// The third call blocks until the refill.
	start := time.Now()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	l.Release()
	if waited := time.Since(start); waited < 5*time.Millisecond {
		t.Errorf("expected the third call to wait for a refill, waited %v", waited)
	}
}

// TestLimiterMaxWait verifies a prolonged block surfaces as
// ErrRateLimitExceeded rather than blocking forever.
func TestLimiterMaxWait(t *testing.T) {
	l := NewLimiter(Config{
		MaxInFlight:       -1,
		ReservoirCapacity: 1,
		RefillAmount:      1,
		RefillInterval:    time.Hour,
		MaxWait:           20 * time.Millisecond,
	})
	defer l.Close()

	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	l.Release()

	err := l.Acquire(ctx)
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Errorf("expected ErrRateLimitExceeded, got %v", err)
	}
}

// TestLimiterCallerCancellation verifies caller cancellation is reported as
// the context error, not as a rate-limit failure.
func TestLimiterCallerCancellation(t *testing.T) {
	l := NewLimiter(Config{
		MaxInFlight:       -1,
		ReservoirCapacity: 1,
		RefillAmount:      1,
		RefillInterval:    time.Hour,
		MaxWait:           time.Hour,
	})
	defer l.Close()

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	l.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := l.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// TestLimiterMinInterval verifies calls are spaced by the configured minimum
// interval.
func TestLimiterMinInterval(t *testing.T) {
	l := NewLimiter(Config{MaxInFlight: -1, MinInterval: 15 * time.Millisecond, MaxWait: -1})
	defer l.Close()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("unexpected acquire error: %v", err)
		}
		l.Release()
	}
	// Burst 1 means the second and third calls each wait a full interval.
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("expected spacing of at least two intervals, elapsed %v", elapsed)
	}
}

// TestLimiterWaitCallback verifies the admission-latency hook fires.
func TestLimiterWaitCallback(t *testing.T) {
	l := NewLimiter(Config{MaxInFlight: 1, MaxWait: -1})
	defer l.Close()

	var calls int64
	l.onWait = func(time.Duration) { atomic.AddInt64(&calls, 1) }

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	l.Release()

	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("expected 1 wait observation, got %d", calls)
	}
}

package guard

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when a call waited longer than the
// configured cap for rate-limiter admission. The limiter normally blocks
// rather than rejects; this error only surfaces when blocking is prolonged
// past Config.MaxWait.
var ErrRateLimitExceeded = errors.New("rate limit wait exceeded")

// Limiter gates calls to one endpoint with three independent admission
// checks, applied in order:
//
//  1. A minimum inter-call interval (golang.org/x/time/rate with burst 1).
//  2. A token reservoir refilled by a fixed amount on a fixed interval,
//     independent of consumption.
//  3. An in-flight cap bounding simultaneous calls (weighted semaphore).
//
// All gates block asynchronously on the caller's context. Limiter state is
// per endpoint and process-wide; all methods are safe for concurrent use.
type Limiter struct {
	gate     *rate.Limiter
	tokens   chan struct{}
	inflight *semaphore.Weighted
	maxWait  time.Duration
	refill   int
	stop     chan struct{}

	// onWait, if set, observes how long admission blocked.
	onWait func(waited time.Duration)
}

// NewLimiter creates a limiter from the endpoint config. When the config
// enables the reservoir, a refill goroutine runs until Close is called.
func NewLimiter(cfg Config) *Limiter {
	cfg = cfg.withDefaults()

	l := &Limiter{
		maxWait: cfg.MaxWait,
		stop:    make(chan struct{}),
	}

	if cfg.MinInterval > 0 {
		l.gate = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	if cfg.MaxInFlight > 0 {
		l.inflight = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	if cfg.ReservoirCapacity > 0 {
		l.tokens = make(chan struct{}, cfg.ReservoirCapacity)
		for i := 0; i < cfg.ReservoirCapacity; i++ {
			l.tokens <- struct{}{}
		}
		l.refill = cfg.RefillAmount
		go l.refillLoop(cfg.RefillInterval)
	}

	return l
}

// Acquire blocks until the call is admitted by all gates, the context is
// cancelled, or the wait cap elapses. A wait-cap expiry is reported as
// ErrRateLimitExceeded; caller cancellation is reported as the context error.
//
// Every successful Acquire must be paired with Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	waitCtx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}

	if l.gate != nil {
		if err := l.gate.Wait(waitCtx); err != nil {
			return l.classify(ctx, err)
		}
	}

	if l.tokens != nil {
		select {
		case <-l.tokens:
		case <-waitCtx.Done():
			return l.classify(ctx, waitCtx.Err())
		}
	}

	if l.inflight != nil {
		if err := l.inflight.Acquire(waitCtx, 1); err != nil {
			return l.classify(ctx, err)
		}
	}

	if l.onWait != nil {
		l.onWait(time.Since(start))
	}
	return nil
}

// Release returns the in-flight slot taken by a successful Acquire.
// Reservoir tokens are not returned; they replenish only via refill.
func (l *Limiter) Release() {
	if l.inflight != nil {
		l.inflight.Release(1)
	}
}

// Close stops the refill goroutine. The limiter must not be used after Close.
func (l *Limiter) Close() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// classify converts wait-cap expiry into ErrRateLimitExceeded while
// preserving genuine caller cancellation.
func (l *Limiter) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrRateLimitExceeded
	}
	// rate.Limiter reports its own error text when the deadline cannot be
	// met; treat that as a wait-cap expiry as well.
	return ErrRateLimitExceeded
}

func (l *Limiter) refillLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			for i := 0; i < l.refill; i++ {
				select {
				case l.tokens <- struct{}{}:
				default:
					// Reservoir full; drop the excess.
				}
			}
		}
	}
}

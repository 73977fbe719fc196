// Package guard wraps external calls with per-endpoint resilience policies:
// rate limiting, circuit breaking, and timeouts.
//
// Policies are keyed by endpoint identity and shared process-wide. The
// Registry is an explicit object with a defined lifecycle: create it at
// process start, pass it by reference, and Close it at shutdown. Endpoint
// state is created lazily on first use and never destroyed while the process
// is alive.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned when a call exceeded its per-endpoint timeout. The
// in-flight call is cancelled best-effort via its context, and the timeout
// counts toward the circuit breaker's failure threshold.
var ErrTimeout = errors.New("call exceeded endpoint timeout")

// Call is the shape of an external-service invocation the engine guards.
type Call func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// Config holds the resilience policy for one endpoint. Zero values take the
// documented defaults.
type Config struct {
	// Timeout bounds each call. Default 30s. Negative disables.
	Timeout time.Duration

	// MaxInFlight bounds simultaneous calls to the endpoint. Default 4.
	// Negative disables the cap.
	MaxInFlight int64

	// MinInterval is the minimum spacing between admitted calls.
	// Default 0 (disabled).
	MinInterval time.Duration

	// ReservoirCapacity is the token bucket size. Default 0 (disabled).
	ReservoirCapacity int

	// RefillAmount tokens are added every RefillInterval, independent of
	// consumption. Defaults: RefillAmount = ReservoirCapacity,
	// RefillInterval = 1s.
	RefillAmount   int
	RefillInterval time.Duration

	// MaxWait caps how long a call may block on limiter admission before
	// failing with ErrRateLimitExceeded. Default 1m. Negative disables.
	MaxWait time.Duration

	// FailureThreshold is the consecutive failure count that opens the
	// circuit. Default 5.
	FailureThreshold int

	// Cooldown is how long an open circuit waits before admitting a
	// half-open trial call. Default 30s.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 4
	}
	if c.ReservoirCapacity > 0 {
		if c.RefillAmount == 0 {
			c.RefillAmount = c.ReservoirCapacity
		}
		if c.RefillInterval == 0 {
			c.RefillInterval = time.Second
		}
	}
	if c.MaxWait == 0 {
		c.MaxWait = time.Minute
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// endpoint bundles the shared mutable state for one external-call identity.
type endpoint struct {
	key     string
	cfg     Config
	breaker *Breaker
	limiter *Limiter
}

// Registry owns the per-endpoint breakers and limiters.
type Registry struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	endpoints map[string]*endpoint

	// OnStateChange, if set, observes circuit transitions. Set it before
	// the first call to any endpoint.
	OnStateChange func(endpoint string, from, to State)

	// OnLimiterWait, if set, observes limiter admission latency.
	OnLimiterWait func(endpoint string, waited time.Duration)
}

// NewRegistry creates a registry whose endpoints default to the given config.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		defaults:  defaults,
		overrides: make(map[string]Config),
		endpoints: make(map[string]*endpoint),
	}
}

// Configure sets a per-endpoint policy override. It must be called before the
// endpoint's first use; later calls have no effect on live endpoint state.
func (r *Registry) Configure(key string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[key] = cfg
}

// Wrap returns fn guarded by the endpoint's policies, enforced in order:
// rate limiting, circuit breaking, timeout, the real call, classification.
func (r *Registry) Wrap(key string, fn Call) Call {
	return func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		ep := r.endpoint(key)

		if err := ep.limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", key, err)
		}
		defer ep.limiter.Release()

		if err := ep.breaker.Allow(); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", key, err)
		}

		callCtx := ctx
		if ep.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, ep.cfg.Timeout)
			defer cancel()
		}

		out, err := fn(callCtx, input)
		if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("endpoint %s: %w", key, ErrTimeout)
		}

		ep.breaker.Record(err)
		// Partial output may accompany an error (e.g. an HTTP error
		// response body) and is propagated for reporting.
		return out, err
	}
}

// BreakerState reports the circuit state for an endpoint, creating the
// endpoint lazily like any call would.
func (r *Registry) BreakerState(key string) State {
	return r.endpoint(key).breaker.State()
}

// Close stops the refill goroutines of every limiter the registry created.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ep := range r.endpoints {
		ep.limiter.Close()
	}
}

func (r *Registry) endpoint(key string) *endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[key]; ok {
		return ep
	}

	cfg := r.defaults
	if override, ok := r.overrides[key]; ok {
		cfg = override
	}
	cfg = cfg.withDefaults()

	breaker := NewBreaker(cfg.FailureThreshold, cfg.Cooldown)
	if r.OnStateChange != nil {
		notify := r.OnStateChange
		breaker.onChange = func(from, to State) {
			notify(key, from, to)
		}
	}

	limiter := NewLimiter(cfg)
	if r.OnLimiterWait != nil {
		notify := r.OnLimiterWait
		limiter.onWait = func(waited time.Duration) {
			notify(key, waited)
		}
	}

	ep := &endpoint{key: key, cfg: cfg, breaker: breaker, limiter: limiter}
	r.endpoints[key] = ep
	return ep
}

package flow

import (
	"errors"

	"github.com/dshills/flowrun-go/flow/emit"
	"github.com/dshills/flowrun-go/flow/guard"
)

// Options configures engine execution behavior. Zero values take the
// documented defaults.
type Options struct {
	// ForEachConcurrency bounds concurrent iterations of one forEach
	// step, so a loop cannot flood a rate-limited endpoint with N
	// parallel iterations. Default 4, matching the guard layer's default
	// per-endpoint in-flight cap.
	ForEachConcurrency int
}

func defaultOptions() Options {
	return Options{ForEachConcurrency: 4}
}

type engineConfig struct {
	opts     Options
	guards   *guard.Registry
	recorder Recorder
	emitter  emit.Emitter
	metrics  *Metrics
	creds    CredentialResolver
}

// Option is a functional option for configuring an Engine.
type Option func(*engineConfig) error

// WithGuards supplies the resilience registry. Share one registry across
// engines when they call the same endpoints: circuit and limiter state is
// meant to be process-wide.
func WithGuards(g *guard.Registry) Option {
	return func(cfg *engineConfig) error {
		if g == nil {
			return errors.New("guard registry cannot be nil")
		}
		cfg.guards = g
		return nil
	}
}

// WithRecorder supplies the persistence collaborator the engine reports run
// and step outcomes to.
func WithRecorder(r Recorder) Option {
	return func(cfg *engineConfig) error {
		cfg.recorder = r
		return nil
	}
}

// WithEmitter supplies the observability event sink.
func WithEmitter(em emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = em
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithCredentials supplies the resolver for {{credential.name}} references.
func WithCredentials(creds CredentialResolver) Option {
	return func(cfg *engineConfig) error {
		cfg.creds = creds
		return nil
	}
}

// WithForEachConcurrency bounds concurrent iterations within one forEach
// step. Values below 1 are rejected.
func WithForEachConcurrency(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return errors.New("forEach concurrency must be at least 1")
		}
		cfg.opts.ForEachConcurrency = n
		return nil
	}
}

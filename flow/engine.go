package flow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/flowrun-go/flow/emit"
	"github.com/dshills/flowrun-go/flow/guard"
	"github.com/dshills/flowrun-go/flow/step"
)

// StepStatus is the per-step state machine:
// PENDING -> READY -> RUNNING -> {SUCCEEDED | FAILED}, plus SKIPPED for
// steps whose dependencies failed. READY steps are dispatched immediately,
// so READY is observable only as a transition, never as a resting state.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepReady     StepStatus = "READY"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// RunStatus is the aggregate outcome of one run. The three values keep the
// distinctions callers need for partial-result handling:
//
//	SUCCEEDED  every step succeeded
//	PARTIAL    some steps failed, but the declared output was producible
//	FAILED     the declared output could not be produced
type RunStatus string

const (
	RunSucceeded RunStatus = "SUCCEEDED"
	RunPartial   RunStatus = "PARTIAL"
	RunFailed    RunStatus = "FAILED"
)

// StepResult is the recorded outcome of one step execution.
type StepResult struct {
	// StepID identifies the step.
	StepID string

	// Status is the terminal step status.
	Status StepStatus

	// Output is the produced value, bound into the run context. Failed
	// control-flow steps may still carry partial output (e.g. a forEach
	// with some successful iterations).
	Output interface{}

	// Err is the failure cause for FAILED and SKIPPED steps.
	Err error

	// Children holds nested results for control-flow steps: branch steps
	// of a condition, body steps of each forEach iteration or while pass.
	Children []StepResult

	StartedAt  time.Time
	FinishedAt time.Time
}

// RunResult is the full outcome of one run.
type RunResult struct {
	RunID      string
	WorkflowID string
	Status     RunStatus

	// Output is the resolved output spec, or every step binding when the
	// definition declares no output spec. On FAILED runs it holds
	// whatever partial bindings were produced.
	Output map[string]interface{}

	// Steps maps step ID to its result, nested steps included. For steps
	// executed repeatedly (loop bodies) the last execution wins.
	Steps map[string]StepResult

	// Err is set when the run failed or was cancelled.
	Err error

	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder is the persistence collaborator the engine reports to. It owns
// durability, history, and querying; the engine owns nothing past the run.
//
// Implementations must be safe for concurrent use: sibling steps complete
// concurrently. Recorder errors never fail a run; the engine logs them
// through its emitter and moves on.
type Recorder interface {
	OnRunStarted(ctx context.Context, runID, workflowID string) error
	OnStepCompleted(ctx context.Context, runID string, result StepResult) error
	OnRunFinished(ctx context.Context, result *RunResult) error
}

type noopRecorder struct{}

func (noopRecorder) OnRunStarted(context.Context, string, string) error        { return nil }
func (noopRecorder) OnStepCompleted(context.Context, string, StepResult) error { return nil }
func (noopRecorder) OnRunFinished(context.Context, *RunResult) error           { return nil }

// Engine executes validated workflow definitions.
//
// The engine is stateless across runs: per-run state lives in the
// RunContext, and the only process-wide mutable state is the guard
// registry's breakers and limiters.
type Engine struct {
	registry *step.Registry
	guards   *guard.Registry
	recorder Recorder
	emitter  emit.Emitter
	metrics  *Metrics
	creds    CredentialResolver
	expr     *exprEvaluator
	opts     Options
}

// New creates an engine around a step registry.
func New(registry *step.Registry, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("step registry is required")
	}

	cfg := engineConfig{opts: defaultOptions()}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	expr, err := newExprEvaluator()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		registry: registry,
		guards:   cfg.guards,
		recorder: cfg.recorder,
		emitter:  cfg.emitter,
		metrics:  cfg.metrics,
		creds:    cfg.creds,
		expr:     expr,
		opts:     cfg.opts,
	}
	if e.guards == nil {
		e.guards = guard.NewRegistry(guard.Config{})
	}
	if e.recorder == nil {
		e.recorder = noopRecorder{}
	}
	if e.emitter == nil {
		e.emitter = emit.NewNullEmitter()
	}
	e.observeGuards()
	return e, nil
}

// observeGuards wires circuit and limiter observations into the emitter and
// metrics.
func (e *Engine) observeGuards() {
	emitter := e.emitter
	metrics := e.metrics

	e.guards.OnStateChange = func(endpoint string, from, to guard.State) {
		emitter.Emit(emit.Event{
			Endpoint: endpoint,
			Msg:      "breaker_" + stateEventName(to),
			Meta:     map[string]interface{}{"from": from.String(), "to": to.String()},
		})
		if metrics != nil {
			metrics.BreakerTransition(endpoint, to.String())
		}
	}
	e.guards.OnLimiterWait = func(endpoint string, waited time.Duration) {
		if metrics != nil {
			metrics.LimiterWait(endpoint, waited)
		}
	}
}

func stateEventName(s guard.State) string {
	switch s {
	case guard.StateOpen:
		return "open"
	case guard.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Guards exposes the engine's guard registry so callers can configure
// per-endpoint policies and close limiters at shutdown.
func (e *Engine) Guards() *guard.Registry {
	return e.guards
}

// Validate builds the dependency graph and compiles every control-flow
// expression without executing anything.
func (e *Engine) Validate(def *Definition) (*Graph, error) {
	graph, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}
	if err := e.checkExpressions(def.Steps); err != nil {
		return nil, err
	}
	return graph, nil
}

func (e *Engine) checkExpressions(steps []StepSpec) error {
	for i := range steps {
		s := &steps[i]
		if s.If != "" {
			if err := e.expr.Check(s.If); err != nil {
				return err
			}
		}
		for _, nested := range [][]StepSpec{s.Then, s.Else, s.Body} {
			if err := e.checkExpressions(nested); err != nil {
				return err
			}
		}
	}
	return nil
}

// Execute runs a definition against a trigger payload under a fresh run ID.
//
// Validation failures are returned as errors before any step executes.
// Step-level failures do not produce an error: they are captured in the
// RunResult, whose Status aggregates the outcome. The returned error is
// non-nil only for validation failures and context cancellation.
func (e *Engine) Execute(ctx context.Context, def *Definition, trigger map[string]interface{}) (*RunResult, error) {
	return e.ExecuteAs(ctx, uuid.NewString(), def, trigger)
}

// ExecuteAs is Execute with a caller-supplied run ID, used by the run queue
// so run identity survives retries and restarts.
func (e *Engine) ExecuteAs(ctx context.Context, runID string, def *Definition, trigger map[string]interface{}) (*RunResult, error) {
	graph, err := e.Validate(def)
	if err != nil {
		return nil, err
	}

	rc := NewRunContext(runID, trigger, e.creds)

	if err := e.recorder.OnRunStarted(ctx, runID, def.ID); err != nil {
		e.emitRecorderError(runID, err)
	}
	e.emitter.Emit(emit.Event{RunID: runID, Msg: "run_started",
		Meta: map[string]interface{}{"workflow_id": def.ID}})

	sched := newScheduler(e, def, graph, rc)
	result := sched.run(ctx)

	// The run record is written even when ctx was cancelled mid-run.
	if err := e.recorder.OnRunFinished(context.WithoutCancel(ctx), result); err != nil {
		e.emitRecorderError(runID, err)
	}
	meta := map[string]interface{}{
		"workflow_id": def.ID,
		"status":      string(result.Status),
		"duration_ms": result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	}
	if result.Err != nil {
		meta["error"] = result.Err.Error()
	}
	e.emitter.Emit(emit.Event{RunID: runID, Msg: "run_finished", Meta: meta})
	if e.metrics != nil {
		e.metrics.RunFinished(def.ID, string(result.Status))
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

func (e *Engine) emitRecorderError(runID string, err error) {
	e.emitter.Emit(emit.Event{RunID: runID, Msg: "recorder_error",
		Meta: map[string]interface{}{"error": err.Error()}})
}

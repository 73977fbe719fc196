package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/flowrun-go/flow/emit"
)

// The scheduler walks a validated dependency graph, dispatching each step
// the moment its dependencies are satisfied. Independent steps run
// concurrently with no per-run cap; the process-wide cap lives in the run
// queue. Parallelism is derived from the graph, never hand-configured.
//
// One goroutine owns all scheduling state. Steps execute in their own
// goroutines and report back over the completions channel, which keeps
// backpressure and cancellation explicit and the state maps lock-free.
type scheduler struct {
	eng   *Engine
	def   *Definition
	graph *Graph
	rc    *RunContext

	specs      map[string]*StepSpec
	status     map[string]StepStatus
	results    map[string]StepResult
	waiting    map[string]map[string]bool
	dependents map[string][]string

	completions chan completion
	running     int
}

type completion struct {
	stepID string
	result StepResult
}

func newScheduler(eng *Engine, def *Definition, graph *Graph, rc *RunContext) *scheduler {
	specs := make(map[string]*StepSpec, len(def.Steps))
	for i := range def.Steps {
		specs[def.Steps[i].ID] = &def.Steps[i]
	}

	waiting := make(map[string]map[string]bool, len(graph.Deps))
	for id, deps := range graph.Deps {
		w := make(map[string]bool, len(deps))
		for dep := range deps {
			w[dep] = true
		}
		waiting[id] = w
	}

	s := &scheduler{
		eng:         eng,
		def:         def,
		graph:       graph,
		rc:          rc,
		specs:       specs,
		status:      make(map[string]StepStatus, len(def.Steps)),
		results:     make(map[string]StepResult, len(def.Steps)),
		waiting:     waiting,
		dependents:  graph.Dependents(),
		completions: make(chan completion),
	}
	for id := range specs {
		s.status[id] = StepPending
	}
	return s
}

// run executes the graph to completion or cancellation and aggregates the
// outcome.
func (s *scheduler) run(ctx context.Context) *RunResult {
	startedAt := time.Now()

	// Steps with no unresolved dependencies start immediately, in
	// parallel.
	for _, id := range s.graph.Order {
		if len(s.waiting[id]) == 0 {
			s.dispatch(ctx, id)
		}
	}

	for s.running > 0 {
		c := <-s.completions
		s.running--
		s.apply(ctx, c)
	}

	return s.finalize(ctx, startedAt)
}

// dispatch moves a step through READY into RUNNING and launches it.
func (s *scheduler) dispatch(ctx context.Context, id string) {
	spec := s.specs[id]
	s.status[id] = StepReady
	s.status[id] = StepRunning
	s.running++

	go func() {
		result := s.executeStep(ctx, spec, s.rc)
		s.completions <- completion{stepID: id, result: result}
	}()
}

// apply folds one completion into the scheduling state: recording the
// result, releasing dependents of a success, and skipping descendants of a
// failure. Cancellation stops new dispatches but already-running steps
// still drain through here.
func (s *scheduler) apply(ctx context.Context, c completion) {
	s.status[c.stepID] = c.result.Status
	s.results[c.stepID] = c.result

	if c.result.Status != StepSucceeded {
		s.skipDescendants(ctx, c.stepID, c.result.Err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	for _, dep := range s.dependents[c.stepID] {
		if s.status[dep] != StepPending {
			continue
		}
		delete(s.waiting[dep], c.stepID)
		if len(s.waiting[dep]) == 0 {
			s.dispatch(ctx, dep)
		}
	}
}

// skipDescendants marks every transitive dependent of a failed step SKIPPED.
// Independent subtrees are untouched and keep running.
func (s *scheduler) skipDescendants(ctx context.Context, failedID string, cause error) {
	frontier := []string{failedID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		for _, dep := range s.dependents[id] {
			if s.status[dep] != StepPending {
				continue
			}
			skipErr := &StepError{StepID: dep,
				Cause: fmt.Errorf("dependency %s did not succeed: %w", failedID, cause)}
			result := StepResult{
				StepID:     dep,
				Status:     StepSkipped,
				Err:        skipErr,
				StartedAt:  time.Now(),
				FinishedAt: time.Now(),
			}
			s.status[dep] = StepSkipped
			s.results[dep] = result
			s.record(ctx, result)
			s.eng.emitter.Emit(emit.Event{RunID: s.rc.RunID, StepID: dep, Msg: "step_skipped",
				Meta: map[string]interface{}{"error": skipErr.Error()}})

			frontier = append(frontier, dep)
		}
	}
}

// finalize resolves the output spec and aggregates the run status.
func (s *scheduler) finalize(ctx context.Context, startedAt time.Time) *RunResult {
	result := &RunResult{
		RunID:      s.rc.RunID,
		WorkflowID: s.def.ID,
		Steps:      make(map[string]StepResult),
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}

	anyFailed := false
	for id, status := range s.status {
		switch status {
		case StepFailed, StepSkipped:
			anyFailed = true
		case StepPending, StepReady, StepRunning:
			// Reachable only after cancellation stopped dispatch.
			anyFailed = true
			now := time.Now()
			r := StepResult{
				StepID:     id,
				Status:     StepSkipped,
				Err:        &StepError{StepID: id, Cause: fmt.Errorf("run cancelled: %w", ctx.Err())},
				StartedAt:  now,
				FinishedAt: now,
			}
			s.results[id] = r
			s.record(ctx, r)
			s.eng.emitter.Emit(emit.Event{RunID: s.rc.RunID, StepID: id, Msg: "step_skipped",
				Meta: map[string]interface{}{"error": r.Err.Error()}})
		}
	}
	for _, r := range s.results {
		flattenResult(r, result.Steps)
	}

	if ctx.Err() != nil {
		// Partial outputs of SUCCEEDED steps stay available.
		result.Status = RunFailed
		result.Err = ctx.Err()
		result.Output = s.rc.Snapshot()
		return result
	}

	if len(s.def.Output) == 0 {
		result.Output = s.rc.Snapshot()
		if anyFailed {
			result.Status = RunPartial
		} else {
			result.Status = RunSucceeded
		}
		return result
	}

	output := make(map[string]interface{}, len(s.def.Output))
	for name, template := range s.def.Output {
		value, err := resolveTemplate(ctx, template, s.rc)
		if err != nil {
			// The declared output depends on a failed or skipped
			// step: the run as a whole failed, but partial
			// bindings are still reported.
			result.Status = RunFailed
			result.Err = fmt.Errorf("output %q could not be produced: %w", name, err)
			result.Output = s.rc.Snapshot()
			return result
		}
		output[name] = value
	}
	result.Output = output
	if anyFailed {
		result.Status = RunPartial
	} else {
		result.Status = RunSucceeded
	}
	return result
}

func flattenResult(r StepResult, into map[string]StepResult) {
	into[r.StepID] = r
	for _, child := range r.Children {
		flattenResult(child, into)
	}
}

// executeStep runs one step of any kind against the given context view and
// reports the result to the recorder and emitter. It is called from the
// scheduler's dispatch goroutines and, for nested steps, from control-flow
// executors; it touches no scheduler state.
func (s *scheduler) executeStep(ctx context.Context, spec *StepSpec, rc *RunContext) StepResult {
	started := time.Now()
	s.eng.emitter.Emit(emit.Event{RunID: s.rc.RunID, StepID: spec.ID, Msg: "step_started"})
	if s.eng.metrics != nil {
		s.eng.metrics.StepStarted()
	}

	result := StepResult{StepID: spec.ID, StartedAt: started}

	var output interface{}
	var children []StepResult
	var err error
	switch spec.kind() {
	case KindPlain:
		output, err = s.executePlain(ctx, spec, rc)
	case KindCondition:
		output, children, err = s.executeCondition(ctx, spec, rc)
	case KindForEach:
		output, children, err = s.executeForEach(ctx, spec, rc)
	case KindWhile:
		output, children, err = s.executeWhile(ctx, spec, rc)
	}

	result.Output = output
	result.Children = children
	result.FinishedAt = time.Now()

	if err != nil {
		result.Status = StepFailed
		result.Err = &StepError{StepID: spec.ID, Endpoint: endpointOf(spec), Cause: err}
	} else {
		result.Status = StepSucceeded
	}

	// Outputs bind even on failure so partial results (e.g. a forEach
	// with some successful iterations) stay reportable.
	if result.Output != nil {
		rc.Set(spec.binding(), result.Output)
	}

	status := "success"
	meta := map[string]interface{}{
		"duration_ms": result.FinishedAt.Sub(started).Milliseconds(),
	}
	msg := "step_succeeded"
	if result.Err != nil {
		status = "error"
		msg = "step_failed"
		meta["error"] = result.Err.Error()
	}
	s.eng.emitter.Emit(emit.Event{RunID: s.rc.RunID, StepID: spec.ID, Endpoint: endpointOf(spec), Msg: msg, Meta: meta})
	if s.eng.metrics != nil {
		s.eng.metrics.StepFinished(s.def.ID, spec.ID, status, result.FinishedAt.Sub(started))
	}
	s.record(ctx, result)

	return result
}

func endpointOf(spec *StepSpec) string {
	if spec.kind() == KindPlain {
		return spec.EndpointKey()
	}
	return ""
}

func (s *scheduler) record(ctx context.Context, result StepResult) {
	// History writes outlive run cancellation: steps skipped or drained on
	// the cancellation path must still reach the recorder.
	if err := s.eng.recorder.OnStepCompleted(context.WithoutCancel(ctx), s.rc.RunID, result); err != nil {
		s.eng.emitRecorderError(s.rc.RunID, err)
	}
}

// executePlain resolves the input template and invokes the capability
// through the resilience wrapper.
func (s *scheduler) executePlain(ctx context.Context, spec *StepSpec, rc *RunContext) (interface{}, error) {
	input := map[string]interface{}{}
	if spec.Input != nil {
		resolved, err := resolveTemplate(ctx, map[string]interface{}(spec.Input), rc)
		if err != nil {
			return nil, err
		}
		input = resolved.(map[string]interface{})
	}

	handler, err := s.eng.registry.Lookup(spec.Uses)
	if err != nil {
		return nil, err
	}

	call := s.eng.guards.Wrap(spec.EndpointKey(), handler.Call)
	out, err := call(ctx, input)
	if err != nil {
		// Partial output from a failed call (e.g. an HTTP error
		// response body) is still worth reporting.
		if out != nil {
			return map[string]interface{}(out), err
		}
		return nil, err
	}
	return map[string]interface{}(out), nil
}

// executeCondition evaluates the guard expression and runs exactly one
// branch; the other branch is never instantiated. Branch steps run
// sequentially in declared order and bind into the parent context.
func (s *scheduler) executeCondition(ctx context.Context, spec *StepSpec, rc *RunContext) (interface{}, []StepResult, error) {
	take, err := s.eng.expr.EvalBool(ctx, spec.If, rc)
	if err != nil {
		return nil, nil, err
	}

	branch := spec.Then
	branchName := "then"
	if !take {
		branch = spec.Else
		branchName = "else"
	}

	var children []StepResult
	for i := range branch {
		child := s.executeStep(ctx, &branch[i], rc)
		children = append(children, child)
		if child.Err != nil {
			return branchName, children, fmt.Errorf("branch %s: %w", branchName, child.Err)
		}
	}
	return branchName, children, nil
}

// executeForEach runs the body once per collection element. Iterations are
// independent and run concurrently, bounded so a loop cannot flood a
// rate-limited endpoint. The node output preserves source collection order
// regardless of completion order; a failed iteration occupies its position
// as the failure itself.
func (s *scheduler) executeForEach(ctx context.Context, spec *StepSpec, rc *RunContext) (interface{}, []StepResult, error) {
	collection, err := resolveTemplate(ctx, spec.Items, rc)
	if err != nil {
		return nil, nil, err
	}
	items, ok := collection.([]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("items expression %q yielded %T, want a list", spec.Items, collection)
	}

	outputs := make([]interface{}, len(items))
	iterErrs := make([]error, len(items))

	var mu sync.Mutex
	var children []StepResult

	var g errgroup.Group
	g.SetLimit(s.eng.opts.ForEachConcurrency)
	for i := range items {
		i := i
		g.Go(func() error {
			iterRC := rc.Child(spec.loopVar(), items[i])
			var last interface{}
			for j := range spec.Body {
				child := s.executeStep(ctx, &spec.Body[j], iterRC)
				mu.Lock()
				children = append(children, child)
				mu.Unlock()
				if child.Err != nil {
					outputs[i] = child.Err
					iterErrs[i] = child.Err
					return nil
				}
				last = child.Output
			}
			outputs[i] = last
			return nil
		})
	}
	_ = g.Wait() // iteration failures are collected, not propagated

	failed := 0
	var firstErr error
	for _, iterErr := range iterErrs {
		if iterErr != nil {
			failed++
			if firstErr == nil {
				firstErr = iterErr
			}
		}
	}
	if failed > 0 {
		return outputs, children, fmt.Errorf("%d of %d iterations failed: %w", failed, len(items), firstErr)
	}
	return outputs, children, nil
}

// executeWhile re-evaluates the condition before each iteration and runs the
// body sequentially against the parent context, so body outputs can flip the
// condition. Exceeding the iteration bound is a terminal failure, never a
// silent truncation.
func (s *scheduler) executeWhile(ctx context.Context, spec *StepSpec, rc *RunContext) (interface{}, []StepResult, error) {
	maxIter := spec.maxIterations()
	var children []StepResult

	iterations := 0
	for {
		if ctx.Err() != nil {
			return iterations, children, ctx.Err()
		}

		proceed, err := s.eng.expr.EvalBool(ctx, spec.If, rc)
		if err != nil {
			return iterations, children, err
		}
		if !proceed {
			return iterations, children, nil
		}
		if iterations >= maxIter {
			return iterations, children,
				fmt.Errorf("%w (bound %d)", ErrMaxIterationsExceeded, maxIter)
		}

		for j := range spec.Body {
			child := s.executeStep(ctx, &spec.Body[j], rc)
			children = append(children, child)
			if child.Err != nil {
				return iterations, children, child.Err
			}
		}
		iterations++
	}
}

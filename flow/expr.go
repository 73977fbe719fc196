package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
)

// Condition and while expressions are CEL programs evaluated against the run
// context. Two variables are in scope:
//
//	trigger  the trigger payload
//	steps    all visible output bindings (loop variables included)
//
// Example: steps.review.score >= 0.8 && trigger.retries < 3
type exprEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newExprEvaluator() (*exprEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("trigger", cel.DynType),
		cel.Variable("steps", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}
	return &exprEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// EvalBool compiles (with caching) and evaluates a boolean expression.
func (ev *exprEvaluator) EvalBool(_ context.Context, expr string, rc *RunContext) (bool, error) {
	prg, err := ev.program(expr)
	if err != nil {
		return false, err
	}

	trigger := rc.Trigger
	if trigger == nil {
		trigger = map[string]interface{}{}
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"trigger": trigger,
		"steps":   rc.Snapshot(),
	})
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", expr, err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q evaluated to %T, want bool", expr, out.Value())
	}
	return b, nil
}

// Check compiles an expression without evaluating it, for authoring-time
// validation.
func (ev *exprEvaluator) Check(expr string) error {
	_, err := ev.program(expr)
	return err
}

// StepRefs compiles an expression and reports the step bindings it reads
// through steps.<name> selection or steps["name"] indexing, deduplicated and
// sorted. Presence tests (has(steps.x), "x" in steps) are excluded: they ask
// whether a binding exists rather than for its value.
func (ev *exprEvaluator) StepRefs(expr string) ([]string, error) {
	ast, err := ev.compile(expr)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	collectStepReads(ast.NativeRep().Expr(), seen)

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func collectStepReads(e celast.Expr, out map[string]bool) {
	switch e.Kind() {
	case celast.SelectKind:
		sel := e.AsSelect()
		if !sel.IsTestOnly() && isStepsIdent(sel.Operand()) {
			out[sel.FieldName()] = true
			return
		}
		collectStepReads(sel.Operand(), out)
	case celast.CallKind:
		call := e.AsCall()
		if call.FunctionName() == operators.Index && len(call.Args()) == 2 &&
			isStepsIdent(call.Args()[0]) && call.Args()[1].Kind() == celast.LiteralKind {
			if name, ok := call.Args()[1].AsLiteral().Value().(string); ok {
				out[name] = true
				return
			}
		}
		if call.IsMemberFunction() {
			collectStepReads(call.Target(), out)
		}
		for _, arg := range call.Args() {
			collectStepReads(arg, out)
		}
	case celast.ListKind:
		for _, el := range e.AsList().Elements() {
			collectStepReads(el, out)
		}
	case celast.MapKind:
		for _, entry := range e.AsMap().Entries() {
			me := entry.AsMapEntry()
			collectStepReads(me.Key(), out)
			collectStepReads(me.Value(), out)
		}
	case celast.StructKind:
		for _, field := range e.AsStruct().Fields() {
			collectStepReads(field.AsStructField().Value(), out)
		}
	case celast.ComprehensionKind:
		comp := e.AsComprehension()
		collectStepReads(comp.IterRange(), out)
		collectStepReads(comp.AccuInit(), out)
		collectStepReads(comp.LoopCondition(), out)
		collectStepReads(comp.LoopStep(), out)
		collectStepReads(comp.Result(), out)
	}
}

func isStepsIdent(e celast.Expr) bool {
	return e.Kind() == celast.IdentKind && e.AsIdent() == "steps"
}

func (ev *exprEvaluator) compile(expr string) (*cel.Ast, error) {
	ast, issues := ev.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &ValidationError{
			Code:    CodeBadExpression,
			Message: fmt.Sprintf("cannot compile expression %q: %v", expr, issues.Err()),
		}
	}
	return ast, nil
}

func (ev *exprEvaluator) program(expr string) (cel.Program, error) {
	ev.mu.RLock()
	prg, ok := ev.cache[expr]
	ev.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, err := ev.compile(expr)
	if err != nil {
		return nil, err
	}
	prg, err = ev.env.Program(ast)
	if err != nil {
		return nil, &ValidationError{
			Code:    CodeBadExpression,
			Message: fmt.Sprintf("cannot build expression program for %q: %v", expr, err),
		}
	}

	ev.mu.Lock()
	ev.cache[expr] = prg
	ev.mu.Unlock()
	return prg, nil
}

package flow

import (
	"fmt"
	"sort"
	"sync"
)

// Graph is the validated dependency structure of a workflow: for each
// top-level step, the set of top-level steps it depends on.
//
// Dependencies are derived, never hand-configured: every string value of a
// step's input templates (and nested control-flow bodies and items
// expressions) is scanned for reference expressions, every guard expression
// is compiled and scanned for steps.<name> reads, and each reference to
// another step's output binding becomes an edge. References to the trigger
// payload or a credential create no edges.
type Graph struct {
	// Deps maps step ID to the IDs of the steps it depends on.
	Deps map[string]map[string]bool

	// Order is a deterministic topological order consistent with Deps.
	Order []string
}

// Dependents inverts Deps: step ID to the IDs of steps that depend on it.
func (g *Graph) Dependents() map[string][]string {
	out := make(map[string][]string, len(g.Deps))
	for stepID, deps := range g.Deps {
		for dep := range deps {
			out[dep] = append(out[dep], stepID)
		}
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}

// BuildGraph validates a definition and derives its dependency graph.
//
// It is a pure function of the definition: rebuilding the graph for the same
// definition always yields an identical dependency map. Failures are
// ValidationErrors raised before any step executes:
//   - a reference to a binding that belongs to no step → UNRESOLVED_REFERENCE
//   - a dependency cycle (detected via DFS coloring)   → CYCLIC_DEPENDENCY
func BuildGraph(def *Definition) (*Graph, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	ev, err := graphEvaluator()
	if err != nil {
		return nil, err
	}

	// Binding name -> top-level step ID. Nested steps resolve to the
	// control-flow node that owns them, because that node is what the
	// scheduler dispatches. forEach bodies are the exception: their bindings
	// live in per-iteration contexts and never escape the loop, so they are
	// tracked separately and rejected when referenced from outside.
	bindingOwner := make(map[string]string)
	loopLocal := make(map[string]string)
	for i := range def.Steps {
		collectBindings(&def.Steps[i], def.Steps[i].ID, bindingOwner, loopLocal)
	}

	deps := make(map[string]map[string]bool, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		refs, err := collectRefs(s)
		if err != nil {
			return nil, err
		}

		// Names declared inside this node (nested bindings, the loop
		// variable) are internal and create no edges.
		internal := make(map[string]bool)
		collectInternalNames(s, internal)

		edges := make(map[string]bool)
		for _, ref := range refs {
			if ref.Kind != RefStep {
				continue
			}
			if internal[ref.Target] {
				continue
			}
			owner, ok := bindingOwner[ref.Target]
			if !ok {
				return nil, unresolvedRef(s.ID, "{{"+ref.raw+"}}", ref.Target, loopLocal)
			}
			if owner != s.ID {
				edges[owner] = true
			}
		}

		// Guard expressions read step outputs too: a condition or while
		// node must not dispatch before the bindings its guard inspects
		// are produced.
		reads, err := collectExprReads(s, ev)
		if err != nil {
			return nil, err
		}
		for _, name := range reads {
			if internal[name] {
				continue
			}
			owner, ok := bindingOwner[name]
			if !ok {
				return nil, unresolvedRef(s.ID, "steps."+name, name, loopLocal)
			}
			if owner != s.ID {
				edges[owner] = true
			}
		}
		deps[s.ID] = edges
	}

	order, err := topoSort(def, deps)
	if err != nil {
		return nil, err
	}

	return &Graph{Deps: deps, Order: order}, nil
}

// graphEvaluator compiles guard expressions during graph construction. It is
// shared because environment setup is not cheap and BuildGraph runs per run.
var graphEvaluator = sync.OnceValues(newExprEvaluator)

func unresolvedRef(stepID, refText, target string, loopLocal map[string]string) error {
	if loopID, ok := loopLocal[target]; ok {
		return &ValidationError{
			Code:   CodeUnresolvedReference,
			StepID: stepID,
			Message: fmt.Sprintf("%s reads binding %q, which is declared inside forEach %q and not visible outside the loop",
				refText, target, loopID),
		}
	}
	return &ValidationError{
		Code:    CodeUnresolvedReference,
		StepID:  stepID,
		Message: fmt.Sprintf("reference %s resolves to no step output, trigger, or credential", refText),
	}
}

// collectBindings records every externally visible binding declared by a
// step tree as owned by the given top-level step. Condition branches and
// while bodies bind into the parent run context, so their bindings are
// visible; forEach bodies bind into per-iteration child contexts, so theirs
// are recorded as loop-local instead.
func collectBindings(s *StepSpec, owner string, visible, loopLocal map[string]string) {
	visible[s.binding()] = owner
	if s.kind() == KindForEach {
		collectLoopLocals(s.Body, s.ID, loopLocal)
		return
	}
	for _, nested := range [][]StepSpec{s.Then, s.Else, s.Body} {
		for i := range nested {
			collectBindings(&nested[i], owner, visible, loopLocal)
		}
	}
}

func collectLoopLocals(steps []StepSpec, loopID string, out map[string]string) {
	for i := range steps {
		s := &steps[i]
		out[s.binding()] = loopID
		for _, nested := range [][]StepSpec{s.Then, s.Else, s.Body} {
			collectLoopLocals(nested, loopID, out)
		}
	}
}

// collectInternalNames records binding names and loop variables declared
// inside a node's nested step lists.
func collectInternalNames(s *StepSpec, out map[string]bool) {
	if s.kind() == KindForEach {
		out[s.loopVar()] = true
	}
	for _, nested := range [][]StepSpec{s.Then, s.Else, s.Body} {
		for i := range nested {
			out[nested[i].binding()] = true
			collectInternalNames(&nested[i], out)
		}
	}
}

// collectRefs gathers every reference expression a node evaluates: input
// templates, items expressions (items is reference syntax; boolean guards
// are CEL and are scanned by collectExprReads instead), and nested step
// inputs.
func collectRefs(s *StepSpec) ([]Ref, error) {
	var refs []Ref
	for _, v := range s.Input {
		if err := scanRefs(v, &refs); err != nil {
			return nil, wrapRefError(err, s.ID)
		}
	}
	if s.Items != "" {
		if err := scanRefs(s.Items, &refs); err != nil {
			return nil, wrapRefError(err, s.ID)
		}
	}
	for _, nested := range [][]StepSpec{s.Then, s.Else, s.Body} {
		for i := range nested {
			nestedRefs, err := collectRefs(&nested[i])
			if err != nil {
				return nil, err
			}
			refs = append(refs, nestedRefs...)
		}
	}
	return refs, nil
}

// collectExprReads gathers the step bindings read by every guard expression
// a node evaluates, nested control-flow steps included.
func collectExprReads(s *StepSpec, ev *exprEvaluator) ([]string, error) {
	var names []string
	if s.If != "" {
		reads, err := ev.StepRefs(s.If)
		if err != nil {
			return nil, wrapRefError(err, s.ID)
		}
		names = append(names, reads...)
	}
	for _, nested := range [][]StepSpec{s.Then, s.Else, s.Body} {
		for i := range nested {
			nestedReads, err := collectExprReads(&nested[i], ev)
			if err != nil {
				return nil, err
			}
			names = append(names, nestedReads...)
		}
	}
	return names, nil
}

func wrapRefError(err error, stepID string) error {
	if ve, ok := err.(*ValidationError); ok && ve.StepID == "" {
		ve.StepID = stepID
	}
	return err
}

// topoSort produces a deterministic topological order via DFS 3-coloring,
// failing on the first cycle found.
func topoSort(def *Definition, deps map[string]map[string]bool) ([]string, error) {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // finished
	)

	color := make(map[string]int, len(deps))
	order := make([]string, 0, len(deps))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case gray:
			return &ValidationError{
				Code:    CodeCyclicDependency,
				StepID:  id,
				Message: fmt.Sprintf("dependency cycle: %s", cycleText(path, id)),
			}
		case black:
			return nil
		}
		color[id] = gray

		// Sorted iteration keeps the resulting order deterministic.
		sorted := make([]string, 0, len(deps[id]))
		for dep := range deps[id] {
			sorted = append(sorted, dep)
		}
		sort.Strings(sorted)
		for _, dep := range sorted {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}

		color[id] = black
		order = append(order, id)
		return nil
	}

	// Visit in declaration order so the topological order is stable.
	for i := range def.Steps {
		if err := visit(def.Steps[i].ID, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func cycleText(path []string, repeat string) string {
	start := 0
	for i, id := range path {
		if id == repeat {
			start = i
			break
		}
	}
	text := ""
	for _, id := range path[start:] {
		text += id + " -> "
	}
	return text + repeat
}

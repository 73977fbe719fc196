package flow

import (
	"reflect"
	"strings"
	"testing"
)

func plainStep(id string, input map[string]interface{}) StepSpec {
	return StepSpec{ID: id, Uses: "noop", Input: input}
}

// TestBuildGraphDiamond verifies edge derivation and topological order for a
// diamond-shaped dependency structure.
func TestBuildGraphDiamond(t *testing.T) {
	def := &Definition{
		ID: "diamond",
		Steps: []StepSpec{
			plainStep("a", nil),
			plainStep("b", map[string]interface{}{"in": "{{a.out}}"}),
			plainStep("c", map[string]interface{}{"in": "{{a.out}}"}),
			plainStep("d", map[string]interface{}{"x": "{{b}}", "y": "{{c}}"}),
		},
	}

	graph, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]map[string]bool{
		"a": {},
		"b": {"a": true},
		"c": {"a": true},
		"d": {"b": true, "c": true},
	}
	if !reflect.DeepEqual(graph.Deps, want) {
		t.Errorf("unexpected deps: %v", graph.Deps)
	}

	pos := make(map[string]int)
	for i, id := range graph.Order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["a"] > pos["c"] || pos["b"] > pos["d"] || pos["c"] > pos["d"] {
		t.Errorf("order violates dependencies: %v", graph.Order)
	}
}

// TestBuildGraphDeterministic verifies rebuilding the graph yields identical
// structure and order.
func TestBuildGraphDeterministic(t *testing.T) {
	def := &Definition{
		ID: "det",
		Steps: []StepSpec{
			plainStep("z", nil),
			plainStep("m", map[string]interface{}{"in": "{{z}}"}),
			plainStep("a", map[string]interface{}{"in": "{{z}}"}),
		},
	}

	first, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := BuildGraph(def)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first.Deps, next.Deps) {
			t.Fatalf("deps differ between builds: %v vs %v", first.Deps, next.Deps)
		}
		if !reflect.DeepEqual(first.Order, next.Order) {
			t.Fatalf("order differs between builds: %v vs %v", first.Order, next.Order)
		}
	}
}

// TestBuildGraphTriggerAndCredentialRefs verifies trigger and credential
// references create no edges.
func TestBuildGraphTriggerAndCredentialRefs(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Steps: []StepSpec{
			plainStep("a", map[string]interface{}{
				"id":  "{{trigger.order_id}}",
				"key": "{{credential.api_key}}",
			}),
		},
	}

	graph, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(graph.Deps["a"]) != 0 {
		t.Errorf("expected no deps, got %v", graph.Deps["a"])
	}
}

// TestBuildGraphBindingRefs verifies references use the bind name, not the
// step ID, when a custom binding is declared.
func TestBuildGraphBindingRefs(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Steps: []StepSpec{
			{ID: "fetch", Uses: "noop", Bind: "payload"},
			plainStep("use", map[string]interface{}{"in": "{{payload.body}}"}),
		},
	}

	graph, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !graph.Deps["use"]["fetch"] {
		t.Errorf("expected use -> fetch edge, got %v", graph.Deps["use"])
	}
}

// TestBuildGraphUnresolvedReference verifies a reference to nothing fails
// with UNRESOLVED_REFERENCE.
func TestBuildGraphUnresolvedReference(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Steps: []StepSpec{
			plainStep("a", map[string]interface{}{"in": "{{ghost.value}}"}),
		},
	}

	_, err := BuildGraph(def)
	assertValidationCode(t, err, CodeUnresolvedReference)
}

// TestBuildGraphCycle verifies dependency cycles fail with
// CYCLIC_DEPENDENCY.
func TestBuildGraphCycle(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Steps: []StepSpec{
			plainStep("a", map[string]interface{}{"in": "{{c}}"}),
			plainStep("b", map[string]interface{}{"in": "{{a}}"}),
			plainStep("c", map[string]interface{}{"in": "{{b}}"}),
		},
	}

	_, err := BuildGraph(def)
	assertValidationCode(t, err, CodeCyclicDependency)
}

// TestBuildGraphNestedOwnership verifies nested-step references resolve to
// the owning control-flow node and loop variables create no edges.
func TestBuildGraphNestedOwnership(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Steps: []StepSpec{
			plainStep("source", nil),
			{
				ID:    "loop",
				Kind:  KindForEach,
				Items: "{{source.items}}",
				As:    "row",
				Body: []StepSpec{
					plainStep("body_step", map[string]interface{}{
						"value": "{{row}}",
						"extra": "{{source.meta}}",
					}),
				},
			},
			{
				ID:   "gate",
				Kind: KindCondition,
				If:   "trigger.ok == true",
				Then: []StepSpec{
					plainStep("approve", map[string]interface{}{"count": "{{loop}}"}),
				},
			},
			plainStep("after", map[string]interface{}{"in": "{{approve}}"}),
		},
	}

	graph, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The loop depends on source (items plus body refs); the loop variable
	// creates no edge.
	if !reflect.DeepEqual(graph.Deps["loop"], map[string]bool{"source": true}) {
		t.Errorf("unexpected loop deps: %v", graph.Deps["loop"])
	}
	// Nested-step references roll up to the owning control node.
	if !reflect.DeepEqual(graph.Deps["gate"], map[string]bool{"loop": true}) {
		t.Errorf("unexpected gate deps: %v", graph.Deps["gate"])
	}
	// A reference to a branch binding depends on the owning condition node.
	if !reflect.DeepEqual(graph.Deps["after"], map[string]bool{"gate": true}) {
		t.Errorf("unexpected after deps: %v", graph.Deps["after"])
	}
	for _, nested := range []string{"body_step", "approve"} {
		if _, ok := graph.Deps[nested]; ok {
			t.Errorf("nested step %s must not appear as a top-level graph node", nested)
		}
	}
}

// TestBuildGraphForEachBodyNotVisible verifies bindings declared inside a
// forEach body cannot be referenced from outside the loop: they live in
// per-iteration contexts and never escape.
func TestBuildGraphForEachBodyNotVisible(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Steps: []StepSpec{
			plainStep("source", nil),
			{
				ID:    "loop",
				Kind:  KindForEach,
				Items: "{{source.items}}",
				Body:  []StepSpec{plainStep("inner", nil)},
			},
			plainStep("after", map[string]interface{}{"in": "{{inner}}"}),
		},
	}

	_, err := BuildGraph(def)
	assertValidationCode(t, err, CodeUnresolvedReference)
	if err != nil && !strings.Contains(err.Error(), "forEach") {
		t.Errorf("expected the error to name the owning loop, got %v", err)
	}
}

// TestBuildGraphGuardExprDeps verifies condition and while guards create
// dependency edges on the steps whose outputs they read, for both dotted
// selection and string indexing.
func TestBuildGraphGuardExprDeps(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Steps: []StepSpec{
			plainStep("rate", nil),
			{
				ID:   "gate",
				Kind: KindCondition,
				If:   "steps.rate.value >= 0.5",
				Then: []StepSpec{plainStep("approve", nil)},
			},
			{
				ID:   "spin",
				Kind: KindWhile,
				If:   `steps.rate.value < 1.0 && steps["gate"] == "then"`,
				Body: []StepSpec{plainStep("tick", nil)},
			},
		},
	}

	graph, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(graph.Deps["gate"], map[string]bool{"rate": true}) {
		t.Errorf("unexpected gate deps: %v", graph.Deps["gate"])
	}
	if !reflect.DeepEqual(graph.Deps["spin"], map[string]bool{"rate": true, "gate": true}) {
		t.Errorf("unexpected spin deps: %v", graph.Deps["spin"])
	}

	pos := make(map[string]int)
	for i, id := range graph.Order {
		pos[id] = i
	}
	if pos["rate"] > pos["gate"] || pos["gate"] > pos["spin"] {
		t.Errorf("order violates guard dependencies: %v", graph.Order)
	}
}

// TestBuildGraphGuardInternalReads verifies a while guard reading its own
// body bindings creates no edges, and presence tests are not dependencies.
func TestBuildGraphGuardInternalReads(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Steps: []StepSpec{
			{
				ID:   "spin",
				Kind: KindWhile,
				If:   "has(steps.total) ? steps.total.n < 3 : true",
				Body: []StepSpec{plainStep("total", nil)},
			},
		},
	}

	graph, err := BuildGraph(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(graph.Deps["spin"]) != 0 {
		t.Errorf("expected no deps for self-referencing guard, got %v", graph.Deps["spin"])
	}
}

// TestBuildGraphGuardUnresolved verifies a guard reading a binding that no
// step produces fails validation before dispatch.
func TestBuildGraphGuardUnresolved(t *testing.T) {
	def := &Definition{
		ID: "wf",
		Steps: []StepSpec{
			{
				ID:   "gate",
				Kind: KindCondition,
				If:   "steps.ghost.value > 1",
				Then: []StepSpec{plainStep("a", nil)},
			},
		},
	}

	_, err := BuildGraph(def)
	assertValidationCode(t, err, CodeUnresolvedReference)
}

// TestDependents verifies graph inversion.
func TestDependents(t *testing.T) {
	g := &Graph{Deps: map[string]map[string]bool{
		"a": {},
		"b": {"a": true},
		"c": {"a": true, "b": true},
	}}

	dependents := g.Dependents()
	if !reflect.DeepEqual(dependents["a"], []string{"b", "c"}) {
		t.Errorf("unexpected dependents of a: %v", dependents["a"])
	}
	if !reflect.DeepEqual(dependents["b"], []string{"c"}) {
		t.Errorf("unexpected dependents of b: %v", dependents["b"])
	}
	if len(dependents["c"]) != 0 {
		t.Errorf("expected no dependents of c, got %v", dependents["c"])
	}
}

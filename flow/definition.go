// Package flow provides the workflow execution engine: a declarative step
// list is parsed into a dependency graph and executed with automatic
// parallelization, control-flow constructs, and resilience policies around
// every external call.
package flow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// StepKind selects a step's control-flow behavior.
type StepKind string

const (
	// KindPlain executes a single capability call. The zero value of the
	// Kind field means plain.
	KindPlain StepKind = "plain"

	// KindCondition evaluates a boolean expression and schedules exactly
	// one of the then/else branches.
	KindCondition StepKind = "condition"

	// KindForEach schedules the body once per element of a collection,
	// concurrently, preserving source order in the node output.
	KindForEach StepKind = "forEach"

	// KindWhile re-evaluates a boolean expression before each iteration,
	// bounded by MaxIterations.
	KindWhile StepKind = "while"
)

// DefaultMaxIterations bounds while loops that do not declare their own cap.
const DefaultMaxIterations = 100

// Definition is an immutable workflow: an ordered step list, a trigger spec,
// and an optional output spec. Definitions are authored externally (YAML or
// JSON) and read-only to the engine.
type Definition struct {
	// ID uniquely identifies the workflow.
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Trigger describes how runs of this workflow are produced. The engine
	// does not care how the trigger fired; it only receives the payload.
	Trigger TriggerSpec `yaml:"trigger,omitempty" json:"trigger,omitempty"`

	// Steps is the ordered list of step specs.
	Steps []StepSpec `yaml:"steps" json:"steps"`

	// Output maps output names to reference-expression templates resolved
	// against the run context when the run finishes. When empty, the run
	// output is the full set of step bindings.
	Output map[string]string `yaml:"output,omitempty" json:"output,omitempty"`
}

// TriggerSpec identifies the trigger mechanism. It is opaque to the engine.
type TriggerSpec struct {
	Kind   string                 `yaml:"kind,omitempty" json:"kind,omitempty"`
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

// StepSpec is one node of the workflow graph.
type StepSpec struct {
	// ID is unique within the definition, including nested steps.
	ID string `yaml:"id" json:"id"`

	// Uses is the capability name resolved through the step registry.
	// Required for plain steps, unused for control-flow steps.
	Uses string `yaml:"uses,omitempty" json:"uses,omitempty"`

	// Input is the input template: parameter name to literal value or
	// reference expression ({{stepBinding.path}}, {{trigger.field}},
	// {{credential.name}}). Values nest through maps and lists.
	Input map[string]interface{} `yaml:"input,omitempty" json:"input,omitempty"`

	// Bind is the output binding name other steps reference. Defaults to
	// the step ID.
	Bind string `yaml:"bind,omitempty" json:"bind,omitempty"`

	// Kind selects control-flow behavior. Empty means plain.
	Kind StepKind `yaml:"kind,omitempty" json:"kind,omitempty"`

	// Endpoint is the resilience scope key for plain steps. Defaults to
	// the capability name, so all calls through one capability share a
	// breaker and limiter.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// If is the boolean expression (CEL) guarding condition and while
	// steps. Step outputs are visible as steps.<binding>, the trigger
	// payload as trigger.<field>.
	If string `yaml:"if,omitempty" json:"if,omitempty"`

	// Then and Else are the branches of a condition step. Exactly one is
	// scheduled; the other is never instantiated.
	Then []StepSpec `yaml:"then,omitempty" json:"then,omitempty"`
	Else []StepSpec `yaml:"else,omitempty" json:"else,omitempty"`

	// Items is a reference expression yielding the collection a forEach
	// step iterates over.
	Items string `yaml:"items,omitempty" json:"items,omitempty"`

	// As names the loop variable for forEach bodies. Defaults to "item".
	// Visible to templates as {{<as>}} and to expressions as steps.<as>.
	As string `yaml:"as,omitempty" json:"as,omitempty"`

	// Body is the nested step list of forEach and while steps.
	Body []StepSpec `yaml:"body,omitempty" json:"body,omitempty"`

	// MaxIterations bounds while loops. Defaults to DefaultMaxIterations.
	MaxIterations int `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
}

// kind normalizes the zero value to plain.
func (s *StepSpec) kind() StepKind {
	if s.Kind == "" {
		return KindPlain
	}
	return s.Kind
}

// binding returns the output binding name, defaulting to the step ID.
func (s *StepSpec) binding() string {
	if s.Bind != "" {
		return s.Bind
	}
	return s.ID
}

// loopVar returns the forEach loop variable name.
func (s *StepSpec) loopVar() string {
	if s.As != "" {
		return s.As
	}
	return "item"
}

// maxIterations returns the while bound, applying the default.
func (s *StepSpec) maxIterations() int {
	if s.MaxIterations > 0 {
		return s.MaxIterations
	}
	return DefaultMaxIterations
}

// EndpointKey returns the resilience scope for a plain step.
func (s *StepSpec) EndpointKey() string {
	if s.Endpoint != "" {
		return s.Endpoint
	}
	return s.Uses
}

// ParseDefinition decodes a YAML (or JSON, a YAML subset) workflow
// definition and validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &ValidationError{
			Code:    CodeMalformedDefinition,
			Message: fmt.Sprintf("cannot decode definition: %v", err),
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural invariants: a workflow ID, at least one step,
// unique step IDs and output bindings across the whole definition (nested
// steps included), and per-kind field requirements. Output-binding
// uniqueness is what makes concurrent sibling writes conflict-free.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return &ValidationError{Code: CodeMalformedDefinition, Message: "workflow id is required"}
	}
	if len(d.Steps) == 0 {
		return &ValidationError{Code: CodeMalformedDefinition, Message: "workflow has no steps"}
	}

	seenIDs := make(map[string]bool)
	seenBinds := make(map[string]bool)
	return validateSteps(d.Steps, seenIDs, seenBinds)
}

func validateSteps(steps []StepSpec, seenIDs, seenBinds map[string]bool) error {
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return &ValidationError{Code: CodeBadStepSpec, Message: "step id is required"}
		}
		if seenIDs[s.ID] {
			return &ValidationError{Code: CodeDuplicateStep, StepID: s.ID, Message: "duplicate step id"}
		}
		seenIDs[s.ID] = true

		bind := s.binding()
		if seenBinds[bind] {
			return &ValidationError{Code: CodeDuplicateBinding, StepID: s.ID,
				Message: fmt.Sprintf("output binding %q already in use", bind)}
		}
		seenBinds[bind] = true

		if err := validateKind(s); err != nil {
			return err
		}

		for _, nested := range [][]StepSpec{s.Then, s.Else, s.Body} {
			if len(nested) == 0 {
				continue
			}
			if err := validateSteps(nested, seenIDs, seenBinds); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateKind(s *StepSpec) error {
	switch s.kind() {
	case KindPlain:
		if s.Uses == "" {
			return &ValidationError{Code: CodeBadStepSpec, StepID: s.ID, Message: "plain step requires a capability name (uses)"}
		}
		if len(s.Then) > 0 || len(s.Else) > 0 || len(s.Body) > 0 {
			return &ValidationError{Code: CodeBadStepSpec, StepID: s.ID, Message: "plain step cannot have nested steps"}
		}
	case KindCondition:
		if s.If == "" {
			return &ValidationError{Code: CodeBadStepSpec, StepID: s.ID, Message: "condition step requires an if expression"}
		}
		if len(s.Then) == 0 {
			return &ValidationError{Code: CodeBadStepSpec, StepID: s.ID, Message: "condition step requires a then branch"}
		}
	case KindForEach:
		if s.Items == "" {
			return &ValidationError{Code: CodeBadStepSpec, StepID: s.ID, Message: "forEach step requires an items expression"}
		}
		if len(s.Body) == 0 {
			return &ValidationError{Code: CodeBadStepSpec, StepID: s.ID, Message: "forEach step requires a body"}
		}
	case KindWhile:
		if s.If == "" {
			return &ValidationError{Code: CodeBadStepSpec, StepID: s.ID, Message: "while step requires an if expression"}
		}
		if len(s.Body) == 0 {
			return &ValidationError{Code: CodeBadStepSpec, StepID: s.ID, Message: "while step requires a body"}
		}
		if s.MaxIterations < 0 {
			return &ValidationError{Code: CodeBadStepSpec, StepID: s.ID, Message: "maxIterations cannot be negative"}
		}
	default:
		return &ValidationError{Code: CodeBadStepSpec, StepID: s.ID,
			Message: fmt.Sprintf("unknown step kind %q", s.Kind)}
	}
	return nil
}

package flow

import (
	"errors"
	"testing"
)

// TestParseDefinitionYAML verifies a complete YAML definition decodes with
// defaults applied.
func TestParseDefinitionYAML(t *testing.T) {
	data := []byte(`
id: enrich-orders
name: Enrich orders
trigger:
  kind: webhook
steps:
  - id: fetch
    uses: http.request
    input:
      url: "https://api.example.com/orders/{{trigger.order_id}}"
  - id: branch
    kind: condition
    if: "steps.fetch.status_code == 200"
    then:
      - id: record
        uses: audit.log
        input:
          body: "{{fetch.body}}"
output:
  summary: "{{branch}}"
`)

	def, err := ParseDefinition(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.ID != "enrich-orders" {
		t.Errorf("expected id 'enrich-orders', got %q", def.ID)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(def.Steps))
	}
	if def.Steps[0].kind() != KindPlain {
		t.Errorf("expected plain kind, got %q", def.Steps[0].kind())
	}
	if def.Steps[1].Kind != KindCondition {
		t.Errorf("expected condition kind, got %q", def.Steps[1].Kind)
	}
	if def.Steps[0].binding() != "fetch" {
		t.Errorf("expected binding to default to step id, got %q", def.Steps[0].binding())
	}
	if def.Steps[0].EndpointKey() != "http.request" {
		t.Errorf("expected endpoint to default to capability, got %q", def.Steps[0].EndpointKey())
	}
	if def.Output["summary"] != "{{branch}}" {
		t.Errorf("unexpected output spec: %v", def.Output)
	}
}

// TestParseDefinitionInvalidYAML verifies undecodable input fails with
// MALFORMED_DEFINITION.
func TestParseDefinitionInvalidYAML(t *testing.T) {
	_, err := ParseDefinition([]byte("steps: [unclosed"))
	assertValidationCode(t, err, CodeMalformedDefinition)
}

// TestValidateStructure exercises the structural invariants.
func TestValidateStructure(t *testing.T) {
	plain := func(id string) StepSpec {
		return StepSpec{ID: id, Uses: "noop"}
	}

	tests := []struct {
		name     string
		def      Definition
		wantCode string
	}{
		{
			name:     "missing workflow id",
			def:      Definition{Steps: []StepSpec{plain("a")}},
			wantCode: CodeMalformedDefinition,
		},
		{
			name:     "no steps",
			def:      Definition{ID: "wf"},
			wantCode: CodeMalformedDefinition,
		},
		{
			name:     "missing step id",
			def:      Definition{ID: "wf", Steps: []StepSpec{{Uses: "noop"}}},
			wantCode: CodeBadStepSpec,
		},
		{
			name:     "duplicate step id",
			def:      Definition{ID: "wf", Steps: []StepSpec{plain("a"), plain("a")}},
			wantCode: CodeDuplicateStep,
		},
		{
			name: "duplicate binding",
			def: Definition{ID: "wf", Steps: []StepSpec{
				{ID: "a", Uses: "noop", Bind: "out"},
				{ID: "b", Uses: "noop", Bind: "out"},
			}},
			wantCode: CodeDuplicateBinding,
		},
		{
			name: "nested duplicate id",
			def: Definition{ID: "wf", Steps: []StepSpec{
				{ID: "loop", Kind: KindForEach, Items: "{{trigger.items}}", Body: []StepSpec{plain("a")}},
				plain("a"),
			}},
			wantCode: CodeDuplicateStep,
		},
		{
			name:     "plain without uses",
			def:      Definition{ID: "wf", Steps: []StepSpec{{ID: "a"}}},
			wantCode: CodeBadStepSpec,
		},
		{
			name: "plain with nested steps",
			def: Definition{ID: "wf", Steps: []StepSpec{
				{ID: "a", Uses: "noop", Body: []StepSpec{plain("b")}},
			}},
			wantCode: CodeBadStepSpec,
		},
		{
			name: "condition without if",
			def: Definition{ID: "wf", Steps: []StepSpec{
				{ID: "c", Kind: KindCondition, Then: []StepSpec{plain("a")}},
			}},
			wantCode: CodeBadStepSpec,
		},
		{
			name: "condition without then",
			def: Definition{ID: "wf", Steps: []StepSpec{
				{ID: "c", Kind: KindCondition, If: "true"},
			}},
			wantCode: CodeBadStepSpec,
		},
		{
			name: "forEach without items",
			def: Definition{ID: "wf", Steps: []StepSpec{
				{ID: "l", Kind: KindForEach, Body: []StepSpec{plain("a")}},
			}},
			wantCode: CodeBadStepSpec,
		},
		{
			name: "while without body",
			def: Definition{ID: "wf", Steps: []StepSpec{
				{ID: "w", Kind: KindWhile, If: "true"},
			}},
			wantCode: CodeBadStepSpec,
		},
		{
			name: "while negative bound",
			def: Definition{ID: "wf", Steps: []StepSpec{
				{ID: "w", Kind: KindWhile, If: "true", MaxIterations: -1, Body: []StepSpec{plain("a")}},
			}},
			wantCode: CodeBadStepSpec,
		},
		{
			name:     "unknown kind",
			def:      Definition{ID: "wf", Steps: []StepSpec{{ID: "a", Kind: "loop"}}},
			wantCode: CodeBadStepSpec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertValidationCode(t, tt.def.Validate(), tt.wantCode)
		})
	}
}

// TestStepSpecDefaults verifies the accessor defaults.
func TestStepSpecDefaults(t *testing.T) {
	s := StepSpec{ID: "fetch", Uses: "http.request"}
	if s.kind() != KindPlain {
		t.Errorf("expected plain, got %q", s.kind())
	}
	if s.binding() != "fetch" {
		t.Errorf("expected 'fetch', got %q", s.binding())
	}
	if s.loopVar() != "item" {
		t.Errorf("expected 'item', got %q", s.loopVar())
	}
	if s.maxIterations() != DefaultMaxIterations {
		t.Errorf("expected %d, got %d", DefaultMaxIterations, s.maxIterations())
	}

	s = StepSpec{ID: "x", Bind: "result", As: "row", MaxIterations: 7, Endpoint: "svc"}
	if s.binding() != "result" || s.loopVar() != "row" || s.maxIterations() != 7 || s.EndpointKey() != "svc" {
		t.Error("explicit values should override defaults")
	}
}

func assertValidationCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error, got none")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
	if ve.Code != code {
		t.Errorf("expected code %s, got %s (%v)", code, ve.Code, ve)
	}
}

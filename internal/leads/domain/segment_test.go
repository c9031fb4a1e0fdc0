package domain

import (
	"encoding/json"
	"testing"

	"leadsegments_backend/platform/apperr"
)

func TestNewRuleRejectsUnknownOperator(t *testing.T) {
	_, err := NewRule("status", "looks_like", "x")
	if err == nil {
		t.Fatalf("expected unknown operator to be rejected")
	}
	if !apperr.Is(err, apperr.KindRuleEvaluation) {
		t.Fatalf("expected rule evaluation error, got %v", err)
	}
}

func TestNewRuleValidatesOperandShape(t *testing.T) {
	bad := []struct {
		op    string
		value any
	}{
		{"in", "qualified"},
		{"not_in", nil},
		{"equals", []any{"a"}},
		{"equals", nil},
		{"contains", map[string]any{"a": 1}},
		{"date_between", []any{"2025-01-01"}},
		{"date_between", []any{"2025-01-01", "not a date"}},
		{"date_before", "soon"},
	}
	for _, tc := range bad {
		if _, err := NewRule("f", tc.op, tc.value); err == nil {
			t.Fatalf("expected %s with %#v to be rejected", tc.op, tc.value)
		}
	}

	if _, err := NewRule("  ", "equals", "x"); err == nil {
		t.Fatalf("expected blank field to be rejected")
	}

	good := []struct {
		op    string
		value any
	}{
		{"in", []string{"qualified", "negotiating"}},
		{"is_empty", nil},
		{"date_between", []any{"now-30d", "now"}},
		{"date_after", "2025-01-01"},
		{"greater_than", 10},
		{"STARTS_WITH", "acme"},
	}
	for _, tc := range good {
		if _, err := NewRule("f", tc.op, tc.value); err != nil {
			t.Fatalf("expected %s with %#v to be accepted: %v", tc.op, tc.value, err)
		}
	}
}

func TestRuleJSONRoundTripGoesThroughConstructor(t *testing.T) {
	var rules []Rule
	raw := `[{"field":"status","operator":"in","value":["qualified","negotiating"]},{"field":"company","operator":"is_not_empty"}]`
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rules) != 2 || rules[0].Operator != OpIn || len(rules[0].Values) != 2 || rules[1].Operator != OpIsNotEmpty {
		t.Fatalf("unexpected rules %+v", rules)
	}

	out, err := json.Marshal(rules[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"field":"status","operator":"in","value":["qualified","negotiating"]}` {
		t.Fatalf("unexpected json %s", out)
	}

	if err := json.Unmarshal([]byte(`[{"field":"status","operator":"regex","value":"x"}]`), &rules); err == nil {
		t.Fatalf("expected unsupported operator to fail decoding")
	}
}

func TestOperatorsListIsComplete(t *testing.T) {
	names := Operators()
	if len(names) != 15 {
		t.Fatalf("expected 15 operators, got %d", len(names))
	}
	for _, name := range names {
		if _, err := ParseOperator(name); err != nil {
			t.Fatalf("operator %q does not round-trip: %v", name, err)
		}
	}
}

package scoring

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/platform/apperr"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}

func TestParsePolicyOverridesDefaults(t *testing.T) {
	raw := []byte(`
version: acme-2
status:
  points:
    qualified: 22
response_time:
  tiers:
    - within: 30m
      points: 10
    - within: 4h
      points: 5
decay:
  threshold_days: 45
`)
	policy, err := ParsePolicy(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if policy.Version != "acme-2" {
		t.Fatalf("expected version acme-2, got %q", policy.Version)
	}
	if policy.Status.Points["qualified"] != 22 || policy.Status.Points["converted"] != 30 {
		t.Fatalf("status table not merged: %v", policy.Status.Points)
	}
	if len(policy.ResponseTime.Tiers) != 2 || policy.ResponseTime.Tiers[1].Within != 4*time.Hour {
		t.Fatalf("unexpected tiers: %+v", policy.ResponseTime.Tiers)
	}
	if policy.Decay.ThresholdDays != 45 || policy.Decay.StepPercent != 10 {
		t.Fatalf("unexpected decay policy: %+v", policy.Decay)
	}
}

func TestParsePolicyRejectsInvalidTables(t *testing.T) {
	tests := map[string]string{
		"negative weight":       "status:\n  points:\n    new: -1\n",
		"zero threshold":        "decay:\n  threshold_days: 0\n",
		"unordered tiers":       "response_time:\n  tiers:\n    - within: 4h\n      points: 5\n    - within: 1h\n      points: 10\n",
		"max below step":        "decay:\n  step_percent: 20\n  max_percent: 10\n",
		"empty version":         "version: \"\"\n",
		"malformed yaml":        "status: [\n",
		"bad phone region":      "phone_region: BRA\n",
		"unknown rule operator": "rules:\n  max: 10\n  items:\n    - name: x\n      rule: {field: a, operator: like, value: b}\n      points: 5\n",
		"unnamed rule":          "rules:\n  max: 10\n  items:\n    - rule: {field: a, operator: equals, value: b}\n      points: 5\n",
		"rule points too large": "rules:\n  max: 10\n  items:\n    - name: x\n      rule: {field: a, operator: equals, value: b}\n      points: 500\n",
		"rules without a cap":   "rules:\n  max: 0\n  items:\n    - name: x\n      rule: {field: a, operator: equals, value: b}\n      points: 5\n",
		"duplicate rule names":  "rules:\n  max: 10\n  items:\n    - name: x\n      rule: {field: a, operator: equals, value: b}\n    - name: x\n      rule: {field: c, operator: is_empty}\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(raw))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !apperr.Is(err, apperr.KindConfiguration) {
				t.Fatalf("expected a configuration error, got %v", err)
			}
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	policy, err := LoadPolicy("")
	if err != nil || policy.Version != DefaultPolicy().Version {
		t.Fatalf("empty path should return the default policy, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("version: file-1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	policy, err = LoadPolicy(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if policy.Version != "file-1" {
		t.Fatalf("expected version file-1, got %q", policy.Version)
	}

	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("missing file should be a configuration error, got %v", err)
	}
}

func TestParsePolicyScoringRules(t *testing.T) {
	raw := []byte(`
rules:
  max: 25
  items:
    - name: Large team
      description: More than a hundred employees
      rule: {field: employees, operator: greater_than, value: 100}
      points: 10
      is_active: true
    - name: Competitor
      rule: {field: email, operator: ends_with, value: "@globex.com"}
      points: -15
`)
	policy, err := ParsePolicy(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if policy.Rules.Max != 25 || len(policy.Rules.Items) != 2 {
		t.Fatalf("unexpected rules section: %+v", policy.Rules)
	}
	first := policy.Rules.Items[0]
	if first.Rule.Operator != domain.OpGreaterThan || !first.IsActive || first.Points != 10 {
		t.Fatalf("unexpected first rule: %+v", first)
	}
	if policy.Rules.Items[1].IsActive {
		t.Fatal("rules are inactive unless is_active is set")
	}
}

func TestValidateRejectsRuleBuiltWithoutConstructor(t *testing.T) {
	policy := DefaultPolicy()
	policy.Rules.Items = []ScoreRule{{Name: "broken", Rule: domain.Rule{}, Points: 5, IsActive: true}}

	if err := policy.Validate(); !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

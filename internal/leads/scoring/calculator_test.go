package scoring

import (
	"testing"
	"time"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/ports"

	"github.com/google/uuid"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func newCalculator() *Calculator {
	return NewCalculator(DefaultPolicy(), ports.FixedClock(now))
}

func TestCalculateLeadScoreWithCustomWeights(t *testing.T) {
	policy := Policy{
		Version:    "test",
		Status:     TablePolicy{Points: map[string]int{"qualified": 20}, Max: 30},
		Source:     TablePolicy{Points: map[string]int{"referral": 15}, Max: 20},
		Tags:       TablePolicy{Points: map[string]int{"vip": 10}, Max: 10},
		Inactivity: InactivityPolicy{GraceDays: 14, PointsPerDay: 1, MaxPenalty: 20},
		Decay:      DefaultPolicy().Decay,
	}
	calc := NewCalculator(policy, ports.FixedClock(now))
	lead := domain.Lead{
		ID:         uuid.New(),
		Attributes: map[string]any{"status": "qualified", "source": "referral", "tags": []any{"vip"}},
		CreatedAt:  now,
	}

	if got := calc.CalculateLeadScore(lead); got != 45 {
		t.Fatalf("expected 45, got %d", got)
	}
}

func TestBreakdownFullDefaultPolicy(t *testing.T) {
	calc := newCalculator()
	created := now.Add(-3 * time.Hour)
	lead := domain.Lead{
		ID: uuid.New(),
		Attributes: map[string]any{
			"status":  "negotiating",
			"source":  "Referral",
			"email":   "ana@acme.com.br",
			"company": "Acme",
			"phone":   "(11) 3230-6000",
			"tags":    []any{"vip", "hot", "VIP"},
		},
		Interactions:    5,
		LastActivityAt:  ago(2 * time.Hour),
		FirstResponseAt: func() *time.Time { t := created.Add(30 * time.Minute); return &t }(),
		CreatedAt:       created,
	}

	b := calc.Breakdown(lead)
	want := map[string]int{
		FactorStatus:       25,
		FactorSource:       15,
		FactorEmail:        10,
		FactorCompany:      5,
		FactorPhone:        5,
		FactorActivity:     20,
		FactorResponseTime: 10,
		FactorTags:         10,
	}
	for key, points := range want {
		if b.Factors[key] != points {
			t.Errorf("factor %s: expected %d, got %d", key, points, b.Factors[key])
		}
	}
	if b.Score != 100 || b.Subtotal != 100 || b.Penalty != 0 {
		t.Fatalf("expected 100/100/0, got %d/%d/%d", b.Score, b.Subtotal, b.Penalty)
	}
	if b.Version != DefaultPolicy().Version {
		t.Fatalf("expected version %q, got %q", DefaultPolicy().Version, b.Version)
	}
	if _, ok := b.Factors[FactorInactivity]; ok {
		t.Fatal("zero penalty should not be recorded")
	}
}

func TestInactivityPenalty(t *testing.T) {
	calc := newCalculator()

	tests := []struct {
		name    string
		lead    domain.Lead
		penalty int
		score   int
	}{
		{
			name:    "within grace",
			lead:    domain.Lead{Attributes: map[string]any{"status": "qualified"}, CreatedAt: now.Add(-10 * day)},
			penalty: 0,
			score:   20,
		},
		{
			name:    "six days past grace",
			lead:    domain.Lead{Attributes: map[string]any{"status": "qualified"}, CreatedAt: now.Add(-20 * day)},
			penalty: 6,
			score:   14,
		},
		{
			name:    "capped",
			lead:    domain.Lead{Attributes: map[string]any{"status": "qualified"}, CreatedAt: now.Add(-100 * day)},
			penalty: 20,
			score:   0,
		},
		{
			name:    "never larger than the subtotal",
			lead:    domain.Lead{Attributes: map[string]any{"status": "new"}, CreatedAt: now.Add(-100 * day)},
			penalty: 5,
			score:   0,
		},
		{
			name:    "activity resets the clock",
			lead:    domain.Lead{Attributes: map[string]any{"status": "qualified"}, CreatedAt: now.Add(-100 * day), LastActivityAt: ago(3 * day)},
			penalty: 0,
			score:   26,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := calc.Breakdown(tt.lead)
			if b.Penalty != tt.penalty {
				t.Fatalf("expected penalty %d, got %d", tt.penalty, b.Penalty)
			}
			if b.Score != tt.score {
				t.Fatalf("expected score %d, got %d", tt.score, b.Score)
			}
		})
	}
}

func TestScoreIsNeverNegative(t *testing.T) {
	calc := newCalculator()
	for days := 0; days <= 400; days += 7 {
		lead := domain.Lead{Attributes: map[string]any{"status": "lost"}, CreatedAt: now.Add(-time.Duration(days) * day)}
		if got := calc.CalculateLeadScore(lead); got < 0 {
			t.Fatalf("score below zero after %d days: %d", days, got)
		}
	}
}

func TestCalculateEmailDomainScore(t *testing.T) {
	calc := newCalculator()
	tests := map[string]int{
		"ceo@acme.io":        10,
		"Someone@GMAIL.com":  4,
		"x@mailinator.com":   0,
		"not-an-email":       0,
		"a@localhost":        0,
		"trailing@":          0,
		"":                   0,
		"two@at@example.com": 10,
	}
	for email, want := range tests {
		lead := domain.Lead{Attributes: map[string]any{"email": email}}
		if got := calc.CalculateEmailDomainScore(lead); got != want {
			t.Errorf("%q: expected %d, got %d", email, want, got)
		}
	}
}

func TestCalculatePhoneScore(t *testing.T) {
	calc := newCalculator()
	tests := map[string]int{
		"(11) 3230-6000": 5,
		"12":             1,
		"   ":            0,
	}
	for number, want := range tests {
		lead := domain.Lead{Attributes: map[string]any{"phone": number}}
		if got := calc.CalculatePhoneScore(lead); got != want {
			t.Errorf("%q: expected %d, got %d", number, want, got)
		}
	}
}

func TestCalculateResponseTimeScore(t *testing.T) {
	calc := newCalculator()
	created := now.Add(-10 * day)
	tests := []struct {
		after time.Duration
		want  int
	}{
		{30 * time.Minute, 10},
		{5 * time.Hour, 6},
		{48 * time.Hour, 3},
		{100 * time.Hour, 0},
		{-time.Hour, 10},
	}
	for _, tt := range tests {
		responded := created.Add(tt.after)
		lead := domain.Lead{CreatedAt: created, FirstResponseAt: &responded}
		if got := calc.CalculateResponseTimeScore(lead); got != tt.want {
			t.Errorf("after %s: expected %d, got %d", tt.after, tt.want, got)
		}
	}

	if got := calc.CalculateResponseTimeScore(domain.Lead{CreatedAt: created}); got != 0 {
		t.Fatalf("unanswered lead: expected 0, got %d", got)
	}
}

func TestCalculateActivityScore(t *testing.T) {
	calc := newCalculator()
	tests := []struct {
		name         string
		interactions int
		last         *time.Time
		want         int
	}{
		{"nothing", 0, nil, 0},
		{"count only", 3, nil, 6},
		{"count capped", 40, nil, 15},
		{"recent", 0, ago(time.Hour), 10},
		{"this week", 1, ago(3 * day), 8},
		{"this month", 1, ago(20 * day), 5},
		{"old", 1, ago(90 * day), 2},
		{"max", 40, ago(time.Minute), 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := domain.Lead{Interactions: tt.interactions, LastActivityAt: tt.last}
			if got := calc.CalculateActivityScore(lead); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestCalculateTagsAndTables(t *testing.T) {
	calc := newCalculator()

	lead := domain.Lead{Attributes: map[string]any{"tags": "hot, enterprise,unknown"}}
	if got := calc.CalculateTagsScore(lead); got != 10 {
		t.Fatalf("tags: expected 10, got %d", got)
	}
	if got := calc.CalculateStatusScore(domain.Lead{Attributes: map[string]any{"status": "archived"}}); got != 0 {
		t.Fatalf("unknown status: expected 0, got %d", got)
	}
	if got := calc.CalculateSourceScore(domain.Lead{Attributes: map[string]any{"source": " Paid "}}); got != 8 {
		t.Fatalf("source: expected 8, got %d", got)
	}
	if got := calc.CalculateCompanyScore(domain.Lead{Attributes: map[string]any{"company": "  "}}); got != 0 {
		t.Fatalf("blank company: expected 0, got %d", got)
	}
}

func TestCalculateMultipleLeadScores(t *testing.T) {
	calc := newCalculator()
	a := domain.Lead{ID: uuid.New(), Attributes: map[string]any{"status": "converted"}, CreatedAt: now}
	b := domain.Lead{ID: uuid.New(), Attributes: map[string]any{"status": "contacted"}, CreatedAt: now}

	scores := calc.CalculateMultipleLeadScores([]domain.Lead{a, b})
	if len(scores) != 2 || scores[a.ID] != 30 || scores[b.ID] != 10 {
		t.Fatalf("unexpected scores: %v", scores)
	}
	if scores[a.ID] != calc.CalculateLeadScore(a) {
		t.Fatal("batch and single scores differ")
	}
}

func rulesPolicy() Policy {
	policy := DefaultPolicy()
	policy.Rules = RulesPolicy{
		Max: 20,
		Items: []ScoreRule{
			{Name: "Corporate account", Rule: domain.MustRule("company", "contains", "corp"), Points: 15, IsActive: true},
			{Name: "Large team", Rule: domain.MustRule("employees", "greater_than", 100), Points: 10, IsActive: true},
			{Name: "Fresh lead", Rule: domain.MustRule("status", "equals", "new"), Points: 30, IsActive: false},
			{Name: "Spam", Rule: domain.MustRule("tags", "contains", "spam"), Points: -25, IsActive: true},
		},
	}
	return policy
}

func TestCalculateRulesScore(t *testing.T) {
	calc := NewCalculator(rulesPolicy(), ports.FixedClock(now))

	tests := []struct {
		name    string
		attrs   map[string]any
		points  int
		matched []string
	}{
		{
			name:    "matching rules are summed and capped",
			attrs:   map[string]any{"company": "MegaCorp", "employees": 500, "status": "new"},
			points:  20,
			matched: []string{"Corporate account", "Large team"},
		},
		{
			name:   "inactive rules never count",
			attrs:  map[string]any{"status": "new"},
			points: 0,
		},
		{
			name:   "uncomparable field does not match",
			attrs:  map[string]any{"employees": "lots", "company": "Acme"},
			points: 0,
		},
		{
			name:    "negative points are floored at the cap",
			attrs:   map[string]any{"tags": []any{"spam"}},
			points:  -20,
			matched: []string{"Spam"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := domain.Lead{ID: uuid.New(), Attributes: tt.attrs, CreatedAt: now}
			points, matched := calc.CalculateRulesScore(lead)
			if points != tt.points {
				t.Fatalf("expected %d points, got %d", tt.points, points)
			}
			if len(matched) != len(tt.matched) {
				t.Fatalf("expected matched %v, got %v", tt.matched, matched)
			}
			for i := range matched {
				if matched[i] != tt.matched[i] {
					t.Fatalf("expected matched %v, got %v", tt.matched, matched)
				}
			}
		})
	}
}

func TestBreakdownIncludesRulesFactor(t *testing.T) {
	calc := NewCalculator(rulesPolicy(), ports.FixedClock(now))

	boosted := calc.Breakdown(domain.Lead{
		ID:         uuid.New(),
		Attributes: map[string]any{"status": "qualified", "company": "Globex Corp"},
		CreatedAt:  now,
	})
	if boosted.Factors[FactorRules] != 15 || boosted.Score != 40 {
		t.Fatalf("expected rules 15 and score 40, got %d and %d", boosted.Factors[FactorRules], boosted.Score)
	}
	if len(boosted.MatchedRules) != 1 || boosted.MatchedRules[0] != "Corporate account" {
		t.Fatalf("unexpected matched rules %v", boosted.MatchedRules)
	}

	penalised := calc.Breakdown(domain.Lead{
		ID:         uuid.New(),
		Attributes: map[string]any{"status": "qualified", "tags": []any{"spam"}},
		CreatedAt:  now.Add(-30 * day),
	})
	if penalised.Subtotal != 0 || penalised.Penalty != 0 || penalised.Score != 0 {
		t.Fatalf("expected 0/0/0, got %d/%d/%d", penalised.Subtotal, penalised.Penalty, penalised.Score)
	}
}

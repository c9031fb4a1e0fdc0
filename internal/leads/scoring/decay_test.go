package scoring

import (
	"testing"
	"time"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/ports"

	"github.com/google/uuid"
)

func newDecayEngine() *DecayEngine {
	return NewDecayEngine(DefaultPolicy().Decay, ports.FixedClock(now))
}

func TestDecayScenarioFortyDaysInactive(t *testing.T) {
	engine := newDecayEngine()
	lead := domain.Lead{ID: uuid.New(), Score: 50, LastActivityAt: ago(40 * day), CreatedAt: now.Add(-90 * day)}

	adj, ok := engine.Decay(lead)
	if !ok {
		t.Fatal("expected lead to be due for decay")
	}
	if adj.NewScore != 45 || adj.Amount != 5 {
		t.Fatalf("expected 50 -> 45, got %d -> %d (amount %d)", adj.OldScore, adj.NewScore, adj.Amount)
	}
	if !adj.DecayedAt.Equal(now) {
		t.Fatalf("expected decay timestamp %s, got %s", now, adj.DecayedAt)
	}

	lead.Score = adj.NewScore
	lead.LastScoreDecayAt = &adj.DecayedAt
	if _, ok := engine.Decay(lead); ok {
		t.Fatal("second decay on the same day should be a no-op")
	}
}

func TestShouldDecayLeadScore(t *testing.T) {
	engine := newDecayEngine()
	tests := []struct {
		name      string
		lastAct   *time.Time
		lastDecay *time.Time
		want      bool
	}{
		{"active", ago(5 * day), nil, false},
		{"just under threshold", ago(29*day + 23*time.Hour), nil, false},
		{"at threshold", ago(30 * day), nil, true},
		{"decayed last week", ago(60 * day), ago(8 * day), true},
		{"decayed recently", ago(60 * day), ago(3 * day), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := domain.Lead{Score: 10, LastActivityAt: tt.lastAct, LastScoreDecayAt: tt.lastDecay, CreatedAt: now.Add(-365 * day)}
			if got := engine.ShouldDecayLeadScore(lead); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCalculateDecayAmount(t *testing.T) {
	engine := newDecayEngine()
	tests := []struct {
		name  string
		score int
		days  int
		want  int
	}{
		{"not inactive", 50, 10, 0},
		{"first step", 50, 30, 5},
		{"second step", 50, 65, 10},
		{"capped at max percent", 50, 400, 25},
		{"rounded up", 7, 31, 1},
		{"floor", 0, 90, 0},
		{"never more than score", 1, 400, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := domain.Lead{Score: tt.score, LastActivityAt: ago(time.Duration(tt.days) * day)}
			if got := engine.CalculateDecayAmount(lead); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestDecayIsMonotonicAndFloored(t *testing.T) {
	engine := newDecayEngine()
	for score := 0; score <= 200; score += 3 {
		for days := 0; days <= 400; days += 11 {
			lead := domain.Lead{Score: score, LastActivityAt: ago(time.Duration(days) * day)}
			adj, ok := engine.Decay(lead)
			if !ok {
				continue
			}
			if adj.NewScore > score {
				t.Fatalf("decay increased score %d after %d days: %d", score, days, adj.NewScore)
			}
			if adj.NewScore < 0 {
				t.Fatalf("decay went below zero for score %d after %d days", score, days)
			}
		}
	}
}

func TestWithThreshold(t *testing.T) {
	engine := newDecayEngine()
	lead := domain.Lead{Score: 50, LastActivityAt: ago(40 * day)}

	if engine.WithThreshold(60).ShouldDecayLeadScore(lead) {
		t.Fatal("lead inactive for 40 days should not decay at a 60 day threshold")
	}
	if !engine.WithThreshold(7).ShouldDecayLeadScore(lead) {
		t.Fatal("lead inactive for 40 days should decay at a 7 day threshold")
	}
	if engine.Threshold() != 30 {
		t.Fatalf("WithThreshold must not mutate the original, got %d", engine.Threshold())
	}
	if !engine.IsLeadInactiveForDays(lead, 40) || engine.IsLeadInactiveForDays(lead, 41) {
		t.Fatal("IsLeadInactiveForDays boundary is wrong")
	}
}

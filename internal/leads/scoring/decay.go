package scoring

import (
	"time"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/ports"

	"github.com/google/uuid"
)

const day = 24 * time.Hour

// Adjustment is a computed, not yet committed, decay for one lead.
type Adjustment struct {
	LeadID       uuid.UUID `json:"leadId"`
	OldScore     int       `json:"oldScore"`
	NewScore     int       `json:"newScore"`
	Amount       int       `json:"amount"`
	DaysInactive int       `json:"daysInactive"`
	DecayedAt    time.Time `json:"decayedAt"`
}

// DecayEngine decides whether and by how much an inactive lead's persisted
// score decays. It never writes.
type DecayEngine struct {
	policy DecayPolicy
	clock  ports.Clock
}

// NewDecayEngine creates a DecayEngine. The policy is assumed valid.
func NewDecayEngine(policy DecayPolicy, clock ports.Clock) *DecayEngine {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &DecayEngine{policy: policy, clock: clock}
}

// WithThreshold returns a copy that treats days as the inactivity threshold.
func (e *DecayEngine) WithThreshold(days int) *DecayEngine {
	p := e.policy
	p.ThresholdDays = days
	return &DecayEngine{policy: p, clock: e.clock}
}

// Threshold is the number of inactive days before decay starts.
func (e *DecayEngine) Threshold() int {
	return e.policy.ThresholdDays
}

// IsLeadInactiveForDays reports whether the lead has had no activity for at
// least days whole days.
func (e *DecayEngine) IsLeadInactiveForDays(lead domain.Lead, days int) bool {
	inactive, ok := lead.DaysInactive(e.clock.Now())
	return ok && inactive >= days
}

// ShouldDecayLeadScore reports whether the lead is past the threshold and was
// not decayed within the last interval.
func (e *DecayEngine) ShouldDecayLeadScore(lead domain.Lead) bool {
	if !e.IsLeadInactiveForDays(lead, e.policy.ThresholdDays) {
		return false
	}
	if lead.LastScoreDecayAt == nil {
		return true
	}
	interval := time.Duration(e.policy.IntervalDays) * day
	return e.clock.Now().Sub(*lead.LastScoreDecayAt) >= interval
}

// CalculateDecayAmount is StepPercent of the score for the first step at the
// threshold and for every StepEveryDays after it, capped at MaxPercent and
// rounded up. It never exceeds the score.
func (e *DecayEngine) CalculateDecayAmount(lead domain.Lead) int {
	if lead.Score <= 0 {
		return 0
	}
	days, ok := lead.DaysInactive(e.clock.Now())
	if !ok || days < e.policy.ThresholdDays {
		return 0
	}

	steps := 1 + (days-e.policy.ThresholdDays)/e.policy.StepEveryDays
	pct := min(steps*e.policy.StepPercent, e.policy.MaxPercent)
	amount := (lead.Score*pct + 99) / 100
	return min(amount, lead.Score)
}

// Decay computes the adjustment for an eligible lead. ok is false when the
// lead is not due; a zero Amount means the score is already at the floor.
func (e *DecayEngine) Decay(lead domain.Lead) (Adjustment, bool) {
	if !e.ShouldDecayLeadScore(lead) {
		return Adjustment{}, false
	}
	now := e.clock.Now()
	days, _ := lead.DaysInactive(now)
	amount := e.CalculateDecayAmount(lead)
	return Adjustment{
		LeadID:       lead.ID,
		OldScore:     lead.Score,
		NewScore:     lead.Score - amount,
		Amount:       amount,
		DaysInactive: days,
		DecayedAt:    now,
	}, true
}

// cutoff is the activity instant a lead must predate to be a decay candidate.
func (e *DecayEngine) cutoff() time.Time {
	return e.clock.Now().Add(-time.Duration(e.policy.ThresholdDays) * day).Add(time.Nanosecond)
}

// Package events defines the lead segmentation and scoring events. The bus
// they travel on lives in platform/events.
package events

import (
	"leadsegments_backend/platform/events"

	"github.com/google/uuid"
)

type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

var NewBaseEventAt = events.NewBaseEventAt

// Event names.
const (
	NameSegmentProcessed         = "leads.segment.processed"
	NameLeadSegmentsSynchronized = "leads.segments.synchronized"
	NameLeadScoresDecayed        = "leads.scores.decayed"
	NameLeadScoreUpdated         = "leads.score.updated"
)

// AllNames lists every domain event name, e.g. for forwarding subscriptions.
func AllNames() []string {
	return []string{
		NameSegmentProcessed,
		NameLeadSegmentsSynchronized,
		NameLeadScoresDecayed,
		NameLeadScoreUpdated,
	}
}

// =============================================================================
// Segmentation Events
// =============================================================================

// SegmentProcessed is published after a segment's membership was reconciled
// against a lead population, typically after its rules changed.
type SegmentProcessed struct {
	BaseEvent
	SegmentID uuid.UUID `json:"segmentId"`
	RunID     string    `json:"runId,omitempty"`
	Evaluated int       `json:"evaluated"`
	Matched   int       `json:"matched"`
	Attached  int       `json:"attached"`
	Detached  int       `json:"detached"`
	Failed    int       `json:"failed"`
}

func (e SegmentProcessed) EventName() string { return NameSegmentProcessed }

// LeadSegmentsSynchronized is published when a lead's membership set changed.
type LeadSegmentsSynchronized struct {
	BaseEvent
	LeadID   uuid.UUID   `json:"leadId"`
	Attached []uuid.UUID `json:"attached"`
	Detached []uuid.UUID `json:"detached"`
}

func (e LeadSegmentsSynchronized) EventName() string { return NameLeadSegmentsSynchronized }

// =============================================================================
// Scoring Events
// =============================================================================

// LeadScoresDecayed is published once per decay run.
type LeadScoresDecayed struct {
	BaseEvent
	RunID         string `json:"runId"`
	ThresholdDays int    `json:"thresholdDays"`
	Processed     int    `json:"processed"`
	Decayed       int    `json:"decayed"`
	Failed        int    `json:"failed"`
	PointsRemoved int    `json:"pointsRemoved"`
}

func (e LeadScoresDecayed) EventName() string { return NameLeadScoresDecayed }

// Reasons carried by LeadScoreUpdated.
const (
	ScoreReasonDecay         = "decay"
	ScoreReasonRecalculation = "recalculation"
	ScoreReasonManual        = "manual"
)

// LeadScoreUpdated is published whenever a persisted score changes.
type LeadScoreUpdated struct {
	BaseEvent
	LeadID   uuid.UUID      `json:"leadId"`
	OldScore int            `json:"oldScore"`
	NewScore int            `json:"newScore"`
	Reason   string         `json:"reason"`
	Version  string         `json:"version,omitempty"`
	Factors  map[string]int `json:"factors,omitempty"`
}

func (e LeadScoreUpdated) EventName() string { return NameLeadScoreUpdated }

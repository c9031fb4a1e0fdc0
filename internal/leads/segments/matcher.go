// Package segments classifies leads into segments.
package segments

import (
	"iter"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/rules"

	"github.com/google/uuid"
)

// Matcher applies segment rule sets to leads.
type Matcher struct {
	evaluator *rules.Evaluator
}

// New creates a Matcher.
func New(evaluator *rules.Evaluator) *Matcher {
	return &Matcher{evaluator: evaluator}
}

// Matches reports whether lead belongs in segment. Inactive segments never match.
func (m *Matcher) Matches(segment domain.Segment, lead domain.Lead) bool {
	if !segment.IsActive {
		return false
	}
	return m.evaluator.Matches(lead, segment.Rules)
}

// FindMatchingLeadIDs streams leads once and returns the IDs matching segment.
func (m *Matcher) FindMatchingLeadIDs(segment domain.Segment, leads iter.Seq[domain.Lead]) domain.LeadSet {
	matched := make(domain.LeadSet)
	if !segment.IsActive {
		return matched
	}
	for lead := range leads {
		if m.evaluator.Matches(lead, segment.Rules) {
			matched.Add(lead.ID)
		}
	}
	return matched
}

// MatchingSegmentIDs evaluates one lead against every active segment,
// resolving each field once.
func (m *Matcher) MatchingSegmentIDs(lead domain.Lead, segments []domain.Segment) domain.SegmentSet {
	view := rules.NewView(&lead)
	matched := make(domain.SegmentSet)
	for _, segment := range segments {
		if segment.IsActive && m.evaluator.MatchesView(view, segment.Rules) {
			matched.Add(segment.ID)
		}
	}
	return matched
}

// GetLeadsMatchingMultipleSegments evaluates every active segment against
// every lead exactly once. Every active segment has an entry, possibly empty.
func (m *Matcher) GetLeadsMatchingMultipleSegments(leads iter.Seq[domain.Lead], segments []domain.Segment) map[uuid.UUID]domain.LeadSet {
	result := make(map[uuid.UUID]domain.LeadSet, len(segments))
	active := make([]domain.Segment, 0, len(segments))
	for _, segment := range segments {
		if segment.IsActive {
			result[segment.ID] = make(domain.LeadSet)
			active = append(active, segment)
		}
	}

	for lead := range leads {
		for id := range m.MatchingSegmentIDs(lead, active) {
			result[id].Add(lead.ID)
		}
	}
	return result
}

// ActiveIDs returns the IDs of the active segments.
func ActiveIDs(segments []domain.Segment) domain.SegmentSet {
	ids := make(domain.SegmentSet, len(segments))
	for _, s := range segments {
		if s.IsActive {
			ids.Add(s.ID)
		}
	}
	return ids
}

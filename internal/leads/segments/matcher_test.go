package segments

import (
	"slices"
	"testing"
	"time"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/ports"
	"leadsegments_backend/internal/leads/rules"
	"leadsegments_backend/platform/logger"

	"github.com/google/uuid"
)

func newTestMatcher() *Matcher {
	clock := ports.FixedClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	return New(rules.New(clock, logger.Nop()))
}

func statusLead(status string) domain.Lead {
	return domain.Lead{ID: uuid.New(), Attributes: map[string]any{"status": status}}
}

func TestFindMatchingLeadIDs(t *testing.T) {
	m := newTestMatcher()
	a, b, c := statusLead("qualified"), statusLead("new"), statusLead("negotiating")
	segment := domain.Segment{
		ID:       uuid.New(),
		IsActive: true,
		Rules:    []domain.Rule{domain.MustRule("status", "in", []any{"qualified", "negotiating"})},
	}

	got := m.FindMatchingLeadIDs(segment, slices.Values([]domain.Lead{a, b, c}))
	if !got.Equal(domain.NewIDSet(a.ID, c.ID)) {
		t.Fatalf("expected {A, C}, got %v", got.Sorted())
	}
}

func TestInactiveSegmentMatchesNothing(t *testing.T) {
	m := newTestMatcher()
	segment := domain.Segment{ID: uuid.New(), IsActive: false}

	evaluated := 0
	leads := func(yield func(domain.Lead) bool) {
		evaluated++
		yield(statusLead("new"))
	}

	if got := m.FindMatchingLeadIDs(segment, leads); got.Len() != 0 {
		t.Fatalf("expected no matches for inactive segment, got %d", got.Len())
	}
	if evaluated != 0 {
		t.Fatalf("expected inactive segment to short-circuit without reading leads")
	}
}

func TestEmptyRuleSegmentMatchesEveryLead(t *testing.T) {
	m := newTestMatcher()
	leads := []domain.Lead{statusLead("new"), statusLead("lost"), {ID: uuid.New()}}
	segment := domain.Segment{ID: uuid.New(), IsActive: true}

	if got := m.FindMatchingLeadIDs(segment, slices.Values(leads)); got.Len() != len(leads) {
		t.Fatalf("expected all %d leads, got %d", len(leads), got.Len())
	}
}

func TestGetLeadsMatchingMultipleSegments(t *testing.T) {
	m := newTestMatcher()
	hot := domain.Segment{ID: uuid.New(), IsActive: true, Rules: []domain.Rule{domain.MustRule("status", "equals", "qualified")}}
	cold := domain.Segment{ID: uuid.New(), IsActive: true, Rules: []domain.Rule{domain.MustRule("status", "equals", "lost")}}
	off := domain.Segment{ID: uuid.New(), IsActive: false}

	a, b := statusLead("qualified"), statusLead("new")
	got := m.GetLeadsMatchingMultipleSegments(slices.Values([]domain.Lead{a, b}), []domain.Segment{hot, cold, off})

	if len(got) != 2 {
		t.Fatalf("expected entries for the two active segments, got %d", len(got))
	}
	if !got[hot.ID].Equal(domain.NewIDSet(a.ID)) {
		t.Fatalf("unexpected hot members %v", got[hot.ID].Sorted())
	}
	if got[cold.ID].Len() != 0 {
		t.Fatalf("expected cold to be empty")
	}
	if _, ok := got[off.ID]; ok {
		t.Fatalf("inactive segment must not be evaluated")
	}
}

func TestMatchingSegmentIDs(t *testing.T) {
	m := newTestMatcher()
	qualified := domain.Segment{ID: uuid.New(), IsActive: true, Rules: []domain.Rule{domain.MustRule("status", "equals", "qualified")}}
	everyone := domain.Segment{ID: uuid.New(), IsActive: true}
	paused := domain.Segment{ID: uuid.New(), IsActive: false}

	got := m.MatchingSegmentIDs(statusLead("qualified"), []domain.Segment{qualified, everyone, paused})
	if !got.Equal(domain.NewIDSet(qualified.ID, everyone.ID)) {
		t.Fatalf("unexpected segments %v", got.Sorted())
	}
}

package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/ports"

	"github.com/google/uuid"
)

// Memory operations that can be made to fail with InjectFailure.
const (
	OpGetLead       = "get_lead"
	OpUpdateScore   = "update_score"
	OpGetMembership = "get_membership"
	OpAttach        = "attach"
	OpDetach        = "detach"
	OpGetOverrides  = "get_overrides"
)

// WriteCounts tallies mutating calls that reached the store.
type WriteCounts struct {
	Attach      int
	Detach      int
	UpdateScore int
}

// Memory is an in-process LeadStore and SegmentStore. It backs the offline
// CLI and the package tests, and can inject per-lead failures.
type Memory struct {
	mu          sync.RWMutex
	leads       map[uuid.UUID]domain.Lead
	segments    map[uuid.UUID]domain.Segment
	memberships map[uuid.UUID]map[uuid.UUID]time.Time
	overrides   map[uuid.UUID]map[uuid.UUID]domain.Override
	failures    map[string]map[uuid.UUID]error
	writes      WriteCounts
}

func NewMemory() *Memory {
	return &Memory{
		leads:       make(map[uuid.UUID]domain.Lead),
		segments:    make(map[uuid.UUID]domain.Segment),
		memberships: make(map[uuid.UUID]map[uuid.UUID]time.Time),
		overrides:   make(map[uuid.UUID]map[uuid.UUID]domain.Override),
		failures:    make(map[string]map[uuid.UUID]error),
	}
}

// PutLead inserts or replaces a lead.
func (m *Memory) PutLead(lead domain.Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads[lead.ID] = cloneLead(lead)
}

// PutSegment inserts or replaces a segment.
func (m *Memory) PutSegment(segment domain.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[segment.ID] = segment
}

// SaveSegment is PutSegment with the Repository signature.
func (m *Memory) SaveSegment(_ context.Context, segment domain.Segment) error {
	m.PutSegment(segment)
	return nil
}

// InjectFailure makes op fail with err for leadID until cleared.
func (m *Memory) InjectFailure(op string, leadID uuid.UUID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures[op] == nil {
		m.failures[op] = make(map[uuid.UUID]error)
	}
	m.failures[op][leadID] = err
}

// ClearFailures removes every injected failure.
func (m *Memory) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]map[uuid.UUID]error)
}

// Writes returns the mutating call counts so far.
func (m *Memory) Writes() WriteCounts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Members returns the lead IDs currently in segmentID.
func (m *Memory) Members(segmentID uuid.UUID) domain.LeadSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(domain.LeadSet)
	for leadID, segs := range m.memberships {
		if _, ok := segs[segmentID]; ok {
			out.Add(leadID)
		}
	}
	return out
}

// AllLeads returns every lead in cursor order.
func (m *Memory) AllLeads() []domain.Lead {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLeads()
}

func (m *Memory) failure(op string, leadID uuid.UUID) error {
	return m.failures[op][leadID]
}

func (m *Memory) sortedLeads() []domain.Lead {
	leads := make([]domain.Lead, 0, len(m.leads))
	for _, lead := range m.leads {
		leads = append(leads, cloneLead(lead))
	}
	sort.Slice(leads, func(i, j int) bool { return domain.LessByCursor(leads[i], leads[j]) })
	return leads
}

func (m *Memory) PageLeads(ctx context.Context, filter domain.LeadFilter, cursor *domain.Cursor, size int) (domain.LeadPage, error) {
	if err := ctx.Err(); err != nil {
		return domain.LeadPage{}, err
	}
	if size < 1 {
		return domain.LeadPage{}, fmt.Errorf("page size must be positive")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var page domain.LeadPage
	for _, lead := range m.sortedLeads() {
		if cursor != nil && !cursor.After(lead) {
			continue
		}
		if !filter.Matches(lead) {
			continue
		}
		if len(page.Leads) == size {
			next := domain.CursorOf(page.Leads[size-1])
			page.Next = &next
			break
		}
		page.Leads = append(page.Leads, lead)
	}
	return page, nil
}

func (m *Memory) GetLead(ctx context.Context, id uuid.UUID) (domain.Lead, error) {
	if err := ctx.Err(); err != nil {
		return domain.Lead{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpGetLead, id); err != nil {
		return domain.Lead{}, err
	}
	lead, ok := m.leads[id]
	if !ok {
		return domain.Lead{}, ErrNotFound
	}
	return cloneLead(lead), nil
}

func (m *Memory) UpdateScore(ctx context.Context, update domain.ScoreUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpUpdateScore, update.LeadID); err != nil {
		return err
	}
	lead, ok := m.leads[update.LeadID]
	if !ok {
		return ErrNotFound
	}
	if lead.Score != update.ExpectedScore {
		return ports.ErrScoreConflict
	}
	if update.Score < 0 {
		update.Score = 0
	}
	lead.Score = update.Score
	if update.DecayedAt != nil {
		at := *update.DecayedAt
		lead.LastScoreDecayAt = &at
	}
	m.leads[lead.ID] = lead
	m.writes.UpdateScore++
	return nil
}

func (m *Memory) GetMembership(ctx context.Context, leadID uuid.UUID) (domain.SegmentSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpGetMembership, leadID); err != nil {
		return nil, err
	}
	set := make(domain.SegmentSet)
	for segID := range m.memberships[leadID] {
		set.Add(segID)
	}
	return set, nil
}

func (m *Memory) Attach(ctx context.Context, leadID, segmentID uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpAttach, leadID); err != nil {
		return err
	}
	if m.memberships[leadID] == nil {
		m.memberships[leadID] = make(map[uuid.UUID]time.Time)
	}
	if _, exists := m.memberships[leadID][segmentID]; !exists {
		m.memberships[leadID][segmentID] = at
	}
	m.writes.Attach++
	return nil
}

func (m *Memory) Detach(ctx context.Context, leadID, segmentID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpDetach, leadID); err != nil {
		return err
	}
	delete(m.memberships[leadID], segmentID)
	m.writes.Detach++
	return nil
}

func (m *Memory) GetOverrides(ctx context.Context, leadID uuid.UUID) ([]domain.Override, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure(OpGetOverrides, leadID); err != nil {
		return nil, err
	}
	out := make([]domain.Override, 0, len(m.overrides[leadID]))
	for _, o := range m.overrides[leadID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SetOverride(ctx context.Context, o domain.Override) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overrides[o.LeadID] == nil {
		m.overrides[o.LeadID] = make(map[uuid.UUID]domain.Override)
	}
	m.overrides[o.LeadID][o.SegmentID] = o
	return nil
}

func (m *Memory) ClearOverrides(ctx context.Context, leadID uuid.UUID, segmentID *uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if segmentID == nil {
		delete(m.overrides, leadID)
		return nil
	}
	delete(m.overrides[leadID], *segmentID)
	return nil
}

func (m *Memory) ClearSegmentOverrides(ctx context.Context, segmentID uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := 0
	for _, byLead := range m.overrides {
		if _, ok := byLead[segmentID]; ok {
			delete(byLead, segmentID)
			cleared++
		}
	}
	return cleared, nil
}

func (m *Memory) ListActiveSegments(ctx context.Context) ([]domain.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Segment, 0, len(m.segments))
	for _, s := range m.segments {
		if s.IsActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) GetSegment(ctx context.Context, id uuid.UUID) (domain.Segment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Segment{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.segments[id]
	if !ok {
		return domain.Segment{}, ErrNotFound
	}
	return s, nil
}

func cloneLead(lead domain.Lead) domain.Lead {
	if lead.Attributes != nil {
		attrs := make(map[string]any, len(lead.Attributes))
		for k, v := range lead.Attributes {
			attrs[k] = v
		}
		lead.Attributes = attrs
	}
	return lead
}

var (
	_ ports.LeadStore    = (*Memory)(nil)
	_ ports.SegmentStore = (*Memory)(nil)
)

// Package membership reconciles stored lead-segment associations with the
// membership the segment rules (and manual overrides) call for.
package membership

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	"leadsegments_backend/internal/events"
	"leadsegments_backend/internal/leads/batch"
	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/ports"
	"leadsegments_backend/internal/leads/segments"
	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/logger"

	"github.com/google/uuid"
)

// LeadSyncResult reports what one lead's reconciliation changed.
type LeadSyncResult struct {
	LeadID   uuid.UUID
	Desired  domain.SegmentSet
	Attached []uuid.UUID
	Detached []uuid.UUID
}

// Changed reports whether any membership row was written.
func (r LeadSyncResult) Changed() bool {
	return len(r.Attached) > 0 || len(r.Detached) > 0
}

func (r LeadSyncResult) outcome() domain.Outcome {
	touched := make([]uuid.UUID, 0, len(r.Attached)+len(r.Detached))
	touched = append(touched, r.Attached...)
	touched = append(touched, r.Detached...)
	return domain.Outcome{
		Attached:        len(r.Attached),
		Detached:        len(r.Detached),
		SegmentsTouched: touched,
	}
}

// SegmentSyncOptions tunes a segment-scoped reconciliation.
type SegmentSyncOptions struct {
	// ResetOverrides drops every manual override on the segment first, so
	// membership follows the rules alone.
	ResetOverrides bool
}

// SegmentSyncResult reports a segment-scoped reconciliation over an explicit
// lead population.
type SegmentSyncResult struct {
	SegmentID uuid.UUID
	Evaluated int
	Matched   int
	Attached  int
	Detached  int
	Failures  []domain.ItemFailure
}

// Synchronizer applies minimal attach/detach diffs. Every read-diff-write for
// a lead runs under that lead's lock, so concurrent passes and manual
// overrides never interleave on one lead.
type Synchronizer struct {
	leads    ports.LeadStore
	segments ports.SegmentStore
	matcher  *segments.Matcher
	locker   ports.Locker
	runner   *batch.Runner
	sink     ports.EventSink
	clock    ports.Clock
	log      *logger.Logger
}

// New creates a Synchronizer. locker and sink may be nil.
func New(leads ports.LeadStore, segmentStore ports.SegmentStore, matcher *segments.Matcher, locker ports.Locker, runner *batch.Runner, sink ports.EventSink, clock ports.Clock, log *logger.Logger) *Synchronizer {
	if sink == nil {
		sink = ports.NopSink{}
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Synchronizer{
		leads:    leads,
		segments: segmentStore,
		matcher:  matcher,
		locker:   locker,
		runner:   runner,
		sink:     sink,
		clock:    clock,
		log:      log,
	}
}

// SynchronizeLeadSegments reconciles one lead against every active segment.
func (s *Synchronizer) SynchronizeLeadSegments(ctx context.Context, lead domain.Lead) (LeadSyncResult, error) {
	active, err := s.activeSegments(ctx)
	if err != nil {
		return LeadSyncResult{LeadID: lead.ID}, err
	}
	return s.syncLead(ctx, lead, active)
}

// SynchronizeLeadSegmentsByID loads the lead under its lock and reconciles it.
func (s *Synchronizer) SynchronizeLeadSegmentsByID(ctx context.Context, leadID uuid.UUID) (LeadSyncResult, error) {
	active, err := s.activeSegments(ctx)
	if err != nil {
		return LeadSyncResult{LeadID: leadID}, err
	}

	unlock, err := s.lock(ctx, leadID)
	if err != nil {
		return LeadSyncResult{LeadID: leadID}, err
	}
	defer unlock()

	lead, err := s.leads.GetLead(ctx, leadID)
	if err != nil {
		return LeadSyncResult{LeadID: leadID}, storeError("get lead", "lead", err)
	}
	return s.reconcileLocked(ctx, lead, active)
}

// SynchronizeAllLeadSegments pages through every lead and reconciles it
// against the active segments, recording per-lead failures.
func (s *Synchronizer) SynchronizeAllLeadSegments(ctx context.Context) (*domain.RunStats, error) {
	active, err := s.activeSegments(ctx)
	if err != nil {
		return s.failedRun(domain.RunKindSegmentSync, err), err
	}

	return s.runner.Run(ctx, domain.RunKindSegmentSync, domain.LeadFilter{}, func(ctx context.Context, lead domain.Lead) (domain.Outcome, error) {
		res, err := s.syncLead(ctx, lead, active)
		if err != nil {
			return domain.Outcome{}, err
		}
		return res.outcome(), nil
	})
}

// SynchronizeSegmentLeads reconciles one segment's membership for the given
// leads only. Leads outside the sequence are left alone.
func (s *Synchronizer) SynchronizeSegmentLeads(ctx context.Context, segment domain.Segment, leads iter.Seq[domain.Lead], opts SegmentSyncOptions) (SegmentSyncResult, error) {
	result := SegmentSyncResult{SegmentID: segment.ID}
	if err := s.resetOverrides(ctx, segment.ID, opts); err != nil {
		return result, err
	}

	for lead := range leads {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Evaluated++
		out, member, err := s.reconcileSegmentMember(ctx, segment, lead)
		if err != nil {
			result.Failures = append(result.Failures, domain.ItemFailure{ItemID: lead.ID.String(), Reason: err.Error()})
			continue
		}
		if member {
			result.Matched++
		}
		result.Attached += out.Attached
		result.Detached += out.Detached
	}

	s.sink.Publish(ctx, events.SegmentProcessed{
		BaseEvent: events.NewBaseEventAt(s.clock.Now()),
		SegmentID: segment.ID,
		Evaluated: result.Evaluated,
		Matched:   result.Matched,
		Attached:  result.Attached,
		Detached:  result.Detached,
		Failed:    len(result.Failures),
	})
	return result, nil
}

// SynchronizeSegmentByID reconciles one segment against the whole lead
// population, e.g. after its rules changed.
func (s *Synchronizer) SynchronizeSegmentByID(ctx context.Context, segmentID uuid.UUID, opts SegmentSyncOptions) (*domain.RunStats, error) {
	segment, err := s.segments.GetSegment(ctx, segmentID)
	if err != nil {
		err = storeError("get segment", "segment", err)
		return s.failedRun(domain.RunKindSegmentResync, err), err
	}
	if err := s.resetOverrides(ctx, segment.ID, opts); err != nil {
		return s.failedRun(domain.RunKindSegmentResync, err), err
	}

	var matched atomic.Int64
	stats, runErr := s.runner.Run(ctx, domain.RunKindSegmentResync, domain.LeadFilter{}, func(ctx context.Context, lead domain.Lead) (domain.Outcome, error) {
		out, member, err := s.reconcileSegmentMember(ctx, segment, lead)
		if err == nil && member {
			matched.Add(1)
		}
		return out, err
	})

	if runErr == nil {
		s.sink.Publish(ctx, events.SegmentProcessed{
			BaseEvent: events.NewBaseEventAt(s.clock.Now()),
			SegmentID: segment.ID,
			RunID:     stats.RunID,
			Evaluated: stats.Processed,
			Matched:   int(matched.Load()),
			Attached:  stats.Attached,
			Detached:  stats.Detached,
			Failed:    stats.Failed,
		})
	}
	return stats, runErr
}

// AddLeadToSegment puts a lead into an active segment without evaluating
// rules. The include override keeps it there across later synchronizations.
func (s *Synchronizer) AddLeadToSegment(ctx context.Context, leadID, segmentID uuid.UUID) error {
	segment, err := s.segments.GetSegment(ctx, segmentID)
	if err != nil {
		return storeError("get segment", "segment", err)
	}
	if !segment.IsActive {
		return apperr.Validation("cannot add a lead to an inactive segment").WithOp("add lead to segment")
	}
	return s.override(ctx, leadID, segmentID, domain.OverrideInclude)
}

// RemoveLeadFromSegment takes a lead out of a segment without evaluating
// rules. The exclude override keeps it out across later synchronizations.
func (s *Synchronizer) RemoveLeadFromSegment(ctx context.Context, leadID, segmentID uuid.UUID) error {
	if _, err := s.segments.GetSegment(ctx, segmentID); err != nil {
		return storeError("get segment", "segment", err)
	}
	return s.override(ctx, leadID, segmentID, domain.OverrideExclude)
}

// ClearOverrides hands the lead back to rule-driven membership, for one
// segment or for all of them when segmentID is nil. Membership is not
// touched until the next synchronization.
func (s *Synchronizer) ClearOverrides(ctx context.Context, leadID uuid.UUID, segmentID *uuid.UUID) error {
	unlock, err := s.lock(ctx, leadID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.leads.ClearOverrides(ctx, leadID, segmentID); err != nil {
		return apperr.StoreAccess("clear overrides", err)
	}
	return nil
}

// GetMatchingSegmentIDs previews which active segments the lead's rules
// select. Nothing is written.
func (s *Synchronizer) GetMatchingSegmentIDs(ctx context.Context, lead domain.Lead) (domain.SegmentSet, error) {
	active, err := s.activeSegments(ctx)
	if err != nil {
		return nil, err
	}
	return s.matcher.MatchingSegmentIDs(lead, active), nil
}

func (s *Synchronizer) override(ctx context.Context, leadID, segmentID uuid.UUID, kind domain.OverrideKind) error {
	unlock, err := s.lock(ctx, leadID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.leads.GetLead(ctx, leadID); err != nil {
		return storeError("get lead", "lead", err)
	}
	current, err := s.leads.GetMembership(ctx, leadID)
	if err != nil {
		return apperr.StoreAccess("get membership", err)
	}

	now := s.clock.Now()
	if err := s.leads.SetOverride(ctx, domain.Override{LeadID: leadID, SegmentID: segmentID, Kind: kind, CreatedAt: now}); err != nil {
		return apperr.StoreAccess("set override", err)
	}

	result := LeadSyncResult{LeadID: leadID}
	switch {
	case kind == domain.OverrideInclude && !current.Has(segmentID):
		if err := s.leads.Attach(ctx, leadID, segmentID, now); err != nil {
			return apperr.StoreAccess("attach", err)
		}
		result.Attached = []uuid.UUID{segmentID}
	case kind == domain.OverrideExclude && current.Has(segmentID):
		if err := s.leads.Detach(ctx, leadID, segmentID); err != nil {
			return apperr.StoreAccess("detach", err)
		}
		result.Detached = []uuid.UUID{segmentID}
	}

	s.log.Info("manual segment override", "leadId", leadID, "segmentId", segmentID, "kind", string(kind))
	s.publishLeadSync(ctx, result)
	return nil
}

func (s *Synchronizer) syncLead(ctx context.Context, lead domain.Lead, active []domain.Segment) (LeadSyncResult, error) {
	unlock, err := s.lock(ctx, lead.ID)
	if err != nil {
		return LeadSyncResult{LeadID: lead.ID}, err
	}
	defer unlock()
	return s.reconcileLocked(ctx, lead, active)
}

// reconcileLocked must run with the lead's lock held.
func (s *Synchronizer) reconcileLocked(ctx context.Context, lead domain.Lead, active []domain.Segment) (LeadSyncResult, error) {
	result := LeadSyncResult{LeadID: lead.ID}

	current, err := s.leads.GetMembership(ctx, lead.ID)
	if err != nil {
		return result, apperr.StoreAccess("get membership", err)
	}
	overrides, err := s.leads.GetOverrides(ctx, lead.ID)
	if err != nil {
		return result, apperr.StoreAccess("get overrides", err)
	}

	matched := s.matcher.MatchingSegmentIDs(lead, active)
	result.Desired = domain.ApplyOverrides(matched, overrides, segments.ActiveIDs(active))
	diff := domain.ComputeDiff(current, result.Desired)

	now := s.clock.Now()
	for _, segmentID := range diff.ToAdd {
		if err := s.leads.Attach(ctx, lead.ID, segmentID, now); err != nil {
			return result, apperr.StoreAccess("attach", err)
		}
		result.Attached = append(result.Attached, segmentID)
	}
	for _, segmentID := range diff.ToRemove {
		if err := s.leads.Detach(ctx, lead.ID, segmentID); err != nil {
			return result, apperr.StoreAccess("detach", err)
		}
		result.Detached = append(result.Detached, segmentID)
	}

	s.publishLeadSync(ctx, result)
	return result, nil
}

// reconcileSegmentMember decides and applies one lead's membership in one
// segment. member is the desired state after overrides.
func (s *Synchronizer) reconcileSegmentMember(ctx context.Context, segment domain.Segment, lead domain.Lead) (domain.Outcome, bool, error) {
	unlock, err := s.lock(ctx, lead.ID)
	if err != nil {
		return domain.Outcome{}, false, err
	}
	defer unlock()

	current, err := s.leads.GetMembership(ctx, lead.ID)
	if err != nil {
		return domain.Outcome{}, false, apperr.StoreAccess("get membership", err)
	}

	member := s.matcher.Matches(segment, lead)
	if segment.IsActive {
		overrides, err := s.leads.GetOverrides(ctx, lead.ID)
		if err != nil {
			return domain.Outcome{}, false, apperr.StoreAccess("get overrides", err)
		}
		if kind, ok := domain.OverrideFor(overrides, segment.ID); ok {
			member = kind == domain.OverrideInclude
		}
	}

	result := LeadSyncResult{LeadID: lead.ID}
	switch {
	case member && !current.Has(segment.ID):
		if err := s.leads.Attach(ctx, lead.ID, segment.ID, s.clock.Now()); err != nil {
			return domain.Outcome{}, member, apperr.StoreAccess("attach", err)
		}
		result.Attached = []uuid.UUID{segment.ID}
	case !member && current.Has(segment.ID):
		if err := s.leads.Detach(ctx, lead.ID, segment.ID); err != nil {
			return domain.Outcome{}, member, apperr.StoreAccess("detach", err)
		}
		result.Detached = []uuid.UUID{segment.ID}
	}

	s.publishLeadSync(ctx, result)
	return result.outcome(), member, nil
}

func (s *Synchronizer) resetOverrides(ctx context.Context, segmentID uuid.UUID, opts SegmentSyncOptions) error {
	if !opts.ResetOverrides {
		return nil
	}
	cleared, err := s.leads.ClearSegmentOverrides(ctx, segmentID)
	if err != nil {
		return apperr.StoreAccess("clear segment overrides", err)
	}
	s.log.Info("segment overrides reset", "segmentId", segmentID, "cleared", cleared)
	return nil
}

func (s *Synchronizer) activeSegments(ctx context.Context) ([]domain.Segment, error) {
	active, err := s.segments.ListActiveSegments(ctx)
	if err != nil {
		return nil, apperr.StoreAccess("list active segments", err)
	}
	return active, nil
}

func (s *Synchronizer) lock(ctx context.Context, leadID uuid.UUID) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	unlock, err := s.locker.Lock(ctx, ports.LeadLockKey(leadID))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreAccess, "acquire lead lock", err).WithOp("lock lead")
	}
	return unlock, nil
}

func (s *Synchronizer) publishLeadSync(ctx context.Context, result LeadSyncResult) {
	if !result.Changed() {
		return
	}
	s.sink.Publish(ctx, events.LeadSegmentsSynchronized{
		BaseEvent: events.NewBaseEventAt(s.clock.Now()),
		LeadID:    result.LeadID,
		Attached:  result.Attached,
		Detached:  result.Detached,
	})
}

func (s *Synchronizer) failedRun(kind string, err error) *domain.RunStats {
	now := s.clock.Now()
	return &domain.RunStats{
		RunID:       uuid.NewString(),
		Kind:        kind,
		StartedAt:   now,
		FinishedAt:  now,
		FailedPages: 1,
		Failures:    []domain.ItemFailure{{ItemID: kind, Reason: err.Error()}},
	}
}

func storeError(op, what string, err error) error {
	if errors.Is(err, ports.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, what+" not found", err).WithOp(op)
	}
	return apperr.StoreAccess(op, err)
}

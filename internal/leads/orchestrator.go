package leads

import (
	"context"
	"sync"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/membership"
	"leadsegments_backend/internal/leads/scoring"
	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/logger"

	"github.com/google/uuid"
)

// RunRecorder receives the statistics of every finished run.
type RunRecorder interface {
	RecordRun(stats *domain.RunStats)
}

// LeadRefresh is the result of refreshing a single lead.
type LeadRefresh struct {
	Score    scoring.Breakdown
	Segments membership.LeadSyncResult
}

// Orchestrator drives full-population and scoped runs. Runs of the same kind
// never overlap; a second request while one is active gets a Conflict error.
type Orchestrator struct {
	sync     *membership.Synchronizer
	scoring  *scoring.Service
	recorder RunRecorder
	log      *logger.Logger

	activeRuns map[string]bool
	runsMu     sync.Mutex

	statsMu   sync.RWMutex
	lastSync  *domain.RunStats
	lastDecay *domain.RunStats
	lastScore *domain.RunStats
}

// NewOrchestrator creates an Orchestrator. recorder may be nil.
func NewOrchestrator(synchronizer *membership.Synchronizer, scoringSvc *scoring.Service, recorder RunRecorder, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		sync:       synchronizer,
		scoring:    scoringSvc,
		recorder:   recorder,
		log:        log,
		activeRuns: make(map[string]bool),
	}
}

// markRunning attempts to mark a run as active. Returns false if one with the same key is already running.
func (o *Orchestrator) markRunning(key string) bool {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()

	if o.activeRuns[key] {
		return false
	}
	o.activeRuns[key] = true
	return true
}

// markComplete removes the active run marker.
func (o *Orchestrator) markComplete(key string) {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	delete(o.activeRuns, key)
}

// IsRunning reports whether a run with the given key is active.
func (o *Orchestrator) IsRunning(key string) bool {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	return o.activeRuns[key]
}

// RunSegmentSynchronization reconciles every lead against the active segments.
func (o *Orchestrator) RunSegmentSynchronization(ctx context.Context) (*domain.RunStats, error) {
	return o.run(ctx, domain.RunKindSegmentSync, o.sync.SynchronizeAllLeadSegments, o.storeSync)
}

// RunSegmentResync reconciles one segment against every lead, e.g. after its
// rules changed. resetOverrides drops the segment's manual overrides first.
func (o *Orchestrator) RunSegmentResync(ctx context.Context, segmentID uuid.UUID, resetOverrides bool) (*domain.RunStats, error) {
	key := domain.RunKindSegmentResync + ":" + segmentID.String()
	return o.run(ctx, key, func(ctx context.Context) (*domain.RunStats, error) {
		return o.sync.SynchronizeSegmentByID(ctx, segmentID, membership.SegmentSyncOptions{ResetOverrides: resetOverrides})
	}, o.storeSync)
}

// RunScoreDecay decays eligible scores. inactiveDays <= 0 uses the policy
// threshold.
func (o *Orchestrator) RunScoreDecay(ctx context.Context, inactiveDays int) (*domain.RunStats, error) {
	return o.run(ctx, domain.RunKindScoreDecay, func(ctx context.Context) (*domain.RunStats, error) {
		if inactiveDays <= 0 {
			return o.scoring.DecayLeadScores(ctx)
		}
		return o.scoring.DecayLeadsInactiveForDays(ctx, inactiveDays)
	}, o.storeDecay)
}

// RunScoreRecalculation recomputes every lead's score.
func (o *Orchestrator) RunScoreRecalculation(ctx context.Context) (*domain.RunStats, error) {
	return o.run(ctx, domain.RunKindScoreRecalc, o.scoring.RecalculateAllLeadScores, o.storeScore)
}

// SynchronizeLead recalculates one lead's score and then reconciles its
// segments, so score-based rules see the fresh value.
func (o *Orchestrator) SynchronizeLead(ctx context.Context, leadID uuid.UUID) (LeadRefresh, error) {
	var refresh LeadRefresh

	breakdown, err := o.scoring.RecalculateLeadScore(ctx, leadID)
	if err != nil {
		return refresh, err
	}
	refresh.Score = breakdown

	segments, err := o.sync.SynchronizeLeadSegmentsByID(ctx, leadID)
	if err != nil {
		return refresh, err
	}
	refresh.Segments = segments
	return refresh, nil
}

// GetSynchronizationStatistics returns the last segment run's statistics, or
// nil if none ran yet.
func (o *Orchestrator) GetSynchronizationStatistics() *domain.RunStats {
	o.statsMu.RLock()
	defer o.statsMu.RUnlock()
	return o.lastSync.Clone()
}

// GetDecayStatistics returns the last decay run's statistics, or nil.
func (o *Orchestrator) GetDecayStatistics() *domain.RunStats {
	o.statsMu.RLock()
	defer o.statsMu.RUnlock()
	return o.lastDecay.Clone()
}

// GetRecalculationStatistics returns the last recalculation run's statistics, or nil.
func (o *Orchestrator) GetRecalculationStatistics() *domain.RunStats {
	o.statsMu.RLock()
	defer o.statsMu.RUnlock()
	return o.lastScore.Clone()
}

func (o *Orchestrator) run(ctx context.Context, key string, fn func(context.Context) (*domain.RunStats, error), keep func(*domain.RunStats)) (*domain.RunStats, error) {
	if !o.markRunning(key) {
		o.log.Info("orchestrator: run already in progress, skipping", "run", key)
		return nil, apperr.Conflict("run already in progress").WithOp(key)
	}
	defer o.markComplete(key)

	stats, err := fn(ctx)
	if stats != nil {
		keep(stats.Clone())
		if o.recorder != nil {
			o.recorder.RecordRun(stats)
		}
	}
	if err != nil {
		o.log.Error("orchestrator: run failed", "run", key, "kind", apperr.GetKind(err).String(), "error", err)
	}
	return stats, err
}

func (o *Orchestrator) storeSync(stats *domain.RunStats) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.lastSync = stats
}

func (o *Orchestrator) storeDecay(stats *domain.RunStats) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.lastDecay = stats
}

func (o *Orchestrator) storeScore(stats *domain.RunStats) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.lastScore = stats
}

package scoring

import (
	"context"
	"errors"

	"leadsegments_backend/internal/events"
	"leadsegments_backend/internal/leads/batch"
	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/ports"
	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/logger"

	"github.com/google/uuid"
)

// maxScoreAttempts bounds compare-and-set retries when another writer
// changed the score between read and write.
const maxScoreAttempts = 3

// Service commits scores computed by the Calculator and DecayEngine.
type Service struct {
	store  ports.LeadStore
	calc   *Calculator
	decay  *DecayEngine
	runner *batch.Runner
	locker ports.Locker
	sink   ports.EventSink
	clock  ports.Clock
	log    *logger.Logger
}

// NewService creates a scoring Service. locker and sink may be nil.
func NewService(store ports.LeadStore, calc *Calculator, decay *DecayEngine, runner *batch.Runner, locker ports.Locker, sink ports.EventSink, clock ports.Clock, log *logger.Logger) *Service {
	if sink == nil {
		sink = ports.NopSink{}
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:  store,
		calc:   calc,
		decay:  decay,
		runner: runner,
		locker: locker,
		sink:   sink,
		clock:  clock,
		log:    log,
	}
}

// Calculator returns the pure calculator behind the service.
func (s *Service) Calculator() *Calculator { return s.calc }

// DecayEngine returns the pure decay engine behind the service.
func (s *Service) DecayEngine() *DecayEngine { return s.decay }

// DecayLeadScore applies a due decay to one lead and returns the resulting
// score. A lead that is not due keeps its score and timestamp.
func (s *Service) DecayLeadScore(ctx context.Context, lead domain.Lead) (int, error) {
	_, score, err := s.decayOne(ctx, s.decay, lead)
	return score, err
}

// DecayLeadScores decays every eligible lead at the configured threshold.
func (s *Service) DecayLeadScores(ctx context.Context) (*domain.RunStats, error) {
	return s.decayRun(ctx, s.decay)
}

// DecayLeadsInactiveForDays decays every eligible lead using days as the
// inactivity threshold instead of the policy's.
func (s *Service) DecayLeadsInactiveForDays(ctx context.Context, days int) (*domain.RunStats, error) {
	if days < 1 {
		err := apperr.Validation("inactive days must be at least 1").WithOp("decay leads")
		return s.emptyRun(domain.RunKindScoreDecay), err
	}
	return s.decayRun(ctx, s.decay.WithThreshold(days))
}

// RecalculateLeadScore recomputes one lead's score and persists it when it
// differs from the stored value.
func (s *Service) RecalculateLeadScore(ctx context.Context, leadID uuid.UUID) (Breakdown, error) {
	unlock, err := s.lock(ctx, leadID)
	if err != nil {
		return Breakdown{}, err
	}
	defer unlock()

	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return Breakdown{}, storeError("get lead", err)
	}
	breakdown, _, err := s.recalculateLocked(ctx, lead)
	return breakdown, err
}

// RecalculateAllLeadScores recomputes every lead's score.
func (s *Service) RecalculateAllLeadScores(ctx context.Context) (*domain.RunStats, error) {
	return s.runner.Run(ctx, domain.RunKindScoreRecalc, domain.LeadFilter{}, func(ctx context.Context, lead domain.Lead) (domain.Outcome, error) {
		unlock, err := s.lock(ctx, lead.ID)
		if err != nil {
			return domain.Outcome{}, err
		}
		defer unlock()

		_, changed, err := s.recalculateLocked(ctx, lead)
		if err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{ScoreChanged: changed, Skipped: !changed}, nil
	})
}

// SetLeadScore persists an externally decided score.
func (s *Service) SetLeadScore(ctx context.Context, leadID uuid.UUID, score int) error {
	if score < 0 {
		return apperr.Validation("score cannot be negative").WithOp("set lead score")
	}

	unlock, err := s.lock(ctx, leadID)
	if err != nil {
		return err
	}
	defer unlock()

	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return storeError("get lead", err)
	}
	_, err = s.compareAndSet(ctx, lead, func(current domain.Lead) (domain.ScoreUpdate, bool) {
		return domain.ScoreUpdate{LeadID: current.ID, Score: score, ExpectedScore: current.Score}, current.Score != score
	}, func(before, after domain.Lead) {
		s.publishScore(ctx, before.ID, before.Score, after.Score, events.ScoreReasonManual, nil)
	})
	return err
}

func (s *Service) decayRun(ctx context.Context, engine *DecayEngine) (*domain.RunStats, error) {
	cutoff := engine.cutoff()
	filter := domain.LeadFilter{InactiveBefore: &cutoff}

	stats, err := s.runner.Run(ctx, domain.RunKindScoreDecay, filter, func(ctx context.Context, lead domain.Lead) (domain.Outcome, error) {
		out, _, err := s.decayOne(ctx, engine, lead)
		return out, err
	})
	if err != nil {
		return stats, err
	}

	s.sink.Publish(ctx, events.LeadScoresDecayed{
		BaseEvent:     events.NewBaseEventAt(s.clock.Now()),
		RunID:         stats.RunID,
		ThresholdDays: engine.Threshold(),
		Processed:     stats.Processed,
		Decayed:       stats.ScoresChanged,
		Failed:        stats.Failed,
		PointsRemoved: stats.DecayedPoints,
	})
	return stats, nil
}

func (s *Service) decayOne(ctx context.Context, engine *DecayEngine, lead domain.Lead) (domain.Outcome, int, error) {
	unlock, err := s.lock(ctx, lead.ID)
	if err != nil {
		return domain.Outcome{}, lead.Score, err
	}
	defer unlock()

	var applied Adjustment
	final, err := s.compareAndSet(ctx, lead, func(current domain.Lead) (domain.ScoreUpdate, bool) {
		applied = Adjustment{}
		adj, due := engine.Decay(current)
		if !due || adj.Amount == 0 {
			return domain.ScoreUpdate{}, false
		}
		applied = adj
		return domain.ScoreUpdate{
			LeadID:        current.ID,
			Score:         adj.NewScore,
			ExpectedScore: adj.OldScore,
			DecayedAt:     &adj.DecayedAt,
		}, true
	}, func(before, after domain.Lead) {
		s.log.Debug("lead score decayed", "leadId", before.ID, "from", before.Score, "to", after.Score, "daysInactive", applied.DaysInactive)
		s.publishScore(ctx, before.ID, before.Score, after.Score, events.ScoreReasonDecay, nil)
	})
	if err != nil {
		return domain.Outcome{}, lead.Score, err
	}
	if applied.Amount == 0 {
		return domain.Outcome{Skipped: true}, final.Score, nil
	}
	return domain.Outcome{ScoreChanged: true, DecayedPoints: applied.Amount}, final.Score, nil
}

// recalculateLocked must run with the lead's lock held.
func (s *Service) recalculateLocked(ctx context.Context, lead domain.Lead) (Breakdown, bool, error) {
	var breakdown Breakdown
	changed := false
	_, err := s.compareAndSet(ctx, lead, func(current domain.Lead) (domain.ScoreUpdate, bool) {
		breakdown = s.calc.Breakdown(current)
		return domain.ScoreUpdate{LeadID: current.ID, Score: breakdown.Score, ExpectedScore: current.Score}, breakdown.Score != current.Score
	}, func(before, after domain.Lead) {
		changed = true
		s.publishScore(ctx, before.ID, before.Score, after.Score, events.ScoreReasonRecalculation, &breakdown)
	})
	return breakdown, changed, err
}

// compareAndSet plans a write from the current lead and commits it with a
// compare-and-set, re-reading and re-planning on conflict. plan returning
// false means nothing to write. committed runs once, after a successful write.
func (s *Service) compareAndSet(ctx context.Context, lead domain.Lead, plan func(domain.Lead) (domain.ScoreUpdate, bool), committed func(before, after domain.Lead)) (domain.Lead, error) {
	current := lead
	for attempt := 1; attempt <= maxScoreAttempts; attempt++ {
		update, write := plan(current)
		if !write {
			return current, nil
		}
		if update.Score < 0 {
			update.Score = 0
		}

		err := s.store.UpdateScore(ctx, update)
		if err == nil {
			next := current
			next.Score = update.Score
			if update.DecayedAt != nil {
				at := *update.DecayedAt
				next.LastScoreDecayAt = &at
			}
			committed(current, next)
			return next, nil
		}
		if !errors.Is(err, ports.ErrScoreConflict) {
			return current, storeError("update score", err)
		}

		s.log.Debug("score write conflict, re-reading lead", "leadId", current.ID, "attempt", attempt)
		current, err = s.store.GetLead(ctx, current.ID)
		if err != nil {
			return lead, storeError("get lead", err)
		}
	}
	return current, apperr.Conflict("score changed concurrently").WithOp("update score")
}

func (s *Service) publishScore(ctx context.Context, leadID uuid.UUID, oldScore, newScore int, reason string, breakdown *Breakdown) {
	event := events.LeadScoreUpdated{
		BaseEvent: events.NewBaseEventAt(s.clock.Now()),
		LeadID:    leadID,
		OldScore:  oldScore,
		NewScore:  newScore,
		Reason:    reason,
	}
	if breakdown != nil {
		event.Version = breakdown.Version
		event.Factors = breakdown.Factors
	}
	s.sink.Publish(ctx, event)
}

func (s *Service) lock(ctx context.Context, leadID uuid.UUID) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	unlock, err := s.locker.Lock(ctx, ports.LeadLockKey(leadID))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreAccess, "acquire lead lock", err).WithOp("lock lead")
	}
	return unlock, nil
}

func (s *Service) emptyRun(kind string) *domain.RunStats {
	now := s.clock.Now()
	return &domain.RunStats{RunID: uuid.NewString(), Kind: kind, StartedAt: now, FinishedAt: now}
}

func storeError(op string, err error) error {
	if errors.Is(err, ports.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, "lead not found", err).WithOp(op)
	}
	return apperr.StoreAccess(op, err)
}

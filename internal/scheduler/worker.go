package scheduler

import (
	"context"
	"fmt"

	"leadsegments_backend/internal/leads"
	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/config"
	"leadsegments_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Runs is the orchestrator surface the worker drives.
type Runs interface {
	RunSegmentSynchronization(ctx context.Context) (*domain.RunStats, error)
	RunSegmentResync(ctx context.Context, segmentID uuid.UUID, resetOverrides bool) (*domain.RunStats, error)
	RunScoreDecay(ctx context.Context, inactiveDays int) (*domain.RunStats, error)
	RunScoreRecalculation(ctx context.Context) (*domain.RunStats, error)
	SynchronizeLead(ctx context.Context, leadID uuid.UUID) (leads.LeadRefresh, error)
}

// Handlers maps lead tasks onto orchestrator runs.
type Handlers struct {
	runs Runs
	log  *logger.Logger
}

func NewHandlers(runs Runs, log *logger.Logger) *Handlers {
	return &Handlers{runs: runs, log: log}
}

// Register installs every lead task handler on mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskSegmentsSyncAll, h.handleSegmentsSyncAll)
	mux.HandleFunc(TaskSegmentsSyncLead, h.handleSegmentsSyncLead)
	mux.HandleFunc(TaskSegmentsSyncSegment, h.handleSegmentsSyncSegment)
	mux.HandleFunc(TaskScoresDecay, h.handleScoresDecay)
	mux.HandleFunc(TaskScoresRecalculate, h.handleScoresRecalculate)
}

func (h *Handlers) handleSegmentsSyncAll(ctx context.Context, task *asynq.Task) error {
	stats, err := h.runs.RunSegmentSynchronization(ctx)
	return h.finish(task, stats, err)
}

func (h *Handlers) handleSegmentsSyncLead(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseSyncLeadPayload(task)
	if err != nil {
		return skipRetry(err)
	}
	leadID, err := uuid.Parse(payload.LeadID)
	if err != nil {
		return skipRetry(err)
	}

	refresh, err := h.runs.SynchronizeLead(ctx, leadID)
	if err != nil {
		return h.finish(task, nil, err)
	}
	h.log.Info("lead refreshed", "leadId", leadID, "score", refresh.Score.Score,
		"attached", len(refresh.Segments.Attached), "detached", len(refresh.Segments.Detached))
	return nil
}

func (h *Handlers) handleSegmentsSyncSegment(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseSyncSegmentPayload(task)
	if err != nil {
		return skipRetry(err)
	}
	segmentID, err := uuid.Parse(payload.SegmentID)
	if err != nil {
		return skipRetry(err)
	}

	stats, err := h.runs.RunSegmentResync(ctx, segmentID, payload.ResetOverrides)
	return h.finish(task, stats, err)
}

func (h *Handlers) handleScoresDecay(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseScoreDecayPayload(task)
	if err != nil {
		return skipRetry(err)
	}
	stats, err := h.runs.RunScoreDecay(ctx, payload.InactiveDays)
	return h.finish(task, stats, err)
}

func (h *Handlers) handleScoresRecalculate(ctx context.Context, task *asynq.Task) error {
	stats, err := h.runs.RunScoreRecalculation(ctx)
	return h.finish(task, stats, err)
}

// finish decides whether asynq should retry. Store failures and aborted runs
// retry; a run already in progress is dropped; bad input never retries.
func (h *Handlers) finish(task *asynq.Task, stats *domain.RunStats, err error) error {
	if err == nil {
		if stats != nil {
			h.log.Info("scheduled run finished", "task", task.Type(), "runId", stats.RunID, "status", stats.Status())
		}
		return nil
	}

	switch apperr.GetKind(err) {
	case apperr.KindConflict:
		h.log.Info("scheduled run skipped, already running", "task", task.Type())
		return nil
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindConfiguration:
		return skipRetry(err)
	default:
		return err
	}
}

func skipRetry(err error) error {
	return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
}

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, runs Runs, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, apperr.Configuration("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
	})

	mux := asynq.NewServeMux()
	NewHandlers(runs, log).Register(mux)

	return &Worker{
		server: server,
		mux:    mux,
		log:    log,
	}, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

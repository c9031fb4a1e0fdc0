package scheduler

import (
	"context"
	"time"

	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/config"
	"leadsegments_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// PeriodicEntry is one cron-driven task.
type PeriodicEntry struct {
	Cron string
	Task *asynq.Task
}

// PeriodicEntries lists the configured periodic runs. Blank schedules are
// left out.
func PeriodicEntries(cfg config.SchedulerConfig) []PeriodicEntry {
	var entries []PeriodicEntry
	if expr := cfg.GetSegmentSyncCron(); expr != "" {
		entries = append(entries, PeriodicEntry{Cron: expr, Task: NewSegmentsSyncAllTask()})
	}
	if expr := cfg.GetScoreDecayCron(); expr != "" {
		entries = append(entries, PeriodicEntry{Cron: expr, Task: asynq.NewTask(TaskScoresDecay, nil)})
	}
	if expr := cfg.GetScoreRecalcCron(); expr != "" {
		entries = append(entries, PeriodicEntry{Cron: expr, Task: NewScoresRecalculateTask()})
	}
	return entries
}

// Periodic enqueues the configured runs on their cron schedules.
type Periodic struct {
	scheduler *asynq.Scheduler
	log       *logger.Logger
}

func NewPeriodic(cfg config.SchedulerConfig, log *logger.Logger) (*Periodic, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, apperr.Configuration("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	queue := queueName(cfg)
	for _, entry := range PeriodicEntries(cfg) {
		id, err := scheduler.Register(entry.Cron, entry.Task, asynq.Queue(queue), asynq.Unique(uniqueRunTTL))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, "invalid schedule for "+entry.Task.Type(), err).WithOp(entry.Cron)
		}
		log.Info("periodic run registered", "task", entry.Task.Type(), "cron", entry.Cron, "entryId", id)
	}

	return &Periodic{scheduler: scheduler, log: log}, nil
}

// Run starts the scheduler and stops it when ctx is done.
func (p *Periodic) Run(ctx context.Context) {
	if p == nil || p.scheduler == nil {
		return
	}
	if err := p.scheduler.Start(); err != nil {
		p.log.Error("periodic scheduler failed to start", "error", err)
		return
	}
	<-ctx.Done()
	p.scheduler.Shutdown()
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leadsegments_backend/internal/adapters"
	"leadsegments_backend/internal/events"
	"leadsegments_backend/internal/leads"
	leadrepo "leadsegments_backend/internal/leads/repository"
	"leadsegments_backend/internal/metrics"
	"leadsegments_backend/internal/scheduler"
	"leadsegments_backend/migrations"
	"leadsegments_backend/platform/config"
	"leadsegments_backend/platform/db"
	"leadsegments_backend/platform/lock"
	"leadsegments_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	if cfg.GetMigrationsEnabled() {
		if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
			log.Error("failed to run migrations", "error", err)
			panic("failed to run migrations: " + err.Error())
		}
	}

	eventBus := events.NewInMemoryBus(log)

	if cfg.IsAMQPEnabled() {
		forwarder, err := adapters.DialEventForwarder(cfg, log)
		if err != nil {
			log.Error("failed to initialize event forwarder", "error", err)
			panic("failed to initialize event forwarder: " + err.Error())
		}
		defer func() { _ = forwarder.Close() }()
		forwarder.Subscribe(eventBus)
	}

	var rdb redis.UniversalClient
	if cfg.GetLockBackend() == config.LockBackendRedis {
		client, err := scheduler.NewRedisClient(cfg)
		if err != nil {
			log.Error("failed to initialize redis client", "error", err)
			panic("failed to initialize redis client: " + err.Error())
		}
		defer func() { _ = client.Close() }()
		rdb = client
	}

	locker, err := lock.New(cfg, pool, rdb)
	if err != nil {
		log.Error("failed to initialize lead locker", "error", err)
		panic("failed to initialize lead locker: " + err.Error())
	}

	m := metrics.New(nil)
	if cfg.IsMetricsEnabled() {
		go func() {
			if err := m.Serve(ctx, cfg.GetMetricsAddr(), log); err != nil {
				log.Error("metrics endpoint stopped", "error", err)
			}
		}()
	}

	repo := leadrepo.New(pool, log)
	leadsModule, err := leads.NewModule(leads.Deps{
		Leads:    repo,
		Segments: repo,
		Locker:   locker,
		Events:   eventBus,
		Metrics:  m,
		Log:      log,
	}, cfg)
	if err != nil {
		log.Error("failed to initialize leads module", "error", err)
		panic("failed to initialize leads module: " + err.Error())
	}

	periodic, err := scheduler.NewPeriodic(cfg, log)
	if err != nil {
		log.Error("failed to initialize periodic scheduler", "error", err)
		panic("failed to initialize periodic scheduler: " + err.Error())
	}
	go periodic.Run(ctx)

	worker, err := scheduler.NewWorker(cfg, leadsModule.Orchestrator, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	worker.Run(ctx)
	eventBus.Wait()
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}

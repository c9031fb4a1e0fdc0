// Package main provides leadsctl, the operator CLI for lead segmentation and
// scoring runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"leadsegments_backend/internal/events"
	"leadsegments_backend/internal/leads"
	leadrepo "leadsegments_backend/internal/leads/repository"
	"leadsegments_backend/internal/scheduler"
	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/config"
	"leadsegments_backend/platform/db"
	"leadsegments_backend/platform/lock"
	"leadsegments_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitAborted = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case apperr.Is(err, apperr.KindBatchAborted):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitAborted
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "leadsctl",
		Short:         "Operate lead segmentation and scoring",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		migrateCmd(),
		syncCmd(),
		decayCmd(),
		scoreCmd(),
		previewCmd(),
		enqueueCmd(),
		evaluateCmd(),
	)
	return cmd
}

// app is the database-backed runtime shared by the online commands.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	pool   *pgxpool.Pool
	rdb    *redis.Client
	repo   *leadrepo.Repository
	module *leads.Module
	bus    *events.InMemoryBus
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.NewWithWriter(cfg.Env, os.Stderr)

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, apperr.StoreAccess("connect to database", err)
	}
	a := &app{cfg: cfg, log: log, pool: pool, repo: leadrepo.New(pool, log), bus: events.NewInMemoryBus(log)}

	var rdb redis.UniversalClient
	if cfg.GetLockBackend() == config.LockBackendRedis {
		a.rdb, err = scheduler.NewRedisClient(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		rdb = a.rdb
	}

	locker, err := lock.New(cfg, pool, rdb)
	if err != nil {
		a.Close()
		return nil, apperr.Wrap(apperr.KindConfiguration, "lead locker", err)
	}

	a.module, err = leads.NewModule(leads.Deps{
		Leads:    a.repo,
		Segments: a.repo,
		Locker:   locker,
		Events:   a.bus,
		Log:      log,
	}, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.bus != nil {
		a.bus.Wait()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.pool.Close()
}

// withApp runs fn against a freshly opened app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseID(kind, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation(fmt.Sprintf("invalid %s id %q", kind, raw))
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

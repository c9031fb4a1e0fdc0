package main

import (
	"context"
	"fmt"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/scoring"
	"leadsegments_backend/internal/scheduler"
	"leadsegments_backend/migrations"
	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/config"
	"leadsegments_backend/platform/db"
	"leadsegments_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logger.NewWithWriter(cfg.Env, cmd.ErrOrStderr())

			pool, err := db.NewPool(cmd.Context(), cfg)
			if err != nil {
				return apperr.StoreAccess("connect to database", err)
			}
			defer pool.Close()

			if err := db.RunMigrations(cmd.Context(), pool, migrations.FS, log); err != nil {
				return apperr.StoreAccess("run migrations", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations up to date")
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile segment memberships",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Synchronize every lead against every active segment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.module.Orchestrator.RunSegmentSynchronization(ctx)
				return printRun(cmd, stats, err)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lead <lead-id>",
		Short: "Recalculate one lead's score and reconcile its memberships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			leadID, err := parseID("lead", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				refresh, err := a.module.Orchestrator.SynchronizeLead(ctx, leadID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), refresh)
			})
		},
	})

	var resetOverrides bool
	segmentCmd := &cobra.Command{
		Use:   "segment <segment-id>",
		Short: "Re-evaluate one segment against every lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			segmentID, err := parseID("segment", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.module.Orchestrator.RunSegmentResync(ctx, segmentID, resetOverrides)
				return printRun(cmd, stats, err)
			})
		},
	}
	segmentCmd.Flags().BoolVar(&resetOverrides, "reset-overrides", false, "Drop manual include/exclude overrides for the segment first")
	cmd.AddCommand(segmentCmd)

	return cmd
}

func decayCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Decay the scores of inactive leads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 0 {
				return apperr.Validation("--days cannot be negative")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.module.Orchestrator.RunScoreDecay(ctx, days)
				return printRun(cmd, stats, err)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Inactivity threshold in days (0 uses the policy threshold)")
	return cmd
}

func scoreCmd() *cobra.Command {
	var (
		all bool
		set int
	)
	cmd := &cobra.Command{
		Use:   "score [lead-id]",
		Short: "Recalculate lead scores",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return apperr.Validation("pass either a lead id or --all")
			}
			if all {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					stats, err := a.module.Orchestrator.RunScoreRecalculation(ctx)
					return printRun(cmd, stats, err)
				})
			}

			leadID, err := parseID("lead", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if cmd.Flags().Changed("set") {
					if err := a.module.Scoring.SetLeadScore(ctx, leadID, set); err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), map[string]any{"leadId": leadID, "score": set})
				}
				breakdown, err := a.module.Scoring.RecalculateLeadScore(ctx, leadID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), breakdown)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Recalculate every lead")
	cmd.Flags().IntVar(&set, "set", 0, "Set the score directly instead of recalculating")
	return cmd
}

// leadPreview is what a lead would look like after a sync, without writing.
type leadPreview struct {
	LeadID       uuid.UUID           `json:"leadId"`
	CurrentScore int                 `json:"currentScore"`
	Score        scoring.Breakdown   `json:"score"`
	Segments     []uuid.UUID         `json:"segments"`
	Decay        *scoring.Adjustment `json:"decay,omitempty"`
}

func previewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <lead-id>",
		Short: "Show matching segments and score for a lead without writing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			leadID, err := parseID("lead", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				lead, err := a.repo.GetLead(ctx, leadID)
				if err != nil {
					return apperr.Wrap(apperr.KindNotFound, "lead "+leadID.String(), err)
				}
				preview, err := previewLead(ctx, a.module.Synchronizer, a.module.Scoring, lead)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), preview)
			})
		},
	}
}

func enqueueCmd() *cobra.Command {
	var (
		resetOverrides bool
		days           int
	)
	cmd := &cobra.Command{
		Use:   "enqueue <sync-all|lead|segment|decay|recalculate> [id]",
		Short: "Queue a run for the scheduler worker",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client, err := scheduler.NewClient(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if err := enqueue(cmd.Context(), client, args, resetOverrides, days); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetOverrides, "reset-overrides", false, "For segment: drop overrides first")
	cmd.Flags().IntVar(&days, "days", 0, "For decay: inactivity threshold in days")
	return cmd
}

// runEnqueuer is the slice of the scheduler client enqueue needs.
type runEnqueuer interface {
	EnqueueSegmentSync(ctx context.Context) error
	EnqueueLeadSync(ctx context.Context, leadID uuid.UUID) error
	EnqueueSegmentResync(ctx context.Context, segmentID uuid.UUID, resetOverrides bool) error
	EnqueueScoreDecay(ctx context.Context, inactiveDays int) error
	EnqueueScoreRecalculation(ctx context.Context) error
}

func enqueue(ctx context.Context, client runEnqueuer, args []string, resetOverrides bool, days int) error {
	needID := func(kind string) (uuid.UUID, error) {
		if len(args) != 2 {
			return uuid.Nil, apperr.Validation(args[0] + " needs an id")
		}
		return parseID(kind, args[1])
	}

	switch args[0] {
	case "sync-all":
		return client.EnqueueSegmentSync(ctx)
	case "lead":
		id, err := needID("lead")
		if err != nil {
			return err
		}
		return client.EnqueueLeadSync(ctx, id)
	case "segment":
		id, err := needID("segment")
		if err != nil {
			return err
		}
		return client.EnqueueSegmentResync(ctx, id, resetOverrides)
	case "decay":
		return client.EnqueueScoreDecay(ctx, days)
	case "recalculate":
		return client.EnqueueScoreRecalculation(ctx)
	default:
		return apperr.Validation(fmt.Sprintf("unknown run %q", args[0]))
	}
}

// printRun writes the stats and then returns the run error, so an aborted
// run still reports what it did.
func printRun(cmd *cobra.Command, stats *domain.RunStats, err error) error {
	if stats != nil {
		if werr := writeJSON(cmd.OutOrStdout(), stats); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

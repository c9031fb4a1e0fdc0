package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"leadsegments_backend/internal/leads"
	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/membership"
	"leadsegments_backend/internal/leads/ports"
	"leadsegments_backend/internal/leads/repository"
	"leadsegments_backend/internal/leads/scoring"
	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/config"
	"leadsegments_backend/platform/lock"
	"leadsegments_backend/platform/logger"
	"leadsegments_backend/platform/validator"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// fixture is an offline lead population, e.g.
//
//	now: 2025-06-01T00:00:00Z
//	segments:
//	  - name: Brazil
//	    is_active: true
//	    rules: [{field: country, operator: equals, value: BR}]
//	leads:
//	  - attributes: {country: BR, status: qualified}
//	    score: 40
type fixture struct {
	Now      *time.Time       `yaml:"now"`
	Segments []domain.Segment `yaml:"segments" validate:"dive"`
	Leads    []domain.Lead    `yaml:"leads" validate:"min=1"`
}

// evaluation is the offline report for a fixture.
type evaluation struct {
	Now   time.Time          `json:"now"`
	Leads []leadPreview      `json:"leads"`
	Runs  []*domain.RunStats `json:"runs,omitempty"`
}

func loadFixture(path string) (*fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "read fixture", err)
	}
	return parseFixture(raw)
}

func parseFixture(raw []byte) (*fixture, error) {
	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "parse fixture", err)
	}
	if err := validator.New().Struct(fx); err != nil {
		return nil, apperr.Validation("invalid fixture: " + validator.Describe(err))
	}

	for i := range fx.Segments {
		if fx.Segments[i].ID == uuid.Nil {
			fx.Segments[i].ID = uuid.New()
		}
	}
	for i := range fx.Leads {
		if fx.Leads[i].ID == uuid.Nil {
			fx.Leads[i].ID = uuid.New()
		}
	}
	return &fx, nil
}

// evaluateFixture previews every lead of fx against its segments. With apply
// it then runs a full sync, a decay and a recalculation over the in-memory
// population and reports the runs.
func evaluateFixture(ctx context.Context, fx *fixture, policyFile string, apply bool, log *logger.Logger) (*evaluation, error) {
	now := time.Now().UTC()
	if fx.Now != nil {
		now = fx.Now.UTC()
	}

	store := repository.NewMemory()
	for _, s := range fx.Segments {
		store.PutSegment(s)
	}
	for _, l := range fx.Leads {
		store.PutLead(l)
	}

	cfg := &config.Config{
		BatchPageSize:        100,
		BatchWorkers:         4,
		BatchPageTimeout:     time.Minute,
		BatchFetchRetries:    1,
		BatchMaxFailureRatio: 1,
		ScoringPolicyFile:    policyFile,
	}
	module, err := leads.NewModule(leads.Deps{
		Leads:    store,
		Segments: store,
		Locker:   lock.NewKeyedMutex(),
		Clock:    ports.FixedClock(now),
		Log:      log,
	}, cfg)
	if err != nil {
		return nil, err
	}

	report := &evaluation{Now: now}
	for _, lead := range store.AllLeads() {
		preview, err := previewLead(ctx, module.Synchronizer, module.Scoring, lead)
		if err != nil {
			return nil, err
		}
		report.Leads = append(report.Leads, preview)
	}

	if !apply {
		return report, nil
	}
	runs := []func(context.Context) (*domain.RunStats, error){
		module.Orchestrator.RunSegmentSynchronization,
		func(ctx context.Context) (*domain.RunStats, error) { return module.Orchestrator.RunScoreDecay(ctx, 0) },
		module.Orchestrator.RunScoreRecalculation,
	}
	for _, run := range runs {
		stats, err := run(ctx)
		if stats != nil {
			report.Runs = append(report.Runs, stats)
		}
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func previewLead(ctx context.Context, sync *membership.Synchronizer, svc *scoring.Service, lead domain.Lead) (leadPreview, error) {
	matched, err := sync.GetMatchingSegmentIDs(ctx, lead)
	if err != nil {
		return leadPreview{}, err
	}
	preview := leadPreview{
		LeadID:       lead.ID,
		CurrentScore: lead.Score,
		Score:        svc.Calculator().Breakdown(lead),
		Segments:     matched.Sorted(),
	}
	if adj, ok := svc.DecayEngine().Decay(lead); ok {
		preview.Decay = &adj
	}
	return preview, nil
}

func evaluateCmd() *cobra.Command {
	var (
		fixturePath string
		policyPath  string
		apply       bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Preview segments and scores for a YAML fixture without a database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fixturePath == "" {
				return apperr.Validation("--fixture is required")
			}
			fx, err := loadFixture(fixturePath)
			if err != nil {
				return err
			}
			log := logger.NewWithWriter(os.Getenv("APP_ENV"), cmd.ErrOrStderr())

			report, err := evaluateFixture(cmd.Context(), fx, policyPath, apply, log)
			if report != nil {
				if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil && err == nil {
					err = werr
				}
			}
			if err != nil {
				return fmt.Errorf("evaluate %s: %w", fixturePath, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&fixturePath, "fixture", "f", "", "YAML file with segments and leads")
	cmd.Flags().StringVar(&policyPath, "policy", "", "Scoring policy YAML (defaults when empty)")
	cmd.Flags().BoolVar(&apply, "apply", false, "Also run sync, decay and recalculation over the fixture")
	return cmd
}

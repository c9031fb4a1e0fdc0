// Package leads provides the lead segmentation and scoring bounded context.
// This file wires the stores, synchronizer, scoring service and orchestrator.
package leads

import (
	"leadsegments_backend/internal/leads/batch"
	"leadsegments_backend/internal/leads/membership"
	"leadsegments_backend/internal/leads/ports"
	"leadsegments_backend/internal/leads/rules"
	"leadsegments_backend/internal/leads/scoring"
	"leadsegments_backend/internal/leads/segments"
	"leadsegments_backend/internal/metrics"
	"leadsegments_backend/platform/config"
	"leadsegments_backend/platform/logger"
)

// Config is the slice of configuration the module reads.
type Config interface {
	config.BatchConfig
	config.ScoringConfig
}

// Deps are the collaborators the module is built on. Locker, Events and
// Metrics are optional.
type Deps struct {
	Leads    ports.LeadStore
	Segments ports.SegmentStore
	Locker   ports.Locker
	Events   ports.EventSink
	Metrics  *metrics.Metrics
	Clock    ports.Clock
	Log      *logger.Logger
}

// Module is the leads bounded context.
type Module struct {
	Orchestrator *Orchestrator
	Synchronizer *membership.Synchronizer
	Scoring      *scoring.Service
	Matcher      *segments.Matcher
	Runner       *batch.Runner
}

// NewModule loads the scoring policy and wires every component. A bad policy
// is a configuration error and nothing is built.
func NewModule(deps Deps, cfg Config) (*Module, error) {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}

	policy, err := scoring.LoadPolicy(cfg.GetScoringPolicyFile())
	if err != nil {
		return nil, err
	}
	if region := cfg.GetPhoneDefaultRegion(); region != "" {
		policy.PhoneRegion = region
		if err := policy.Validate(); err != nil {
			return nil, err
		}
	}

	runner := batch.NewRunner(deps.Leads, batch.OptionsFromConfig(cfg), deps.Clock, deps.Log)
	var recorder RunRecorder
	if deps.Metrics != nil {
		runner.SetObserver(deps.Metrics)
		recorder = deps.Metrics
	}

	matcher := segments.New(rules.New(deps.Clock, deps.Log))
	calculator := scoring.NewCalculator(policy, deps.Clock)
	calculator.SetLogger(deps.Log)
	synchronizer := membership.New(deps.Leads, deps.Segments, matcher, deps.Locker, runner, deps.Events, deps.Clock, deps.Log)
	scoringSvc := scoring.NewService(
		deps.Leads,
		calculator,
		scoring.NewDecayEngine(policy.Decay, deps.Clock),
		runner,
		deps.Locker,
		deps.Events,
		deps.Clock,
		deps.Log,
	)

	deps.Log.Info("leads module ready", "policyVersion", policy.Version, "decayThresholdDays", policy.Decay.ThresholdDays)

	return &Module{
		Orchestrator: NewOrchestrator(synchronizer, scoringSvc, recorder, deps.Log),
		Synchronizer: synchronizer,
		Scoring:      scoringSvc,
		Matcher:      matcher,
		Runner:       runner,
	}, nil
}

package leads

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/ports"
	"leadsegments_backend/internal/leads/repository"
	"leadsegments_backend/internal/metrics"
	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/config"
	"leadsegments_backend/platform/lock"
	"leadsegments_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		BatchPageSize:         10,
		BatchWorkers:          4,
		BatchPageTimeout:      time.Minute,
		BatchFetchRetries:     2,
		BatchMaxFailureRatio:  0.5,
		BatchMinItemsForAbort: 50,
		PhoneDefaultRegion:    "BR",
	}
}

func newTestModule(t *testing.T) (*Module, *repository.Memory, *metrics.Metrics) {
	t.Helper()
	store := repository.NewMemory()
	m := metrics.New(prometheus.NewRegistry())
	mod, err := NewModule(Deps{
		Leads:    store,
		Segments: store,
		Locker:   lock.NewKeyedMutex(),
		Metrics:  m,
		Clock:    ports.FixedClock(testNow),
		Log:      logger.Nop(),
	}, testConfig())
	require.NoError(t, err)
	return mod, store, m
}

func TestRunSegmentSynchronizationKeepsStatistics(t *testing.T) {
	mod, store, _ := newTestModule(t)
	ctx := context.Background()

	seg := domain.Segment{ID: uuid.New(), Name: "qualified", IsActive: true, Rules: []domain.Rule{
		domain.MustRule("status", "in", []any{"qualified", "negotiating"}),
	}}
	store.PutSegment(seg)
	for i, status := range []string{"qualified", "new", "negotiating"} {
		store.PutLead(domain.Lead{ID: uuid.New(), Attributes: map[string]any{"status": status}, CreatedAt: testNow.Add(time.Duration(i) * time.Second)})
	}

	assert.Nil(t, mod.Orchestrator.GetSynchronizationStatistics())

	stats, err := mod.Orchestrator.RunSegmentSynchronization(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 2, stats.Attached)
	assert.Equal(t, 2, store.Members(seg.ID).Len())

	last := mod.Orchestrator.GetSynchronizationStatistics()
	require.NotNil(t, last)
	assert.Equal(t, stats.RunID, last.RunID)

	last.Processed = 999
	assert.Equal(t, 3, mod.Orchestrator.GetSynchronizationStatistics().Processed)
}

func TestRunRejectsOverlappingRuns(t *testing.T) {
	mod, _, _ := newTestModule(t)
	o := mod.Orchestrator

	require.True(t, o.markRunning(domain.RunKindScoreDecay))
	stats, err := o.RunScoreDecay(context.Background(), 0)
	assert.Nil(t, stats)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	_, err = o.RunScoreRecalculation(context.Background())
	assert.NoError(t, err)

	o.markComplete(domain.RunKindScoreDecay)
	_, err = o.RunScoreDecay(context.Background(), 0)
	assert.NoError(t, err)
	assert.False(t, o.IsRunning(domain.RunKindScoreDecay))
}

func TestRunScoreDecayRecordsMetrics(t *testing.T) {
	mod, store, m := newTestModule(t)

	last := testNow.Add(-40 * 24 * time.Hour)
	lead := domain.Lead{ID: uuid.New(), Score: 50, LastActivityAt: &last, CreatedAt: last}
	store.PutLead(lead)

	stats, err := mod.Orchestrator.RunScoreDecay(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ScoresChanged)

	decay := mod.Orchestrator.GetDecayStatistics()
	require.NotNil(t, decay)
	assert.Equal(t, 5, decay.DecayedPoints)

	count, err := testutil.GatherAndCount(m.Registry(), "leadsegments_batch_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := store.GetLead(context.Background(), lead.ID)
	require.NoError(t, err)
	assert.Equal(t, 45, stored.Score)
}

func TestSynchronizeLeadScoresBeforeSegments(t *testing.T) {
	mod, store, _ := newTestModule(t)
	ctx := context.Background()

	hot := domain.Segment{ID: uuid.New(), Name: "hot", IsActive: true, Rules: []domain.Rule{
		domain.MustRule("score", "greater_than", 30),
	}}
	store.PutSegment(hot)
	lead := domain.Lead{ID: uuid.New(), Attributes: map[string]any{"status": "qualified", "source": "referral"}, CreatedAt: testNow}
	store.PutLead(lead)

	refresh, err := mod.Orchestrator.SynchronizeLead(ctx, lead.ID)
	require.NoError(t, err)

	assert.Equal(t, 35, refresh.Score.Score)
	assert.Equal(t, []uuid.UUID{hot.ID}, refresh.Segments.Attached)
	assert.True(t, store.Members(hot.ID).Has(lead.ID))

	_, err = mod.Orchestrator.SynchronizeLead(ctx, uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRunSegmentResync(t *testing.T) {
	mod, store, _ := newTestModule(t)

	seg := domain.Segment{ID: uuid.New(), Name: "br", IsActive: true, Rules: []domain.Rule{
		domain.MustRule("country", "equals", "BR"),
	}}
	store.PutSegment(seg)
	store.PutLead(domain.Lead{ID: uuid.New(), Attributes: map[string]any{"country": "BR"}, CreatedAt: testNow})

	stats, err := mod.Orchestrator.RunSegmentResync(context.Background(), seg.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.RunKindSegmentResync, stats.Kind)
	assert.Equal(t, 1, stats.Attached)
	assert.Equal(t, stats.RunID, mod.Orchestrator.GetSynchronizationStatistics().RunID)
}

func TestNewModuleRejectsInvalidPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("decay:\n  threshold_days: 0\n"), 0o600))

	cfg := testConfig()
	cfg.ScoringPolicyFile = path
	store := repository.NewMemory()

	_, err := NewModule(Deps{Leads: store, Segments: store}, cfg)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

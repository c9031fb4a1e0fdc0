package scheduler

import (
	"context"
	"errors"
	"testing"

	"leadsegments_backend/internal/leads"
	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/config"
	"leadsegments_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuns struct {
	err           error
	syncCalls     int
	resyncSegment uuid.UUID
	resyncReset   bool
	decayDays     int
	recalcCalls   int
	leadID        uuid.UUID
}

func (f *fakeRuns) stats() *domain.RunStats {
	return &domain.RunStats{RunID: "run-1"}
}

func (f *fakeRuns) RunSegmentSynchronization(context.Context) (*domain.RunStats, error) {
	f.syncCalls++
	return f.stats(), f.err
}

func (f *fakeRuns) RunSegmentResync(_ context.Context, segmentID uuid.UUID, reset bool) (*domain.RunStats, error) {
	f.resyncSegment, f.resyncReset = segmentID, reset
	return f.stats(), f.err
}

func (f *fakeRuns) RunScoreDecay(_ context.Context, days int) (*domain.RunStats, error) {
	f.decayDays = days
	return f.stats(), f.err
}

func (f *fakeRuns) RunScoreRecalculation(context.Context) (*domain.RunStats, error) {
	f.recalcCalls++
	return f.stats(), f.err
}

func (f *fakeRuns) SynchronizeLead(_ context.Context, leadID uuid.UUID) (leads.LeadRefresh, error) {
	f.leadID = leadID
	return leads.LeadRefresh{}, f.err
}

func TestHandlersDispatchPayloads(t *testing.T) {
	runs := &fakeRuns{}
	h := NewHandlers(runs, logger.Nop())
	ctx := context.Background()

	require.NoError(t, h.handleSegmentsSyncAll(ctx, NewSegmentsSyncAllTask()))
	assert.Equal(t, 1, runs.syncCalls)

	segmentID := uuid.New()
	task, err := NewSyncSegmentTask(SyncSegmentPayload{SegmentID: segmentID.String(), ResetOverrides: true})
	require.NoError(t, err)
	require.NoError(t, h.handleSegmentsSyncSegment(ctx, task))
	assert.Equal(t, segmentID, runs.resyncSegment)
	assert.True(t, runs.resyncReset)

	task, err = NewScoreDecayTask(ScoreDecayPayload{InactiveDays: 45})
	require.NoError(t, err)
	require.NoError(t, h.handleScoresDecay(ctx, task))
	assert.Equal(t, 45, runs.decayDays)

	require.NoError(t, h.handleScoresDecay(ctx, asynq.NewTask(TaskScoresDecay, nil)))
	assert.Equal(t, 0, runs.decayDays)

	leadID := uuid.New()
	task, err = NewSyncLeadTask(SyncLeadPayload{LeadID: leadID.String()})
	require.NoError(t, err)
	require.NoError(t, h.handleSegmentsSyncLead(ctx, task))
	assert.Equal(t, leadID, runs.leadID)

	require.NoError(t, h.handleScoresRecalculate(ctx, NewScoresRecalculateTask()))
	assert.Equal(t, 1, runs.recalcCalls)
}

func TestHandlersRetryPolicy(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		err      error
		wantErr  bool
		wantSkip bool
	}{
		{"conflict is dropped", apperr.Conflict("busy"), false, false},
		{"store failure retries", apperr.StoreAccess("page", errors.New("down")), true, false},
		{"aborted run retries", apperr.BatchAborted("too many failures", nil), true, false},
		{"not found never retries", apperr.NotFound("segment not found"), true, true},
		{"validation never retries", apperr.Validation("bad"), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(&fakeRuns{err: tt.err}, logger.Nop())
			err := h.handleSegmentsSyncAll(ctx, NewSegmentsSyncAllTask())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantSkip, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestHandlersRejectMalformedPayloads(t *testing.T) {
	h := NewHandlers(&fakeRuns{}, logger.Nop())
	ctx := context.Background()

	err := h.handleSegmentsSyncLead(ctx, asynq.NewTask(TaskSegmentsSyncLead, []byte(`{"leadId":"nope"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = h.handleSegmentsSyncSegment(ctx, asynq.NewTask(TaskSegmentsSyncSegment, []byte(`{`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	calls []enqueued
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.calls = append(f.calls, enqueued{task: task, opts: opts})
	return &asynq.TaskInfo{}, f.err
}

func (f *fakeEnqueuer) Close() error { return nil }

func hasOption(opts []asynq.Option, kind asynq.OptionType) bool {
	for _, o := range opts {
		if o.Type() == kind {
			return true
		}
	}
	return false
}

func TestClientEnqueue(t *testing.T) {
	fake := &fakeEnqueuer{}
	c := &Client{client: fake, queue: "leads"}
	ctx := context.Background()

	require.NoError(t, c.EnqueueSegmentSync(ctx))
	require.NoError(t, c.EnqueueLeadSync(ctx, uuid.New()))
	require.NoError(t, c.EnqueueScoreDecay(ctx, -5))
	require.Len(t, fake.calls, 3)

	assert.Equal(t, TaskSegmentsSyncAll, fake.calls[0].task.Type())
	assert.True(t, hasOption(fake.calls[0].opts, asynq.UniqueOpt))
	assert.True(t, hasOption(fake.calls[0].opts, asynq.QueueOpt))
	assert.False(t, hasOption(fake.calls[1].opts, asynq.UniqueOpt))

	payload, err := ParseScoreDecayPayload(fake.calls[2].task)
	require.NoError(t, err)
	assert.Equal(t, 0, payload.InactiveDays)

	fake.err = asynq.ErrDuplicateTask
	err = c.EnqueueScoreRecalculation(ctx)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	var nilClient *Client
	assert.NoError(t, nilClient.EnqueueSegmentSync(ctx))
}

func TestRedisClientOpt(t *testing.T) {
	opt, err := redisClientOpt("redis://:secret@localhost:6380/2", false)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 2, opt.DB)
	assert.Nil(t, opt.TLSConfig)

	opt, err = redisClientOpt("rediss://localhost:6380", true)
	require.NoError(t, err)
	require.NotNil(t, opt.TLSConfig)
	assert.True(t, opt.TLSConfig.InsecureSkipVerify)

	_, err = redisClientOpt("http://nope", false)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

func TestPeriodicEntries(t *testing.T) {
	cfg := &config.Config{SegmentSyncCron: "@every 1h", ScoreDecayCron: "30 3 * * *"}

	entries := PeriodicEntries(cfg)
	require.Len(t, entries, 2)
	assert.Equal(t, TaskSegmentsSyncAll, entries[0].Task.Type())
	assert.Equal(t, TaskScoresDecay, entries[1].Task.Type())

	payload, err := ParseScoreDecayPayload(entries[1].Task)
	require.NoError(t, err)
	assert.Equal(t, 0, payload.InactiveDays)
}

func TestNewClientRequiresRedis(t *testing.T) {
	_, err := NewClient(&config.Config{})
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))

	c, err := NewClient(&config.Config{RedisURL: "redis://localhost:6379", AsynqQueueName: ""})
	require.NoError(t, err)
	assert.Equal(t, "default", c.queue)
	require.NoError(t, c.Close())
}

func TestNewRedisClient(t *testing.T) {
	_, err := NewRedisClient(&config.Config{})
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))

	mr := miniredis.RunT(t)
	rdb, err := NewRedisClient(&config.Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	require.NoError(t, rdb.Ping(context.Background()).Err())
}

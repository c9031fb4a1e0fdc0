package scheduler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/config"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// uniqueRunTTL keeps a second full-population task out of the queue while
// one is still pending.
const uniqueRunTTL = 30 * time.Minute

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client enqueues on-demand lead runs.
type Client struct {
	client enqueuer
	queue  string
}

func NewClient(cfg config.SchedulerConfig) (*Client, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, apperr.Configuration("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return &Client{
		client: asynq.NewClient(opt),
		queue:  queueName(cfg),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueSegmentSync queues a full segment synchronization.
func (c *Client) EnqueueSegmentSync(ctx context.Context) error {
	return c.enqueue(ctx, NewSegmentsSyncAllTask(), asynq.Unique(uniqueRunTTL))
}

// EnqueueLeadSync queues a single-lead refresh.
func (c *Client) EnqueueLeadSync(ctx context.Context, leadID uuid.UUID) error {
	task, err := NewSyncLeadTask(SyncLeadPayload{LeadID: leadID.String()})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task)
}

// EnqueueSegmentResync queues a resync of one segment.
func (c *Client) EnqueueSegmentResync(ctx context.Context, segmentID uuid.UUID, resetOverrides bool) error {
	task, err := NewSyncSegmentTask(SyncSegmentPayload{SegmentID: segmentID.String(), ResetOverrides: resetOverrides})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task, asynq.Unique(uniqueRunTTL))
}

// EnqueueScoreDecay queues a decay run. inactiveDays <= 0 uses the policy threshold.
func (c *Client) EnqueueScoreDecay(ctx context.Context, inactiveDays int) error {
	task, err := NewScoreDecayTask(ScoreDecayPayload{InactiveDays: max(inactiveDays, 0)})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task, asynq.Unique(uniqueRunTTL))
}

// EnqueueScoreRecalculation queues a full score recalculation.
func (c *Client) EnqueueScoreRecalculation(ctx context.Context) error {
	return c.enqueue(ctx, NewScoresRecalculateTask(), asynq.Unique(uniqueRunTTL))
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	if c == nil || c.client == nil {
		return nil
	}
	opts = append(opts, asynq.Queue(c.queue))
	_, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return apperr.Conflict(fmt.Sprintf("%s is already queued", task.Type()))
	}
	return err
}

func queueName(cfg config.SchedulerConfig) string {
	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}
	return queue
}

// NewRedisClient opens a go-redis client on the scheduler's redis, used for
// the distributed lead lock.
func NewRedisClient(cfg config.SchedulerConfig) (*redis.Client, error) {
	if cfg.GetRedisURL() == "" {
		return nil, apperr.Configuration("redis url not configured")
	}
	opt, err := redisOptions(cfg.GetRedisURL(), cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redisOptions(redisURL, tlsInsecure)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}

func redisOptions(redisURL string, tlsInsecure bool) (*redis.Options, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "invalid REDIS_URL", err)
	}

	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		opt.TLSConfig = clone
	} else if tlsInsecure {
		opt.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return opt, nil
}

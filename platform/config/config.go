// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"leadsegments_backend/platform/apperr"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
	GetDatabaseMaxConns() int32
}

// MigrationConfig controls schema migrations at startup.
type MigrationConfig interface {
	GetMigrationsEnabled() bool
}

// SchedulerConfig provides settings for the asynq scheduler and worker.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetSegmentSyncCron() string
	GetScoreDecayCron() string
	GetScoreRecalcCron() string
}

// BatchConfig provides paging, worker pool and failure policy for batch runs.
type BatchConfig interface {
	GetBatchPageSize() int
	GetBatchWorkers() int
	GetBatchPageTimeout() time.Duration
	GetBatchFetchRetries() int
	GetBatchMaxFailureRatio() float64
	GetBatchMinItemsForAbort() int
	GetBatchStoreRPS() float64
}

// ScoringConfig provides settings for the scoring policy.
type ScoringConfig interface {
	GetScoringPolicyFile() string
	GetPhoneDefaultRegion() string
}

// LockConfig selects the per-lead lock backend.
type LockConfig interface {
	GetLockBackend() string
	GetLockTTL() time.Duration
}

// AMQPConfig provides settings for forwarding domain events to RabbitMQ.
type AMQPConfig interface {
	GetAMQPURL() string
	GetAMQPExchange() string
	IsAMQPEnabled() bool
}

// MetricsConfig provides settings for the Prometheus endpoint.
type MetricsConfig interface {
	GetMetricsAddr() string
	IsMetricsEnabled() bool
}

// Lock backends.
const (
	LockBackendLocal    = "local"
	LockBackendRedis    = "redis"
	LockBackendPostgres = "postgres"
)

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                   string
	DatabaseURL           string
	DatabaseMaxConns      int
	MigrationsEnabled     bool
	RedisURL              string
	RedisTLSInsecure      bool
	AsynqQueueName        string
	AsynqConcurrency      int
	SegmentSyncCron       string
	ScoreDecayCron        string
	ScoreRecalcCron       string
	BatchPageSize         int
	BatchWorkers          int
	BatchPageTimeout      time.Duration
	BatchFetchRetries     int
	BatchMaxFailureRatio  float64
	BatchMinItemsForAbort int
	BatchStoreRPS         float64
	ScoringPolicyFile     string
	PhoneDefaultRegion    string
	LockBackend           string
	LockTTL               time.Duration
	AMQPURL               string
	AMQPExchange          string
	MetricsAddr           string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// GetDatabaseMaxConns returns DB_MAX_CONNS, or the pool size every concurrent
// run needs when it is unset.
func (c *Config) GetDatabaseMaxConns() int32 {
	if c.DatabaseMaxConns > 0 {
		return int32(c.DatabaseMaxConns)
	}
	return int32(c.requiredDatabaseConns())
}

// requiredDatabaseConns counts one connection per batch worker of each
// concurrent run, a second one per worker holding a postgres advisory lock,
// the page reader of each run and a spare.
func (c *Config) requiredDatabaseConns() int {
	perWorker := 1
	if c.LockBackend == LockBackendPostgres {
		perWorker = 2
	}
	runs := max(c.AsynqConcurrency, 1)
	return runs*(max(c.BatchWorkers, 1)*perWorker+1) + 1
}

// MigrationConfig implementation
func (c *Config) GetMigrationsEnabled() bool { return c.MigrationsEnabled }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string        { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool  { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string  { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int   { return c.AsynqConcurrency }
func (c *Config) GetSegmentSyncCron() string { return c.SegmentSyncCron }
func (c *Config) GetScoreDecayCron() string  { return c.ScoreDecayCron }
func (c *Config) GetScoreRecalcCron() string { return c.ScoreRecalcCron }

// BatchConfig implementation
func (c *Config) GetBatchPageSize() int              { return c.BatchPageSize }
func (c *Config) GetBatchWorkers() int               { return c.BatchWorkers }
func (c *Config) GetBatchPageTimeout() time.Duration { return c.BatchPageTimeout }
func (c *Config) GetBatchFetchRetries() int          { return c.BatchFetchRetries }
func (c *Config) GetBatchMaxFailureRatio() float64   { return c.BatchMaxFailureRatio }
func (c *Config) GetBatchMinItemsForAbort() int      { return c.BatchMinItemsForAbort }
func (c *Config) GetBatchStoreRPS() float64          { return c.BatchStoreRPS }

// ScoringConfig implementation
func (c *Config) GetScoringPolicyFile() string  { return c.ScoringPolicyFile }
func (c *Config) GetPhoneDefaultRegion() string { return c.PhoneDefaultRegion }

// LockConfig implementation
func (c *Config) GetLockBackend() string    { return c.LockBackend }
func (c *Config) GetLockTTL() time.Duration { return c.LockTTL }

// AMQPConfig implementation
func (c *Config) GetAMQPURL() string      { return c.AMQPURL }
func (c *Config) GetAMQPExchange() string { return c.AMQPExchange }
func (c *Config) IsAMQPEnabled() bool     { return c.AMQPURL != "" }

// MetricsConfig implementation
func (c *Config) GetMetricsAddr() string { return c.MetricsAddr }
func (c *Config) IsMetricsEnabled() bool { return c.MetricsAddr != "" }

// Load reads configuration from environment variables (and a .env file when present).
// Every returned error is a configuration error; callers must not start any work.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}

	cfg := &Config{
		Env:                   getEnv("APP_ENV", "development"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:      p.int("DB_MAX_CONNS", "0"),
		MigrationsEnabled:     strings.EqualFold(getEnv("MIGRATIONS_ENABLED", "true"), "true"),
		RedisURL:              getEnv("REDIS_URL", ""),
		RedisTLSInsecure:      strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:        getEnv("ASYNQ_QUEUE", "leads"),
		AsynqConcurrency:      p.int("ASYNQ_CONCURRENCY", "4"),
		SegmentSyncCron:       getEnv("SEGMENT_SYNC_CRON", "@every 1h"),
		ScoreDecayCron:        getEnv("SCORE_DECAY_CRON", "30 3 * * *"),
		ScoreRecalcCron:       getEnv("SCORE_RECALC_CRON", ""),
		BatchPageSize:         p.int("BATCH_PAGE_SIZE", "200"),
		BatchWorkers:          p.int("BATCH_WORKERS", "8"),
		BatchPageTimeout:      p.duration("BATCH_PAGE_TIMEOUT", "2m"),
		BatchFetchRetries:     p.int("BATCH_FETCH_RETRIES", "3"),
		BatchMaxFailureRatio:  p.float("BATCH_MAX_FAILURE_RATIO", "0.5"),
		BatchMinItemsForAbort: p.int("BATCH_MIN_ITEMS_FOR_ABORT", "50"),
		BatchStoreRPS:         p.float("BATCH_STORE_RPS", "0"),
		ScoringPolicyFile:     getEnv("SCORING_POLICY_FILE", ""),
		PhoneDefaultRegion:    strings.ToUpper(getEnv("PHONE_DEFAULT_REGION", "BR")),
		LockBackend:           strings.ToLower(getEnv("LOCK_BACKEND", LockBackendLocal)),
		LockTTL:               p.duration("LOCK_TTL", "30s"),
		AMQPURL:               getEnv("AMQP_URL", ""),
		AMQPExchange:          getEnv("AMQP_EXCHANGE", "leads.events"),
		MetricsAddr:           getEnv("METRICS_ADDR", ""),
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return apperr.Configuration("DATABASE_URL is required")
	}
	if c.AsynqConcurrency < 1 {
		return apperr.Configuration("ASYNQ_CONCURRENCY must be at least 1")
	}
	if c.BatchPageSize < 1 {
		return apperr.Configuration("BATCH_PAGE_SIZE must be at least 1")
	}
	if c.BatchWorkers < 1 {
		return apperr.Configuration("BATCH_WORKERS must be at least 1")
	}
	if c.BatchPageTimeout <= 0 {
		return apperr.Configuration("BATCH_PAGE_TIMEOUT must be positive")
	}
	if c.BatchMaxFailureRatio <= 0 || c.BatchMaxFailureRatio > 1 {
		return apperr.Configuration("BATCH_MAX_FAILURE_RATIO must be in (0, 1]")
	}
	if c.BatchStoreRPS < 0 {
		return apperr.Configuration("BATCH_STORE_RPS cannot be negative")
	}
	switch c.LockBackend {
	case LockBackendLocal, LockBackendPostgres:
	case LockBackendRedis:
		if c.RedisURL == "" {
			return apperr.Configuration("REDIS_URL is required when LOCK_BACKEND is redis")
		}
	default:
		return apperr.Configuration(fmt.Sprintf("unknown LOCK_BACKEND %q", c.LockBackend))
	}
	if c.LockTTL <= 0 {
		return apperr.Configuration("LOCK_TTL must be positive")
	}
	if c.DatabaseMaxConns < 0 {
		return apperr.Configuration("DB_MAX_CONNS cannot be negative")
	}
	if need := c.requiredDatabaseConns(); c.DatabaseMaxConns > 0 && c.DatabaseMaxConns < need {
		return apperr.Configuration(fmt.Sprintf(
			"DB_MAX_CONNS %d is below the %d connections needed by BATCH_WORKERS, ASYNQ_CONCURRENCY and LOCK_BACKEND",
			c.DatabaseMaxConns, need))
	}
	return nil
}

type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = apperr.Wrap(apperr.KindConfiguration, fmt.Sprintf("invalid %s %q", key, value), err)
	}
}

func (p *parser) int(key, fallback string) int {
	raw := strings.TrimSpace(getEnv(key, fallback))
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return 0
	}
	return v
}

func (p *parser) float(key, fallback string) float64 {
	raw := strings.TrimSpace(getEnv(key, fallback))
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return 0
	}
	return v
}

func (p *parser) duration(key, fallback string) time.Duration {
	raw := strings.TrimSpace(getEnv(key, fallback))
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return 0
	}
	return d
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

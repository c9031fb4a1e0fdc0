// Package lock provides per-key mutual exclusion for work that must not run
// concurrently on the same record, across goroutines or across processes.
// This is part of the platform layer and contains no business logic.
package lock

import (
	"context"
	"fmt"

	"leadsegments_backend/platform/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Locker acquires an exclusive lock on key. The returned unlock func is safe
// to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// New builds the Locker selected by cfg. pool is required for the postgres
// backend and rdb for the redis backend.
func New(cfg config.LockConfig, pool *pgxpool.Pool, rdb redis.UniversalClient) (Locker, error) {
	switch cfg.GetLockBackend() {
	case config.LockBackendLocal, "":
		return NewKeyedMutex(), nil
	case config.LockBackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis lock backend requires a redis client")
		}
		return NewRedisLocker(rdb, cfg.GetLockTTL()), nil
	case config.LockBackendPostgres:
		if pool == nil {
			return nil, fmt.Errorf("postgres lock backend requires a database pool")
		}
		return NewPostgresLocker(pool), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.GetLockBackend())
	}
}

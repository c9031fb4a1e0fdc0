package lock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker uses session-level advisory locks. Each held lock pins one
// pool connection until it is released.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

// NewPostgresLocker creates a PostgresLocker.
func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

// Lock blocks in pg_advisory_lock until the key is free or ctx is done.
func (l *PostgresLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	id := advisoryKey(key)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		conn.Release()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if _, err := conn.Exec(releaseCtx, `SELECT pg_advisory_unlock($1)`, id); err != nil {
				// The session still owns the lock; drop the connection so the server frees it.
				_ = conn.Conn().Close(releaseCtx)
			}
			conn.Release()
		})
	}, nil
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

var _ Locker = (*PostgresLocker)(nil)

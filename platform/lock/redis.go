package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "leadsegments:lock:"
	defaultRetryEvery = 50 * time.Millisecond
	releaseTimeout    = 2 * time.Second
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease never releases somebody else's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a lease-based Locker shared by every process using the same
// Redis. The holder renews the lease while it runs; a lease expires after ttl
// only if its holder dies.
type RedisLocker struct {
	rdb        redis.UniversalClient
	ttl        time.Duration
	retryEvery time.Duration
	renewEvery time.Duration
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, retryEvery: defaultRetryEvery, renewEvery: ttl / 3}
}

// WithRenewInterval sets how often a held lease is extended back to ttl.
func (l *RedisLocker) WithRenewInterval(d time.Duration) *RedisLocker {
	if d > 0 {
		l.renewEvery = d
	}
	return l
}

// WithRetryInterval sets how often a contended Lock polls.
func (l *RedisLocker) WithRetryInterval(d time.Duration) *RedisLocker {
	if d > 0 {
		l.retryEvery = d
	}
	return l
}

// Lock polls SET NX until the lease is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryEvery)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.renew(redisKey, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.rdb, []string{redisKey}, token).Err()
		})
	}, nil
}

// renew extends the lease until stop is closed or the key no longer holds
// token.
func (l *RedisLocker) renew(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		held, err := renewScript.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err == nil && held == 0 {
			return
		}
	}
}

var _ Locker = (*RedisLocker)(nil)

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb, ttl).WithRetryInterval(5 * time.Millisecond), mr
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	locker, mr := newTestRedisLocker(t, time.Minute)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "lead:42")
	require.NoError(t, err)
	assert.True(t, mr.Exists(redisKeyPrefix+"lead:42"))
	assert.Equal(t, time.Minute, mr.TTL(redisKeyPrefix+"lead:42"))

	unlock()
	assert.False(t, mr.Exists(redisKeyPrefix+"lead:42"))
}

func TestRedisLockerBlocksWhileHeld(t *testing.T) {
	locker, _ := newTestRedisLocker(t, time.Minute)

	unlock, err := locker.Lock(context.Background(), "lead:42")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "lead:42")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	second, err := locker.Lock(context.Background(), "lead:42")
	require.NoError(t, err)
	second()
}

func TestRedisLockerExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	locker, mr := newTestRedisLocker(t, time.Second)
	ctx := context.Background()

	stale, err := locker.Lock(ctx, "lead:7")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := locker.Lock(ctx, "lead:7")
	require.NoError(t, err)
	token, err := mr.Get(redisKeyPrefix + "lead:7")
	require.NoError(t, err)

	stale()
	got, err := mr.Get(redisKeyPrefix + "lead:7")
	require.NoError(t, err)
	assert.Equal(t, token, got)

	fresh()
	assert.False(t, mr.Exists(redisKeyPrefix+"lead:7"))
}

func TestRedisLockerRenewsLeaseWhileHeld(t *testing.T) {
	locker, mr := newTestRedisLocker(t, time.Second)
	locker.WithRenewInterval(5 * time.Millisecond)
	key := redisKeyPrefix + "lead:9"

	unlock, err := locker.Lock(context.Background(), "lead:9")
	require.NoError(t, err)

	mr.FastForward(900 * time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL(key) > 500*time.Millisecond
	}, time.Second, 5*time.Millisecond)

	unlock()
	assert.False(t, mr.Exists(key))
}

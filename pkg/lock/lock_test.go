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

func newRedis(t *testing.T) (*miniredis.Miniredis, *RedisLocker) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr, NewRedisLocker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestRedisLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	mr, l := newRedis(t)

	lease, ok, err := l.TryAcquire(ctx, SweepKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(SweepKey))

	_, ok, err = l.TryAcquire(ctx, SweepKey, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists(SweepKey))

	_, ok, err = l.TryAcquire(ctx, SweepKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_ExpiredLeaseDoesNotReleaseSuccessor(t *testing.T) {
	ctx := context.Background()
	mr, l := newRedis(t)

	first, ok, err := l.TryAcquire(ctx, SweepKey, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = l.TryAcquire(ctx, SweepKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, first.Release(ctx), ErrNotHeld)
	assert.True(t, mr.Exists(SweepKey), "successor's lease survives")
}

func TestRedisLocker_Unavailable(t *testing.T) {
	l := NewRedisLocker(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  -1,
	}))
	_, ok, err := l.TryAcquire(context.Background(), SweepKey, time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	lease, ok, err := l.TryAcquire(ctx, SweepKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryAcquire(ctx, SweepKey, time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	second, ok, _ := l.TryAcquire(ctx, SweepKey, time.Minute)
	require.True(t, ok, "expired lease is reclaimed")

	assert.ErrorIs(t, lease.Release(ctx), ErrNotHeld)
	assert.NoError(t, second.Release(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = l.TryAcquire(cancelled, SweepKey, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

package billing

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisOrderLockerExcludesSecondHolder(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisOrderLocker(client, 10*time.Second)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, 1)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, 1)
	require.ErrorIs(t, err, ErrOrderLocked)

	other, err := locker.Acquire(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	require.False(t, mr.Exists("billing:order:1:lock"))
}

func TestRedisOrderLockerReleaseKeepsForeignToken(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisOrderLocker(client, time.Second)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, 7)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	second, err := locker.Acquire(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, release(ctx))
	require.True(t, mr.Exists("billing:order:7:lock"), "stale release must not drop the new holder's lock")
	require.NoError(t, second(ctx))
	require.False(t, mr.Exists("billing:order:7:lock"))
}

func TestRedisOrderLockerRequiresClient(t *testing.T) {
	var locker *RedisOrderLocker
	_, err := locker.Acquire(context.Background(), 1)
	require.Error(t, err)
}

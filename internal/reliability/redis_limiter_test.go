package reliability

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLuaLimiterAllowAndExhaust(t *testing.T) {
	rdb := newTestRedis(t)
	lim := NewRedisLuaLimiter(rdb, map[string]BucketConfig{
		"fal": {Capacity: 2, RefillRate: 0.001},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := lim.Allow(ctx, "fal", 1)
		require.NoError(t, err)
		require.True(t, allowed, "token %d should be admitted", i)
	}
	allowed, retryAfter, err := lim.Allow(ctx, "fal", 1)
	require.NoError(t, err)
	require.False(t, allowed, "bucket should be drained")
	require.Greater(t, retryAfter.Seconds(), 0.0)
}

func TestRedisLuaLimiterRetryAfterRoundsUp(t *testing.T) {
	rdb := newTestRedis(t)
	// Refilling 0.4 tokens/s leaves a 2.5s wait after the burst.
	lim := NewRedisLuaLimiter(rdb, map[string]BucketConfig{
		"fal": {Capacity: 1, RefillRate: 0.4},
	})
	ctx := context.Background()

	allowed, _, err := lim.Allow(ctx, "fal", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, retryAfter, err := lim.Allow(ctx, "fal", 1)
	require.NoError(t, err)
	require.False(t, allowed)
	require.GreaterOrEqual(t, retryAfter.Seconds(), 2.5, "wait must never undershoot the refill time")
	require.InDelta(t, 3.0, retryAfter.Seconds(), 1e-9, "fractional waits round up to the next second")
}

func TestRedisLuaLimiterUnknownBucketAdmits(t *testing.T) {
	rdb := newTestRedis(t)
	lim := NewRedisLuaLimiter(rdb, nil)
	allowed, _, err := lim.Allow(context.Background(), "nope", 1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestRedisLuaLimiterNilDisabled(t *testing.T) {
	var lim *RedisLuaLimiter
	allowed, _, err := lim.Allow(context.Background(), "any", 1)
	require.NoError(t, err)
	require.True(t, allowed, "nil limiter fails open")
}

func TestRedisLuaLimiterSetBucketConfig(t *testing.T) {
	rdb := newTestRedis(t)
	lim := NewRedisLuaLimiter(rdb, nil)
	lim.SetBucketConfig("kling", NewBucketConfigFromPerMinute(60))
	allowed, _, err := lim.Allow(context.Background(), "kling", 1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	cfg := NewBucketConfigFromPerMinute(120)
	require.EqualValues(t, 120, cfg.Capacity)
	require.InDelta(t, 2.0, cfg.RefillRate, 1e-9)
	require.Zero(t, NewBucketConfigFromPerMinute(0).Capacity)
}

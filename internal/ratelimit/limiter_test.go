package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/binlens/binlens/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.RateLimit{
		Enabled: true,
		Tiers: []config.RateLimitTier{
			{Name: "basic", RequestsPerWindow: 10, Window: time.Minute, ConcurrentJobs: 2},
		},
	}
	return New(rdb, cfg)
}

func TestAllowsUnderLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, "user-1", "basic", CategoryGeneric)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should be allowed", i)
	}
}

func TestDeniesOverLimitWithValidRetryAfter(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := l.Check(ctx, "user-2", "basic", CategoryGeneric)
		require.NoError(t, err)
	}
	d, err := l.Check(ctx, "user-2", "basic", CategoryGeneric)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestUploadCategoryIsQuarterOfGeneric(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	// basic tier: generic=10/min -> uploads = max(10/4, 1) = 2/min
	for i := 0; i < 2; i++ {
		d, err := l.Check(ctx, "user-3", "basic", CategoryUpload)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Check(ctx, "user-3", "basic", CategoryUpload)
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/binlens/binlens/internal/breaker"
	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/job"
	"github.com/binlens/binlens/internal/provider"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	id      string
	healthy bool
}

func (f *fakeClient) ID() string { return f.id }
func (f *fakeClient) TranslateFunction(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return provider.TranslateResponse{}, nil
}
func (f *fakeClient) ExplainImports(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return provider.TranslateResponse{}, nil
}
func (f *fakeClient) InterpretStrings(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return provider.TranslateResponse{}, nil
}
func (f *fakeClient) GenerateOverallSummary(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return provider.TranslateResponse{}, nil
}
func (f *fakeClient) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	return provider.HealthStatus{Healthy: f.healthy}, nil
}
func (f *fakeClient) CountTokens(text string) int       { return len(text) }
func (f *fakeClient) EstimateCost(tokens int) float64   { return 0 }

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestStatsReportsQueueDepthsAndProviders(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	store := job.NewStore(rdb, 24*time.Hour)

	require.NoError(t, store.Create(ctx, &job.Job{ID: job.NewID(), Priority: job.PriorityHigh}))
	require.NoError(t, store.Create(ctx, &job.Job{ID: job.NewID(), Priority: job.PriorityLow}))
	require.NoError(t, store.Create(ctx, &job.Job{ID: job.NewID(), Priority: job.PriorityLow}))

	clients := map[string]provider.Client{
		"openai": &fakeClient{id: "openai", healthy: true},
	}
	breakers := breaker.NewRegistry(config.CircuitBreaker{
		FailureThreshold: 3, SuccessThreshold: 2, CooldownPeriod: time.Second, MaxHalfOpenRequests: 1,
	}, zap.NewNop())

	res, err := Stats(ctx, rdb, clients, breakers)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.QueueDepths["high"])
	require.Equal(t, int64(2), res.QueueDepths["low"])
	require.Equal(t, int64(0), res.QueueDepths["normal"])

	require.Contains(t, res.Providers, "openai")
	require.True(t, res.Providers["openai"].Healthy)
	require.Equal(t, "closed", res.Providers["openai"].CircuitState)
}

func TestStatsReflectsOpenCircuit(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	clients := map[string]provider.Client{
		"anthropic": &fakeClient{id: "anthropic", healthy: false},
	}
	breakers := breaker.NewRegistry(config.CircuitBreaker{
		FailureThreshold: 1, SuccessThreshold: 1, CooldownPeriod: time.Minute, MaxHalfOpenRequests: 1,
	}, zap.NewNop())
	require.Error(t, breakers.Get("anthropic").Call(func() error { return errors.New("boom") }))

	res, err := Stats(ctx, rdb, clients, breakers)
	require.NoError(t, err)
	require.Equal(t, "open", res.Providers["anthropic"].CircuitState)
	require.False(t, res.Providers["anthropic"].Healthy)
	require.NotEmpty(t, res.Providers["anthropic"].RecentFailures)
}

func TestPurgeAllClearsReadyQueues(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	store := job.NewStore(rdb, 24*time.Hour)
	require.NoError(t, store.Create(ctx, &job.Job{ID: job.NewID(), Priority: job.PriorityNormal}))

	n, err := PurgeAll(ctx, &config.Config{}, rdb)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	res, err := Stats(ctx, rdb, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.QueueDepths["normal"])
}

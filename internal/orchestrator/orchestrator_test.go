package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/binlens/binlens/internal/breaker"
	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/job"
	"github.com/binlens/binlens/internal/provider"
	"github.com/binlens/binlens/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	id   string
	text string
	err  error
}

func (f *fakeClient) ID() string                          { return f.id }
func (f *fakeClient) CountTokens(text string) int          { return len(text) / 4 }
func (f *fakeClient) EstimateCost(tokens int) float64      { return float64(tokens) * 0.001 }
func (f *fakeClient) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	return provider.HealthStatus{Healthy: true}, nil
}
func (f *fakeClient) response() (provider.TranslateResponse, error) {
	if f.err != nil {
		return provider.TranslateResponse{}, f.err
	}
	return provider.TranslateResponse{Text: f.text, TokensUsed: 10}, nil
}
func (f *fakeClient) TranslateFunction(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return f.response()
}
func (f *fakeClient) ExplainImports(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return f.response()
}
func (f *fakeClient) InterpretStrings(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return f.response()
}
func (f *fakeClient) GenerateOverallSummary(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return f.response()
}

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return ratelimit.New(rdb, config.RateLimit{
		Enabled: true,
		Tiers:   []config.RateLimitTier{{Name: "standard", RequestsPerWindow: 1000, Window: time.Minute}},
	})
}

func testBreakers() *breaker.Registry {
	return breaker.NewRegistry(config.CircuitBreaker{
		FailureThreshold: 3, SuccessThreshold: 2,
		CooldownPeriod: time.Second, HealthCheckInterval: time.Minute, MaxHalfOpenRequests: 1,
	}, zap.NewNop())
}

func baseJob() job.Job {
	return job.Job{
		ID: "dec_test", Submitter: "user-1", ProviderID: "fake",
		Detail: job.DetailStandard, CostLimitUSD: 10,
		Flags: job.Flags{IncludeFunctions: true, IncludeImports: true, IncludeOverallSummary: true},
	}
}

func TestTranslateAssemblesAllSections(t *testing.T) {
	clients := map[string]provider.Client{"fake": &fakeClient{id: "fake", text: "explanation"}}
	o := New(clients, testBreakers(), newTestLimiter(t), zap.NewNop())

	artifact := &job.DecompilationArtifact{
		Functions: []job.Function{{Name: "main", RawAssembly: "push rbp"}},
		Imports:   []job.Import{{Library: "kernel32.dll", FunctionName: "CreateFileW"}},
		Strings:   []job.String{{Value: "hello"}},
	}

	result, warnings, err := o.Translate(t.Context(), baseJob(), artifact)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Len(t, result.FunctionTranslations, 1)
	require.Equal(t, "explanation", result.FunctionTranslations[0].Explanation)
	require.Len(t, result.ImportExplanations, 1)
	require.Len(t, result.StringInterpretations, 1)
	require.Equal(t, "explanation", result.OverallSummary)
}

func TestTranslateRecordsPerItemErrorWithoutFailingJob(t *testing.T) {
	clients := map[string]provider.Client{"fake": &fakeClient{id: "fake", err: &permanentErr{}}}
	o := New(clients, testBreakers(), newTestLimiter(t), zap.NewNop())

	j := baseJob()
	j.Flags = job.Flags{IncludeFunctions: true}
	artifact := &job.DecompilationArtifact{Functions: []job.Function{{Name: "fcn.1000", RawAssembly: "nop"}}}

	result, _, err := o.Translate(t.Context(), j, artifact)
	require.NoError(t, err)
	require.NotEmpty(t, result.FunctionTranslations[0].Error)
}

func TestBudgetReserveRejectsOverdraft(t *testing.T) {
	b := &budget{remaining: 0.01}
	require.True(t, b.reserve(0.004))
	require.InDelta(t, 0.006, b.remaining, 1e-9)
	require.False(t, b.reserve(1.0))
}

func TestCostBudgetExhaustionOmitsOverallSummary(t *testing.T) {
	clients := map[string]provider.Client{"fake": &fakeClient{id: "fake", text: "x"}}
	o := New(clients, testBreakers(), newTestLimiter(t), zap.NewNop())

	j := baseJob()
	j.Flags = job.Flags{IncludeOverallSummary: true}
	j.CostLimitUSD = 0.0000001
	artifact := &job.DecompilationArtifact{}

	_, warnings, err := o.Translate(t.Context(), j, artifact)
	require.NoError(t, err)
	require.Contains(t, warnings[0], "overall_summary_failed")
}

type permanentErr struct{}

func (e *permanentErr) Error() string   { return "simulated permanent failure" }
func (e *permanentErr) Retryable() bool { return false }

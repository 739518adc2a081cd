package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/binlens/binlens/internal/config"
	"github.com/stretchr/testify/require"
)

func testConfig() config.CircuitBreaker {
	return config.CircuitBreaker{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		CooldownPeriod:      20 * time.Millisecond,
		MaxHalfOpenRequests: 1,
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("openai", testConfig(), nil)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = b.Call(func() error { return boom })
	}
	require.Equal(t, Open, b.State())
	require.False(t, b.Allow())
}

func TestHalfOpenRecoversToClosed(t *testing.T) {
	b := New("anthropic", testConfig(), nil)
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = b.Call(func() error { return boom })
	}
	require.Equal(t, Open, b.State())

	time.Sleep(30 * time.Millisecond)
	err := b.Call(func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, HalfOpen, b.State())
	// SuccessThreshold is 2: the second consecutive success closes it.
	err = b.Call(func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, Closed, b.State())
}

func TestRecentFailuresRingBuffer(t *testing.T) {
	b := New("gemini", testConfig(), nil)
	for i := 0; i < 30; i++ {
		_ = b.Call(func() error { return errors.New("fail") })
		// reopen between attempts that may have half-opened
	}
	require.LessOrEqual(t, len(b.RecentFailures()), ringSize)
}

func TestRegistryReusesBreaker(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	a := r.Get("openai")
	c := r.Get("openai")
	require.Same(t, a, c)
}

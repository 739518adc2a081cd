package openaicompat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/provider"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTranslateFunctionParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "copies a buffer"}},
			},
			"usage": map[string]int{"total_tokens": 42},
		})
	}))
	defer srv.Close()

	cfg := config.ProviderConfig{BaseURL: srv.URL, DefaultModel: "gpt-4o-mini", CostPer1kTokens: 0.15, RequestTimeout: 5 * time.Second}
	c := New("openai", "test-key", cfg, zap.NewNop())

	resp, err := c.TranslateFunction(t.Context(), provider.TranslateRequest{Prompt: "explain fcn.1000"})
	require.NoError(t, err)
	require.Equal(t, "copies a buffer", resp.Text)
	require.Equal(t, 42, resp.TokensUsed)
}

func TestNon200ReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	cfg := config.ProviderConfig{BaseURL: srv.URL, DefaultModel: "gpt-4o-mini"}
	c := New("openai", "test-key", cfg, zap.NewNop())

	_, err := c.TranslateFunction(t.Context(), provider.TranslateRequest{Prompt: "x"})
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.True(t, statusErr.Retryable())
}

func TestHealthCheckReflectsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.ProviderConfig{BaseURL: srv.URL, DefaultModel: "gpt-4o-mini"}
	c := New("openai", "test-key", cfg, zap.NewNop())

	status, err := c.HealthCheck(t.Context())
	require.NoError(t, err)
	require.False(t, status.Healthy)
}

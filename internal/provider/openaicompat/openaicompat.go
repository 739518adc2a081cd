// Package openaicompat implements provider.Client against any
// OpenAI-compatible chat-completions HTTP API. It is the hand-rolled
// adapter for providers that don't ship a Go SDK worth depending on.
package openaicompat

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/provider"
	"go.uber.org/zap"
)

// Client is a Go-native OpenAI-compatible chat-completions client.
type Client struct {
	id      string
	baseURL string
	apiKey  string
	model   string
	cost    provider.CostModel
	http    *http.Client
	logger  *zap.Logger
}

var _ provider.Client = (*Client)(nil)

// New builds a client from a provider config block. id distinguishes this
// provider in logs and metrics ("openai" or any OpenAI-compatible proxy).
func New(id, apiKey string, cfg config.ProviderConfig, logger *zap.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	// Transport timeouts bound connection setup and first-byte latency; the
	// overall call is bounded by the caller's context instead of a client
	// Timeout, since translation calls can legitimately run for minutes.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Client{
		id:      id,
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   cfg.DefaultModel,
		cost:    provider.CostModel{CostPer1kTokens: cfg.CostPer1kTokens},
		http:    &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", id)),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) CountTokens(text string) int { return provider.CountTokensApprox(text) }

func (c *Client) EstimateCost(tokens int) float64 { return c.cost.Estimate(tokens) }

func (c *Client) TranslateFunction(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return c.complete(ctx, req)
}

func (c *Client) ExplainImports(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return c.complete(ctx, req)
}

func (c *Client) InterpretStrings(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return c.complete(ctx, req)
}

func (c *Client) GenerateOverallSummary(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	return c.complete(ctx, req)
}

func (c *Client) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	req := provider.TranslateRequest{Model: c.model, Prompt: "ping", MaxTokens: 4}
	if _, err := c.complete(ctx, req); err != nil {
		return provider.HealthStatus{Healthy: false, Detail: err.Error()}, nil
	}
	return provider.HealthStatus{Healthy: true}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// retryableStatus reports whether an HTTP status indicates a transient
// failure worth a retry at the orchestrator layer, as opposed to a request
// that will fail again unchanged (bad model, malformed body, auth).
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// StatusError carries the upstream status code so callers can classify
// retryable failures without parsing the error string.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openaicompat: upstream status %d: %s", e.Status, e.Body)
}

func (e *StatusError) Retryable() bool { return retryableStatus(e.Status) }

func (c *Client) complete(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = c.model
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return provider.TranslateResponse{}, fmt.Errorf("openaicompat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return provider.TranslateResponse{}, fmt.Errorf("openaicompat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return provider.TranslateResponse{}, fmt.Errorf("openaicompat: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.TranslateResponse{}, fmt.Errorf("openaicompat: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("non-200 from provider", zap.Int("status", resp.StatusCode))
		return provider.TranslateResponse{}, &StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return provider.TranslateResponse{}, fmt.Errorf("openaicompat: parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return provider.TranslateResponse{}, fmt.Errorf("openaicompat: empty response: no choices")
	}

	tokens := parsed.Usage.TotalTokens
	if tokens == 0 {
		tokens = c.CountTokens(parsed.Choices[0].Message.Content)
	}

	return provider.TranslateResponse{
		Text:         parsed.Choices[0].Message.Content,
		TokensUsed:   tokens,
		ProcessingMS: time.Since(start).Milliseconds(),
	}, nil
}

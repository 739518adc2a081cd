// Package geminiprovider implements provider.Client over langchaingo's
// Google AI binding, for installs that configure Gemini as a translation
// provider.
package geminiprovider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/provider"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// Client wraps a langchaingo googleai.GoogleAI to satisfy provider.Client.
type Client struct {
	id      string
	llm     *googleai.GoogleAI
	model   string
	cost    provider.CostModel
	timeout time.Duration
}

var _ provider.Client = (*Client)(nil)

// New builds a client from a provider config block. Construction talks to
// Google's discovery endpoint, so callers should treat errors as
// provider-unavailable rather than a programming error.
func New(ctx context.Context, id, apiKey string, cfg config.ProviderConfig) (*Client, error) {
	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(cfg.DefaultModel),
	)
	if err != nil {
		return nil, fmt.Errorf("geminiprovider: init: %w", err)
	}
	return &Client{
		id:      id,
		llm:     llm,
		model:   cfg.DefaultModel,
		cost:    provider.CostModel{CostPer1kTokens: cfg.CostPer1kTokens},
		timeout: cfg.RequestTimeout,
	}, nil
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

func (c *Client) complete(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = c.model
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	opts := []llms.CallOption{llms.WithModel(model)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}

	resp, err := c.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt),
	}, opts...)
	if err != nil {
		return provider.TranslateResponse{}, fmt.Errorf("geminiprovider: %w", err)
	}
	if len(resp.Choices) == 0 {
		return provider.TranslateResponse{}, errors.New("geminiprovider: empty response choices")
	}

	text := resp.Choices[0].Content
	tokens := 0
	if v, ok := resp.Choices[0].GenerationInfo["TotalTokens"].(int); ok {
		tokens = v
	}
	if tokens == 0 {
		tokens = c.CountTokens(text)
	}

	return provider.TranslateResponse{
		Text:         text,
		TokensUsed:   tokens,
		ProcessingMS: time.Since(start).Milliseconds(),
	}, nil
}

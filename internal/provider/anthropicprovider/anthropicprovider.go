// Package anthropicprovider implements provider.Client over the official
// Anthropic SDK, for installs that configure Claude as a translation
// provider.
package anthropicprovider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/provider"
)

// Client wraps anthropic.Client to satisfy provider.Client.
type Client struct {
	id     string
	sdk    anthropic.Client
	model  string
	cost   provider.CostModel
	timeout time.Duration
}

var _ provider.Client = (*Client)(nil)

// New builds a client from a provider config block.
func New(id, apiKey string, cfg config.ProviderConfig) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		id:      id,
		sdk:     anthropic.NewClient(opts...),
		model:   cfg.DefaultModel,
		cost:    provider.CostModel{CostPer1kTokens: cfg.CostPer1kTokens},
		timeout: cfg.RequestTimeout,
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

func (c *Client) complete(ctx context.Context, req provider.TranslateRequest) (provider.TranslateResponse, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return provider.TranslateResponse{}, fmt.Errorf("anthropicprovider: %w", err)
	}
	if len(msg.Content) == 0 {
		return provider.TranslateResponse{}, errors.New("anthropicprovider: empty response content")
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	tokens := int(msg.Usage.InputTokens + msg.Usage.OutputTokens)
	if tokens == 0 {
		tokens = c.CountTokens(text)
	}

	return provider.TranslateResponse{
		Text:         text,
		TokensUsed:   tokens,
		ProcessingMS: time.Since(start).Milliseconds(),
	}, nil
}

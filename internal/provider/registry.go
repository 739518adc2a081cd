package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/binlens/binlens/internal/breaker"
	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/provider/anthropicprovider"
	"github.com/binlens/binlens/internal/provider/geminiprovider"
	"github.com/binlens/binlens/internal/provider/openaicompat"
	"go.uber.org/zap"
)

// BuildClients constructs one Client per enabled provider in cfg, keyed by
// provider id. A provider whose API key env var is unset is skipped rather
// than failing startup, since installs commonly enable a subset.
func BuildClients(ctx context.Context, cfg config.Providers, logger *zap.Logger) (map[string]Client, error) {
	clients := make(map[string]Client)

	if cfg.OpenAI.Enabled {
		key := os.Getenv(cfg.OpenAI.APIKeyEnv)
		if key != "" {
			clients["openai"] = openaicompat.New("openai", key, cfg.OpenAI, logger)
		}
	}
	if cfg.Anthropic.Enabled {
		key := os.Getenv(cfg.Anthropic.APIKeyEnv)
		if key != "" {
			clients["anthropic"] = anthropicprovider.New("anthropic", key, cfg.Anthropic)
		}
	}
	if cfg.Gemini.Enabled {
		key := os.Getenv(cfg.Gemini.APIKeyEnv)
		if key != "" {
			client, err := geminiprovider.New(ctx, "gemini", key, cfg.Gemini)
			if err != nil {
				return nil, fmt.Errorf("provider: gemini: %w", err)
			}
			clients["gemini"] = client
		}
	}

	return clients, nil
}

// HealthProbes adapts each client's HealthCheck into the breaker package's
// probe signature, for Registry.RunHealthProbes.
func HealthProbes(clients map[string]Client) map[string]breaker.HealthCheckFunc {
	probes := make(map[string]breaker.HealthCheckFunc, len(clients))
	for name, c := range clients {
		c := c
		probes[name] = func(ctx context.Context) error {
			status, err := c.HealthCheck(ctx)
			if err != nil {
				return err
			}
			if !status.Healthy {
				return fmt.Errorf("provider %s reports unhealthy: %s", name, status.Detail)
			}
			return nil
		}
	}
	return probes
}

// Package admin implements the aggregate operational view behind
// /admin/stats: ready-queue depth per priority and per-provider
// circuit-breaker state. It reports no job status counts and no cost.
package admin

import (
	"context"

	"github.com/binlens/binlens/internal/breaker"
	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/job"
	"github.com/binlens/binlens/internal/provider"
	"github.com/redis/go-redis/v9"
)

// QueueDepths reports the ready-queue length per priority.
type QueueDepths map[string]int64

// ProviderStatus summarizes one configured provider's health.
type ProviderStatus struct {
	ID             string   `json:"id"`
	Healthy        bool     `json:"healthy"`
	CircuitState   string   `json:"circuit_state"`
	RecentFailures []string `json:"recent_failures,omitempty"`
}

// StatsResult is the payload for GET /admin/stats.
type StatsResult struct {
	QueueDepths QueueDepths               `json:"queue_depths"`
	Providers   map[string]ProviderStatus `json:"providers"`
}

func stateLabel(s breaker.State) string {
	switch s {
	case breaker.Open:
		return "open"
	case breaker.HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Stats assembles the aggregate view used by GET /admin/stats.
func Stats(ctx context.Context, rdb *redis.Client, clients map[string]provider.Client, breakers *breaker.Registry) (StatsResult, error) {
	res := StatsResult{QueueDepths: QueueDepths{}, Providers: map[string]ProviderStatus{}}

	for _, p := range job.Priorities {
		key := "queue:ready:" + string(p)
		n, err := rdb.LLen(ctx, key).Result()
		if err != nil {
			return res, err
		}
		res.QueueDepths[string(p)] = n
	}

	for id, c := range clients {
		status := ProviderStatus{ID: id}
		if breakers != nil {
			b := breakers.Get(id)
			status.CircuitState = stateLabel(b.State())
			status.RecentFailures = b.RecentFailures()
			status.Healthy = status.CircuitState != "open"
		} else {
			h, err := c.HealthCheck(ctx)
			status.Healthy = err == nil && h.Healthy
		}
		res.Providers[id] = status
	}

	return res, nil
}

// PurgeAll removes every ready-queue key; test fixtures use it. It never
// touches persisted job hashes or
// results, only the priority queues that feed the worker pool.
func PurgeAll(ctx context.Context, cfg *config.Config, rdb *redis.Client) (int64, error) {
	keys := make([]string, 0, len(job.Priorities))
	for _, p := range job.Priorities {
		keys = append(keys, "queue:ready:"+string(p))
	}
	n, err := rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	return n, nil
}

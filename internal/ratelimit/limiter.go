// Package ratelimit implements the sliding-window request/token limiter of
// section 4.5: a Redis sorted set of request timestamps per
// (identity, limit-name, window), trimmed and measured atomically via a
// Lua script, with fail-open behavior when the kv-store is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/obs"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript atomically: drops entries older than window_start,
// reads the resulting cardinality, and if still under the limit adds now
// to the set and refreshes its TTL. KEYS[1] is the sorted-set key.
// ARGV: now_ms, window_ms, limit, ttl_seconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local window_start = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)

if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local oldest_score = now
  if oldest[2] ~= nil then
    oldest_score = tonumber(oldest[2])
  end
  return {0, count, oldest_score}
end

redis.call('ZADD', key, now, now .. '-' .. tostring(math.random(1, 1000000000)))
redis.call('EXPIRE', key, ttl)
return {1, count + 1, 0}
`)

// Decision is the outcome of a Consume call.
type Decision struct {
	Allowed    bool
	Current    int
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
	// FailOpen is true when the kv-store was unreachable and the request
	// was permitted anyway per the availability-over-strictness policy.
	FailOpen bool
}

// Limiter enforces tier- and endpoint-category-scoped sliding windows.
type Limiter struct {
	rdb   *redis.Client
	tiers map[string]config.RateLimitTier
}

// New builds a Limiter from the configured tier table.
func New(rdb *redis.Client, cfg config.RateLimit) *Limiter {
	tiers := make(map[string]config.RateLimitTier, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tiers[t.Name] = t
	}
	return &Limiter{rdb: rdb, tiers: tiers}
}

// Limit is one named quota to check: e.g. "generic", "uploads", "llm".
type Limit struct {
	Name    string
	Max     int
	Window  time.Duration
}

// limitsForTier derives the endpoint-category limit set from a tier's
// generic per-minute quota: uploads are ~1/4 of generic, LLM calls ~1/2,
// plus a per-day ceiling at 1440x the per-minute rate.
func limitsForTier(t config.RateLimitTier) []Limit {
	perMinute := t.RequestsPerWindow
	return []Limit{
		{Name: "generic_per_minute", Max: perMinute, Window: time.Minute},
		{Name: "generic_per_day", Max: perMinute * 1440, Window: 24 * time.Hour},
		{Name: "uploads_per_minute", Max: maxInt(perMinute/4, 1), Window: time.Minute},
		{Name: "llm_per_minute", Max: maxInt(perMinute/2, 1), Window: time.Minute},
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Category names an endpoint class used to pick which limit set applies.
type Category string

const (
	CategoryGeneric Category = "generic"
	CategoryUpload  Category = "uploads"
	CategoryLLM     Category = "llm"
)

// Check evaluates all limits applicable to identity's tier for the given
// endpoint category, applying the most restrictive result. identity is the
// authenticated user id, or the client IP for anonymous callers.
func (l *Limiter) Check(ctx context.Context, identity, tier string, category Category) (Decision, error) {
	t, ok := l.tiers[tier]
	if !ok {
		t = config.RateLimitTier{Name: tier, RequestsPerWindow: 60, Window: time.Minute}
	}

	var applicable []Limit
	for _, lim := range limitsForTier(t) {
		switch category {
		case CategoryUpload:
			if lim.Name == "uploads_per_minute" || lim.Name == "generic_per_day" {
				applicable = append(applicable, lim)
			}
		case CategoryLLM:
			if lim.Name == "llm_per_minute" || lim.Name == "generic_per_day" {
				applicable = append(applicable, lim)
			}
		default:
			if lim.Name == "generic_per_minute" || lim.Name == "generic_per_day" {
				applicable = append(applicable, lim)
			}
		}
	}

	var worst Decision
	worst.Allowed = true
	for _, lim := range applicable {
		d, err := l.consume(ctx, identity, lim)
		if err != nil {
			obs.RateLimitDenied.WithLabelValues(tier, lim.Name)
			return Decision{Allowed: true, FailOpen: true}, nil
		}
		if !d.Allowed {
			obs.RateLimitDenied.WithLabelValues(tier, lim.Name).Inc()
			return d, nil
		}
		if worst.Allowed && (worst.Limit == 0 || d.Current > worst.Current) {
			worst = d
		}
	}
	return worst, nil
}

func (l *Limiter) consume(ctx context.Context, identity string, lim Limit) (Decision, error) {
	key := fmt.Sprintf("rate_limit:%s:%s:%d", identity, lim.Name, int(lim.Window.Seconds()))
	now := time.Now()
	nowMs := now.UnixMilli()
	windowMs := lim.Window.Milliseconds()
	ttl := int(lim.Window.Seconds()) + 60

	res, err := slidingWindowScript.Run(ctx, l.rdb, []string{key}, nowMs, windowMs, lim.Max, ttl).Slice()
	if err != nil {
		return Decision{}, err
	}
	allowed := res[0].(int64) == 1
	current := int(res[1].(int64))
	oldestMs := res[2].(int64)

	d := Decision{Allowed: allowed, Current: current, Limit: lim.Max, Window: lim.Window}
	if !allowed {
		oldest := time.UnixMilli(oldestMs)
		retryAfter := lim.Window - now.Sub(oldest) + time.Second
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		if retryAfter > lim.Window {
			retryAfter = lim.Window
		}
		d.RetryAfter = retryAfter
	}
	return d, nil
}

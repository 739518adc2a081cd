// Package breaker wraps sony/gobreaker into a per-provider registry with
// consecutive-failure/success thresholds, a background health probe, and a
// bounded ring buffer of recent failure reasons for observability.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/obs"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// State mirrors gobreaker's three states under names matching the spec.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// ErrOpen is returned by Call when the breaker is open.
var ErrOpen = gobreaker.ErrOpenState

const ringSize = 25

// Breaker gates calls to a single provider.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger

	mu           sync.Mutex
	recentFailures []string
}

// HealthCheckFunc probes the dependency directly, independent of Call.
type HealthCheckFunc func(ctx context.Context) error

// New builds a Breaker named name using cfg's thresholds.
func New(name string, cfg config.CircuitBreaker, log *zap.Logger) *Breaker {
	b := &Breaker{name: name, log: log}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxHalfOpenRequests,
		Interval:    0, // counts never reset while closed; only consecutive failures matter
		Timeout:     cfg.CooldownPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			obs.CircuitBreakerState.WithLabelValues(name).Set(float64(fromGobreaker(to)))
			if to == gobreaker.StateOpen {
				obs.CircuitBreakerTrips.WithLabelValues(name).Inc()
			}
			if log != nil {
				log.Info("circuit breaker state change",
					zap.String("provider", name), zap.String("from", from.String()), zap.String("to", to.String()))
			}
		},
	}
	// success_threshold from the spec governs how many consecutive
	// half-open successes are needed to close; gobreaker's MaxRequests
	// already bounds half-open concurrency, so success-count-to-close is
	// enforced by requiring MaxRequests successes in a row, i.e. we size
	// MaxRequests from cfg.SuccessThreshold when it is the larger value.
	if cfg.SuccessThreshold > settings.MaxRequests {
		settings.MaxRequests = cfg.SuccessThreshold
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Call executes fn inside the breaker, rejecting immediately with ErrOpen
// if the breaker is open.
func (b *Breaker) Call(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.recordFailureReason(err.Error())
	}
	return err
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Allow reports whether a new call would currently be accepted, without
// consuming a half-open probe slot; used by callers that want to skip
// dispatch entirely rather than let Call reject it.
func (b *Breaker) Allow() bool {
	return b.cb.State() != gobreaker.StateOpen
}

func (b *Breaker) recordFailureReason(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recentFailures = append(b.recentFailures, reason)
	if len(b.recentFailures) > ringSize {
		b.recentFailures = b.recentFailures[len(b.recentFailures)-ringSize:]
	}
}

// RecentFailures returns a copy of the ring buffer of recent failure reasons.
func (b *Breaker) RecentFailures() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.recentFailures))
	copy(out, b.recentFailures)
	return out
}

// Counts exposes gobreaker's raw counters for stats endpoints.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Registry holds one Breaker per provider and runs their background
// health probes.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      config.CircuitBreaker
	log      *zap.Logger
}

// NewRegistry builds an empty per-provider breaker registry.
func NewRegistry(cfg config.CircuitBreaker, log *zap.Logger) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg, log: log}
}

// Get returns (creating if needed) the Breaker for name.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.cfg, r.log)
	r.breakers[name] = b
	return b
}

// RunHealthProbes starts a background goroutine per registered provider
// that, every health_check_interval, invokes the provider's health-check
// function with a bounded timeout. A healthy probe while a breaker is open
// drives it toward half-open by issuing a synthetic successful Call.
func (r *Registry) RunHealthProbes(ctx context.Context, probes map[string]HealthCheckFunc) {
	for name, probe := range probes {
		go r.runOneProbe(ctx, name, probe)
	}
}

func (r *Registry) runOneProbe(ctx context.Context, name string, probe HealthCheckFunc) {
	interval := r.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b := r.Get(name)
			if b.State() != Open {
				continue
			}
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := probe(probeCtx)
			cancel()
			if err == nil {
				_ = b.Call(func() error { return nil })
			}
		}
	}
}

package obs

import (
	"fmt"
	"net/http"

	"github.com/binlens/binlens/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs submitted",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of failed jobs",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of cancelled jobs",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of end-to-end job processing durations",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	ProviderCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_calls_total",
		Help: "Total LLM provider calls by outcome",
	}, []string{"provider", "outcome"})
	ProviderCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_call_duration_seconds",
		Help:    "Histogram of LLM provider call durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"provider"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a provider's circuit breaker transitioned to Open",
	}, []string{"provider"})
	RateLimitDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_denied_total",
		Help: "Total number of requests denied by the rate limiter",
	}, []string{"tier", "limit"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of the ready queue by priority",
	}, []string{"priority"})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of jobs recovered by the reaper from orphaned processing ownership",
	})
	CostEstimateUSD = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cost_estimate_usd_total",
		Help: "Running sum of estimated provider cost in USD",
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsCompleted, JobsFailed, JobsCancelled, JobProcessingDuration,
		ProviderCalls, ProviderCallDuration, CircuitBreakerState, CircuitBreakerTrips,
		RateLimitDenied, QueueLength, ReaperRecovered, CostEstimateUSD,
	)
}

// StartMetricsServer exposes /metrics and returns the server for controlled shutdown.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

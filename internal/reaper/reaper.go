// Package reaper periodically recovers jobs stuck in processing because
// the worker that claimed them died mid-run: a processing job whose
// started_at is older than staleAfter is requeued. It does not sweep
// terminal jobs; their expiry comes from the TTL set by job.Store.SetTerminalTTL.
package reaper

import (
	"context"
	"time"

	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/job"
	"github.com/binlens/binlens/internal/obs"
	"go.uber.org/zap"
)

// staleAfter is how long a job may sit in processing before the reaper
// assumes its worker died and requeues it.
const staleAfter = 10 * time.Minute

// Reaper sweeps for orphaned processing-status jobs.
type Reaper struct {
	cfg   *config.Config
	store *job.Store
	log   *zap.Logger
}

// New builds a Reaper over store.
func New(cfg *config.Config, store *job.Store, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, store: store, log: log}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	stale, err := r.store.ScanStaleProcessing(ctx, staleAfter)
	if err != nil {
		r.log.Warn("reaper scan error", zap.Error(err))
		return
	}
	for _, s := range stale {
		ok, err := r.store.Requeue(ctx, s.ID, s.Priority)
		if err != nil {
			r.log.Error("reaper requeue failed", zap.String("job_id", s.ID), zap.Error(err))
			continue
		}
		if ok {
			obs.ReaperRecovered.Inc()
			r.log.Warn("requeued orphaned job",
				zap.String("job_id", s.ID),
				zap.Time("claimed_at", s.StartedAt),
				zap.Duration("age", time.Since(s.StartedAt)))
		}
	}
}

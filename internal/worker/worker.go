// Package worker runs the decompile-then-translate job pipeline: a pool of
// goroutines dequeues by priority, claims ownership via an atomic status
// transition, and drives each job through decompilation and translation to
// a terminal state.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/decompiler"
	"github.com/binlens/binlens/internal/job"
	"github.com/binlens/binlens/internal/obs"
	"github.com/binlens/binlens/internal/orchestrator"
	"go.uber.org/zap"
)

// Worker runs a pool of job-processing goroutines.
type Worker struct {
	cfg    *config.Config
	store  *job.Store
	orch   *orchestrator.Orchestrator
	log    *zap.Logger
	baseID string
}

// New builds a Worker over store (job persistence) and orch (translation
// fan-out); orch may be nil only in tests that exercise the decompile stage
// alone.
func New(cfg *config.Config, store *job.Store, orch *orchestrator.Orchestrator, log *zap.Logger) *Worker {
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Worker{cfg: cfg, store: store, orch: orch, log: log, baseID: base}
}

// Run starts cfg.Worker.Count goroutines and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.Count; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", w.baseID, i)
		go func(workerID string) {
			defer wg.Done()
			w.runLoop(ctx, workerID)
		}(id)
	}
	wg.Wait()
	return nil
}

func (w *Worker) runLoop(ctx context.Context, workerID string) {
	log := w.log.With(zap.String("worker_id", workerID))
	for ctx.Err() == nil {
		id, err := w.store.Dequeue(ctx, w.cfg.Worker.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue error", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if id == "" {
			continue
		}
		w.claimAndProcess(ctx, workerID, id)
	}
}

// claimAndProcess implements section 4.1's per-job algorithm: claim via
// atomic CAS (dropping silently if another worker already claimed it),
// bound the job to a deadline clamped by the global max timeout, run the
// decompile stage (fatal on failure), run the translation stage
// (per-item-non-fatal), and persist the terminal outcome.
func (w *Worker) claimAndProcess(ctx context.Context, workerID, id string) {
	claimed, err := w.store.CompareAndSwapStatus(ctx, id, job.StatusProcessing, job.StatusPending)
	if err != nil {
		w.log.Error("claim failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	if !claimed {
		return // another worker already took it
	}

	j, err := w.store.Get(ctx, id)
	if err != nil {
		w.log.Error("load claimed job failed", zap.String("job_id", id), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	j.StartedAt = &now
	_ = w.store.SetField(ctx, id, "started_at", now.Format(time.RFC3339Nano))

	timeout := time.Duration(j.TimeoutSeconds) * time.Second
	if timeout <= 0 || timeout > w.cfg.Worker.MaxTimeout {
		timeout = w.cfg.Worker.MaxTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	w.process(jobCtx, j)
	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
}

func (w *Worker) process(ctx context.Context, j *job.Job) {
	log := w.log.With(zap.String("job_id", j.ID))

	w.progress(ctx, j.ID, 10)

	artifact, warnings, err := decompiler.Analyze(ctx, w.cfg.Decompiler, j.TempBlobPath, j.Depth, w.cfg.Decompiler.MaxFunctions)
	for _, warn := range warnings {
		_ = w.store.AppendWarning(ctx, j, warn)
	}
	if err != nil {
		log.Warn("decompile stage failed", zap.Error(err))
		w.fail(ctx, j, fmt.Sprintf("decompile_failed: %v", err))
		return
	}

	w.progress(ctx, j.ID, 60)

	var result *job.TranslationResult
	if w.orch != nil {
		var translateWarnings []string
		result, translateWarnings, err = w.orch.Translate(ctx, *j, artifact)
		for _, warn := range translateWarnings {
			_ = w.store.AppendWarning(ctx, j, warn)
		}
		if err != nil {
			log.Warn("translation stage failed", zap.Error(err))
			w.fail(ctx, j, fmt.Sprintf("translate_failed: %v", err))
			return
		}
	} else {
		result = &job.TranslationResult{}
	}

	if err := w.store.SaveResult(ctx, j.ID, result); err != nil {
		log.Error("save result failed", zap.Error(err))
		w.fail(ctx, j, fmt.Sprintf("save_result_failed: %v", err))
		return
	}

	w.complete(ctx, j)
}

func (w *Worker) progress(ctx context.Context, id string, pct int) {
	_ = w.store.SetField(ctx, id, "progress_percentage", pct)
}

func (w *Worker) complete(ctx context.Context, j *job.Job) {
	ok, err := w.store.CompareAndSwapStatus(ctx, j.ID, job.StatusCompleted, job.StatusProcessing)
	if err != nil || !ok {
		w.log.Error("complete transition failed", zap.String("job_id", j.ID), zap.Error(err))
		return
	}
	now := time.Now().UTC()
	_ = w.store.SetField(ctx, j.ID, "completed_at", now.Format(time.RFC3339Nano))
	w.progress(ctx, j.ID, 100)
	_ = w.store.SetTerminalTTL(ctx, j.ID)
	obs.JobsCompleted.Inc()
}

func (w *Worker) fail(ctx context.Context, j *job.Job, reason string) {
	_ = w.store.AppendError(ctx, j, reason)
	ok, err := w.store.CompareAndSwapStatus(ctx, j.ID, job.StatusFailed, job.StatusProcessing)
	if err != nil || !ok {
		w.log.Error("fail transition failed", zap.String("job_id", j.ID), zap.Error(err))
		return
	}
	now := time.Now().UTC()
	_ = w.store.SetField(ctx, j.ID, "completed_at", now.Format(time.RFC3339Nano))
	_ = w.store.SetTerminalTTL(ctx, j.ID)
	obs.JobsFailed.Inc()
}

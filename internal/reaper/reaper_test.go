package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/job"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReaper(t *testing.T) (*Reaper, *job.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := job.NewStore(rdb, 24*time.Hour)
	rep := New(&config.Config{}, store, zap.NewNop())
	return rep, store
}

func TestScanOnceRequeuesStaleProcessingJob(t *testing.T) {
	rep, store := newTestReaper(t)
	ctx := context.Background()

	j := &job.Job{ID: job.NewID(), Priority: job.PriorityLow}
	require.NoError(t, store.Create(ctx, j))
	claimed, err := store.CompareAndSwapStatus(ctx, j.ID, job.StatusProcessing, job.StatusPending)
	require.NoError(t, err)
	require.True(t, claimed)

	stale := time.Now().Add(-staleAfter - time.Minute)
	require.NoError(t, store.SetField(ctx, j.ID, "started_at", stale.Format(time.RFC3339Nano)))

	rep.scanOnce(ctx)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusPending, got.Status)
}

func TestScanOnceIgnoresRecentProcessingJob(t *testing.T) {
	rep, store := newTestReaper(t)
	ctx := context.Background()

	j := &job.Job{ID: job.NewID(), Priority: job.PriorityLow}
	require.NoError(t, store.Create(ctx, j))
	claimed, err := store.CompareAndSwapStatus(ctx, j.ID, job.StatusProcessing, job.StatusPending)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, store.SetField(ctx, j.ID, "started_at", time.Now().Format(time.RFC3339Nano)))

	rep.scanOnce(ctx)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, got.Status)
}

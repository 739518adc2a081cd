package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/job"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fakeDisassembler(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-decompiler.sh")
	script := `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    '?V') echo '{"version":"1.0"}' ;;
    *) echo '[]' ;;
  esac
done
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestWorker(t *testing.T) (*Worker, *job.Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := job.NewStore(rdb, 24*time.Hour)

	cfg := &config.Config{}
	cfg.Worker.Count = 1
	cfg.Worker.PollTimeout = 200 * time.Millisecond
	cfg.Worker.MaxTimeout = 5 * time.Second
	cfg.Decompiler.BinaryPath = fakeDisassembler(t)
	cfg.Decompiler.WorkDir = t.TempDir()

	w := New(cfg, store, nil, zap.NewNop())
	return w, store, rdb
}

func TestClaimAndProcessCompletesJob(t *testing.T) {
	w, store, _ := newTestWorker(t)

	target := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(target, []byte("MZfakepe"), 0o644))

	j := &job.Job{
		ID: job.NewID(), Submitter: "tester", Priority: job.PriorityNormal,
		Depth: job.DepthBasic, TimeoutSeconds: 5, TempBlobPath: target,
	}
	require.NoError(t, store.Create(context.Background(), j))

	w.claimAndProcess(context.Background(), "w-0", j.ID)

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Equal(t, 100, got.ProgressPercentage)
}

func TestClaimAndProcessSkipsAlreadyClaimedJob(t *testing.T) {
	w, store, _ := newTestWorker(t)

	j := &job.Job{ID: job.NewID(), Priority: job.PriorityNormal, Depth: job.DepthBasic, TimeoutSeconds: 5}
	require.NoError(t, store.Create(context.Background(), j))

	claimed, err := store.CompareAndSwapStatus(context.Background(), j.ID, job.StatusProcessing, job.StatusPending)
	require.NoError(t, err)
	require.True(t, claimed)

	w.claimAndProcess(context.Background(), "w-0", j.ID)

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, got.Status)
}

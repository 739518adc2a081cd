package job

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(rdb, 24*time.Hour), mr
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	j := &Job{ID: NewID(), Submitter: "alice", Priority: PriorityHigh, Depth: DepthStandard}
	require.NoError(t, store.Create(ctx, j))

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, "alice", got.Submitter)
}

func TestGetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "dec_nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDequeueHonorsPriority(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	low := &Job{ID: NewID(), Priority: PriorityLow}
	high := &Job{ID: NewID(), Priority: PriorityHigh}
	require.NoError(t, store.Create(ctx, low))
	require.NoError(t, store.Create(ctx, high))

	id, err := store.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, high.ID, id)

	id, err = store.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, low.ID, id)
}

func TestCompareAndSwapStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	j := &Job{ID: NewID(), Priority: PriorityNormal}
	require.NoError(t, store.Create(ctx, j))

	ok, err := store.CompareAndSwapStatus(ctx, j.ID, StatusProcessing, StatusPending)
	require.NoError(t, err)
	require.True(t, ok)

	// A concurrent cancel attempt now loses the race: status is no longer pending.
	ok, err = store.CompareAndSwapStatus(ctx, j.ID, StatusCancelled, StatusPending)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, got.Status)
}

func TestSaveAndGetResult(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	tr := &TranslationResult{OverallSummary: "does a thing"}
	require.NoError(t, store.SaveResult(ctx, "dec_abc", tr))

	got, err := store.GetResult(ctx, "dec_abc")
	require.NoError(t, err)
	require.Equal(t, "does a thing", got.OverallSummary)
}

package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfabric/fabric/core"
)

func storedExecution(id string, startedAt time.Time) *Execution {
	return &Execution{
		ID:        id,
		PlanName:  "p",
		Status:    core.StatusInProgress,
		Steps:     map[string]*StepRecord{"only": {State: StepRunning}},
		StartedAt: startedAt,
	}
}

func TestInMemoryStoreRoundTrip(t *testing.T) {
	store := NewInMemoryExecutionStore()
	ctx := context.Background()

	exec := storedExecution("01A", time.Now())
	require.NoError(t, store.Save(ctx, exec))

	// Later mutation of the original must not leak into the stored copy.
	exec.Status = core.StatusCompleted

	got, err := store.Get(ctx, "01A")
	require.NoError(t, err)
	assert.Equal(t, core.StatusInProgress, got.Status)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, store.Delete(ctx, "01A"))
	_, err = store.Get(ctx, "01A")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestInMemoryStoreListNewestFirst(t *testing.T) {
	store := NewInMemoryExecutionStore()
	ctx := context.Background()
	now := time.Now()

	// Execution ids are ULIDs, so lexicographic order is creation order.
	for _, id := range []string{"01A", "01B", "01C"} {
		require.NoError(t, store.Save(ctx, storedExecution(id, now)))
	}

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "01C", all[0].ID)

	limited, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, []string{"01C", "01B"}, []string{limited[0].ID, limited[1].ID})
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisExecutionStore("redis://" + mr.Addr())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"01A", "01B", "01C"} {
		require.NoError(t, store.Save(ctx, storedExecution(id, base.Add(time.Duration(i)*time.Second))))
	}

	got, err := store.Get(ctx, "01B")
	require.NoError(t, err)
	assert.Equal(t, "p", got.PlanName)

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "01C", all[0].ID, "newest first")

	require.NoError(t, store.Delete(ctx, "01B"))
	_, err = store.Get(ctx, "01B")
	assert.ErrorIs(t, err, core.ErrNotFound)

	all, err = store.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRedisStoreUpdatesInPlace(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisExecutionStore("redis://" + mr.Addr())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	exec := storedExecution("01A", time.Now())
	require.NoError(t, store.Save(ctx, exec))

	exec.Status = core.StatusCompleted
	require.NoError(t, store.Save(ctx, exec))

	got, err := store.Get(ctx, "01A")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1, "re-saving must not duplicate the index entry")
}

func TestRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisExecutionStore("not a url")
	assert.Error(t, err)
}

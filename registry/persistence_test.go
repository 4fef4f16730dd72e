package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfabric/fabric/core"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	doc := map[string]string{"hello": "world"}
	require.NoError(t, store.Save("echo", "1.0.0", doc))

	var got map[string]string
	require.NoError(t, store.Load("echo", "1.0.0", &got))
	assert.Equal(t, doc, got)

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"echo", "1.0.0"}}, keys)

	require.NoError(t, store.Delete("echo", "1.0.0"))
	require.NoError(t, store.Delete("echo", "1.0.0"), "deleting twice is fine")
	assert.ErrorIs(t, store.Load("echo", "1.0.0", &got), core.ErrNotFound)
}

func TestSaveAndLoadEntries(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	reg := New()
	ctx := context.Background()
	for _, v := range []string{"1.0.0", "2.0.0"} {
		_, err := reg.Register(ctx, echoResolver("echo", v, nil))
		require.NoError(t, err)
	}
	require.NoError(t, reg.MarkDegraded("echo", "1.0.0", true))
	require.NoError(t, reg.RecordExecution("echo", "2.0.0", true, 50*time.Millisecond))

	require.NoError(t, SaveEntries(store, reg.List()))

	restored := New()
	loaded, skipped, err := LoadEntries(ctx, store, restored, func(meta core.ResolverMetadata) (core.Resolver, error) {
		return echoResolver(meta.Name, meta.Version, nil), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)
	assert.Zero(t, skipped)

	latest, err := restored.Latest("echo")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", latest.Metadata.Version)
	assert.Equal(t, int64(1), latest.Stats.Runs)

	degraded, err := restored.Get("echo", "1.0.0")
	require.NoError(t, err)
	assert.True(t, degraded.Degraded)
}

func TestLoadEntriesSkipsUnbindable(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	reg := New()
	ctx := context.Background()
	_, err = reg.Register(ctx, echoResolver("echo", "1.0.0", nil))
	require.NoError(t, err)
	_, err = reg.Register(ctx, echoResolver("gone", "1.0.0", nil))
	require.NoError(t, err)
	require.NoError(t, SaveEntries(store, reg.List()))

	restored := New()
	loaded, skipped, err := LoadEntries(ctx, store, restored, func(meta core.ResolverMetadata) (core.Resolver, error) {
		if meta.Name == "gone" {
			return nil, core.ErrNotFound
		}
		return echoResolver(meta.Name, meta.Version, nil), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, 1, skipped)

	_, err = restored.Get("gone", "1.0.0")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

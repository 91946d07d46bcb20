package universe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSnapshot(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestReloaderReloadKeepsPreviousOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "universe.yaml")
	writeSnapshot(t, path, "version: v1\nmetrics:\n  mrr: 48000\n")
	snap, err := Load(path)
	require.NoError(t, err)
	store := NewStore(snap)

	r, err := NewReloader(store, path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.watcher.Close() })

	writeSnapshot(t, path, "version: v2\nmetrics:\n  mrr: 50000\n")
	require.NoError(t, r.Reload())
	assert.Equal(t, "v2", store.Current().Version)

	writeSnapshot(t, path, "metrics: [")
	assert.Error(t, r.Reload())
	assert.Equal(t, "v2", store.Current().Version, "a broken file must not replace the snapshot")
	assert.Equal(t, 1, r.Reloads())
}

func TestReloaderRunPicksUpWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "universe.yaml")
	writeSnapshot(t, path, "version: v1\nmetrics:\n  mrr: 48000\n")
	snap, err := Load(path)
	require.NoError(t, err)
	store := NewStore(snap)

	r, err := NewReloader(store, path, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Unrelated files in the directory are ignored.
	writeSnapshot(t, filepath.Join(dir, "other.yaml"), "version: nope\n")
	writeSnapshot(t, path, "version: v2\nmetrics:\n  mrr: 52000\n")

	require.Eventually(t, func() bool { return store.Current().Version == "v2" }, 3*time.Second, 20*time.Millisecond)
	v, ok := store.Current().Metric("mrr")
	require.True(t, ok)
	assert.Equal(t, 52000.0, v)
}

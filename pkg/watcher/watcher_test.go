package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWatchRecursive(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	var changes atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, func() { changes.Add(1) }, nil, zaptest.NewLogger(t))
	}()

	// Give the watcher time to register the root.
	time.Sleep(100 * time.Millisecond)

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	require.Eventually(t, func() bool { return changes.Load() > 0 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	before := changes.Load()
	require.NoError(t, os.WriteFile(filepath.Join(sub, "file.txt"), []byte("x"), 0644))
	require.Eventually(t, func() bool { return changes.Load() > before }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancellation")
	}
}

func TestWatchIgnoresPaths(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, ".drivestore")
	require.NoError(t, os.Mkdir(store, 0755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	go Watch(ctx, dir, func() { changes.Add(1) }, func(rel string) bool {
		return rel == ".drivestore" || filepath.Dir(rel) == ".drivestore"
	}, zaptest.NewLogger(t))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(store, "store.db"), []byte("x"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, changes.Load())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi"), 0644))
	require.Eventually(t, func() bool { return changes.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatchMissingDir(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope"), func() {}, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewFileWatcher_Defaults(t *testing.T) {
	f := writeTempConfig(t, "config.yaml", "log:\n  level: info\n")

	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)
	assert.Equal(t, []string{f}, w.Paths())
	assert.False(t, w.IsRunning())
	assert.Equal(t, time.Second, w.pollInterval)
	assert.Equal(t, 100*time.Millisecond, w.debounceDelay)
}

func TestNewFileWatcher_MissingFileIsWatchedForCreation(t *testing.T) {
	w, err := NewFileWatcher([]string{filepath.Join(t.TempDir(), "not-yet.yaml")})
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestFileWatcher_LifecycleAndDoubleStart(t *testing.T) {
	f := writeTempConfig(t, "config.yaml", "x: 1\n")
	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(ctx))

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())
}

func TestFileWatcher_DetectsWrite(t *testing.T) {
	f := writeTempConfig(t, "config.yaml", "log:\n  level: info\n")
	w, err := NewFileWatcher([]string{f},
		WithPollInterval(20*time.Millisecond),
		WithDebounceDelay(10*time.Millisecond),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var events []FileEvent
	w.OnChange(func(e FileEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	// Same-second rewrite: size change alone must be enough to detect it.
	require.NoError(t, os.WriteFile(f, []byte("log:\n  level: debug\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, f, events[0].Path)
	assert.Equal(t, FileOpWrite, events[0].Op)
}

func TestFileWatcher_DetectsCreateAndRemove(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "late.yaml")
	w, err := NewFileWatcher([]string{f},
		WithPollInterval(20*time.Millisecond),
		WithDebounceDelay(10*time.Millisecond),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	ops := make(map[FileOp]int)
	w.OnChange(func(e FileEvent) {
		mu.Lock()
		ops[e.Op]++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(f, []byte("x: 1\n"), 0o644))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ops[FileOpCreate] >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(f))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ops[FileOpRemove] >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileWatcher_AddRemovePath(t *testing.T) {
	f1 := writeTempConfig(t, "a.yaml", "a: 1\n")
	f2 := writeTempConfig(t, "b.yaml", "b: 2\n")

	w, err := NewFileWatcher([]string{f1})
	require.NoError(t, err)

	require.NoError(t, w.AddPath(f2))
	assert.Len(t, w.Paths(), 2)

	// Duplicate add is a no-op.
	require.NoError(t, w.AddPath(f2))
	assert.Len(t, w.Paths(), 2)

	require.NoError(t, w.RemovePath(f2))
	assert.Len(t, w.Paths(), 1)

	err = w.RemovePath(f2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path not found")
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(99).String())
}

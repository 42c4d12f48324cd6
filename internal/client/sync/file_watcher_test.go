package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestWatcher(t *testing.T) (*FileWatcher, string) {
	t.Helper()

	// macOS tmpdirs are symlinks into /private; notify reports resolved paths.
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	fw := NewFileWatcher(dir)
	require.NoError(t, fw.Start(t.Context()))
	t.Cleanup(fw.Stop)
	return fw, dir
}

func TestFileWatcher_WriteProducesEvent(t *testing.T) {
	fw, dir := startTestWatcher(t)

	testFile := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("hello"), 0o644))

	select {
	case event := <-fw.Events():
		assert.Equal(t, testFile, event.Path())
	case <-time.After(2 * time.Second):
		assert.FailNow(t, "timeout waiting for file event")
	}
}

func TestFileWatcher_DebounceCollapsesBurst(t *testing.T) {
	fw, dir := startTestWatcher(t)
	fw.SetDebounceTimeout(150 * time.Millisecond)

	testFile := filepath.Join(dir, "burst.txt")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(testFile, []byte{byte(i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	var count int
	deadline := time.After(time.Second)
collect:
	for {
		select {
		case <-fw.Events():
			count++
		case <-deadline:
			break collect
		}
	}
	assert.Equal(t, 1, count, "a write burst should collapse to a single event")
}

func TestFileWatcher_IgnoreOnce(t *testing.T) {
	fw, dir := startTestWatcher(t)

	testFile := filepath.Join(dir, "own-write.txt")
	fw.IgnoreOnce(testFile)
	require.NoError(t, os.WriteFile(testFile, []byte("engine wrote this"), 0o644))

	select {
	case event := <-fw.Events():
		assert.FailNow(t, "expected no event", "got %s", event.Path())
	case <-time.After(500 * time.Millisecond):
	}

	// The ignore entry is consumed, the next write comes through.
	require.NoError(t, os.WriteFile(testFile, []byte("user wrote this"), 0o644))
	select {
	case event := <-fw.Events():
		assert.Equal(t, testFile, event.Path())
	case <-time.After(2 * time.Second):
		assert.FailNow(t, "timeout waiting for event after ignore was consumed")
	}
}

func TestFileWatcher_IgnoreTimeoutExpires(t *testing.T) {
	fw, dir := startTestWatcher(t)
	fw.SetDebounceTimeout(5 * time.Millisecond)

	testFile := filepath.Join(dir, "stale.txt")
	fw.IgnoreOnceWithTimeout(testFile, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// The entry expired before the event arrived, so it passes through.
	require.NoError(t, os.WriteFile(testFile, []byte("x"), 0o644))
	select {
	case event := <-fw.Events():
		assert.Equal(t, testFile, event.Path())
	case <-time.After(2 * time.Second):
		assert.FailNow(t, "timeout waiting for event with expired ignore")
	}
}

func TestFileWatcher_CleanupRemovesExpiredIgnores(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	fw := NewFileWatcher(dir)
	fw.cleanupInterval = 20 * time.Millisecond
	require.NoError(t, fw.Start(t.Context()))
	defer fw.Stop()

	fw.IgnoreOnceWithTimeout(filepath.Join(dir, "short.txt"), 10*time.Millisecond)
	fw.IgnoreOnceWithTimeout(filepath.Join(dir, "long.txt"), time.Hour)

	assert.Eventually(t, func() bool {
		fw.ignoreMu.RLock()
		defer fw.ignoreMu.RUnlock()
		_, short := fw.ignore[filepath.Join(dir, "short.txt")]
		_, long := fw.ignore[filepath.Join(dir, "long.txt")]
		return !short && long
	}, time.Second, 10*time.Millisecond)
}

func TestFileWatcher_FilterPaths(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	fw := NewFileWatcher(dir)
	fw.FilterPaths(func(path string) bool {
		return filepath.Ext(path) == ".tmp"
	})
	require.NoError(t, fw.Start(t.Context()))
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0o644))

	var paths []string
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case event := <-fw.Events():
			paths = append(paths, filepath.Base(event.Path()))
			if len(paths) >= 1 {
				// allow a grace period for a stray filtered event
				select {
				case extra := <-fw.Events():
					paths = append(paths, filepath.Base(extra.Path()))
				case <-time.After(300 * time.Millisecond):
					break collect
				}
			}
		case <-deadline:
			break collect
		}
	}

	assert.Equal(t, []string{"keep.txt"}, paths)
}

func TestFileWatcher_StopClosesEvents(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	fw := NewFileWatcher(dir)
	require.NoError(t, fw.Start(t.Context()))

	done := make(chan struct{})
	go func() {
		fw.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		assert.FailNow(t, "Stop did not return")
	}

	_, ok := <-fw.Events()
	assert.False(t, ok, "events channel should be closed after Stop")
}

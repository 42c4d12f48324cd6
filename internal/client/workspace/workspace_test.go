package workspace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspace_SetupCreatesLayout(t *testing.T) {
	tmp := t.TempDir()
	ws, err := NewWorkspace(filepath.Join(tmp, "drive"))
	require.NoError(t, err)

	require.NoError(t, ws.Setup())
	defer ws.Unlock()

	assert.DirExists(t, ws.Root)
	assert.DirExists(t, ws.MetadataDir)
	assert.DirExists(t, ws.LogsDir)
	assert.Equal(t, filepath.Join(ws.MetadataDir, "journal.db"), ws.JournalPath())
}

func TestWorkspace_LockExcludesSecondProcess(t *testing.T) {
	tmp := t.TempDir()

	ws1, err := NewWorkspace(tmp)
	require.NoError(t, err)
	require.NoError(t, ws1.Lock())
	defer ws1.Unlock()

	ws2, err := NewWorkspace(tmp)
	require.NoError(t, err)
	err = ws2.Lock()
	assert.ErrorIs(t, err, ErrWorkspaceLocked)
}

func TestWorkspace_UnlockWithoutLockIsNoop(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, ws.Unlock())
}

func TestWorkspace_PathMapping(t *testing.T) {
	tmp := t.TempDir()
	ws, err := NewWorkspace(tmp)
	require.NoError(t, err)

	abs := ws.AbsPath("Documents/report.txt")
	assert.Equal(t, filepath.Join(ws.Root, "Documents", "report.txt"), abs)

	rel, err := ws.RelPath(abs)
	require.NoError(t, err)
	assert.Equal(t, "Documents/report.txt", rel)
}

func TestWorkspace_Contains(t *testing.T) {
	tmp := t.TempDir()
	ws, err := NewWorkspace(tmp)
	require.NoError(t, err)

	assert.True(t, ws.Contains(ws.AbsPath("Documents/report.txt")))
	assert.False(t, ws.Contains(filepath.Join(ws.MetadataDir, "journal.db")))
	assert.False(t, ws.Contains(filepath.Join(ws.Root, "..", "outside.txt")))
}

package sync

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *SyncJournal {
	t.Helper()
	journal := NewSyncJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, journal.Open())
	t.Cleanup(func() { _ = journal.Close() })
	return journal
}

func TestJournal_BaselineRoundtrip(t *testing.T) {
	journal := openTestJournal(t)

	meta := &FileMetadata{
		Path:         "docs/notes.txt",
		Size:         42,
		Hash:         "abc123",
		ETag:         `"etag-1"`,
		MimeType:     "text/plain",
		LastModified: time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC),
	}
	require.NoError(t, journal.SetBaseline(meta))

	got, err := journal.GetBaseline("docs/notes.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, meta.Path, got.Path)
	assert.Equal(t, meta.Size, got.Size)
	assert.Equal(t, meta.Hash, got.Hash)
	assert.Equal(t, meta.ETag, got.ETag)
	assert.True(t, meta.LastModified.Equal(got.LastModified))
}

func TestJournal_BaselineUpsert(t *testing.T) {
	journal := openTestJournal(t)

	meta := &FileMetadata{Path: "a.txt", Hash: "h1", LastModified: time.Now()}
	require.NoError(t, journal.SetBaseline(meta))
	meta.Hash = "h2"
	require.NoError(t, journal.SetBaseline(meta))

	got, err := journal.GetBaseline("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.Hash)

	count, err := journal.BaselineCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestJournal_BaselineMissingIsNil(t *testing.T) {
	journal := openTestJournal(t)

	got, err := journal.GetBaseline("nope.txt")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJournal_BaselineDelete(t *testing.T) {
	journal := openTestJournal(t)

	require.NoError(t, journal.SetBaseline(&FileMetadata{Path: "a.txt", LastModified: time.Now()}))
	require.NoError(t, journal.DeleteBaseline("a.txt"))

	got, err := journal.GetBaseline("a.txt")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJournal_BaselineState(t *testing.T) {
	journal := openTestJournal(t)

	now := time.Now()
	require.NoError(t, journal.SetBaseline(&FileMetadata{Path: "a.txt", LastModified: now}))
	require.NoError(t, journal.SetBaseline(&FileMetadata{Path: "dir", IsDir: true, LastModified: now}))
	require.NoError(t, journal.SetBaseline(&FileMetadata{Path: "dir/b.txt", LastModified: now}))

	state, err := journal.BaselineState()
	require.NoError(t, err)
	assert.Len(t, state, 3)
	assert.True(t, state["dir"].IsDir)
	assert.False(t, state["dir/b.txt"].IsDir)
}

func TestJournal_ItemRoundtrip(t *testing.T) {
	journal := openTestJournal(t)

	item := &SyncItem{
		ID:        NewLocalItemID(),
		Path:      "docs/notes.txt",
		Status:    StatusError("put failed"),
		Direction: DirectionUpload,
	}
	require.NoError(t, journal.SetItem(item))

	got, err := journal.GetItem("docs/notes.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, ItemError, got.Status.State)
	assert.Equal(t, "put failed", got.Status.Message)
	assert.Equal(t, DirectionUpload, got.Direction)

	require.NoError(t, journal.DeleteItem("docs/notes.txt"))
	got, err = journal.GetItem("docs/notes.txt")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJournal_SetItemKeepsStableID(t *testing.T) {
	journal := openTestJournal(t)

	require.NoError(t, journal.SetItem(&SyncItem{Path: "a.txt", Status: StatusPending()}))
	first, err := journal.GetItem("a.txt")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotEmpty(t, first.ID)

	// status churn never re-mints the identity
	require.NoError(t, journal.SetItem(&SyncItem{Path: "a.txt", Status: StatusSyncing(), Direction: DirectionUpload}))
	require.NoError(t, journal.SetItem(&SyncItem{Path: "a.txt", Status: StatusSynced(), Direction: DirectionUpload}))

	got, err := journal.GetItem("a.txt")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	// an explicit id still wins, e.g. when adopting a server-assigned one
	require.NoError(t, journal.SetItem(&SyncItem{ID: "srv-1", Path: "a.txt", Status: StatusSynced()}))
	got, err = journal.GetItem("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID)
}

func TestJournal_ConflictRoundtrip(t *testing.T) {
	journal := openTestJournal(t)

	detected := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	pc := &PendingConflict{
		Path: "docs/report.pdf",
		Info: ConflictInfo{Type: ConflictBothModified, DetectedAt: detected},
		Local: &FileMetadata{
			Path: "docs/report.pdf", Size: 11, Hash: "h1",
			LastModified: detected.Add(-time.Hour),
		},
		Remote: &FileMetadata{
			Path: "docs/report.pdf", Size: 12, ETag: "e1",
			LastModified: detected.Add(-2 * time.Hour),
		},
	}
	require.NoError(t, journal.SetConflict(pc))

	got, err := journal.GetConflict("docs/report.pdf")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ConflictBothModified, got.Info.Type)
	assert.True(t, detected.Equal(got.Info.DetectedAt))
	require.NotNil(t, got.Local)
	require.NotNil(t, got.Remote)
	assert.Equal(t, "h1", got.Local.Hash)
	assert.Equal(t, "e1", got.Remote.ETag)
}

func TestJournal_ConflictDeletedSidesAreNil(t *testing.T) {
	journal := openTestJournal(t)

	require.NoError(t, journal.SetConflict(&PendingConflict{
		Path:   "gone-local.txt",
		Info:   ConflictInfo{Type: ConflictDeletedLocally, DetectedAt: time.Now()},
		Remote: &FileMetadata{Path: "gone-local.txt", ETag: "e1", LastModified: time.Now()},
	}))
	require.NoError(t, journal.SetConflict(&PendingConflict{
		Path:  "gone-remote.txt",
		Info:  ConflictInfo{Type: ConflictDeletedRemotely, DetectedAt: time.Now()},
		Local: &FileMetadata{Path: "gone-remote.txt", Hash: "h1", LastModified: time.Now()},
	}))

	gotLocal, err := journal.GetConflict("gone-local.txt")
	require.NoError(t, err)
	assert.Nil(t, gotLocal.Local)
	assert.NotNil(t, gotLocal.Remote)

	gotRemote, err := journal.GetConflict("gone-remote.txt")
	require.NoError(t, err)
	assert.NotNil(t, gotRemote.Local)
	assert.Nil(t, gotRemote.Remote)
}

func TestJournal_ConflictsListAndClear(t *testing.T) {
	journal := openTestJournal(t)

	for _, path := range []string{"b.txt", "a.txt"} {
		require.NoError(t, journal.SetConflict(&PendingConflict{
			Path:   path,
			Info:   ConflictInfo{Type: ConflictBothModified, DetectedAt: time.Now()},
			Local:  &FileMetadata{Path: path, LastModified: time.Now()},
			Remote: &FileMetadata{Path: path, LastModified: time.Now()},
		}))
	}

	conflicts, err := journal.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	assert.Equal(t, "a.txt", conflicts[0].Path)
	assert.Equal(t, "b.txt", conflicts[1].Path)

	require.NoError(t, journal.DeleteConflict("a.txt"))
	conflicts, err = journal.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "b.txt", conflicts[0].Path)
}

func TestJournal_SkippedConflictBecomesTombstone(t *testing.T) {
	journal := openTestJournal(t)

	require.NoError(t, journal.SetConflict(&PendingConflict{
		Path:   "frozen.txt",
		Info:   ConflictInfo{Type: ConflictDeletedLocally, DetectedAt: time.Now()},
		Remote: &FileMetadata{Path: "frozen.txt", ETag: "e9", LastModified: time.Now()},
	}))

	count, err := journal.ConflictCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, journal.MarkConflictSkipped("frozen.txt"))

	// no longer pending, but the row persists with its frozen pair
	got, err := journal.GetConflict("frozen.txt")
	require.NoError(t, err)
	assert.Nil(t, got)
	count, err = journal.ConflictCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	skips, err := journal.SkippedConflicts()
	require.NoError(t, err)
	require.Len(t, skips, 1)
	assert.Equal(t, "frozen.txt", skips[0].Path)
	assert.Equal(t, SkipConflict, skips[0].Resolution)
	assert.Nil(t, skips[0].Local)
	require.NotNil(t, skips[0].Remote)
	assert.Equal(t, "e9", skips[0].Remote.ETag)

	// releasing the tombstone clears the row entirely
	require.NoError(t, journal.DeleteConflict("frozen.txt"))
	skips, err = journal.SkippedConflicts()
	require.NoError(t, err)
	assert.Empty(t, skips)
}

func TestJournal_MarkConflictSkippedWithoutRowFails(t *testing.T) {
	journal := openTestJournal(t)
	assert.Error(t, journal.MarkConflictSkipped("missing.txt"))
}

func TestJournal_HistoryNewestFirst(t *testing.T) {
	journal := openTestJournal(t)

	require.NoError(t, journal.AppendHistory("a.txt", "Upload", true, nil))
	require.NoError(t, journal.AppendHistory("b.txt", "Download", false, errors.New("timeout")))
	require.NoError(t, journal.AppendHistory("c.txt", "DeleteRemote", true, nil))

	records, err := journal.History(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c.txt", records[0].Path)
	assert.Equal(t, "b.txt", records[1].Path)
	assert.False(t, records[1].Success)
	assert.Equal(t, "timeout", records[1].Error)
}

func TestJournal_OpenTwiceFails(t *testing.T) {
	journal := openTestJournal(t)
	assert.Error(t, journal.Open())
}

package sync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_SyncingThenSyncedDropsTracking(t *testing.T) {
	s := NewSyncStatus()

	s.SetSyncing("a.txt", DirectionUpload)
	status, ok := s.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, ItemSyncing, status.Status.State)
	assert.Equal(t, DirectionUpload, status.Direction)
	assert.True(t, s.IsBusy("a.txt"))

	s.SetSynced("a.txt")
	_, ok = s.Get("a.txt")
	assert.False(t, ok)
	assert.False(t, s.IsBusy("a.txt"))
}

func TestStatus_ErrorsAccumulate(t *testing.T) {
	s := NewSyncStatus()

	s.SetError("bad.txt", errors.New("first"))
	s.SetError("bad.txt", errors.New("second"))

	assert.Equal(t, 2, s.ErrorCount("bad.txt"))
	status, ok := s.Get("bad.txt")
	require.True(t, ok)
	assert.Equal(t, ItemError, status.Status.State)
	assert.Equal(t, "second", status.Status.Message)
	// an errored path is not busy; the next pass may retry it
	assert.False(t, s.IsBusy("bad.txt"))
}

func TestStatus_ConflictMarksBusyUntilCleared(t *testing.T) {
	s := NewSyncStatus()

	info := &ConflictInfo{Type: ConflictBothModified, DetectedAt: time.Now()}
	s.SetConflicted("c.txt", info)

	assert.True(t, s.IsBusy("c.txt"))
	assert.Equal(t, 1, s.CountState(ItemConflict))

	s.ClearConflict("c.txt")
	assert.False(t, s.IsBusy("c.txt"))
	status, ok := s.Get("c.txt")
	require.True(t, ok)
	assert.Equal(t, ItemPending, status.Status.State)
}

func TestStatus_ClearConflictIgnoresNonConflicts(t *testing.T) {
	s := NewSyncStatus()

	s.SetError("e.txt", errors.New("boom"))
	s.ClearConflict("e.txt")

	status, ok := s.Get("e.txt")
	require.True(t, ok)
	assert.Equal(t, ItemError, status.Status.State)
}

func TestStatus_SubscribersReceiveEvents(t *testing.T) {
	s := NewSyncStatus()
	ch := s.Subscribe()

	s.SetSyncing("a.txt", DirectionDownload)

	select {
	case ev := <-ch:
		assert.Equal(t, "a.txt", ev.Path)
		assert.Equal(t, ItemSyncing, ev.Status.Status.State)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	s.Unsubscribe(ch)
	// channel is closed after unsubscribe
	_, open := <-ch
	assert.False(t, open)
}

func TestStatus_SlowSubscriberNeverBlocks(t *testing.T) {
	s := NewSyncStatus()
	_ = s.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < statusEventBufferSize*3; i++ {
			s.SetPending("spam.txt")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
}

func TestStatus_AllReturnsCopies(t *testing.T) {
	s := NewSyncStatus()
	s.SetPending("a.txt")

	snapshot := s.All()
	require.Contains(t, snapshot, "a.txt")
	snapshot["a.txt"].Status = StatusSynced()

	status, ok := s.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, ItemPending, status.Status.State)
}

func TestStatus_PruneDropsPendingKeepsErrorsAndConflicts(t *testing.T) {
	s := NewSyncStatus()

	s.SetPending("parked.txt")
	s.SetError("bad.txt", errors.New("boom"))
	s.SetConflicted("c.txt", &ConflictInfo{Type: ConflictBothModified, DetectedAt: time.Now()})

	s.Prune()

	_, ok := s.Get("parked.txt")
	assert.False(t, ok, "pending entries are stale after a pass boundary")
	_, ok = s.Get("bad.txt")
	assert.True(t, ok)
	_, ok = s.Get("c.txt")
	assert.True(t, ok)
}

func TestStats_PassCounters(t *testing.T) {
	stats := &SyncStats{}

	stats.BeginPass(2, 1)
	stats.SetConflicts(1)
	stats.AddUploaded(100)
	stats.AddDownloaded(50)
	stats.AddError()
	stats.SetQuota(1000, 9000)
	stats.FinishPass(time.Now().Add(5 * time.Minute))

	snap := stats.Snapshot()
	assert.Equal(t, 1, snap.PendingUploads)
	assert.Equal(t, 0, snap.PendingDownloads)
	assert.Equal(t, 1, snap.Conflicts)
	assert.Equal(t, 1, snap.Errors)
	assert.Equal(t, int64(100), snap.BytesUploaded)
	assert.Equal(t, int64(50), snap.BytesDownloaded)
	assert.Equal(t, int64(1000), snap.QuotaUsed)
	assert.Equal(t, int64(9000), snap.QuotaAvailable)
	assert.False(t, snap.LastSync.IsZero())
	assert.True(t, snap.NextSync.After(snap.LastSync))
}

func TestStats_ConflictCountSurvivesPassBoundary(t *testing.T) {
	stats := &SyncStats{}

	stats.SetConflicts(3)
	stats.BeginPass(1, 0)

	assert.Equal(t, 3, stats.Snapshot().Conflicts, "parked conflicts outlive a pass")
}

package sync

import (
	"sync"
	"time"
)

const statusEventBufferSize = 16

// PathStatus is the live status of one path.
type PathStatus struct {
	Status      ItemStatus
	Direction   Direction
	ErrorCount  int
	LastUpdated time.Time
}

// StatusEvent broadcasts a path status change to subscribers.
type StatusEvent struct {
	Path   string
	Status *PathStatus
}

// SyncStatus tracks per-path states across passes and fans out change
// events. Clean completions drop out of tracking; errors and conflicts
// stay until their cause changes.
type SyncStatus struct {
	mu    sync.RWMutex
	files map[string]*PathStatus

	eventMu sync.RWMutex
	subs    []chan *StatusEvent
}

func NewSyncStatus() *SyncStatus {
	return &SyncStatus{
		files: make(map[string]*PathStatus),
	}
}

// Subscribe returns a channel receiving status events. Slow subscribers
// miss events rather than blocking the engine.
func (s *SyncStatus) Subscribe() <-chan *StatusEvent {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	ch := make(chan *StatusEvent, statusEventBufferSize)
	s.subs = append(s.subs, ch)
	return ch
}

func (s *SyncStatus) Unsubscribe(ch <-chan *StatusEvent) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	for i, sub := range s.subs {
		if sub == ch {
			close(sub)
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
}

func (s *SyncStatus) broadcast(path string, status *PathStatus) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()

	event := &StatusEvent{Path: path, Status: status}
	for _, sub := range s.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

func (s *SyncStatus) getOrCreate(path string) *PathStatus {
	if status, ok := s.files[path]; ok {
		return status
	}
	status := &PathStatus{
		Status:      StatusPending(),
		Direction:   DirectionNone,
		LastUpdated: time.Now(),
	}
	s.files[path] = status
	return status
}

func (s *SyncStatus) SetSyncing(path string, direction Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreate(path)
	status.Status = StatusSyncing()
	status.Direction = direction
	status.LastUpdated = time.Now()
	s.broadcast(path, status)
}

// SetSynced marks a path clean and removes it from tracking.
func (s *SyncStatus) SetSynced(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreate(path)
	status.Status = StatusSynced()
	status.ErrorCount = 0
	status.LastUpdated = time.Now()
	delete(s.files, path)
	s.broadcast(path, status)
}

// SetPending resets a path after an aborted transfer; a cancelled pass
// never leaves Syncing behind.
func (s *SyncStatus) SetPending(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreate(path)
	status.Status = StatusPending()
	status.LastUpdated = time.Now()
	s.broadcast(path, status)
}

func (s *SyncStatus) SetError(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreate(path)
	status.Status = StatusError(err.Error())
	status.ErrorCount++
	status.LastUpdated = time.Now()
	s.broadcast(path, status)
}

func (s *SyncStatus) SetConflicted(path string, info *ConflictInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreate(path)
	status.Status = StatusConflict(info)
	status.LastUpdated = time.Now()
	s.broadcast(path, status)
}

// Prune drops stale pending entries at the start of a pass. A cancelled
// pass parks its unfinished paths as pending; whatever still needs work is
// re-derived and re-tracked by the new pass. Errors and conflicts survive,
// their cause has not changed.
func (s *SyncStatus) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, status := range s.files {
		if status.Status.State == ItemPending {
			delete(s.files, path)
		}
	}
}

// ClearConflict returns a resolved path to pending.
func (s *SyncStatus) ClearConflict(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status, ok := s.files[path]; ok && status.Status.State == ItemConflict {
		status.Status = StatusPending()
		status.LastUpdated = time.Now()
		s.broadcast(path, status)
	}
}

// IsBusy reports whether a path must sit the current reconciliation out:
// either a transfer is in flight or a conflict is parked on it.
func (s *SyncStatus) IsBusy(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.files[path]
	if !ok {
		return false
	}
	return status.Status.State == ItemSyncing || status.Status.State == ItemConflict
}

func (s *SyncStatus) Get(path string) (*PathStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.files[path]
	return status, ok
}

func (s *SyncStatus) ErrorCount(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if status, ok := s.files[path]; ok {
		return status.ErrorCount
	}
	return 0
}

func (s *SyncStatus) CountState(state ItemState) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, status := range s.files {
		if status.Status.State == state {
			count++
		}
	}
	return count
}

// All returns a copy of every tracked status.
func (s *SyncStatus) All() map[string]*PathStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*PathStatus, len(s.files))
	for path, status := range s.files {
		cp := *status
		out[path] = &cp
	}
	return out
}

func (s *SyncStatus) Close() {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	for _, sub := range s.subs {
		close(sub)
	}
	s.subs = nil

	s.mu.Lock()
	s.files = make(map[string]*PathStatus)
	s.mu.Unlock()
}

// SyncStats aggregates process-wide counters for observers. It is never a
// correctness input; decisions come from the journal and snapshots only.
type SyncStats struct {
	mu sync.Mutex

	PendingUploads   int
	PendingDownloads int
	Conflicts        int
	Errors           int
	BytesUploaded    int64
	BytesDownloaded  int64
	LastSync         time.Time
	NextSync         time.Time
	QuotaUsed        int64
	QuotaAvailable   int64
}

// BeginPass resets the per-pass counters when action enumeration starts.
// Conflicts are not per-pass: parked ones persist across passes, so the
// count tracks the journal via SetConflicts instead.
func (s *SyncStats) BeginPass(uploads, downloads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PendingUploads = uploads
	s.PendingDownloads = downloads
	s.Errors = 0
}

// SetConflicts records the journal's pending-conflict count.
func (s *SyncStats) SetConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Conflicts = n
}

func (s *SyncStats) AddUploaded(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BytesUploaded += n
	if s.PendingUploads > 0 {
		s.PendingUploads--
	}
}

func (s *SyncStats) AddDownloaded(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BytesDownloaded += n
	if s.PendingDownloads > 0 {
		s.PendingDownloads--
	}
}

func (s *SyncStats) AddError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors++
}

func (s *SyncStats) FinishPass(next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastSync = time.Now()
	s.NextSync = next
}

func (s *SyncStats) SetQuota(used, available int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QuotaUsed = used
	s.QuotaAvailable = available
}

// Snapshot returns a copy safe to hand to observers.
func (s *SyncStats) Snapshot() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SyncStats{
		PendingUploads:   s.PendingUploads,
		PendingDownloads: s.PendingDownloads,
		Conflicts:        s.Conflicts,
		Errors:           s.Errors,
		BytesUploaded:    s.BytesUploaded,
		BytesDownloaded:  s.BytesDownloaded,
		LastSync:         s.LastSync,
		NextSync:         s.NextSync,
		QuotaUsed:        s.QuotaUsed,
		QuotaAvailable:   s.QuotaAvailable,
	}
}

package sync

import (
	"sort"
	"strings"
)

// BatchUploads collects operations pushing local content to the remote.
type BatchUploads map[string]*SyncOperation

// BatchDownloads collects operations pulling remote content to disk.
type BatchDownloads map[string]*SyncOperation

// BatchLocalDeletes collects local deletions mirroring remote ones.
type BatchLocalDeletes map[string]*SyncOperation

// BatchRemoteDeletes collects remote deletions mirroring local ones.
type BatchRemoteDeletes map[string]*SyncOperation

// BatchMkdirs collects directory creations on either side.
type BatchMkdirs map[string]*SyncOperation

// BatchConflicts collects items whose two sides diverged from baseline.
type BatchConflicts map[string]*SyncOperation

// BatchRebaselines collects convergent edits that need only a baseline
// update, no transfer.
type BatchRebaselines map[string]*FileMetadata

// ReconcileResult aggregates one reconciliation pass's decisions.
type ReconcileResult struct {
	Uploads       BatchUploads
	Downloads     BatchDownloads
	LocalDeletes  BatchLocalDeletes
	RemoteDeletes BatchRemoteDeletes
	LocalMkdirs   BatchMkdirs
	RemoteMkdirs  BatchMkdirs
	Conflicts     BatchConflicts
	Rebaselines   BatchRebaselines
	Unchanged     map[string]struct{}
	Cleanups      map[string]struct{}
	Ignored       map[string]struct{}
}

func NewReconcileResult() *ReconcileResult {
	return &ReconcileResult{
		Uploads:       make(BatchUploads),
		Downloads:     make(BatchDownloads),
		LocalDeletes:  make(BatchLocalDeletes),
		RemoteDeletes: make(BatchRemoteDeletes),
		LocalMkdirs:   make(BatchMkdirs),
		RemoteMkdirs:  make(BatchMkdirs),
		Conflicts:     make(BatchConflicts),
		Rebaselines:   make(BatchRebaselines),
		Unchanged:     make(map[string]struct{}),
		Cleanups:      make(map[string]struct{}),
		Ignored:       make(map[string]struct{}),
	}
}

// HasChanges reports whether the pass produced any work beyond bookkeeping.
func (r *ReconcileResult) HasChanges() bool {
	return len(r.Uploads) > 0 ||
		len(r.Downloads) > 0 ||
		len(r.LocalDeletes) > 0 ||
		len(r.RemoteDeletes) > 0 ||
		len(r.LocalMkdirs) > 0 ||
		len(r.RemoteMkdirs) > 0 ||
		len(r.Conflicts) > 0 ||
		len(r.Rebaselines) > 0 ||
		len(r.Cleanups) > 0
}

// Actions returns the executable operations in dependency order: directory
// creations shallow-first, then transfers, then deletions deepest-first so a
// child is gone before its parent. Conflicts are excluded; the resolver owns
// those.
func (r *ReconcileResult) Actions() []*SyncOperation {
	ordered := make([]*SyncOperation, 0,
		len(r.LocalMkdirs)+len(r.RemoteMkdirs)+len(r.Uploads)+len(r.Downloads)+
			len(r.LocalDeletes)+len(r.RemoteDeletes))

	for _, batch := range []map[string]*SyncOperation{r.LocalMkdirs, r.RemoteMkdirs, r.Uploads, r.Downloads, r.LocalDeletes, r.RemoteDeletes} {
		for _, op := range batch {
			ordered = append(ordered, op)
		}
	}
	sortOperations(ordered)
	return ordered
}

// opPriority ranks an operation for the scheduler queue; lower runs first.
// Mkdirs run shallow-first ahead of everything, transfers next, deletions
// last and deepest-first.
func opPriority(op *SyncOperation) int {
	depth := pathDepth(op.RelPath)
	switch op.Op {
	case OpMkdirLocal, OpMkdirRemote:
		return depth
	case OpUpload, OpDownload, OpMove:
		return 1_000_000 + depth
	case OpDeleteLocal, OpDeleteRemote:
		return 3_000_000 - depth
	}
	return 2_000_000 + depth
}

func sortOperations(ops []*SyncOperation) {
	sort.Slice(ops, func(i, j int) bool {
		pi, pj := opPriority(ops[i]), opPriority(ops[j])
		if pi != pj {
			return pi < pj
		}
		// tie-break on path for deterministic output
		return ops[i].RelPath < ops[j].RelPath
	})
}

func pathDepth(path string) int {
	return strings.Count(strings.Trim(path, "/"), "/")
}

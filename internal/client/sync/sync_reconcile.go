package sync

import (
	"time"

	"github.com/cirrusdrive/cirrus/internal/client/config"
)

// PathFilter decides whether and how a path participates in sync.
type PathFilter interface {
	ShouldIgnore(path string) bool
	ModeFor(path string) (config.SyncMode, bool)
}

// BusyFunc reports paths that must sit a pass out (in-flight transfers,
// parked conflicts).
type BusyFunc func(path string) bool

// changeClass is one side's state relative to baseline.
type changeClass int

const (
	classAbsent changeClass = iota
	classUnchanged
	classCreated
	classModified
	classDeleted
)

func (c changeClass) changed() bool {
	return c == classCreated || c == classModified
}

// Reconciler turns a (local, remote, baseline) snapshot triple into a set of
// operations. It is a pure decision component: it never touches the disk,
// the network or the journal.
type Reconciler struct {
	filter PathFilter
	busy   BusyFunc
	now    func() time.Time
}

func NewReconciler(filter PathFilter, busy BusyFunc) *Reconciler {
	if busy == nil {
		busy = func(string) bool { return false }
	}
	return &Reconciler{
		filter: filter,
		busy:   busy,
		now:    time.Now,
	}
}

// Reconcile classifies every path in the union of the three snapshots.
// The inputs are borrowed immutably; rerunning on the same triple yields
// the same result.
func (r *Reconciler) Reconcile(local, remote, baseline map[string]*FileMetadata) *ReconcileResult {
	result := NewReconcileResult()

	allPaths := make(map[string]struct{}, len(local)+len(remote)+len(baseline))
	for path := range baseline {
		allPaths[path] = struct{}{}
	}
	for path := range local {
		allPaths[path] = struct{}{}
	}
	for path := range remote {
		allPaths[path] = struct{}{}
	}

	for path := range allPaths {
		lm := local[path]
		rm := remote[path]
		base := baseline[path]

		mode, selected := r.filter.ModeFor(path)
		if !selected || r.filter.ShouldIgnore(path) || r.busy(path) {
			result.Ignored[path] = struct{}{}
			continue
		}

		r.classifyPath(result, path, lm, rm, base, mode)
	}

	return result
}

func (r *Reconciler) classifyPath(result *ReconcileResult, path string, lm, rm, base *FileMetadata, mode config.SyncMode) {
	// A directory on one side and a file on the other is never mergeable,
	// whatever the modification states.
	if lm != nil && rm != nil && lm.IsDir != rm.IsDir {
		result.Conflicts[path] = r.conflictOp(path, ConflictTypeMismatch, lm, rm, base)
		return
	}

	lc := classifyLocal(lm, base)
	rc := classifyRemote(rm, base)

	switch {
	case lc == classDeleted && rc == classDeleted:
		// both sides dropped it; only the baseline row remains
		result.Cleanups[path] = struct{}{}

	case lc.changed() && rc.changed():
		if sameContent(lm, rm) {
			// convergent edit: both sides arrived at the same content
			result.Rebaselines[path] = mergeBaseline(lm, rm)
			return
		}
		if !r.conflictInMode(result, path, mode, lm, rm, base) {
			result.Conflicts[path] = r.conflictOp(path, ConflictBothModified, lm, rm, base)
		}

	case lc == classDeleted && rc.changed():
		if !r.conflictInMode(result, path, mode, lm, rm, base) {
			result.Conflicts[path] = r.conflictOp(path, ConflictDeletedLocally, lm, rm, base)
		}

	case lc.changed() && rc == classDeleted:
		if !r.conflictInMode(result, path, mode, lm, rm, base) {
			result.Conflicts[path] = r.conflictOp(path, ConflictDeletedRemotely, lm, rm, base)
		}

	case lc.changed():
		if mode == config.SyncDownloadOnly {
			result.Ignored[path] = struct{}{}
			return
		}
		op := &SyncOperation{Op: OpUpload, RelPath: path, Local: lm, Remote: rm, Baseline: base}
		if lm.IsDir {
			op.Op = OpMkdirRemote
			result.RemoteMkdirs[path] = op
		} else {
			result.Uploads[path] = op
		}

	case rc.changed():
		if mode == config.SyncUploadOnly {
			result.Ignored[path] = struct{}{}
			return
		}
		op := &SyncOperation{Op: OpDownload, RelPath: path, Local: lm, Remote: rm, Baseline: base}
		if rm.IsDir {
			op.Op = OpMkdirLocal
			result.LocalMkdirs[path] = op
		} else {
			result.Downloads[path] = op
		}

	case lc == classDeleted:
		if mode == config.SyncDownloadOnly {
			result.Ignored[path] = struct{}{}
			return
		}
		result.RemoteDeletes[path] = &SyncOperation{Op: OpDeleteRemote, RelPath: path, Local: lm, Remote: rm, Baseline: base}

	case rc == classDeleted:
		if mode == config.SyncUploadOnly {
			result.Ignored[path] = struct{}{}
			return
		}
		result.LocalDeletes[path] = &SyncOperation{Op: OpDeleteLocal, RelPath: path, Local: lm, Remote: rm, Baseline: base}

	default:
		result.Unchanged[path] = struct{}{}
	}
}

// conflictInMode resolves would-be conflicts inside one-way folders toward
// the folder's allowed direction; the suppressed side is not authoritative
// there. Returns true when it consumed the conflict.
func (r *Reconciler) conflictInMode(result *ReconcileResult, path string, mode config.SyncMode, lm, rm, base *FileMetadata) bool {
	switch mode {
	case config.SyncUploadOnly:
		if lm == nil {
			result.RemoteDeletes[path] = &SyncOperation{Op: OpDeleteRemote, RelPath: path, Local: lm, Remote: rm, Baseline: base}
		} else if lm.IsDir {
			result.RemoteMkdirs[path] = &SyncOperation{Op: OpMkdirRemote, RelPath: path, Local: lm, Remote: rm, Baseline: base}
		} else {
			result.Uploads[path] = &SyncOperation{Op: OpUpload, RelPath: path, Local: lm, Remote: rm, Baseline: base}
		}
		return true
	case config.SyncDownloadOnly:
		if rm == nil {
			result.LocalDeletes[path] = &SyncOperation{Op: OpDeleteLocal, RelPath: path, Local: lm, Remote: rm, Baseline: base}
		} else if rm.IsDir {
			result.LocalMkdirs[path] = &SyncOperation{Op: OpMkdirLocal, RelPath: path, Local: lm, Remote: rm, Baseline: base}
		} else {
			result.Downloads[path] = &SyncOperation{Op: OpDownload, RelPath: path, Local: lm, Remote: rm, Baseline: base}
		}
		return true
	}
	return false
}

func (r *Reconciler) conflictOp(path string, typ ConflictType, lm, rm, base *FileMetadata) *SyncOperation {
	return &SyncOperation{
		Op:       OpConflict,
		RelPath:  path,
		Local:    lm,
		Remote:   rm,
		Baseline: base,
		Conflict: &ConflictInfo{Type: typ, DetectedAt: r.now()},
	}
}

// classifyLocal compares the local side against baseline using the content
// hash, falling back to size and mtime when a hash is missing.
func classifyLocal(local, base *FileMetadata) changeClass {
	switch {
	case local == nil && base == nil:
		return classAbsent
	case local == nil:
		return classDeleted
	case base == nil:
		return classCreated
	}

	if local.IsDir && base.IsDir {
		return classUnchanged
	}
	if local.IsDir != base.IsDir {
		return classModified
	}
	if local.Hash != "" && base.Hash != "" {
		if local.Hash != base.Hash {
			return classModified
		}
		return classUnchanged
	}
	if local.Size != base.Size || !local.LastModified.Equal(base.LastModified) {
		return classModified
	}
	return classUnchanged
}

// classifyRemote compares the remote side against baseline using the etag,
// falling back to size.
func classifyRemote(remote, base *FileMetadata) changeClass {
	switch {
	case remote == nil && base == nil:
		return classAbsent
	case remote == nil:
		return classDeleted
	case base == nil:
		return classCreated
	}

	if remote.IsDir && base.IsDir {
		return classUnchanged
	}
	if remote.IsDir != base.IsDir {
		return classModified
	}
	if remote.ETag != "" && base.ETag != "" {
		if remote.ETag != base.ETag {
			return classModified
		}
		return classUnchanged
	}
	if remote.Size != base.Size {
		return classModified
	}
	return classUnchanged
}

// sameContent reports whether both sides hold identical content. Two
// directories always agree; files need matching hashes, which the remote
// side only carries when the server exposes a content checksum.
func sameContent(local, remote *FileMetadata) bool {
	if local == nil || remote == nil {
		return false
	}
	if local.IsDir && remote.IsDir {
		return true
	}
	if local.IsDir != remote.IsDir {
		return false
	}
	return local.Hash != "" && remote.Hash != "" && local.Hash == remote.Hash
}

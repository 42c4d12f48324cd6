package sync

import (
	"crypto/sha256"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"

	"github.com/cirrusdrive/cirrus/internal/client/config"
)

const conflictedCopyTag = "conflicted copy"

// ResolutionOutcome is what resolving one conflict produced: concrete
// operations for the scheduler, a frozen baseline, a skip tombstone, or a
// deferred record parked in the journal for the operator.
type ResolutionOutcome struct {
	Ops        []*SyncOperation
	Rebaseline *FileMetadata // SkipConflict with both sides present
	Freeze     bool          // SkipConflict where a merged baseline cannot hold
	Deferred   bool
}

// ConflictResolver applies the configured policy to conflicts found by the
// reconciler.
type ConflictResolver struct {
	policy   config.ConflictPolicy
	deviceID string
	now      func() time.Time
}

func NewConflictResolver(policy config.ConflictPolicy) *ConflictResolver {
	return &ConflictResolver{
		policy:   policy,
		deviceID: deviceTag(),
		now:      time.Now,
	}
}

// Resolve applies the automatic policy to a detected conflict. Under the
// manual policy every conflict defers; under auto_newer the later side wins
// with remote as the tie-break authority. Type mismatches always defer, no
// timestamp can arbitrate a file/directory collision.
func (r *ConflictResolver) Resolve(op *SyncOperation) *ResolutionOutcome {
	if op.Conflict == nil {
		return &ResolutionOutcome{Deferred: true}
	}
	if r.policy != config.ConflictAutoNewer || op.Conflict.Type == ConflictTypeMismatch {
		return &ResolutionOutcome{Deferred: true}
	}

	if r.newerIsLocal(op) {
		return r.Apply(op, KeepLocal)
	}
	return r.Apply(op, KeepRemote)
}

// Apply turns an explicit resolution into scheduler operations.
func (r *ConflictResolver) Apply(op *SyncOperation, resolution Resolution) *ResolutionOutcome {
	switch resolution {
	case KeepLocal:
		if op.Local == nil {
			// local side is the deletion; propagate it
			return &ResolutionOutcome{Ops: []*SyncOperation{{Op: OpDeleteRemote, RelPath: op.RelPath, Remote: op.Remote, Baseline: op.Baseline}}}
		}
		up := &SyncOperation{Op: OpUpload, RelPath: op.RelPath, Local: op.Local, Remote: op.Remote, Baseline: op.Baseline}
		if op.Local.IsDir {
			up.Op = OpMkdirRemote
		}
		return &ResolutionOutcome{Ops: []*SyncOperation{up}}

	case KeepRemote:
		if op.Remote == nil {
			return &ResolutionOutcome{Ops: []*SyncOperation{{Op: OpDeleteLocal, RelPath: op.RelPath, Local: op.Local, Baseline: op.Baseline}}}
		}
		down := &SyncOperation{Op: OpDownload, RelPath: op.RelPath, Local: op.Local, Remote: op.Remote, Baseline: op.Baseline}
		if op.Remote.IsDir {
			down.Op = OpMkdirLocal
		}
		return &ResolutionOutcome{Ops: []*SyncOperation{down}}

	case KeepBoth:
		// Rename the local copy aside; the next pass uploads the renamed
		// copy as a new item and downloads the remote into the original
		// path. Only meaningful when both sides still have content.
		if op.Local == nil || op.Remote == nil || op.Local.IsDir {
			return &ResolutionOutcome{Deferred: true}
		}
		copyPath := r.ConflictedCopyPath(op.RelPath)
		return &ResolutionOutcome{Ops: []*SyncOperation{
			{Op: OpMove, RelPath: op.RelPath, MoveTo: copyPath, Local: op.Local, Baseline: op.Baseline},
		}}

	case SkipConflict:
		// Freeze the disagreement so neither side reads as changed until
		// it changes again. With both sides present the current pair
		// becomes the baseline. When one side is a deletion (or the kinds
		// disagree) a merged baseline would read as a clean one-sided
		// delete on the next pass and destroy the surviving copy; those
		// skips persist as a tombstone the engine filters on instead.
		if op.Local != nil && op.Remote != nil && op.Local.IsDir == op.Remote.IsDir {
			return &ResolutionOutcome{Rebaseline: mergeBaseline(op.Local, op.Remote)}
		}
		return &ResolutionOutcome{Freeze: true}
	}

	return &ResolutionOutcome{Deferred: true}
}

func (r *ConflictResolver) newerIsLocal(op *SyncOperation) bool {
	var localTime, remoteTime time.Time
	if op.Local != nil {
		localTime = op.Local.LastModified
	}
	if op.Remote != nil {
		remoteTime = op.Remote.LastModified
	}
	// strict: a tie goes to remote so independent peers agree on the winner
	return localTime.After(remoteTime)
}

// ConflictedCopyPath derives the disambiguated path a KeepBoth resolution
// renames the local copy to, e.g.
// "Documents/report (conflicted copy 2026-08-28 a1b2c3).pdf".
func (r *ConflictResolver) ConflictedCopyPath(relPath string) string {
	dir := path.Dir(relPath)
	name := path.Base(relPath)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	copyName := fmt.Sprintf("%s (%s %s %s)%s",
		stem, conflictedCopyTag, r.now().Format("2006-01-02"), r.deviceID, ext)
	if dir == "." {
		return copyName
	}
	return dir + "/" + copyName
}

// IsConflictedCopy reports whether a path is a KeepBoth rename product.
func IsConflictedCopy(relPath string) bool {
	return strings.Contains(path.Base(relPath), "("+conflictedCopyTag)
}

// deviceTag is a short stable identifier for this machine so conflicted
// copies from different devices never collide.
func deviceTag() string {
	id, err := machineid.ProtectedID("cirrus")
	if err != nil || id == "" {
		return "unknown"
	}
	sum := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%x", sum[:3])
}

package sync

type OpType string

const (
	OpUpload       OpType = "Upload"
	OpDownload     OpType = "Download"
	OpDeleteLocal  OpType = "DeleteLocal"
	OpDeleteRemote OpType = "DeleteRemote"
	OpMkdirLocal   OpType = "MkdirLocal"
	OpMkdirRemote  OpType = "MkdirRemote"
	OpMove         OpType = "Move"
	OpConflict     OpType = "Conflict"
)

// SyncOperation is one reconciler decision. Operations are immutable once
// produced; a retry re-derives a fresh one on the next pass.
type SyncOperation struct {
	Op       OpType
	RelPath  string
	MoveTo   string // OpMove only
	Local    *FileMetadata
	Remote   *FileMetadata
	Baseline *FileMetadata
	Conflict *ConflictInfo // OpConflict only
}

func (op *SyncOperation) isDir() bool {
	switch {
	case op.Local != nil:
		return op.Local.IsDir
	case op.Remote != nil:
		return op.Remote.IsDir
	case op.Baseline != nil:
		return op.Baseline.IsDir
	}
	return false
}

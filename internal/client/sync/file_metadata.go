package sync

import (
	"time"
)

// FileMetadata is one side's view of an item. Local snapshots populate Hash,
// remote snapshots populate ETag, baseline rows carry the agreed pair.
type FileMetadata struct {
	Path         string
	IsDir        bool
	Size         int64
	Hash         string // content hash, local change detector
	ETag         string // opaque remote change token
	MimeType     string
	LastModified time.Time
}

// mergeBaseline builds the baseline row recorded after local and remote
// agree on an item's content.
func mergeBaseline(local, remote *FileMetadata) *FileMetadata {
	base := &FileMetadata{}
	if local != nil {
		*base = *local
	} else if remote != nil {
		*base = *remote
	}
	if local != nil {
		base.Hash = local.Hash
		base.Size = local.Size
		base.LastModified = local.LastModified
	}
	if remote != nil {
		base.ETag = remote.ETag
		if remote.MimeType != "" {
			base.MimeType = remote.MimeType
		}
	}
	return base
}

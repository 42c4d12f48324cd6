package sync

import (
	"time"

	"github.com/google/uuid"
)

// ItemState is the per-item sync lifecycle.
type ItemState string

const (
	ItemSynced   ItemState = "synced"
	ItemPending  ItemState = "pending"
	ItemSyncing  ItemState = "syncing"
	ItemConflict ItemState = "conflict"
	ItemError    ItemState = "error"
	ItemIgnored  ItemState = "ignored"
)

// Direction is the last computed transfer direction, informational only.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
	DirectionNone     Direction = "none"
)

// ConflictType classifies how local and remote disagree.
type ConflictType string

const (
	ConflictBothModified    ConflictType = "both_modified"
	ConflictDeletedLocally  ConflictType = "deleted_locally"
	ConflictDeletedRemotely ConflictType = "deleted_remotely"
	ConflictTypeMismatch    ConflictType = "type_mismatch"
)

type ConflictInfo struct {
	Type       ConflictType
	DetectedAt time.Time
}

// Resolution is the operator's (or a policy's) answer to a conflict.
type Resolution string

const (
	KeepLocal    Resolution = "keep_local"
	KeepRemote   Resolution = "keep_remote"
	KeepBoth     Resolution = "keep_both"
	SkipConflict Resolution = "skip"
)

func (r Resolution) Valid() bool {
	switch r {
	case KeepLocal, KeepRemote, KeepBoth, SkipConflict:
		return true
	}
	return false
}

// ItemStatus is a tagged status: Conflict carries ConflictInfo, Error carries
// a message, other states carry nothing.
type ItemStatus struct {
	State    ItemState
	Conflict *ConflictInfo
	Message  string
}

func StatusSynced() ItemStatus  { return ItemStatus{State: ItemSynced} }
func StatusPending() ItemStatus { return ItemStatus{State: ItemPending} }
func StatusSyncing() ItemStatus { return ItemStatus{State: ItemSyncing} }
func StatusIgnored() ItemStatus { return ItemStatus{State: ItemIgnored} }

func StatusConflict(info *ConflictInfo) ItemStatus {
	return ItemStatus{State: ItemConflict, Conflict: info}
}

func StatusError(msg string) ItemStatus {
	return ItemStatus{State: ItemError, Message: msg}
}

// SyncItem is one file or directory known to the engine, with both sides'
// metadata where observed.
type SyncItem struct {
	ID             string
	Path           string
	Name           string
	IsDir          bool
	Size           int64
	Hash           string
	ETag           string
	MimeType       string
	LocalModified  time.Time
	RemoteModified time.Time
	Status         ItemStatus
	Direction      Direction
}

// NewLocalItemID generates the provisional id used before first upload.
func NewLocalItemID() string {
	return uuid.NewString()
}

package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cirrusdrive/cirrus/internal/db"
	"github.com/cirrusdrive/cirrus/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_baseline (
    path TEXT PRIMARY KEY,
    is_dir INTEGER NOT NULL,
    size INTEGER NOT NULL,
    hash TEXT NOT NULL,
    etag TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    last_modified TEXT NOT NULL -- RFC3339 string
);

CREATE TABLE IF NOT EXISTS sync_items (
    path TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    state TEXT NOT NULL,
    direction TEXT NOT NULL,
    message TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_conflicts (
    path TEXT PRIMARY KEY,
    conflict_type TEXT NOT NULL,
    detected_at TEXT NOT NULL,
    local_is_dir INTEGER NOT NULL,
    local_size INTEGER NOT NULL,
    local_hash TEXT NOT NULL,
    local_modified TEXT NOT NULL,
    remote_is_dir INTEGER NOT NULL,
    remote_size INTEGER NOT NULL,
    remote_etag TEXT NOT NULL,
    remote_modified TEXT NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0,
    resolution TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_history (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    ts TEXT NOT NULL,
    path TEXT NOT NULL,
    operation TEXT NOT NULL,
    success INTEGER NOT NULL,
    error TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_baseline_etag ON sync_baseline(etag);
CREATE INDEX IF NOT EXISTS idx_history_ts ON sync_history(ts);
`

// dbBaselineRow is the scan target; timestamps live as TEXT in sqlite.
type dbBaselineRow struct {
	Path         string `db:"path"`
	IsDir        bool   `db:"is_dir"`
	Size         int64  `db:"size"`
	Hash         string `db:"hash"`
	ETag         string `db:"etag"`
	MimeType     string `db:"mime_type"`
	LastModified string `db:"last_modified"`
}

type dbItemRow struct {
	Path      string `db:"path"`
	ID        string `db:"id"`
	State     string `db:"state"`
	Direction string `db:"direction"`
	Message   string `db:"message"`
	UpdatedAt string `db:"updated_at"`
}

type dbConflictRow struct {
	Path           string `db:"path"`
	ConflictType   string `db:"conflict_type"`
	DetectedAt     string `db:"detected_at"`
	LocalIsDir     bool   `db:"local_is_dir"`
	LocalSize      int64  `db:"local_size"`
	LocalHash      string `db:"local_hash"`
	LocalModified  string `db:"local_modified"`
	RemoteIsDir    bool   `db:"remote_is_dir"`
	RemoteSize     int64  `db:"remote_size"`
	RemoteETag     string `db:"remote_etag"`
	RemoteModified string `db:"remote_modified"`
	Resolved       bool   `db:"resolved"`
	Resolution     string `db:"resolution"`
}

// HistoryRecord is one diagnostic row from the append-only history log.
type HistoryRecord struct {
	Seq       int64     `db:"seq"`
	Timestamp time.Time `db:"-"`
	Path      string    `db:"path"`
	Operation string    `db:"operation"`
	Success   bool      `db:"success"`
	Error     string    `db:"error"`
}

// PendingConflict is a parked conflict awaiting operator resolution. A row
// outlives its resolution when the operator skipped it: the stored pair then
// acts as a tombstone freezing the disagreement until either side changes.
type PendingConflict struct {
	Path       string
	Info       ConflictInfo
	Local      *FileMetadata // nil when the local side was the deletion
	Remote     *FileMetadata // nil when the remote side was the deletion
	Resolution Resolution    // empty while unresolved
}

// SyncJournal persists everything the engine must survive a crash with: the
// baseline snapshot, per-item records, parked conflicts and the history log.
type SyncJournal struct {
	db     *sqlx.DB
	dbPath string
}

func NewSyncJournal(dbPath string) *SyncJournal {
	return &SyncJournal{dbPath: dbPath}
}

func (s *SyncJournal) Open() error {
	if s.db != nil {
		return fmt.Errorf("sync journal already open")
	}

	dbDir := filepath.Dir(s.dbPath)
	if err := utils.EnsureDir(dbDir); err != nil {
		return fmt.Errorf("failed to create journal directory %s: %w", dbDir, err)
	}

	sqldb, err := db.NewSqliteDb(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("failed to open sync journal: %w", err)
	}

	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	s.db = sqldb
	return nil
}

func (s *SyncJournal) Close() error {
	if s.db == nil {
		return fmt.Errorf("sync journal not open")
	}
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close sync journal", "error", err)
		return err
	}
	s.db = nil
	slog.Debug("sync journal closed")
	return nil
}

// Destroy closes the journal and moves the database aside so a fresh one is
// built on the next open.
func (s *SyncJournal) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	timestamp := time.Now().Format("20060102150405")
	if err := os.Rename(s.dbPath, fmt.Sprintf("%s.%s.bak", s.dbPath, timestamp)); err != nil {
		return fmt.Errorf("failed to move journal file: %w", err)
	}
	return nil
}

// ---- baseline ----

func (s *SyncJournal) GetBaseline(path string) (*FileMetadata, error) {
	var row dbBaselineRow
	err := s.db.Get(&row, "SELECT * FROM sync_baseline WHERE path = ?", path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query path %s: %w", path, err)
	}
	return rowToMetadata(&row)
}

func (s *SyncJournal) SetBaseline(meta *FileMetadata) error {
	if meta == nil {
		return fmt.Errorf("cannot set nil baseline")
	}

	row := dbBaselineRow{
		Path:         meta.Path,
		IsDir:        meta.IsDir,
		Size:         meta.Size,
		Hash:         meta.Hash,
		ETag:         meta.ETag,
		MimeType:     meta.MimeType,
		LastModified: meta.LastModified.UTC().Format(time.RFC3339),
	}

	query := `INSERT OR REPLACE INTO sync_baseline (path, is_dir, size, hash, etag, mime_type, last_modified)
	          VALUES (:path, :is_dir, :size, :hash, :etag, :mime_type, :last_modified)`
	if _, err := s.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("failed to set baseline for path %s: %w", meta.Path, err)
	}
	slog.Debug("journal baseline set", "path", meta.Path, "etag", meta.ETag)
	return nil
}

func (s *SyncJournal) DeleteBaseline(path string) error {
	if _, err := s.db.Exec("DELETE FROM sync_baseline WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to delete path %s: %w", path, err)
	}
	return nil
}

// BaselineState loads the full baseline map the reconciler runs against.
func (s *SyncJournal) BaselineState() (map[string]*FileMetadata, error) {
	var rows []dbBaselineRow
	if err := s.db.Select(&rows, "SELECT * FROM sync_baseline"); err != nil {
		return nil, fmt.Errorf("failed to query baseline state: %w", err)
	}

	state := make(map[string]*FileMetadata, len(rows))
	for i := range rows {
		meta, err := rowToMetadata(&rows[i])
		if err != nil {
			slog.Error("skipping corrupt baseline row", "path", rows[i].Path, "error", err)
			continue
		}
		state[meta.Path] = meta
	}
	return state, nil
}

func (s *SyncJournal) BaselineCount() (int, error) {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM sync_baseline"); err != nil {
		return 0, fmt.Errorf("failed to count baseline entries: %w", err)
	}
	return count, nil
}

// ---- per-item records ----

// SetItem upserts a per-item record. The item id is sticky: an existing row
// keeps its id across status changes, a first insert mints one. Callers only
// set ID to force a specific identity.
func (s *SyncJournal) SetItem(item *SyncItem) error {
	id := item.ID
	if id == "" {
		existing, err := s.GetItem(item.Path)
		if err != nil {
			return err
		}
		if existing != nil {
			id = existing.ID
		} else {
			id = NewLocalItemID()
		}
	}

	row := dbItemRow{
		Path:      item.Path,
		ID:        id,
		State:     string(item.Status.State),
		Direction: string(item.Direction),
		Message:   item.Status.Message,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	query := `INSERT OR REPLACE INTO sync_items (path, id, state, direction, message, updated_at)
	          VALUES (:path, :id, :state, :direction, :message, :updated_at)`
	if _, err := s.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("failed to set item record %s: %w", item.Path, err)
	}
	return nil
}

func (s *SyncJournal) GetItem(path string) (*SyncItem, error) {
	var row dbItemRow
	err := s.db.Get(&row, "SELECT * FROM sync_items WHERE path = ?", path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query item %s: %w", path, err)
	}
	return &SyncItem{
		ID:        row.ID,
		Path:      row.Path,
		Status:    ItemStatus{State: ItemState(row.State), Message: row.Message},
		Direction: Direction(row.Direction),
	}, nil
}

func (s *SyncJournal) DeleteItem(path string) error {
	if _, err := s.db.Exec("DELETE FROM sync_items WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to delete item record %s: %w", path, err)
	}
	return nil
}

// ---- pending conflicts ----

func (s *SyncJournal) SetConflict(pc *PendingConflict) error {
	row := dbConflictRow{
		Path:         pc.Path,
		ConflictType: string(pc.Info.Type),
		DetectedAt:   pc.Info.DetectedAt.UTC().Format(time.RFC3339),
	}
	if pc.Local != nil {
		row.LocalIsDir = pc.Local.IsDir
		row.LocalSize = pc.Local.Size
		row.LocalHash = pc.Local.Hash
		row.LocalModified = pc.Local.LastModified.UTC().Format(time.RFC3339)
	}
	if pc.Remote != nil {
		row.RemoteIsDir = pc.Remote.IsDir
		row.RemoteSize = pc.Remote.Size
		row.RemoteETag = pc.Remote.ETag
		row.RemoteModified = pc.Remote.LastModified.UTC().Format(time.RFC3339)
	}

	query := `INSERT OR REPLACE INTO pending_conflicts
	          (path, conflict_type, detected_at,
	           local_is_dir, local_size, local_hash, local_modified,
	           remote_is_dir, remote_size, remote_etag, remote_modified,
	           resolved, resolution)
	          VALUES (:path, :conflict_type, :detected_at,
	           :local_is_dir, :local_size, :local_hash, :local_modified,
	           :remote_is_dir, :remote_size, :remote_etag, :remote_modified,
	           0, '')`
	if _, err := s.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("failed to park conflict %s: %w", pc.Path, err)
	}
	return nil
}

func (s *SyncJournal) GetConflict(path string) (*PendingConflict, error) {
	var row dbConflictRow
	err := s.db.Get(&row, "SELECT * FROM pending_conflicts WHERE path = ? AND resolved = 0", path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query conflict %s: %w", path, err)
	}
	return conflictFromRow(&row), nil
}

// Conflicts lists the unresolved conflicts awaiting an operator.
func (s *SyncJournal) Conflicts() ([]*PendingConflict, error) {
	var rows []dbConflictRow
	if err := s.db.Select(&rows, "SELECT * FROM pending_conflicts WHERE resolved = 0 ORDER BY path"); err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	out := make([]*PendingConflict, 0, len(rows))
	for i := range rows {
		out = append(out, conflictFromRow(&rows[i]))
	}
	return out, nil
}

func (s *SyncJournal) ConflictCount() (int, error) {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM pending_conflicts WHERE resolved = 0"); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return count, nil
}

// MarkConflictSkipped keeps a conflict row as a skip tombstone instead of
// deleting it. The stored local/remote pair is the frozen signature the
// engine compares against on later passes.
func (s *SyncJournal) MarkConflictSkipped(path string) error {
	res, err := s.db.Exec(
		"UPDATE pending_conflicts SET resolved = 1, resolution = ? WHERE path = ?",
		string(SkipConflict), path,
	)
	if err != nil {
		return fmt.Errorf("failed to mark conflict %s skipped: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no conflict row for %s", path)
	}
	return nil
}

// SkippedConflicts lists the skip tombstones still freezing their paths.
func (s *SyncJournal) SkippedConflicts() ([]*PendingConflict, error) {
	var rows []dbConflictRow
	if err := s.db.Select(&rows, "SELECT * FROM pending_conflicts WHERE resolved = 1 ORDER BY path"); err != nil {
		return nil, fmt.Errorf("failed to query skipped conflicts: %w", err)
	}
	out := make([]*PendingConflict, 0, len(rows))
	for i := range rows {
		out = append(out, conflictFromRow(&rows[i]))
	}
	return out, nil
}

// DeleteConflict removes a conflict row, resolved or not.
func (s *SyncJournal) DeleteConflict(path string) error {
	if _, err := s.db.Exec("DELETE FROM pending_conflicts WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to clear conflict %s: %w", path, err)
	}
	return nil
}

// ---- history ----

func (s *SyncJournal) AppendHistory(path, operation string, success bool, opErr error) error {
	msg := ""
	if opErr != nil {
		msg = opErr.Error()
	}
	_, err := s.db.Exec(
		"INSERT INTO sync_history (ts, path, operation, success, error) VALUES (?, ?, ?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339), path, operation, success, msg,
	)
	if err != nil {
		return fmt.Errorf("failed to append history for %s: %w", path, err)
	}
	return nil
}

// History returns the most recent records, newest first.
func (s *SyncJournal) History(limit int) ([]*HistoryRecord, error) {
	type scanRow struct {
		Seq       int64  `db:"seq"`
		Ts        string `db:"ts"`
		Path      string `db:"path"`
		Operation string `db:"operation"`
		Success   bool   `db:"success"`
		Error     string `db:"error"`
	}
	var rows []scanRow
	err := s.db.Select(&rows, "SELECT * FROM sync_history ORDER BY seq DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	out := make([]*HistoryRecord, 0, len(rows))
	for _, row := range rows {
		ts, err := time.Parse(time.RFC3339, row.Ts)
		if err != nil {
			continue
		}
		out = append(out, &HistoryRecord{
			Seq:       row.Seq,
			Timestamp: ts,
			Path:      row.Path,
			Operation: row.Operation,
			Success:   row.Success,
			Error:     row.Error,
		})
	}
	return out, nil
}

func rowToMetadata(row *dbBaselineRow) (*FileMetadata, error) {
	modTime, err := time.Parse(time.RFC3339, row.LastModified)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored timestamp for %s: %w", row.Path, err)
	}
	return &FileMetadata{
		Path:         row.Path,
		IsDir:        row.IsDir,
		Size:         row.Size,
		Hash:         row.Hash,
		ETag:         row.ETag,
		MimeType:     row.MimeType,
		LastModified: modTime,
	}, nil
}

func conflictFromRow(row *dbConflictRow) *PendingConflict {
	detected, _ := time.Parse(time.RFC3339, row.DetectedAt)
	pc := &PendingConflict{
		Path:       row.Path,
		Info:       ConflictInfo{Type: ConflictType(row.ConflictType), DetectedAt: detected},
		Resolution: Resolution(row.Resolution),
	}
	if row.ConflictType != string(ConflictDeletedLocally) {
		localMod, _ := time.Parse(time.RFC3339, row.LocalModified)
		pc.Local = &FileMetadata{
			Path:         row.Path,
			IsDir:        row.LocalIsDir,
			Size:         row.LocalSize,
			Hash:         row.LocalHash,
			LastModified: localMod,
		}
	}
	if row.ConflictType != string(ConflictDeletedRemotely) {
		remoteMod, _ := time.Parse(time.RFC3339, row.RemoteModified)
		pc.Remote = &FileMetadata{
			Path:         row.Path,
			IsDir:        row.RemoteIsDir,
			Size:         row.RemoteSize,
			ETag:         row.RemoteETag,
			LastModified: remoteMod,
		}
	}
	return pc
}

package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/cirrusdrive/cirrus/internal/utils"
)

const (
	metadataDir = ".cirrus"
	logsDir     = "logs"
	lockFile    = "cirrus.lock"
	journalFile = "journal.db"
)

var ErrWorkspaceLocked = errors.New("workspace locked by another process")

// Workspace is the on-disk layout of a sync root: the user's files live
// directly under Root, engine state lives under Root/.cirrus.
type Workspace struct {
	Root        string
	MetadataDir string
	LogsDir     string

	flock *flock.Flock
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	metaDir := filepath.Join(root, metadataDir)
	return &Workspace{
		Root:        root,
		MetadataDir: metaDir,
		LogsDir:     filepath.Join(metaDir, logsDir),
		flock:       flock.New(filepath.Join(metaDir, lockFile)),
	}, nil
}

// JournalPath is the sqlite database holding the sync journal.
func (w *Workspace) JournalPath() string {
	return filepath.Join(w.MetadataDir, journalFile)
}

// Lock takes the single-process lock on the workspace so two daemons never
// sync the same root concurrently.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.MetadataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

func (w *Workspace) Unlock() error {
	// only remove the lock file if this process holds it
	if !w.flock.Locked() {
		return nil
	}
	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}
	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates the directory layout.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "root", w.Root)

	for _, dir := range []string{w.Root, w.MetadataDir, w.LogsDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// AbsPath maps a slash-separated sync path onto the local filesystem.
func (w *Workspace) AbsPath(relPath string) string {
	return filepath.Join(w.Root, filepath.FromSlash(relPath))
}

// RelPath maps a local absolute path to its slash-separated sync path.
func (w *Workspace) RelPath(absPath string) (string, error) {
	relPath, err := filepath.Rel(w.Root, absPath)
	if err != nil {
		return "", err
	}
	return NormPath(relPath), nil
}

// Contains reports whether absPath lies inside the sync root but outside
// the engine's metadata directory.
func (w *Workspace) Contains(absPath string) bool {
	rel, err := filepath.Rel(w.Root, absPath)
	if err != nil {
		return false
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	return rel != metadataDir && !strings.HasPrefix(rel, metadataDir+string(filepath.Separator))
}

// NormPath cleans a path, converts separators to slashes and trims leading
// slashes, yielding the canonical sync path form.
func NormPath(path string) string {
	path = filepath.Clean(path)
	path = strings.ReplaceAll(path, "\\", "/")
	return strings.TrimLeft(path, "/")
}

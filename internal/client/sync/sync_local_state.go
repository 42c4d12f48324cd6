package sync

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cirrusdrive/cirrus/internal/client/workspace"
	"github.com/cirrusdrive/cirrus/internal/utils"
)

const hashCacheSize = 8192

// cachedHash lets a scan skip rehashing files whose size and mtime did not
// move since the previous scan.
type cachedHash struct {
	size    int64
	modTime time.Time
	hash    string
}

// SyncLocalState produces the local snapshot the reconciler runs against.
type SyncLocalState struct {
	ws          *workspace.Workspace
	hashes      *lru.Cache[string, cachedHash]
	hiddenFiles bool
}

func NewSyncLocalState(ws *workspace.Workspace, syncHiddenFiles bool) (*SyncLocalState, error) {
	cache, err := lru.New[string, cachedHash](hashCacheSize)
	if err != nil {
		return nil, err
	}
	return &SyncLocalState{
		ws:          ws,
		hashes:      cache,
		hiddenFiles: syncHiddenFiles,
	}, nil
}

// Scan walks the sync root and returns per-path metadata, directories
// included. The engine's own metadata directory never appears in the result.
func (s *SyncLocalState) Scan() (map[string]*FileMetadata, error) {
	state := make(map[string]*FileMetadata)

	err := filepath.WalkDir(s.ws.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk error: %w", walkErr)
		}
		if path == s.ws.Root {
			return nil
		}
		if !s.ws.Contains(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !s.hiddenFiles && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := s.ws.RelPath(path)
		if err != nil {
			return fmt.Errorf("walk rel path: %w", err)
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("failed to stat during scan", "path", path, "error", err)
			return nil
		}

		meta := &FileMetadata{
			Path:         relPath,
			IsDir:        d.IsDir(),
			LastModified: info.ModTime(),
		}
		if !d.IsDir() {
			meta.Size = info.Size()
			hash, err := s.hashFor(path, info.Size(), info.ModTime())
			if err != nil {
				slog.Warn("failed to hash during scan", "path", path, "error", err)
				return nil
			}
			meta.Hash = hash
		}

		state[relPath] = meta
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local scan failed: %w", err)
	}

	return state, nil
}

func (s *SyncLocalState) hashFor(path string, size int64, modTime time.Time) (string, error) {
	if cached, ok := s.hashes.Get(path); ok && cached.size == size && cached.modTime.Equal(modTime) {
		return cached.hash, nil
	}

	hash, err := utils.FileHash(path)
	if err != nil {
		return "", err
	}
	s.hashes.Add(path, cachedHash{size: size, modTime: modTime, hash: hash})
	return hash, nil
}

// Forget drops a path's cached hash, forcing a rehash on the next scan.
func (s *SyncLocalState) Forget(path string) {
	s.hashes.Remove(path)
}

package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/cirrusdrive/cirrus/internal/client/config"
	"github.com/cirrusdrive/cirrus/internal/utils"
)

const ignoreFileName = ".cirrusignore"

var defaultIgnoreLines = []string{
	// engine internals
	".cirrus/",
	".cirrusignore",
	"*.cirrus.tmp.*",
	// editors
	".vscode",
	".idea",
	"*.swp",
	"*~",
	// general
	".git",
	"*.tmp",
	"*.part",
	"*.crdownload",
	// OS droppings
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"Icon",
}

// SyncIgnoreList decides which paths participate in sync: gitignore-style
// pattern rules layered with the user's exclude globs and the selective-sync
// folder list.
type SyncIgnoreList struct {
	baseDir  string
	cfg      *config.Config
	ignore   *gitignore.GitIgnore
	excludes []string
}

func NewSyncIgnoreList(baseDir string, cfg *config.Config) *SyncIgnoreList {
	return &SyncIgnoreList{
		baseDir:  baseDir,
		cfg:      cfg,
		excludes: cfg.ExcludePatterns,
	}
}

// Load compiles the default rules plus the user's .cirrusignore file.
func (s *SyncIgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, ignoreFileName)
	ignoreLines := defaultIgnoreLines

	if utils.FileExists(ignorePath) {
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
		} else {
			defer file.Close()
			rules := 0
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := scanner.Text()
				if line != "" {
					ignoreLines = append(ignoreLines, line)
					rules++
				}
			}
			if err := scanner.Err(); err != nil {
				slog.Warn("error reading ignore file", "path", ignorePath, "error", err)
			} else {
				slog.Info("loaded ignore file", "path", ignorePath, "rules", rules)
			}
		}
	}

	s.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

// ShouldIgnore reports whether a slash-separated path is excluded by pattern
// rules. Conflicted copies made by KeepBoth are synced like any other file.
func (s *SyncIgnoreList) ShouldIgnore(path string) bool {
	if s.ignore != nil && s.ignore.MatchesPath(path) {
		return true
	}
	for _, pattern := range s.excludes {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// ModeFor delegates to the selective-sync folder list.
func (s *SyncIgnoreList) ModeFor(path string) (config.SyncMode, bool) {
	return s.cfg.ModeFor(path)
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/cirrusdrive/cirrus/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".cirrus", "config.json")
	DefaultDataDir    = filepath.Join(home, "CirrusDrive")
	DefaultServerURL  = "https://drive.cirrusdrive.io"
)

const (
	DefaultSyncInterval   = 5 * time.Minute
	DefaultDebounceWindow = 2 * time.Second
	DefaultMaxTransfers   = 3
	DefaultMaxRetries     = 3
	DefaultChunkThreshold = int64(50 * 1024 * 1024)
)

// SyncMode controls the transfer directions allowed for a synced folder.
type SyncMode string

const (
	SyncTwoWay       SyncMode = "two_way"
	SyncUploadOnly   SyncMode = "upload_only"
	SyncDownloadOnly SyncMode = "download_only"
)

func (m SyncMode) Valid() bool {
	switch m {
	case SyncTwoWay, SyncUploadOnly, SyncDownloadOnly:
		return true
	}
	return false
}

// ConflictPolicy selects how both-modified conflicts are handled.
type ConflictPolicy string

const (
	// ConflictManual parks conflicts for explicit user resolution.
	ConflictManual ConflictPolicy = "manual"
	// ConflictAutoNewer keeps the side with the later modification time,
	// preferring remote on a tie.
	ConflictAutoNewer ConflictPolicy = "auto_newer"
)

func (p ConflictPolicy) Valid() bool {
	return p == ConflictManual || p == ConflictAutoNewer
}

// SyncFolder is a selective-sync entry: a slash-separated remote folder path
// and the mode it syncs under. An empty Folders list means the whole drive
// syncs two-way.
type SyncFolder struct {
	Path string   `json:"path"`
	Mode SyncMode `json:"mode"`
}

type Config struct {
	DataDir      string `json:"data_dir"`
	Email        string `json:"email"`
	ServerURL    string `json:"server_url"`
	RefreshToken string `json:"refresh_token,omitempty"`

	SyncInterval   time.Duration `json:"sync_interval"`
	DebounceWindow time.Duration `json:"debounce_window"`

	Folders         []SyncFolder `json:"folders,omitempty"`
	ExcludePatterns []string     `json:"exclude_patterns,omitempty"`
	SyncHiddenFiles bool         `json:"sync_hidden_files"`

	MaxTransfers   int   `json:"max_transfers"`
	MaxRetries     int   `json:"max_retries"`
	UploadKBps     int   `json:"upload_kbps"`   // 0 = unlimited
	DownloadKBps   int   `json:"download_kbps"` // 0 = unlimited
	ChunkThreshold int64 `json:"chunk_threshold"`

	ConflictPolicy ConflictPolicy `json:"conflict_policy"`

	EncryptionEnabled    bool   `json:"encryption_enabled"`
	EncryptionPassphrase string `json:"encryption_passphrase,omitempty"`

	Path string `json:"-"`
}

// Default returns a config populated with the stock values. DataDir and
// ServerURL still need to be confirmed or overridden by the user.
func Default() *Config {
	return &Config{
		DataDir:        DefaultDataDir,
		ServerURL:      DefaultServerURL,
		SyncInterval:   DefaultSyncInterval,
		DebounceWindow: DefaultDebounceWindow,
		MaxTransfers:   DefaultMaxTransfers,
		MaxRetries:     DefaultMaxRetries,
		ChunkThreshold: DefaultChunkThreshold,
		ConflictPolicy: ConflictManual,
		Path:           DefaultConfigPath,
	}
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// 0600: the file may hold a refresh token and a passphrase.
	return os.WriteFile(path, data, 0600)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Path = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by older config files.
func (c *Config) applyDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.MaxTransfers <= 0 {
		c.MaxTransfers = DefaultMaxTransfers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = DefaultChunkThreshold
	}
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = ConflictManual
	}
	for i := range c.Folders {
		if c.Folders[i].Mode == "" {
			c.Folders[i].Mode = SyncTwoWay
		}
	}
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: invalid server_url %q", c.ServerURL)
	}
	if !c.ConflictPolicy.Valid() {
		return fmt.Errorf("config: unknown conflict_policy %q", c.ConflictPolicy)
	}
	if c.UploadKBps < 0 || c.DownloadKBps < 0 {
		return fmt.Errorf("config: bandwidth limits must be >= 0")
	}
	for _, f := range c.Folders {
		if f.Path == "" {
			return fmt.Errorf("config: sync folder with empty path")
		}
		if !f.Mode.Valid() {
			return fmt.Errorf("config: folder %q has unknown mode %q", f.Path, f.Mode)
		}
	}
	if c.EncryptionEnabled && c.EncryptionPassphrase == "" {
		return fmt.Errorf("config: encryption enabled without a passphrase")
	}
	return nil
}

// ModeFor returns the sync mode governing a slash-separated remote path.
// Paths outside every selective-sync folder are excluded entirely; with no
// folders configured everything syncs two-way.
func (c *Config) ModeFor(relPath string) (SyncMode, bool) {
	if len(c.Folders) == 0 {
		return SyncTwoWay, true
	}
	for _, f := range c.Folders {
		if relPath == f.Path || len(relPath) > len(f.Path) && relPath[:len(f.Path)] == f.Path && relPath[len(f.Path)] == '/' {
			return f.Mode, true
		}
		// A folder's ancestors still sync so the tree can materialize.
		if len(f.Path) > len(relPath) && f.Path[:len(relPath)] == relPath && f.Path[len(relPath)] == '/' {
			return SyncTwoWay, true
		}
	}
	return "", false
}

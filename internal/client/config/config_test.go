package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_SaveAndLoad_Roundtrip(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.json")

	cfg := Default()
	cfg.DataDir = tmp
	cfg.Email = "alice@example.com"
	cfg.ServerURL = "http://127.0.0.1:8080"
	cfg.RefreshToken = "rtok"
	cfg.UploadKBps = 512
	cfg.Folders = []SyncFolder{
		{Path: "Documents", Mode: SyncTwoWay},
		{Path: "Photos", Mode: SyncUploadOnly},
	}
	cfg.Path = path

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	assert.Equal(t, cfg.Email, loaded.Email)
	assert.Equal(t, cfg.RefreshToken, loaded.RefreshToken)
	assert.Equal(t, 512, loaded.UploadKBps)
	assert.Equal(t, cfg.Folders, loaded.Folders)
	assert.Equal(t, path, loaded.Path)
}

func TestConfig_Load_FillsDefaultsForOlderFiles(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.json")

	cfg := &Config{
		DataDir:   tmp,
		ServerURL: "http://127.0.0.1:8080",
		Folders:   []SyncFolder{{Path: "Documents"}},
	}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultSyncInterval, loaded.SyncInterval)
	assert.Equal(t, DefaultDebounceWindow, loaded.DebounceWindow)
	assert.Equal(t, DefaultMaxTransfers, loaded.MaxTransfers)
	assert.Equal(t, DefaultMaxRetries, loaded.MaxRetries)
	assert.Equal(t, ConflictManual, loaded.ConflictPolicy)
	assert.Equal(t, SyncTwoWay, loaded.Folders[0].Mode)
}

func TestConfig_Validate_ErrorsOnInvalidInputs(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.DataDir = t.TempDir()
		cfg.ServerURL = "http://127.0.0.1:8080"
		return cfg
	}

	t.Run("missing data dir", func(t *testing.T) {
		cfg := base()
		cfg.DataDir = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad server url", func(t *testing.T) {
		cfg := base()
		cfg.ServerURL = "://bad"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad conflict policy", func(t *testing.T) {
		cfg := base()
		cfg.ConflictPolicy = "coin_flip"
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative bandwidth", func(t *testing.T) {
		cfg := base()
		cfg.DownloadKBps = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("folder with bad mode", func(t *testing.T) {
		cfg := base()
		cfg.Folders = []SyncFolder{{Path: "Documents", Mode: "sideways"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("encryption without passphrase", func(t *testing.T) {
		cfg := base()
		cfg.EncryptionEnabled = true
		assert.Error(t, cfg.Validate())
	})
}

func TestConfig_ModeFor(t *testing.T) {
	cfg := Default()
	cfg.SyncInterval = time.Minute
	cfg.Folders = []SyncFolder{
		{Path: "Documents", Mode: SyncTwoWay},
		{Path: "Photos/Camera", Mode: SyncDownloadOnly},
	}

	mode, ok := cfg.ModeFor("Documents/report.txt")
	require.True(t, ok)
	assert.Equal(t, SyncTwoWay, mode)

	mode, ok = cfg.ModeFor("Photos/Camera/2026/img.jpg")
	require.True(t, ok)
	assert.Equal(t, SyncDownloadOnly, mode)

	// Ancestor of a selected folder materializes.
	mode, ok = cfg.ModeFor("Photos")
	require.True(t, ok)
	assert.Equal(t, SyncTwoWay, mode)

	// Sibling prefix must not match.
	_, ok = cfg.ModeFor("DocumentsBackup/file.txt")
	assert.False(t, ok)

	_, ok = cfg.ModeFor("Music/track.mp3")
	assert.False(t, ok)
}

func TestConfig_ModeFor_NoFoldersMeansEverything(t *testing.T) {
	cfg := Default()
	mode, ok := cfg.ModeFor("anything/at/all")
	require.True(t, ok)
	assert.Equal(t, SyncTwoWay, mode)
}

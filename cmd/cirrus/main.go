package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cirrusdrive/cirrus/internal/client"
	"github.com/cirrusdrive/cirrus/internal/client/config"
	"github.com/cirrusdrive/cirrus/internal/utils"
	"github.com/cirrusdrive/cirrus/internal/version"
)

const configFileName = "config"

var (
	home, _        = os.UserHomeDir()
	defaultLogFile = filepath.Join(home, ".cirrus", "logs", "cirrus.log")
)

var cirrusArt = `
   _____ _
  / ____(_)
 | |     _ _ __ _ __ _   _ ___
 | |    | | '__| '__| | | / __|
 | |____| | |  | |  | |_| \__ \
  \_____|_|_|  |_|   \__,_|___/
`

var rootCmd = &cobra.Command{
	Use:     "cirrus",
	Short:   "Cirrus Drive sync client",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromViper()
		if err != nil {
			return err
		}

		// all good now, show the header
		cmd.SilenceUsage = true
		showHeader()

		c, err := client.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		return c.Start(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("email", "e", "", "Account email for the drive")
	rootCmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "Local sync directory")
	rootCmd.Flags().StringP("server", "s", config.DefaultServerURL, "Cirrus Drive server URL")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Cirrus config file")
}

func main() {
	_ = godotenv.Load()
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	fileWriter := &lumberjack.Logger{
		Filename:   defaultLogFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     30, // days
		Compress:   true,
	}
	fileHandler := slog.NewTextHandler(fileWriter, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	logger := slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler))
	slog.SetDefault(logger)
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".cirrus"))
		viper.AddConfigPath(filepath.Join(home, ".config/cirrus"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("email", cmd.Flags().Lookup("email"))
	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("server_url", cmd.Flags().Lookup("server"))

	viper.SetEnvPrefix("CIRRUS")
	viper.AutomaticEnv()

	return nil
}

// configFromViper assembles and validates the effective configuration from
// the config file, environment and flags.
func configFromViper() (*config.Config, error) {
	cfg := config.Default()
	cfg.Path = viper.ConfigFileUsed()
	if v := viper.GetString("email"); v != "" {
		cfg.Email = v
	}
	if v := viper.GetString("data_dir"); v != "" {
		cfg.DataDir = v
	}
	if v := viper.GetString("server_url"); v != "" {
		cfg.ServerURL = v
	}
	cfg.RefreshToken = viper.GetString("refresh_token")
	if v := viper.GetDuration("sync_interval"); v > 0 {
		cfg.SyncInterval = v
	}
	if v := viper.GetDuration("debounce_window"); v > 0 {
		cfg.DebounceWindow = v
	}
	if v := viper.GetInt("max_transfers"); v > 0 {
		cfg.MaxTransfers = v
	}
	if v := viper.GetInt("max_retries"); v > 0 {
		cfg.MaxRetries = v
	}
	cfg.UploadKBps = viper.GetInt("upload_kbps")
	cfg.DownloadKBps = viper.GetInt("download_kbps")
	if v := viper.GetInt64("chunk_threshold"); v > 0 {
		cfg.ChunkThreshold = v
	}
	if v := viper.GetString("conflict_policy"); v != "" {
		cfg.ConflictPolicy = config.ConflictPolicy(v)
	}
	cfg.SyncHiddenFiles = viper.GetBool("sync_hidden_files")
	cfg.EncryptionEnabled = viper.GetBool("encryption_enabled")
	cfg.EncryptionPassphrase = viper.GetString("encryption_passphrase")
	if err := viper.UnmarshalKey("folders", &cfg.Folders); err != nil {
		return nil, fmt.Errorf("config: invalid folders list: %w", err)
	}
	cfg.ExcludePatterns = viper.GetStringSlice("exclude_patterns")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Print(cirrusArt + "\n")
}

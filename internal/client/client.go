package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cirrusdrive/cirrus/internal/client/config"
	"github.com/cirrusdrive/cirrus/internal/client/sync"
	"github.com/cirrusdrive/cirrus/internal/client/workspace"
	"github.com/cirrusdrive/cirrus/internal/crypto"
	"github.com/cirrusdrive/cirrus/internal/davsdk"
)

// Client owns one synced workspace: the WebDAV transport, the local
// directory and the sync engine between them.
type Client struct {
	cfg    *config.Config
	ws     *workspace.Workspace
	sdk    *davsdk.DavSDK
	engine *sync.SyncEngine
}

func New(cfg *config.Config) (*Client, error) {
	ws, err := workspace.NewWorkspace(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	var tokens davsdk.TokenSource
	if cfg.RefreshToken != "" {
		tokens, err = davsdk.NewRefreshTokenSource(cfg.ServerURL, cfg.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to create token source: %w", err)
		}
	}

	sdk, err := davsdk.New(cfg.ServerURL, tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to create dav client: %w", err)
	}

	return &Client{
		cfg: cfg,
		ws:  ws,
		sdk: sdk,
	}, nil
}

// Start brings the workspace up and runs the sync engine until the context
// is cancelled.
func (c *Client) Start(ctx context.Context) error {
	slog.Info("cirrus client start", "datadir", c.cfg.DataDir, "email", c.cfg.Email, "server", c.cfg.ServerURL)

	if err := c.ws.Setup(); err != nil {
		if errors.Is(err, workspace.ErrWorkspaceLocked) {
			return fmt.Errorf("another cirrus instance is syncing %s", c.ws.Root)
		}
		return fmt.Errorf("failed to set up workspace: %w", err)
	}
	defer c.ws.Unlock()

	var enc sync.Encryptor
	if c.cfg.EncryptionEnabled {
		box, err := crypto.NewBoxFromPassphrase(c.cfg.EncryptionPassphrase, c.cfg.Email)
		if err != nil {
			return fmt.Errorf("failed to derive content key: %w", err)
		}
		enc = box
	}

	engine, err := sync.NewSyncEngine(c.cfg, c.ws, c.sdk, enc, nil)
	if err != nil {
		return fmt.Errorf("failed to create sync engine: %w", err)
	}
	c.engine = engine

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}

	<-ctx.Done()
	slog.Info("received interrupt signal, stopping client")

	if err := engine.Stop(); err != nil {
		slog.Error("sync engine stop", "error", err)
	}
	c.sdk.Close()
	slog.Info("cirrus client stop")
	return nil
}

// Engine exposes the running sync engine for control surfaces. Nil until
// Start has run.
func (c *Client) Engine() *sync.SyncEngine {
	return c.engine
}

// Workspace returns the synced workspace handle.
func (c *Client) Workspace() *workspace.Workspace {
	return c.ws
}

package sprite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/rickgao/sprite-bridge/internal/directory"
	"github.com/rickgao/sprite-bridge/internal/link"
)

// DialFunc opens a link. link.Dial in production.
type DialFunc func(ctx context.Context, cfg link.Config, h link.Handlers, logger *slog.Logger) (link.Conn, error)

// BackendConfig holds the settings Backend needs beyond the client.
type BackendConfig struct {
	ProxyURL          string // ws:// or wss:// base
	Token             string
	Link              link.Config // Timeouts; URL, token and target are filled per user
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration
}

// Backend resolves users to sprites and wakes, connects or restarts them.
type Backend struct {
	client *Client
	dir    directory.Directory
	cfg    BackendConfig
	dial   DialFunc
	logger *slog.Logger
}

// NewBackend creates a Backend. If dial is nil, link.Dial is used.
func NewBackend(client *Client, dir directory.Directory, cfg BackendConfig, dial DialFunc, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = func(ctx context.Context, cfg link.Config, h link.Handlers, logger *slog.Logger) (link.Conn, error) {
			l, err := link.Dial(ctx, cfg, h, logger)
			if err != nil {
				return nil, err
			}
			return l, nil
		}
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = time.Second
	}
	return &Backend{
		client: client,
		dir:    dir,
		cfg:    cfg,
		dial:   dial,
		logger: logger,
	}
}

// WaitReady blocks until the user's sprite reports ready.
func (b *Backend) WaitReady(ctx context.Context, userID string) error {
	sp, err := b.dir.Lookup(ctx, userID)
	if err != nil {
		return err
	}
	return b.client.WaitReady(ctx, sp.Name, b.cfg.ReadyPollInterval, b.cfg.ReadyTimeout)
}

// Connect dials a link to the user's sprite.
func (b *Backend) Connect(ctx context.Context, userID string, h link.Handlers) (link.Conn, error) {
	sp, err := b.dir.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}

	cfg := b.cfg.Link
	cfg.URL = ProxyURL(b.cfg.ProxyURL, sp.Name)
	cfg.Token = b.cfg.Token
	cfg.Target = link.Target{Host: sp.Host, Port: sp.Port}

	conn, err := b.dial(ctx, cfg, h, b.logger.With("user", userID, "sprite", sp.Name))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", sp.Name, err)
	}
	return conn, nil
}

// Restart restarts the user's sprite.
func (b *Backend) Restart(ctx context.Context, userID string) error {
	sp, err := b.dir.Lookup(ctx, userID)
	if err != nil {
		return err
	}
	b.logger.Info("restarting sprite", "user", userID, "sprite", sp.Name)
	return b.client.Restart(ctx, sp.Name)
}

// ProxyURL returns the link endpoint for a sprite.
func ProxyURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/v1/sprites/" + url.PathEscape(name) + "/proxy"
}

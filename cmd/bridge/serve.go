package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/sprite-bridge/internal/auth"
	"github.com/rickgao/sprite-bridge/internal/config"
	"github.com/rickgao/sprite-bridge/internal/database"
	"github.com/rickgao/sprite-bridge/internal/directory"
	"github.com/rickgao/sprite-bridge/internal/gateway"
	"github.com/rickgao/sprite-bridge/internal/link"
	"github.com/rickgao/sprite-bridge/internal/metrics"
	"github.com/rickgao/sprite-bridge/internal/proxy"
	"github.com/rickgao/sprite-bridge/internal/router"
	"github.com/rickgao/sprite-bridge/internal/session"
	"github.com/rickgao/sprite-bridge/internal/sprite"
	"github.com/rickgao/sprite-bridge/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const countsInterval = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAndValidate(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger, err := newLogger(cfg.Logging, os.Stdout)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting bridge",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
	)

	dir, closeDir, err := openDirectory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDir()

	signer, err := auth.NewSigner([]byte(cfg.Auth.JWTSecret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithTTL(cfg.Auth.TokenTTL),
	)
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}

	// Sprite control plane and links
	client := sprite.NewClient(
		cfg.Sprites.APIURL,
		cfg.Sprites.Token,
		sprite.WithLogger(logger),
		sprite.WithTimeout(cfg.Sprites.RequestTimeout),
		sprite.WithRetries(cfg.Sprites.MaxRetries, time.Second),
	)
	linkCfg := link.DefaultConfig()
	linkCfg.HandshakeTimeout = cfg.Sprites.HandshakeTimeout
	linkCfg.PingInterval = cfg.Sprites.PingInterval
	linkCfg.PingTimeout = 3 * cfg.Sprites.PingInterval

	backend := sprite.NewBackend(client, dir, sprite.BackendConfig{
		ProxyURL:          cfg.Sprites.ProxyURL,
		Token:             cfg.Sprites.Token,
		Link:              linkCfg,
		ReadyTimeout:      cfg.Sprites.ReadyTimeout,
		ReadyPollInterval: cfg.Sprites.ReadyPollInterval,
	}, nil, logger.With("component", "sprite"))

	// Sessions and routing
	reg := session.NewRegistry(session.Config{
		BufferCapacity: cfg.Session.BufferCapacity,
		BufferTTL:      cfg.Session.BufferTTL,
		MaxAttempts:    cfg.Session.MaxAttempts,
		RetryDelay:     cfg.Session.RetryDelay,
		MaxRetryDelay:  cfg.Session.MaxRetryDelay,
	}, logger.With("component", "session"))
	coord := session.NewCoordinator(reg, backend, logger.With("component", "recovery"))
	rt := router.NewRouter(coord, reg, logger.With("component", "router"))
	reg.SetBackendHandler(rt.HandleBackend)

	var proxyHandler *proxy.Handler
	if cfg.Proxy.Enabled {
		providers := make(map[string]proxy.Provider, len(cfg.Proxy.Providers))
		for name, p := range cfg.Proxy.Providers {
			providers[name] = proxy.Provider{BaseURL: p.BaseURL, KeyEnv: p.KeyEnv}
		}
		proxyHandler = proxy.New(proxy.Config{
			Token:        cfg.Proxy.Token,
			MaxBodyBytes: cfg.Proxy.MaxBodyBytes,
			Providers:    providers,
		}, proxy.WithLogger(logger.With("component", "proxy")))
		logger.Info("llm proxy enabled", "providers", len(providers))
	}

	gwCfg := gateway.Config{
		Addr:            cfg.Server.Addr,
		AuthTimeout:     cfg.Session.AuthTimeout,
		PingInterval:    cfg.Server.PingInterval,
		WriteTimeout:    cfg.Server.WriteTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	if cfg.Metrics.Enabled {
		gwCfg.MetricsPath = cfg.Metrics.Path
	}
	gw := gateway.New(gwCfg, gateway.Deps{
		Registry:  reg,
		Greeter:   coord,
		Router:    rt,
		Verifier:  signer,
		Directory: dir,
		Proxy:     proxyHandler,
	}, logger.With("component", "gateway"))

	collector := metrics.NewCollector(reg, countsInterval)
	collector.Start()
	defer collector.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(gw.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := gw.Shutdown(shutdownCtx)
		reg.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	logger.Info("bridge stopped")
	return nil
}

// openDirectory returns the configured user directory and a function that
// releases its resources.
func openDirectory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (directory.Directory, func(), error) {
	switch cfg.Directory.Driver {
	case "postgres":
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		dir := directory.NewPostgres(pool, cfg.Sprites.TargetHost, cfg.Sprites.TargetPort)
		if err := dir.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		logger.Info("database connected")
		return dir, pool.Close, nil

	default:
		dir := directory.NewStatic(cfg.Directory.Users, cfg.Sprites.TargetHost, cfg.Sprites.TargetPort)
		logger.Info("using static directory", "users", dir.Len())
		return dir, func() {}, nil
	}
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/slotwise/adapter/api"
	"github.com/felixgeelhaar/slotwise/internal/app"
	"github.com/felixgeelhaar/slotwise/pkg/config"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.LogLevel,
		Format:         observability.LogFormat(cfg.LogFormat),
		Output:         os.Stdout,
		ServiceName:    "slotwise-api",
		ServiceVersion: cfg.ServiceVersion,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}
	defer container.Close()

	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, admin routes are unauthenticated")
	}

	serverCfg := api.DefaultServerConfig()
	serverCfg.Addr = cfg.APIAddr
	server := api.NewServer(serverCfg, container.RouterConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("API server failed", "error", err)
			container.Close()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown error", "error", err)
	}
	logger.Info("API server stopped")
}

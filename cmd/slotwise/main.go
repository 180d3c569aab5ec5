package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/slotwise/adapter/cli"
	"github.com/felixgeelhaar/slotwise/adapter/cli/booking"
	"github.com/felixgeelhaar/slotwise/adapter/cli/dlq"
	"github.com/felixgeelhaar/slotwise/adapter/cli/events"
	"github.com/felixgeelhaar/slotwise/adapter/cli/ledger"
	"github.com/felixgeelhaar/slotwise/adapter/cli/queue"
	"github.com/felixgeelhaar/slotwise/internal/app"
	"github.com/felixgeelhaar/slotwise/pkg/config"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

func main() {
	logger := observability.NewLogger(observability.LogConfig{
		Level:       "warn",
		Format:      observability.LogFormatText,
		Output:      os.Stderr,
		ServiceName: "slotwise-cli",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.IsDevelopment() {
		logger = observability.NewLogger(observability.LogConfig{
			Level:       cfg.LogLevel,
			Format:      observability.LogFormatText,
			Output:      os.Stderr,
			ServiceName: "slotwise-cli",
		})
	}
	cli.SetLogger(logger)

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		if !cfg.IsDevelopment() {
			logger.Error("failed to initialize container", "error", err)
			os.Exit(1)
		}
		logger.Warn("failed to initialize container, running in limited mode", "error", err)
	} else {
		cli.SetApp(container.CLIApp())
	}

	cli.AddCommand(booking.Cmd)
	cli.AddCommand(queue.Cmd)
	cli.AddCommand(dlq.Cmd)
	cli.AddCommand(ledger.Cmd)
	cli.AddCommand(events.Cmd)

	err = cli.ExecuteContext(ctx)
	if container != nil {
		container.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

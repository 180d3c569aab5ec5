package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

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
		ServiceName:    "slotwise-worker",
		ServiceVersion: cfg.ServiceVersion,
	})
	slog.SetDefault(logger)
	logger.Info("starting slotwise worker")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}
	defer container.Close()

	if err := container.RegisterWorkers(); err != nil {
		logger.Error("failed to register workers", "error", err)
		container.Close()
		os.Exit(1)
	}
	if err := container.Queue.Start(ctx); err != nil {
		logger.Error("failed to start queue", "error", err)
		container.Close()
		os.Exit(1)
	}

	go runEvery(ctx, cfg.CleanupInterval, func() {
		report, err := container.Admin.SweepRetention(ctx, container.Retention())
		if err != nil {
			logger.Error("retention sweep failed", "error", err)
			return
		}
		if report.LedgerEntries > 0 || report.DeadLetters > 0 || report.CleanedJobs > 0 {
			logger.Info("retention sweep completed",
				"ledger_entries", report.LedgerEntries,
				"dead_letters", report.DeadLetters,
				"cleaned_jobs", report.CleanedJobs,
			)
		}
	})

	go runEvery(ctx, cfg.StatsInterval, func() {
		container.Queue.CheckDeadLetterThreshold(ctx)
		lanes, err := container.Admin.QueueStats(ctx)
		if err != nil {
			logger.Warn("failed to collect queue stats", "error", err)
			return
		}
		for _, lv := range lanes {
			logger.Info("lane stats",
				"lane", lv.Lane,
				"paused", lv.Paused,
				"counts", lv.Counts,
				"dead_letters", lv.DeadLetters,
			)
		}
	})

	if cfg.WorkerHealthAddr != "" {
		healthSrv := &http.Server{
			Addr:              cfg.WorkerHealthAddr,
			Handler:           healthMux(container),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("health server starting", "addr", cfg.WorkerHealthAddr)
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := healthSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown error", "error", err)
			}
		}()
	}

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("shutting down worker")

	container.Queue.Stop()
	logger.Info("worker stopped")
}

// runEvery calls fn on every tick until ctx is done. A non-positive
// interval disables the loop.
func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func healthMux(c *app.Container) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := http.StatusOK
		if !c.Queue.IsRunning() {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  http.StatusText(status),
			"running": c.Queue.IsRunning(),
		})
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		health := c.Health.Check(checkCtx)
		w.Header().Set("Content-Type", "application/json")
		if health.Status == observability.HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})

	// Breaker state is per process; this is where the protected calls run.
	mux.HandleFunc("GET /breakers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"breakers": c.Admin.Breakers()})
	})

	if c.MetricsHandler != nil {
		mux.Handle("GET /metrics", c.MetricsHandler)
	}
	return mux
}

// Package app wires the slotwise components into a runnable container.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/slotwise/adapter/api"
	"github.com/felixgeelhaar/slotwise/adapter/cli"
	"github.com/felixgeelhaar/slotwise/internal/admin"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/commands"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/queries"
	"github.com/felixgeelhaar/slotwise/internal/booking/domain"
	"github.com/felixgeelhaar/slotwise/internal/breaker"
	"github.com/felixgeelhaar/slotwise/internal/deadletter"
	"github.com/felixgeelhaar/slotwise/internal/integrations"
	"github.com/felixgeelhaar/slotwise/internal/ledger"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/slotwise/internal/workers"
	"github.com/felixgeelhaar/slotwise/pkg/config"
	"github.com/felixgeelhaar/slotwise/pkg/observability"

	// Register database drivers
	_ "github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database/postgres"
	_ "github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database/sqlite"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Infrastructure
	DB             database.Connection
	RedisClient    *redis.Client
	EventPublisher eventbus.Publisher
	Metrics        *observability.PipelineMetrics
	MetricsHandler http.Handler
	Health         *observability.HealthRegistry

	// Applied migration versions from startup
	Migrations []string

	// Storage
	Repositories *RepositoryFactory
	BookingRepo  domain.Repository
	DeadLetters  *deadletter.Store
	Ledger       *ledger.Service

	// Pipeline
	Queue    *queue.Manager
	Breakers *breaker.Registry

	// Integrations
	Dispatch   integrations.DispatchClient
	Scheduling integrations.SchedulingClient
	Notifier   integrations.Notifier
	Tracker    integrations.Tracker

	// Booking handlers
	CreateBookingHandler *commands.CreateBookingHandler
	UpdateStatusHandler  *commands.UpdateBookingStatusHandler
	CancelBookingHandler *commands.CancelBookingHandler
	AttachJobHandler     *commands.AttachExternalJobHandler
	GetBookingHandler    *queries.GetBookingHandler

	Admin *admin.Service

	workersOnce sync.Once
	workersErr  error
	closers     []func() error
}

// NewContainer creates the container for cfg. An empty DATABASE_URL
// selects local mode.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if cfg.LocalMode() {
		return NewLocalContainer(ctx, cfg, logger)
	}

	logger = observability.OrDefault(logger)
	conn, err := database.NewConnection(ctx, database.Config{
		Driver:   database.DriverPostgres,
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DatabaseMaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("connected to database", "driver", conn.Driver())

	return build(ctx, cfg, logger, conn)
}

// NewLocalContainer creates a container backed by SQLite at
// cfg.SQLitePath, or the default path when unset.
func NewLocalContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	logger = observability.OrDefault(logger)
	path := cfg.SQLitePath
	if path == "" {
		path = database.DefaultSQLitePath()
	}

	conn, err := database.NewConnection(ctx, database.Config{
		Driver:     database.DriverSQLite,
		SQLitePath: path,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite connection: %w", err)
	}
	logger.Info("running in local mode", "driver", "sqlite", "path", path)

	return build(ctx, cfg, logger, conn)
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, conn database.Connection) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: logger,
		DB:     conn,
		Health: observability.NewHealthRegistry(),
	}
	c.closers = append(c.closers, conn.Close)
	c.Health.Register("database", observability.PingChecker("database", true, conn.Ping))

	applied, err := migrations.Run(ctx, conn)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	c.Migrations = applied
	if len(applied) > 0 {
		logger.Info("applied migrations", "versions", applied)
	}

	if err := c.connectRedis(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.connectEventBus(); err != nil {
		c.Close()
		return nil, err
	}

	var queueObserver queue.Observer
	var breakerObserver breaker.Observer
	metrics, handler, err := observability.NewPipelineMetrics()
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
	} else {
		c.Metrics = metrics
		c.MetricsHandler = handler
		queueObserver = metrics
		breakerObserver = metrics
	}

	var client redis.UniversalClient
	if c.RedisClient != nil {
		client = c.RedisClient
	}
	c.Repositories = NewRepositoryFactory(conn, client, cfg.QueueKeyPrefix)
	c.BookingRepo = c.Repositories.BookingRepository()
	c.DeadLetters = c.Repositories.DeadLetterStore(logger)
	c.Ledger = ledger.NewService(c.Repositories.LedgerRepository(), logger)

	backend, err := c.Repositories.QueueBackend(c.queueBackendKind())
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Queue, err = queue.NewManager(backend, managerConfig(cfg), queue.Deps{
		DeadLetters: c.DeadLetters,
		Ledger:      c.Ledger,
		Observer:    queueObserver,
		Logger:      logger,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create queue manager: %w", err)
	}
	c.closers = append(c.closers, func() error { c.Queue.Stop(); return nil })

	c.Breakers = breaker.NewRegistry(breaker.Config{
		CallTimeout:     cfg.BreakerCallTimeout,
		ErrorThreshold:  cfg.BreakerErrorThreshold,
		VolumeThreshold: cfg.BreakerVolumeThreshold,
		Window:          cfg.BreakerWindow,
		ResetTimeout:    cfg.BreakerResetTimeout,
	}, breakerObserver, logger)

	deps := commands.Deps{
		Repo:   c.BookingRepo,
		UoW:    c.Repositories.UnitOfWork(),
		Queue:  c.Queue,
		Ledger: c.Ledger,
		Hold:   c.Repositories.SlotHold(cfg.SlotHoldEnabled, cfg.SlotHoldTTL),
		Logger: logger,
	}
	c.CreateBookingHandler = commands.NewCreateBookingHandler(deps, cfg.BookingTxTimeout)
	c.UpdateStatusHandler = commands.NewUpdateBookingStatusHandler(deps)
	c.CancelBookingHandler = commands.NewCancelBookingHandler(deps)
	c.AttachJobHandler = commands.NewAttachExternalJobHandler(deps)
	c.GetBookingHandler = queries.NewGetBookingHandler(c.BookingRepo)

	c.buildIntegrations()

	c.Admin = admin.NewService(c.Queue, c.DeadLetters, c.Ledger, c.Breakers, logger)

	logger.Info("container initialized",
		"driver", conn.Driver(),
		"queue_backend", c.queueBackendKind(),
		"slot_hold", cfg.SlotHoldEnabled && c.RedisClient != nil,
	)
	return c, nil
}

// RegisterWorkers binds the job handlers to the queue lanes. Only the
// process that runs the lanes calls it, so the breakers in c.Breakers and
// their counts belong to the process making the protected calls. Calling
// it again is a no-op.
func (c *Container) RegisterWorkers() error {
	c.workersOnce.Do(func() {
		err := workers.Register(c.Queue, workers.Deps{
			Bookings:   c.BookingRepo,
			Status:     c.UpdateStatusHandler,
			Attach:     c.AttachJobHandler,
			Queue:      c.Queue,
			Dispatch:   c.Dispatch,
			Scheduling: c.Scheduling,
			Notifier:   c.Notifier,
			Tracker:    c.Tracker,
			Breakers:   c.Breakers,
			Logger:     c.Logger,
		})
		if err != nil {
			c.workersErr = fmt.Errorf("failed to register workers: %w", err)
		}
	})
	return c.workersErr
}

// connectRedis opens the Redis client when REDIS_URL is set. Development
// tolerates an unreachable server; the queue then falls back to SQL and
// slot holds are disabled.
func (c *Container) connectRedis(ctx context.Context) error {
	if c.Config.RedisURL == "" {
		return nil
	}
	opt, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		if !c.Config.IsDevelopment() {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		c.Logger.Warn("invalid Redis URL, continuing without Redis", "error", err)
		return nil
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if !c.Config.IsDevelopment() {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		c.Logger.Warn("Redis not available, continuing without Redis", "error", err)
		return nil
	}

	c.RedisClient = client
	c.closers = append(c.closers, client.Close)
	c.Health.Register("redis", observability.PingChecker("redis", c.queueBackendKind() == QueueBackendRedis,
		func(ctx context.Context) error { return client.Ping(ctx).Err() }))
	c.Logger.Info("connected to Redis")
	return nil
}

// connectEventBus publishes to RabbitMQ when configured. Local mode and
// development fall back to an in-process bus that logs every event.
func (c *Container) connectEventBus() error {
	if c.Config.RabbitMQURL != "" {
		publisher, err := eventbus.NewRabbitMQPublisher(c.Config.RabbitMQURL, eventbus.ExchangeName, c.Logger)
		if err == nil {
			c.EventPublisher = publisher
			c.closers = append(c.closers, publisher.Close)
			c.Health.Register("rabbitmq", observability.PingChecker("rabbitmq", false, publisher.Ping))
			return nil
		}
		if !c.Config.IsDevelopment() && !c.Config.LocalMode() {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		c.Logger.Warn("RabbitMQ not available, using in-process event bus", "error", err)
	}

	bus := eventbus.NewInProcessBus(c.Logger)
	bus.Register(eventbus.LogHandler(c.Logger, "#"))
	c.EventPublisher = bus
	return nil
}

func (c *Container) buildIntegrations() {
	cfg := c.Config
	if cfg.DispatchBaseURL != "" {
		c.Dispatch = integrations.NewHTTPDispatchClient(integrations.HTTPConfig{
			BaseURL: cfg.DispatchBaseURL,
			APIKey:  cfg.DispatchAPIKey,
			Timeout: cfg.IntegrationHTTPTimeout,
		}, c.Logger)
	} else {
		c.Logger.Warn("DISPATCH_BASE_URL not set, dispatch jobs are logged only")
		c.Dispatch = integrations.NewLogDispatchClient(c.Logger)
	}

	if cfg.SchedulingBaseURL != "" {
		c.Scheduling = integrations.NewHTTPSchedulingClient(integrations.HTTPConfig{
			BaseURL: cfg.SchedulingBaseURL,
			APIKey:  cfg.SchedulingAPIKey,
			Timeout: cfg.IntegrationHTTPTimeout,
		}, c.Logger)
	} else {
		c.Logger.Warn("SCHEDULING_BASE_URL not set, slot calls are logged only")
		c.Scheduling = integrations.NewLogSchedulingClient(c.Logger)
	}

	c.Notifier = integrations.NewEventNotifier(c.EventPublisher)
	c.Tracker = integrations.NewEventTracker(c.EventPublisher)
}

// queueBackendKind resolves the configured backend against what is
// reachable.
func (c *Container) queueBackendKind() string {
	kind := c.Config.QueueBackend
	if kind == QueueBackendRedis && c.RedisClient == nil {
		return QueueBackendSQL
	}
	if kind == "" {
		return QueueBackendSQL
	}
	return kind
}

func managerConfig(cfg *config.Config) queue.ManagerConfig {
	lanes := queue.DefaultLanes()
	for i := range lanes {
		if n, ok := cfg.LaneConcurrency[string(lanes[i].Name)]; ok && n > 0 {
			lanes[i].Concurrency = n
		}
	}
	return queue.ManagerConfig{
		Lanes:                    lanes,
		PollInterval:             cfg.QueuePollInterval,
		StallWindow:              cfg.QueueStallWindow,
		StallCheckInterval:       cfg.QueueStallCheckInterval,
		KeepCompleted:            cfg.QueueKeepCompleted,
		DeadLetterAlertThreshold: cfg.DeadLetterAlertThreshold,
	}
}

// Retention returns the sweep policy derived from config. Dead letters
// share the ledger retention window.
func (c *Container) Retention() admin.RetentionPolicy {
	return admin.RetentionPolicy{
		Ledger:      c.Config.LedgerRetention(),
		DeadLetters: c.Config.LedgerRetention(),
		CleanGrace:  c.Config.QueueCleanGrace,
	}
}

// Migrate applies pending migrations.
func (c *Container) Migrate(ctx context.Context) ([]string, error) {
	return migrations.Run(ctx, c.DB)
}

// CLIApp returns the dependencies of the operator CLI.
func (c *Container) CLIApp() *cli.App {
	return &cli.App{
		CreateBookingHandler: c.CreateBookingHandler,
		UpdateStatusHandler:  c.UpdateStatusHandler,
		CancelBookingHandler: c.CancelBookingHandler,
		GetBookingHandler:    c.GetBookingHandler,
		Admin:                c.Admin,
		Retention:            c.Retention(),
		Health:               c.Health,
		Migrate:              c.Migrate,
		RabbitMQURL:          c.Config.RabbitMQURL,
	}
}

// RouterConfig returns the HTTP routes backed by the container.
func (c *Container) RouterConfig() api.RouterConfig {
	return api.RouterConfig{
		Bookings: api.NewBookingHandler(api.BookingHandlerConfig{
			Create:       c.CreateBookingHandler,
			UpdateStatus: c.UpdateStatusHandler,
			Cancel:       c.CancelBookingHandler,
			Get:          c.GetBookingHandler,
			Logger:       c.Logger,
		}),
		Admin:      api.NewAdminHandler(c.Admin, c.Logger),
		Health:     c.Health,
		AdminToken: c.Config.AdminToken,
		Logger:     c.Logger,
	}
}

// Close releases resources in reverse order of acquisition.
func (c *Container) Close() {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if err := errors.Join(errs...); err != nil {
		c.Logger.Error("error closing container", "error", err)
	}
}

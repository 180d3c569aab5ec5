package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Lane names used as defaults for per-lane concurrency keys.
var laneNames = []string{"booking", "notification", "analytics", "integration"}

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv         string
	LogLevel       string
	LogFormat      string
	ServiceVersion string

	// Database
	DatabaseURL      string
	SQLitePath       string
	DatabaseMaxConns int

	// Redis
	RedisURL string

	// RabbitMQ
	RabbitMQURL string

	// Queue
	QueueBackend            string
	QueueKeyPrefix          string
	QueuePollInterval       time.Duration
	QueueStallWindow        time.Duration
	QueueStallCheckInterval time.Duration
	QueueKeepCompleted      int
	QueueCleanGrace         time.Duration
	LaneConcurrency         map[string]int

	// Dead letters
	DeadLetterAlertThreshold int

	// Booking
	BookingTxTimeout time.Duration
	SlotHoldEnabled  bool
	SlotHoldTTL      time.Duration

	// Circuit breakers
	BreakerCallTimeout     time.Duration
	BreakerErrorThreshold  int
	BreakerVolumeThreshold int
	BreakerWindow          time.Duration
	BreakerResetTimeout    time.Duration

	// Error ledger and retention
	LedgerRetentionDays int
	CleanupInterval     time.Duration
	StatsInterval       time.Duration

	// Listeners
	APIAddr          string
	WorkerHealthAddr string
	AdminToken       string

	// Integrations
	DispatchBaseURL        string
	DispatchAPIKey         string
	SchedulingBaseURL      string
	SchedulingAPIKey       string
	IntegrationHTTPTimeout time.Duration
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		ServiceVersion: getEnv("SERVICE_VERSION", "dev"),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		SQLitePath:       getEnv("SQLITE_PATH", ""),
		DatabaseMaxConns: getIntEnv("DATABASE_MAX_CONNS", 10),

		RedisURL:    getEnv("REDIS_URL", ""),
		RabbitMQURL: getEnv("RABBITMQ_URL", ""),

		QueueBackend:            getEnv("QUEUE_BACKEND", ""),
		QueueKeyPrefix:          getEnv("QUEUE_KEY_PREFIX", "slotwise"),
		QueuePollInterval:       getDurationEnv("QUEUE_POLL_INTERVAL", 250*time.Millisecond),
		QueueStallWindow:        getDurationEnv("QUEUE_STALL_WINDOW", 5*time.Minute),
		QueueStallCheckInterval: getDurationEnv("QUEUE_STALL_CHECK_INTERVAL", 30*time.Second),
		QueueKeepCompleted:      getIntEnv("QUEUE_KEEP_COMPLETED", 100),
		QueueCleanGrace:         getDurationEnv("QUEUE_CLEAN_GRACE", 24*time.Hour),
		LaneConcurrency:         make(map[string]int, len(laneNames)),

		DeadLetterAlertThreshold: getIntEnv("DEAD_LETTER_ALERT_THRESHOLD", 50),

		BookingTxTimeout: getDurationEnv("BOOKING_TX_TIMEOUT", 5*time.Second),
		SlotHoldEnabled:  getBoolEnv("SLOT_HOLD_ENABLED", false),
		SlotHoldTTL:      getDurationEnv("SLOT_HOLD_TTL", 10*time.Second),

		BreakerCallTimeout:     getDurationEnv("BREAKER_CALL_TIMEOUT", 10*time.Second),
		BreakerErrorThreshold:  getIntEnv("BREAKER_ERROR_THRESHOLD", 50),
		BreakerVolumeThreshold: getIntEnv("BREAKER_VOLUME_THRESHOLD", 5),
		BreakerWindow:          getDurationEnv("BREAKER_WINDOW", 60*time.Second),
		BreakerResetTimeout:    getDurationEnv("BREAKER_RESET_TIMEOUT", 30*time.Second),

		LedgerRetentionDays: getIntEnv("LEDGER_RETENTION_DAYS", 90),
		CleanupInterval:     getDurationEnv("CLEANUP_INTERVAL", time.Hour),
		StatsInterval:       getDurationEnv("STATS_INTERVAL", 30*time.Second),

		APIAddr:          getEnv("API_ADDR", "0.0.0.0:8080"),
		WorkerHealthAddr: getEnv("WORKER_HEALTH_ADDR", "0.0.0.0:8081"),
		AdminToken:       getEnv("ADMIN_TOKEN", ""),

		DispatchBaseURL:        getEnv("DISPATCH_BASE_URL", ""),
		DispatchAPIKey:         getEnv("DISPATCH_API_KEY", ""),
		SchedulingBaseURL:      getEnv("SCHEDULING_BASE_URL", ""),
		SchedulingAPIKey:       getEnv("SCHEDULING_API_KEY", ""),
		IntegrationHTTPTimeout: getDurationEnv("INTEGRATION_HTTP_TIMEOUT", 15*time.Second),
	}

	for _, lane := range laneNames {
		key := "LANE_" + strings.ToUpper(lane) + "_CONCURRENCY"
		if n := getIntEnv(key, 0); n > 0 {
			cfg.LaneConcurrency[lane] = n
		}
	}

	if cfg.QueueBackend == "" {
		cfg.QueueBackend = "sql"
		if cfg.RedisURL != "" {
			cfg.QueueBackend = "redis"
		}
	}

	if cfg.IsDevelopment() && os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("QUEUE_BACKEND=redis requires REDIS_URL")
		}
	case "sql", "memory":
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}

	positive := map[string]time.Duration{
		"BOOKING_TX_TIMEOUT":         c.BookingTxTimeout,
		"BREAKER_CALL_TIMEOUT":       c.BreakerCallTimeout,
		"BREAKER_WINDOW":             c.BreakerWindow,
		"BREAKER_RESET_TIMEOUT":      c.BreakerResetTimeout,
		"QUEUE_POLL_INTERVAL":        c.QueuePollInterval,
		"QUEUE_STALL_WINDOW":         c.QueueStallWindow,
		"QUEUE_STALL_CHECK_INTERVAL": c.QueueStallCheckInterval,
		"CLEANUP_INTERVAL":           c.CleanupInterval,
		"INTEGRATION_HTTP_TIMEOUT":   c.IntegrationHTTPTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}

	if c.BreakerErrorThreshold < 0 || c.BreakerErrorThreshold > 100 {
		return fmt.Errorf("BREAKER_ERROR_THRESHOLD must be within 0..100, got %d", c.BreakerErrorThreshold)
	}
	if c.BreakerVolumeThreshold < 1 {
		return fmt.Errorf("BREAKER_VOLUME_THRESHOLD must be at least 1, got %d", c.BreakerVolumeThreshold)
	}
	if c.DeadLetterAlertThreshold < 1 {
		return fmt.Errorf("DEAD_LETTER_ALERT_THRESHOLD must be at least 1, got %d", c.DeadLetterAlertThreshold)
	}
	if c.LedgerRetentionDays < 1 {
		return fmt.Errorf("LEDGER_RETENTION_DAYS must be at least 1, got %d", c.LedgerRetentionDays)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// LocalMode reports whether storage falls back to SQLite.
func (c *Config) LocalMode() bool {
	return c.DatabaseURL == ""
}

// LedgerRetention returns the retention window for resolved ledger entries.
func (c *Config) LedgerRetention() time.Duration {
	return time.Duration(c.LedgerRetentionDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// Package observability provides structured logging, health checks and
// pipeline metrics for slotwise processes.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LogFormat specifies the output format for logs.
type LogFormat string

const (
	// LogFormatText outputs human-readable text logs.
	LogFormatText LogFormat = "text"
	// LogFormatJSON outputs JSON-structured logs for production.
	LogFormatJSON LogFormat = "json"
)

// LogConfig configures the logger.
type LogConfig struct {
	Level          string
	Format         LogFormat
	Output         io.Writer
	AddSource      bool
	ServiceName    string
	ServiceVersion string
}

// NewLogger creates a structured logger that stamps service identity and
// context ids on every record.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case LogFormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	var attrs []slog.Attr
	if cfg.ServiceName != "" {
		attrs = append(attrs, slog.String("service", cfg.ServiceName))
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, slog.String("version", cfg.ServiceVersion))
	}

	return slog.New(&attributeHandler{handler: handler, attrs: attrs})
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDefault returns logger, or slog.Default() when nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// attributeHandler adds default attributes and ids carried by the context.
type attributeHandler struct {
	handler slog.Handler
	attrs   []slog.Attr
}

func (h *attributeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *attributeHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.attrs...)

	if id := CorrelationIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String(CorrelationIDKey, id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String(RequestIDKey, id))
	}
	if id := JobIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String(JobIDKey, id))
	}

	return h.handler.Handle(ctx, r)
}

func (h *attributeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &attributeHandler{handler: h.handler.WithAttrs(attrs), attrs: h.attrs}
}

func (h *attributeHandler) WithGroup(name string) slog.Handler {
	return &attributeHandler{handler: h.handler.WithGroup(name), attrs: h.attrs}
}

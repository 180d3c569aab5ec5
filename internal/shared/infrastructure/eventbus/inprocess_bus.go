package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// InProcessBus delivers events synchronously to registered handlers. It is
// the transport in local mode, when no RabbitMQ URL is configured.
type InProcessBus struct {
	registry *Registry
	logger   *slog.Logger
}

var _ Publisher = (*InProcessBus)(nil)

// NewInProcessBus creates an in-process bus.
func NewInProcessBus(logger *slog.Logger) *InProcessBus {
	logger = observability.OrDefault(logger)
	return &InProcessBus{registry: NewRegistry(logger), logger: logger}
}

// Register adds a handler.
func (b *InProcessBus) Register(h Handler) { b.registry.Register(h) }

// Publish decodes the envelope and dispatches it. Handler failures are
// logged and never fail the publisher.
func (b *InProcessBus) Publish(ctx context.Context, routingKey string, payload []byte) error {
	event := &Event{}
	if err := json.Unmarshal(payload, event); err != nil {
		b.logger.ErrorContext(ctx, "failed to decode event", "routing_key", routingKey, "error", err)
		return nil
	}
	if event.RoutingKey == "" {
		event.RoutingKey = routingKey
	}

	start := time.Now()
	if err := b.registry.Dispatch(ctx, event); err != nil {
		b.logger.ErrorContext(ctx, "event dispatch failed",
			"routing_key", routingKey,
			"event_id", event.ID,
			"error", err,
		)
		return nil
	}
	b.logger.DebugContext(ctx, "event dispatched",
		"routing_key", routingKey,
		"event_id", event.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (b *InProcessBus) Close() error { return nil }

// LogHandler writes every matching event to the logger. Local mode uses it
// as the stand-in for the notification and analytics consumers.
func LogHandler(logger *slog.Logger, patterns ...string) Handler {
	logger = observability.OrDefault(logger)
	return HandlerFunc{
		Keys: patterns,
		Fn: func(ctx context.Context, e *Event) error {
			logger.InfoContext(ctx, "event delivered",
				"routing_key", e.RoutingKey,
				"event_id", e.ID,
				"aggregate_id", e.AggregateID,
			)
			return nil
		},
	}
}

package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// Publisher sends messages to the event bus.
type Publisher interface {
	// Publish sends a message with the given routing key.
	Publish(ctx context.Context, routingKey string, payload []byte) error

	// Close releases the transport.
	Close() error
}

// PublishEvent encodes and publishes an event under its routing key.
func PublishEvent(ctx context.Context, p Publisher, e *Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.Publish(ctx, e.RoutingKey, body)
}

// NoopPublisher logs messages and drops them.
type NoopPublisher struct {
	logger *slog.Logger
}

// NewNoopPublisher creates a publisher that does nothing.
func NewNoopPublisher(logger *slog.Logger) *NoopPublisher {
	return &NoopPublisher{logger: observability.OrDefault(logger)}
}

func (p *NoopPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.logger.DebugContext(ctx, "noop publish", "routing_key", routingKey, "size", len(payload))
	return nil
}

func (p *NoopPublisher) Close() error { return nil }

// Package eventbus carries integration events between slotwise and the
// systems that deliver notifications and analytics. RabbitMQ is the
// production transport; an in-process bus replaces it in local mode.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// Event is the envelope published on the bus.
type Event struct {
	ID            uuid.UUID       `json:"event_id"`
	RoutingKey    string          `json:"routing_key"`
	AggregateID   string          `json:"aggregate_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEvent wraps payload in an envelope. The correlation id is taken from ctx.
func NewEvent(ctx context.Context, routingKey, aggregateID string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", routingKey, err)
	}
	return &Event{
		ID:            uuid.New(),
		RoutingKey:    routingKey,
		AggregateID:   aggregateID,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: observability.CorrelationIDFromContext(ctx),
		Payload:       raw,
	}, nil
}

// Handler processes events whose routing key matches one of its patterns.
// Patterns use AMQP topic syntax: '*' matches one word, '#' zero or more.
type Handler interface {
	RoutingKeys() []string
	Handle(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to Handler for a fixed set of patterns.
type HandlerFunc struct {
	Keys []string
	Fn   func(ctx context.Context, event *Event) error
}

func (h HandlerFunc) RoutingKeys() []string { return h.Keys }

func (h HandlerFunc) Handle(ctx context.Context, event *Event) error { return h.Fn(ctx, event) }

package domain

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent represents something that happened to an aggregate.
type DomainEvent interface {
	EventType() string
	AggregateID() uuid.UUID
	OccurredAt() time.Time
}

// BaseEvent provides common event fields.
type BaseEvent struct {
	eventType   string
	aggregateID uuid.UUID
	occurredAt  time.Time
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType string, aggregateID uuid.UUID, at time.Time) BaseEvent {
	return BaseEvent{eventType: eventType, aggregateID: aggregateID, occurredAt: at.UTC()}
}

func (e BaseEvent) EventType() string      { return e.eventType }
func (e BaseEvent) AggregateID() uuid.UUID { return e.aggregateID }
func (e BaseEvent) OccurredAt() time.Time  { return e.occurredAt }

package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBaseEntity_Touch(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewBaseEntity(created)

	assert.NotEqual(t, uuid.Nil, e.ID())
	assert.Equal(t, created, e.CreatedAt())

	later := created.Add(time.Hour)
	e.Touch(later)
	assert.Equal(t, created, e.CreatedAt())
	assert.Equal(t, later, e.UpdatedAt())
}

func TestBaseAggregateRoot_PullDomainEvents(t *testing.T) {
	root := NewBaseAggregateRoot(NewBaseEntity(time.Now()))
	root.AddDomainEvent(NewBaseEvent("booking.created", root.ID(), time.Now()))

	events := root.PullDomainEvents()
	assert.Len(t, events, 1)
	assert.Equal(t, "booking.created", events[0].EventType())
	assert.Equal(t, root.ID(), events[0].AggregateID())
	assert.Empty(t, root.PullDomainEvents())
}

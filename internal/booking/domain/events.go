package domain

import (
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/felixgeelhaar/slotwise/internal/shared/domain"
)

// Event types.
const (
	EventBookingCreated       = "booking.created"
	EventBookingStatusChanged = "booking.status_changed"
	EventBookingCancelled     = "booking.cancelled"
)

// BookingCreated is raised when a booking is first stored.
type BookingCreated struct {
	sharedDomain.BaseEvent
	SlotRef *string
}

// NewBookingCreated creates a BookingCreated event.
func NewBookingCreated(id uuid.UUID, slotRef *string, at time.Time) BookingCreated {
	return BookingCreated{BaseEvent: sharedDomain.NewBaseEvent(EventBookingCreated, id, at), SlotRef: slotRef}
}

// BookingStatusChanged is raised on every status transition.
type BookingStatusChanged struct {
	sharedDomain.BaseEvent
	From Status
	To   Status
}

// NewBookingStatusChanged creates a BookingStatusChanged event.
func NewBookingStatusChanged(id uuid.UUID, from, to Status, at time.Time) BookingStatusChanged {
	return BookingStatusChanged{BaseEvent: sharedDomain.NewBaseEvent(EventBookingStatusChanged, id, at), From: from, To: to}
}

// BookingCancelled is raised after the transition to cancelled. It carries
// the external references that must be released.
type BookingCancelled struct {
	sharedDomain.BaseEvent
	SlotRef       *string
	ExternalJobID *string
	Reason        string
}

// NewBookingCancelled creates a BookingCancelled event.
func NewBookingCancelled(id uuid.UUID, slotRef, externalJobID *string, reason string, at time.Time) BookingCancelled {
	return BookingCancelled{
		BaseEvent:     sharedDomain.NewBaseEvent(EventBookingCancelled, id, at),
		SlotRef:       slotRef,
		ExternalJobID: externalJobID,
		Reason:        reason,
	}
}

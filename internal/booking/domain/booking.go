// Package domain models bookings of service appointments into time slots.
package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	sharedDomain "github.com/felixgeelhaar/slotwise/internal/shared/domain"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusInProgress, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.TrimSpace(s)); st {
	case StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled:
		return st, nil
	}
	return "", apperrors.Validation("status", fmt.Sprintf("unknown status %q", s))
}

// CanTransitionTo reports whether s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Occupancy describes the customer's relationship to the property.
type Occupancy string

const (
	OccupancyOwner  Occupancy = "owner"
	OccupancyRenter Occupancy = "renter"
)

// Customer holds the contact details of the person booking. It is personal
// data and only ever stored on the booking itself.
type Customer struct {
	Email      string
	Phone      string
	PostalCode string
}

// NewBookingParams are the inputs for a new booking.
type NewBookingParams struct {
	SlotRef         *string
	ServiceType     string
	Occupancy       Occupancy
	OwnerPermission *bool
	Customer        Customer
	Notes           string
}

// Booking is the aggregate root for a customer's appointment. It is never
// deleted; cancellation releases its slot.
type Booking struct {
	sharedDomain.BaseAggregateRoot
	slotRef         *string
	status          Status
	serviceType     string
	occupancy       Occupancy
	ownerPermission *bool
	customer        Customer
	notes           string
	externalJobID   *string
	externalStatus  *string
}

// NewBooking validates params and creates a pending booking.
func NewBooking(p NewBookingParams, now time.Time) (*Booking, error) {
	if err := validate(&p); err != nil {
		return nil, err
	}

	b := &Booking{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(sharedDomain.NewBaseEntity(now)),
		slotRef:           p.SlotRef,
		status:            StatusPending,
		serviceType:       p.ServiceType,
		occupancy:         p.Occupancy,
		ownerPermission:   p.OwnerPermission,
		customer:          p.Customer,
		notes:             p.Notes,
	}
	b.AddDomainEvent(NewBookingCreated(b.ID(), b.slotRef, now))
	return b, nil
}

func validate(p *NewBookingParams) error {
	p.ServiceType = strings.TrimSpace(p.ServiceType)
	if p.ServiceType == "" {
		return apperrors.Validation("service_type", "service type is required")
	}

	switch p.Occupancy {
	case OccupancyOwner:
	case OccupancyRenter:
		if p.OwnerPermission == nil {
			return apperrors.Validation("owner_permission", "renters must state whether the owner has given permission")
		}
	default:
		return apperrors.Validation("occupancy", "occupancy must be owner or renter")
	}

	if p.SlotRef != nil {
		ref := strings.TrimSpace(*p.SlotRef)
		if ref == "" {
			return apperrors.Validation("slot_ref", "slot reference must not be blank")
		}
		p.SlotRef = &ref
	}

	p.Customer.Email = strings.TrimSpace(p.Customer.Email)
	if p.Customer.Email != "" {
		addr, err := mail.ParseAddress(p.Customer.Email)
		if err != nil || addr.Address != p.Customer.Email {
			return apperrors.Validation("email", "email address is malformed")
		}
	}
	p.Customer.Phone = strings.TrimSpace(p.Customer.Phone)
	p.Customer.PostalCode = strings.TrimSpace(p.Customer.PostalCode)
	return nil
}

// RehydrateBooking recreates a booking from persisted state.
func RehydrateBooking(
	id uuid.UUID,
	slotRef *string,
	status Status,
	serviceType string,
	occupancy Occupancy,
	ownerPermission *bool,
	customer Customer,
	notes string,
	externalJobID, externalStatus *string,
	createdAt, updatedAt time.Time,
) *Booking {
	return &Booking{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt)),
		slotRef:           slotRef,
		status:            status,
		serviceType:       serviceType,
		occupancy:         occupancy,
		ownerPermission:   ownerPermission,
		customer:          customer,
		notes:             notes,
		externalJobID:     externalJobID,
		externalStatus:    externalStatus,
	}
}

func (b *Booking) SlotRef() *string        { return b.slotRef }
func (b *Booking) Status() Status          { return b.status }
func (b *Booking) ServiceType() string     { return b.serviceType }
func (b *Booking) Occupancy() Occupancy    { return b.occupancy }
func (b *Booking) OwnerPermission() *bool  { return b.ownerPermission }
func (b *Booking) Customer() Customer      { return b.customer }
func (b *Booking) Notes() string           { return b.notes }
func (b *Booking) ExternalJobID() *string  { return b.externalJobID }
func (b *Booking) ExternalStatus() *string { return b.externalStatus }
func (b *Booking) HasSlot() bool           { return b.slotRef != nil }
func (b *Booking) HasExternalJob() bool    { return b.externalJobID != nil && *b.externalJobID != "" }
func (b *Booking) IsCancelled() bool       { return b.status == StatusCancelled }

// TransitionTo moves the booking to next. Moving to the current status is a
// no-op and reports false.
func (b *Booking) TransitionTo(next Status, now time.Time) (bool, error) {
	if next == b.status {
		return false, nil
	}
	if !b.status.CanTransitionTo(next) {
		return false, apperrors.Validation("status",
			fmt.Sprintf("cannot change booking status from %s to %s", b.status, next))
	}
	from := b.status
	b.status = next
	b.Touch(now)
	b.AddDomainEvent(NewBookingStatusChanged(b.ID(), from, next, now))
	return true, nil
}

// Cancel cancels the booking. Cancelling twice is a no-op.
func (b *Booking) Cancel(reason string, now time.Time) (bool, error) {
	changed, err := b.TransitionTo(StatusCancelled, now)
	if err != nil || !changed {
		return changed, err
	}
	b.AddDomainEvent(NewBookingCancelled(b.ID(), b.slotRef, b.externalJobID, reason, now))
	return true, nil
}

// AttachExternalJob records the dispatch system's job for this booking.
func (b *Booking) AttachExternalJob(jobID, status string, now time.Time) {
	b.externalJobID = &jobID
	b.externalStatus = &status
	b.Touch(now)
}

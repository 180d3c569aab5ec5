package domain

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores bookings. Create must fail with a Conflict error when
// another non-cancelled booking already holds the slot. Save must refuse to
// move a cancelled booking back to an active status.
type Repository interface {
	Create(ctx context.Context, b *Booking) error
	FindByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	// FindByIDForUpdate loads a booking and locks its row until the
	// surrounding transaction ends.
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error)
	Save(ctx context.Context, b *Booking) error
	FindActiveBySlot(ctx context.Context, slotRef string) (*Booking, error)
}

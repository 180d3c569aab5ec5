package commands

import (
	"context"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/booking/domain"
	sharedApplication "github.com/felixgeelhaar/slotwise/internal/shared/application"
)

// UpdateBookingStatusCommand moves a booking to a new status.
type UpdateBookingStatusCommand struct {
	BookingID uuid.UUID
	Status    string
	// IfStatus, when set, makes the update a no-op unless the booking is
	// currently in that status.
	IfStatus domain.Status
}

// UpdateBookingStatusHandler handles the UpdateBookingStatusCommand.
type UpdateBookingStatusHandler struct {
	deps Deps
}

// NewUpdateBookingStatusHandler creates a new UpdateBookingStatusHandler.
func NewUpdateBookingStatusHandler(deps Deps) *UpdateBookingStatusHandler {
	return &UpdateBookingStatusHandler{deps: deps.withDefaults()}
}

// Handle executes the UpdateBookingStatusCommand.
func (h *UpdateBookingStatusHandler) Handle(ctx context.Context, cmd UpdateBookingStatusCommand) (*domain.Booking, error) {
	next, err := domain.ParseStatus(cmd.Status)
	if err != nil {
		return nil, err
	}
	return h.deps.mutate(ctx, cmd.BookingID, func(b *domain.Booking) (bool, error) {
		if cmd.IfStatus != "" && b.Status() != cmd.IfStatus {
			return false, nil
		}
		if next == domain.StatusCancelled {
			return b.Cancel("status update", h.deps.Clock())
		}
		return b.TransitionTo(next, h.deps.Clock())
	})
}

// CancelBookingCommand cancels a booking and frees its slot.
type CancelBookingCommand struct {
	BookingID uuid.UUID
	Reason    string
}

// CancelBookingHandler handles the CancelBookingCommand.
type CancelBookingHandler struct {
	deps Deps
}

// NewCancelBookingHandler creates a new CancelBookingHandler.
func NewCancelBookingHandler(deps Deps) *CancelBookingHandler {
	return &CancelBookingHandler{deps: deps.withDefaults()}
}

// Handle cancels the booking. Cancelling a cancelled booking is a no-op.
func (h *CancelBookingHandler) Handle(ctx context.Context, cmd CancelBookingCommand) (*domain.Booking, error) {
	return h.deps.mutate(ctx, cmd.BookingID, func(b *domain.Booking) (bool, error) {
		return b.Cancel(cmd.Reason, h.deps.Clock())
	})
}

// mutate locks a booking, applies change inside a unit of work and saves it
// when change reports a modification. Follow-up jobs are enqueued after
// commit.
func (d Deps) mutate(ctx context.Context, id uuid.UUID, change func(*domain.Booking) (bool, error)) (*domain.Booking, error) {
	var booking *domain.Booking
	err := sharedApplication.WithUnitOfWork(ctx, d.UoW, func(txCtx context.Context) error {
		b, err := d.Repo.FindByIDForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		changed, err := change(b)
		if err != nil {
			return err
		}
		booking = b
		if !changed {
			return nil
		}
		return d.Repo.Save(txCtx, b)
	})
	if err != nil {
		return nil, err
	}

	events := booking.PullDomainEvents()
	if len(events) > 0 {
		d.Logger.InfoContext(ctx, "booking status changed",
			"booking_id", booking.ID().String(),
			"status", string(booking.Status()),
		)
		d.enqueueFollowUps(ctx, booking, events)
	}
	return booking, nil
}

// AttachExternalJobCommand stores the dispatch system's job reference.
type AttachExternalJobCommand struct {
	BookingID     uuid.UUID
	ExternalJobID string
	Status        string
}

// AttachExternalJobHandler handles the AttachExternalJobCommand.
type AttachExternalJobHandler struct {
	deps Deps
}

// NewAttachExternalJobHandler creates a new AttachExternalJobHandler.
func NewAttachExternalJobHandler(deps Deps) *AttachExternalJobHandler {
	return &AttachExternalJobHandler{deps: deps.withDefaults()}
}

// Handle stores the reference unless the booking already has one.
func (h *AttachExternalJobHandler) Handle(ctx context.Context, cmd AttachExternalJobCommand) (*domain.Booking, error) {
	return h.deps.mutate(ctx, cmd.BookingID, func(b *domain.Booking) (bool, error) {
		if b.HasExternalJob() {
			return false, nil
		}
		b.AttachExternalJob(cmd.ExternalJobID, cmd.Status, h.deps.Clock())
		return true, nil
	})
}

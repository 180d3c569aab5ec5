package workers

import (
	"context"
	"log/slog"

	"github.com/felixgeelhaar/slotwise/internal/booking/application/commands"
	"github.com/felixgeelhaar/slotwise/internal/booking/domain"
	"github.com/felixgeelhaar/slotwise/internal/breaker"
	"github.com/felixgeelhaar/slotwise/internal/integrations"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// SlotWorker confirms and releases slots at the scheduling provider.
type SlotWorker struct {
	bookings BookingReader
	status   StatusUpdater
	client   integrations.SchedulingClient
	confirm  *breaker.Breaker
	release  *breaker.Breaker
	logger   *slog.Logger
}

// NewSlotWorker creates a SlotWorker.
func NewSlotWorker(d Deps) *SlotWorker {
	d = d.withDefaults()
	return &SlotWorker{
		bookings: d.Bookings,
		status:   d.Status,
		client:   d.Scheduling,
		confirm:  d.Breakers.Get(BreakerSchedulingConfirm),
		release:  d.Breakers.Get(BreakerSchedulingRelease),
		logger:   observability.OrDefault(d.Logger),
	}
}

// Confirm handles slot.confirm. A pending booking becomes confirmed, which
// enqueues the confirmation notification.
func (w *SlotWorker) Confirm(ctx context.Context, _ *queue.Job, p queue.SlotConfirm) error {
	b, err := loadBooking(ctx, w.bookings, p.BookingID)
	if err != nil {
		return err
	}
	if b.IsCancelled() {
		w.logger.InfoContext(ctx, "booking cancelled, skipping slot confirmation", "booking_id", p.BookingID)
		return nil
	}

	if err := w.confirm.Execute(ctx, func(ctx context.Context) error {
		return w.client.ConfirmSlot(ctx, p.SlotRef, p.BookingID)
	}); err != nil {
		return err
	}

	updated, err := w.status.Handle(ctx, commands.UpdateBookingStatusCommand{
		BookingID: b.ID(),
		Status:    string(domain.StatusConfirmed),
		IfStatus:  domain.StatusPending,
	})
	if err != nil {
		return err
	}
	w.logger.InfoContext(ctx, "slot confirmed",
		"booking_id", p.BookingID,
		"status", string(updated.Status()),
	)
	return nil
}

// Release handles slot.release. An unknown slot counts as released.
func (w *SlotWorker) Release(ctx context.Context, _ *queue.Job, p queue.SlotRelease) error {
	err := w.release.Execute(ctx, func(ctx context.Context) error {
		return w.client.ReleaseSlot(ctx, p.SlotRef, p.BookingID)
	})
	if apperrors.IsNotFound(err) {
		return nil
	}
	return err
}

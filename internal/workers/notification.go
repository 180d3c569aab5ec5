package workers

import (
	"context"
	"log/slog"

	"github.com/felixgeelhaar/slotwise/internal/breaker"
	"github.com/felixgeelhaar/slotwise/internal/integrations"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// NotificationWorker sends customer notifications.
type NotificationWorker struct {
	bookings BookingReader
	notifier integrations.Notifier
	breaker  *breaker.Breaker
	logger   *slog.Logger
}

// NewNotificationWorker creates a NotificationWorker.
func NewNotificationWorker(d Deps) *NotificationWorker {
	d = d.withDefaults()
	return &NotificationWorker{
		bookings: d.Bookings,
		notifier: d.Notifier,
		breaker:  d.Breakers.Get(BreakerNotification),
		logger:   observability.OrDefault(d.Logger),
	}
}

// Send handles notification.send. Contact details are read from the
// booking here and never logged.
func (w *NotificationWorker) Send(ctx context.Context, _ *queue.Job, p queue.NotificationSend) error {
	b, err := loadBooking(ctx, w.bookings, p.BookingID)
	if err != nil {
		return err
	}
	if b.IsCancelled() && p.Template != queue.TemplateBookingCancelled {
		w.logger.InfoContext(ctx, "booking cancelled, dropping notification",
			"booking_id", p.BookingID,
			"template", p.Template,
		)
		return nil
	}

	c := b.Customer()
	if c.Email == "" && c.Phone == "" {
		w.logger.InfoContext(ctx, "booking has no contact details, skipping notification", "booking_id", p.BookingID)
		return nil
	}

	msg := integrations.Notification{
		BookingID: p.BookingID,
		Template:  p.Template,
		Email:     c.Email,
		Phone:     c.Phone,
		Status:    string(b.Status()),
	}
	if b.HasSlot() {
		msg.SlotRef = *b.SlotRef()
	}

	if err := w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.notifier.Send(ctx, msg)
	}); err != nil {
		return err
	}
	w.logger.InfoContext(ctx, "notification sent", "booking_id", p.BookingID, "template", p.Template)
	return nil
}

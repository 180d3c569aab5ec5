// Package workers executes the background side effects of bookings. Each
// handler re-reads the booking before acting, so stale jobs become no-ops.
package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/booking/application/commands"
	"github.com/felixgeelhaar/slotwise/internal/booking/domain"
	"github.com/felixgeelhaar/slotwise/internal/breaker"
	"github.com/felixgeelhaar/slotwise/internal/integrations"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// Breaker names, one per protected operation.
const (
	BreakerDispatchCreate    = "dispatch.create_job"
	BreakerDispatchCancel    = "dispatch.cancel_job"
	BreakerSchedulingConfirm = "scheduling.confirm_slot"
	BreakerSchedulingRelease = "scheduling.release_slot"
	BreakerNotification      = "notification.send"
	BreakerAnalytics         = "analytics.publish"
)

// BookingReader loads bookings.
type BookingReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
}

// StatusUpdater applies status transitions.
type StatusUpdater interface {
	Handle(ctx context.Context, cmd commands.UpdateBookingStatusCommand) (*domain.Booking, error)
}

// ExternalJobAttacher stores dispatch references on bookings.
type ExternalJobAttacher interface {
	Handle(ctx context.Context, cmd commands.AttachExternalJobCommand) (*domain.Booking, error)
}

// Deps are the collaborators of every worker.
type Deps struct {
	Bookings   BookingReader
	Status     StatusUpdater
	Attach     ExternalJobAttacher
	Queue      commands.Enqueuer
	Dispatch   integrations.DispatchClient
	Scheduling integrations.SchedulingClient
	Notifier   integrations.Notifier
	Tracker    integrations.Tracker
	Breakers   *breaker.Registry
	Logger     *slog.Logger
}

// Register wires every job type to its handler.
func Register(m *queue.Manager, d Deps) error {
	d = d.withDefaults()

	dispatch := NewDispatchWorker(d)
	slot := NewSlotWorker(d)
	notification := NewNotificationWorker(d)
	analytics := NewAnalyticsWorker(d)

	registrations := []struct {
		lane    queue.Lane
		jobType string
		handler queue.Handler
	}{
		{queue.LaneBooking, queue.TypeDispatchCreateJob, queue.HandlerFor(dispatch.CreateJob)},
		{queue.LaneIntegration, queue.TypeDispatchCancelJob, queue.HandlerFor(dispatch.CancelJob)},
		{queue.LaneIntegration, queue.TypeSlotConfirm, queue.HandlerFor(slot.Confirm)},
		{queue.LaneIntegration, queue.TypeSlotRelease, queue.HandlerFor(slot.Release)},
		{queue.LaneNotification, queue.TypeNotificationSend, queue.HandlerFor(notification.Send)},
		{queue.LaneAnalytics, queue.TypeAnalyticsTrack, queue.HandlerFor(analytics.Track)},
	}
	for _, r := range registrations {
		if err := m.Register(r.lane, r.jobType, r.handler); err != nil {
			return fmt.Errorf("register %s: %w", r.jobType, err)
		}
	}
	return nil
}

func (d Deps) withDefaults() Deps {
	d.Logger = observability.OrDefault(d.Logger)
	if d.Breakers == nil {
		d.Breakers = breaker.NewRegistry(breaker.DefaultConfig(), nil, d.Logger)
	}
	return d
}

func loadBooking(ctx context.Context, r BookingReader, raw string) (*domain.Booking, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, apperrors.Terminal("workers.load_booking", err)
	}
	return r.FindByID(ctx, id)
}

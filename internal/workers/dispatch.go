package workers

import (
	"context"
	"log/slog"

	"github.com/felixgeelhaar/slotwise/internal/booking/application/commands"
	"github.com/felixgeelhaar/slotwise/internal/breaker"
	"github.com/felixgeelhaar/slotwise/internal/integrations"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// DispatchWorker creates and cancels jobs in the dispatch system.
type DispatchWorker struct {
	bookings BookingReader
	attach   ExternalJobAttacher
	queue    commands.Enqueuer
	client   integrations.DispatchClient
	create   *breaker.Breaker
	cancel   *breaker.Breaker
	logger   *slog.Logger
}

// NewDispatchWorker creates a DispatchWorker.
func NewDispatchWorker(d Deps) *DispatchWorker {
	d = d.withDefaults()
	return &DispatchWorker{
		bookings: d.Bookings,
		attach:   d.Attach,
		queue:    d.Queue,
		client:   d.Dispatch,
		create:   d.Breakers.Get(BreakerDispatchCreate),
		cancel:   d.Breakers.Get(BreakerDispatchCancel),
		logger:   observability.OrDefault(d.Logger),
	}
}

// CreateJob handles dispatch.create_job.
func (w *DispatchWorker) CreateJob(ctx context.Context, _ *queue.Job, p queue.DispatchCreateJob) error {
	b, err := loadBooking(ctx, w.bookings, p.BookingID)
	if err != nil {
		return err
	}
	if b.IsCancelled() {
		w.logger.InfoContext(ctx, "booking cancelled, skipping dispatch job", "booking_id", p.BookingID)
		return nil
	}
	if b.HasExternalJob() {
		w.logger.InfoContext(ctx, "dispatch job already exists", "booking_id", p.BookingID)
		return nil
	}

	req := integrations.DispatchJobRequest{
		BookingID:   p.BookingID,
		ServiceType: b.ServiceType(),
		Occupancy:   string(b.Occupancy()),
		PostalCode:  b.Customer().PostalCode,
		Notes:       b.Notes(),
	}
	if b.HasSlot() {
		req.SlotRef = *b.SlotRef()
	}

	dj, err := breaker.Call(ctx, w.create, func(ctx context.Context) (*integrations.DispatchJob, error) {
		return w.client.CreateJob(ctx, req)
	})
	if err != nil {
		return err
	}

	updated, err := w.attach.Handle(ctx, commands.AttachExternalJobCommand{
		BookingID:     b.ID(),
		ExternalJobID: dj.ID,
		Status:        dj.Status,
	})
	if err != nil {
		return err
	}
	w.logger.InfoContext(ctx, "dispatch job created", "booking_id", p.BookingID, "external_job_id", dj.ID)

	// Cancelled while the call was in flight: the cancellation saw no
	// external job, so release it here.
	if updated.IsCancelled() && w.queue != nil {
		if _, err := w.queue.Enqueue(ctx, queue.DispatchCancelJob{BookingID: p.BookingID, ExternalJobID: dj.ID}); err != nil {
			return err
		}
	}
	return nil
}

// CancelJob handles dispatch.cancel_job. A job the dispatch system no
// longer knows counts as cancelled.
func (w *DispatchWorker) CancelJob(ctx context.Context, _ *queue.Job, p queue.DispatchCancelJob) error {
	err := w.cancel.Execute(ctx, func(ctx context.Context) error {
		return w.client.CancelJob(ctx, p.ExternalJobID)
	})
	if apperrors.IsNotFound(err) {
		w.logger.InfoContext(ctx, "dispatch job already gone", "booking_id", p.BookingID)
		return nil
	}
	return err
}

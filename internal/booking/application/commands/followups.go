package commands

import (
	"context"

	"github.com/felixgeelhaar/slotwise/internal/booking/domain"
	"github.com/felixgeelhaar/slotwise/internal/ledger"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	sharedDomain "github.com/felixgeelhaar/slotwise/internal/shared/domain"
)

// planFollowUps maps the events raised by a committed change to the
// background jobs that carry out its side effects.
func planFollowUps(b *domain.Booking, events []sharedDomain.DomainEvent) []queue.Payload {
	id := b.ID().String()
	var jobs []queue.Payload

	for _, e := range events {
		switch ev := e.(type) {
		case domain.BookingCreated:
			jobs = append(jobs, queue.DispatchCreateJob{BookingID: id})
			if ev.SlotRef != nil {
				jobs = append(jobs, queue.SlotConfirm{BookingID: id, SlotRef: *ev.SlotRef})
			}
			jobs = append(jobs,
				queue.NotificationSend{BookingID: id, Template: queue.TemplateBookingReceived},
				analytics("booking_created", id, ev, map[string]string{"service_type": b.ServiceType()}),
			)

		case domain.BookingStatusChanged:
			switch ev.To {
			case domain.StatusConfirmed:
				jobs = append(jobs, queue.NotificationSend{BookingID: id, Template: queue.TemplateBookingConfirmed})
			case domain.StatusCompleted:
				jobs = append(jobs, queue.NotificationSend{BookingID: id, Template: queue.TemplateBookingCompleted})
			}
			jobs = append(jobs, analytics("booking_status_changed", id, ev, map[string]string{
				"from": string(ev.From),
				"to":   string(ev.To),
			}))

		case domain.BookingCancelled:
			if ev.ExternalJobID != nil && *ev.ExternalJobID != "" {
				jobs = append(jobs, queue.DispatchCancelJob{BookingID: id, ExternalJobID: *ev.ExternalJobID})
			}
			if ev.SlotRef != nil {
				jobs = append(jobs, queue.SlotRelease{BookingID: id, SlotRef: *ev.SlotRef})
			}
			jobs = append(jobs, queue.NotificationSend{BookingID: id, Template: queue.TemplateBookingCancelled})
		}
	}
	return jobs
}

func analytics(event, bookingID string, e sharedDomain.DomainEvent, props map[string]string) queue.AnalyticsTrack {
	return queue.AnalyticsTrack{
		Event:      event,
		BookingID:  bookingID,
		Properties: props,
		OccurredAt: e.OccurredAt(),
	}
}

// enqueueFollowUps enqueues the jobs for events. Failures never reach the
// caller: the change is already committed.
func (d Deps) enqueueFollowUps(ctx context.Context, b *domain.Booking, events []sharedDomain.DomainEvent) {
	for _, job := range planFollowUps(b, events) {
		if _, err := d.Queue.Enqueue(ctx, job); err != nil {
			d.Logger.ErrorContext(ctx, "failed to enqueue follow-up job",
				"booking_id", b.ID().String(),
				"job_type", job.JobType(),
				"error", err,
			)
			d.record(ctx, ledger.Failure{
				Type:      ledger.TypeQueue,
				Operation: "booking.enqueue_followup",
				Service:   string(job.Lane()),
				Err:       err,
				Retryable: true,
				Context: map[string]any{
					"booking_id": b.ID().String(),
					"job_type":   job.JobType(),
				},
			})
		}
	}
}

package integrations

import (
	"context"
	"time"

	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/eventbus"
)

// Notification is a customer message to deliver. It carries contact details
// because the delivery service needs them; they are read from the booking
// immediately before sending.
type Notification struct {
	BookingID string `json:"booking_id"`
	Template  string `json:"template"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Status    string `json:"status"`
	SlotRef   string `json:"slot_ref,omitempty"`
}

// Notifier delivers customer notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// EventNotifier publishes notifications on routing key
// notifications.<template> for the delivery service.
type EventNotifier struct {
	publisher eventbus.Publisher
}

// NewEventNotifier creates an EventNotifier.
func NewEventNotifier(p eventbus.Publisher) *EventNotifier {
	return &EventNotifier{publisher: p}
}

func (n *EventNotifier) Send(ctx context.Context, msg Notification) error {
	e, err := eventbus.NewEvent(ctx, "notifications."+msg.Template, msg.BookingID, msg)
	if err != nil {
		return err
	}
	return eventbus.PublishEvent(ctx, n.publisher, e)
}

// AnalyticsEvent is a product analytics record.
type AnalyticsEvent struct {
	Event      string            `json:"event"`
	BookingID  string            `json:"booking_id,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Tracker records analytics events.
type Tracker interface {
	Track(ctx context.Context, e AnalyticsEvent) error
}

// EventTracker publishes analytics on routing key analytics.<event>.
type EventTracker struct {
	publisher eventbus.Publisher
}

// NewEventTracker creates an EventTracker.
func NewEventTracker(p eventbus.Publisher) *EventTracker {
	return &EventTracker{publisher: p}
}

func (t *EventTracker) Track(ctx context.Context, a AnalyticsEvent) error {
	e, err := eventbus.NewEvent(ctx, "analytics."+a.Event, a.BookingID, a)
	if err != nil {
		return err
	}
	return eventbus.PublishEvent(ctx, t.publisher, e)
}

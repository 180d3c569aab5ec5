package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
)

// Job types.
const (
	TypeDispatchCreateJob = "dispatch.create_job"
	TypeDispatchCancelJob = "dispatch.cancel_job"
	TypeSlotConfirm       = "slot.confirm"
	TypeSlotRelease       = "slot.release"
	TypeNotificationSend  = "notification.send"
	TypeAnalyticsTrack    = "analytics.track"
)

// Notification templates.
const (
	TemplateBookingReceived  = "booking_received"
	TemplateBookingConfirmed = "booking_confirmed"
	TemplateBookingCancelled = "booking_cancelled"
	TemplateBookingCompleted = "booking_completed"
)

// Payload is one variant of the job payload union. The job type selects the
// variant and its lane.
type Payload interface {
	JobType() string
	Lane() Lane
	Validate() error
}

// DispatchCreateJob asks the dispatch system to create a job for a booking.
type DispatchCreateJob struct {
	BookingID string `json:"booking_id"`
}

func (DispatchCreateJob) JobType() string { return TypeDispatchCreateJob }
func (DispatchCreateJob) Lane() Lane      { return LaneBooking }
func (p DispatchCreateJob) Validate() error {
	return requireUUID("booking_id", p.BookingID)
}

// DispatchCancelJob cancels a previously created dispatch job.
type DispatchCancelJob struct {
	BookingID     string `json:"booking_id"`
	ExternalJobID string `json:"external_job_id"`
}

func (DispatchCancelJob) JobType() string { return TypeDispatchCancelJob }
func (DispatchCancelJob) Lane() Lane      { return LaneIntegration }
func (p DispatchCancelJob) Validate() error {
	if err := requireUUID("booking_id", p.BookingID); err != nil {
		return err
	}
	return requireText("external_job_id", p.ExternalJobID)
}

// SlotConfirm confirms a booked slot with the scheduling provider.
type SlotConfirm struct {
	BookingID string `json:"booking_id"`
	SlotRef   string `json:"slot_ref"`
}

func (SlotConfirm) JobType() string { return TypeSlotConfirm }
func (SlotConfirm) Lane() Lane      { return LaneIntegration }
func (p SlotConfirm) Validate() error {
	if err := requireUUID("booking_id", p.BookingID); err != nil {
		return err
	}
	return requireText("slot_ref", p.SlotRef)
}

// SlotRelease frees a slot at the scheduling provider.
type SlotRelease struct {
	BookingID string `json:"booking_id"`
	SlotRef   string `json:"slot_ref"`
}

func (SlotRelease) JobType() string { return TypeSlotRelease }
func (SlotRelease) Lane() Lane      { return LaneIntegration }
func (p SlotRelease) Validate() error {
	if err := requireUUID("booking_id", p.BookingID); err != nil {
		return err
	}
	return requireText("slot_ref", p.SlotRef)
}

// NotificationSend sends a templated customer notification. Contact details
// are resolved from the booking at send time and never travel in the job.
type NotificationSend struct {
	BookingID string `json:"booking_id"`
	Template  string `json:"template"`
}

func (NotificationSend) JobType() string { return TypeNotificationSend }
func (NotificationSend) Lane() Lane      { return LaneNotification }
func (p NotificationSend) Validate() error {
	if err := requireUUID("booking_id", p.BookingID); err != nil {
		return err
	}
	switch p.Template {
	case TemplateBookingReceived, TemplateBookingConfirmed, TemplateBookingCancelled, TemplateBookingCompleted:
		return nil
	}
	return apperrors.Validation("template", fmt.Sprintf("unknown template %q", p.Template))
}

// AnalyticsTrack records a product analytics event.
type AnalyticsTrack struct {
	Event      string            `json:"event"`
	BookingID  string            `json:"booking_id,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func (AnalyticsTrack) JobType() string { return TypeAnalyticsTrack }
func (AnalyticsTrack) Lane() Lane      { return LaneAnalytics }
func (p AnalyticsTrack) Validate() error {
	if err := requireText("event", p.Event); err != nil {
		return err
	}
	if p.BookingID != "" {
		return requireUUID("booking_id", p.BookingID)
	}
	return nil
}

// KnownType reports whether jobType is a registered payload variant.
func KnownType(jobType string) bool {
	_, ok := lanesByType[jobType]
	return ok
}

// LaneForType returns the lane a job type belongs to.
func LaneForType(jobType string) (Lane, bool) {
	l, ok := lanesByType[jobType]
	return l, ok
}

var lanesByType = map[string]Lane{
	TypeDispatchCreateJob: LaneBooking,
	TypeDispatchCancelJob: LaneIntegration,
	TypeSlotConfirm:       LaneIntegration,
	TypeSlotRelease:       LaneIntegration,
	TypeNotificationSend:  LaneNotification,
	TypeAnalyticsTrack:    LaneAnalytics,
}

// Decode unmarshals the job payload into T and validates it. Decoding
// errors are terminal: retrying cannot fix a malformed payload.
func Decode[T Payload](job *Job) (T, error) {
	var p T
	if job.Type != p.JobType() {
		return p, apperrors.Terminal("queue.decode", fmt.Errorf("job %s has type %s, want %s", job.ID, job.Type, p.JobType()))
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, apperrors.Terminal("queue.decode", fmt.Errorf("decode %s payload: %w", job.Type, err))
	}
	if err := p.Validate(); err != nil {
		return p, apperrors.Terminal("queue.decode", err)
	}
	return p, nil
}

func requireText(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return apperrors.Validation(field, field+" is required")
	}
	return nil
}

func requireUUID(field, v string) error {
	if _, err := uuid.Parse(v); err != nil {
		return apperrors.Validation(field, field+" must be a UUID")
	}
	return nil
}

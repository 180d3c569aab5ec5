package integrations

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// SchedulingClient confirms and releases slots at the scheduling provider.
type SchedulingClient interface {
	ConfirmSlot(ctx context.Context, slotRef, bookingID string) error
	ReleaseSlot(ctx context.Context, slotRef, bookingID string) error
}

type slotRequest struct {
	BookingID string `json:"booking_id"`
}

// HTTPSchedulingClient is the JSON-over-HTTP scheduling client.
type HTTPSchedulingClient struct {
	c *jsonClient
}

// NewHTTPSchedulingClient creates a scheduling client.
func NewHTTPSchedulingClient(cfg HTTPConfig, logger *slog.Logger) *HTTPSchedulingClient {
	return &HTTPSchedulingClient{c: newJSONClient(cfg, logger)}
}

func (s *HTTPSchedulingClient) ConfirmSlot(ctx context.Context, slotRef, bookingID string) error {
	return s.c.do(ctx, "scheduling.confirm_slot", http.MethodPost,
		"/slots/"+url.PathEscape(slotRef)+"/confirm", slotRequest{BookingID: bookingID}, nil,
		map[string]string{"Idempotency-Key": bookingID + ":confirm"})
}

func (s *HTTPSchedulingClient) ReleaseSlot(ctx context.Context, slotRef, bookingID string) error {
	return s.c.do(ctx, "scheduling.release_slot", http.MethodPost,
		"/slots/"+url.PathEscape(slotRef)+"/release", slotRequest{BookingID: bookingID}, nil,
		map[string]string{"Idempotency-Key": bookingID + ":release"})
}

// LogSchedulingClient stands in for the provider when none is configured.
type LogSchedulingClient struct {
	logger *slog.Logger
}

// NewLogSchedulingClient creates a LogSchedulingClient.
func NewLogSchedulingClient(logger *slog.Logger) *LogSchedulingClient {
	return &LogSchedulingClient{logger: observability.OrDefault(logger)}
}

func (s *LogSchedulingClient) ConfirmSlot(ctx context.Context, slotRef, bookingID string) error {
	s.logger.InfoContext(ctx, "slot confirmed (local)", "slot_ref", slotRef, "booking_id", bookingID)
	return nil
}

func (s *LogSchedulingClient) ReleaseSlot(ctx context.Context, slotRef, bookingID string) error {
	s.logger.InfoContext(ctx, "slot released (local)", "slot_ref", slotRef, "booking_id", bookingID)
	return nil
}

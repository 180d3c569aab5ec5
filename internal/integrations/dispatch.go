package integrations

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// DispatchJobRequest asks the dispatch system to schedule field work.
type DispatchJobRequest struct {
	BookingID   string `json:"booking_id"`
	ServiceType string `json:"service_type"`
	Occupancy   string `json:"occupancy"`
	SlotRef     string `json:"slot_ref,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// DispatchJob is the dispatch system's reference to a created job.
type DispatchJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DispatchClient talks to the dispatch system.
type DispatchClient interface {
	CreateJob(ctx context.Context, req DispatchJobRequest) (*DispatchJob, error)
	CancelJob(ctx context.Context, externalJobID string) error
}

// HTTPDispatchClient is the JSON-over-HTTP dispatch client.
type HTTPDispatchClient struct {
	c *jsonClient
}

// NewHTTPDispatchClient creates a dispatch client.
func NewHTTPDispatchClient(cfg HTTPConfig, logger *slog.Logger) *HTTPDispatchClient {
	return &HTTPDispatchClient{c: newJSONClient(cfg, logger)}
}

// CreateJob creates a dispatch job. The booking id is sent as the
// idempotency key so a retried call cannot create a second job.
func (d *HTTPDispatchClient) CreateJob(ctx context.Context, req DispatchJobRequest) (*DispatchJob, error) {
	var out DispatchJob
	err := d.c.do(ctx, "dispatch.create_job", http.MethodPost, "/jobs", req, &out,
		map[string]string{"Idempotency-Key": req.BookingID})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelJob cancels a dispatch job. An already missing job counts as cancelled.
func (d *HTTPDispatchClient) CancelJob(ctx context.Context, externalJobID string) error {
	return d.c.do(ctx, "dispatch.cancel_job", http.MethodPost, "/jobs/"+url.PathEscape(externalJobID)+"/cancel", nil, nil, nil)
}

// LogDispatchClient stands in for the dispatch system when none is
// configured. It logs calls and fabricates local job references.
type LogDispatchClient struct {
	logger *slog.Logger
}

// NewLogDispatchClient creates a LogDispatchClient.
func NewLogDispatchClient(logger *slog.Logger) *LogDispatchClient {
	return &LogDispatchClient{logger: observability.OrDefault(logger)}
}

func (d *LogDispatchClient) CreateJob(ctx context.Context, req DispatchJobRequest) (*DispatchJob, error) {
	job := &DispatchJob{ID: "local-" + uuid.NewString(), Status: "scheduled"}
	d.logger.InfoContext(ctx, "dispatch job created (local)", "booking_id", req.BookingID, "external_job_id", job.ID)
	return job, nil
}

func (d *LogDispatchClient) CancelJob(ctx context.Context, externalJobID string) error {
	d.logger.InfoContext(ctx, "dispatch job cancelled (local)", "external_job_id", externalJobID)
	return nil
}

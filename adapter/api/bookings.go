package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/booking/application/commands"
	"github.com/felixgeelhaar/slotwise/internal/booking/application/queries"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// BookingHandler handles booking API requests.
type BookingHandler struct {
	create       *commands.CreateBookingHandler
	updateStatus *commands.UpdateBookingStatusHandler
	cancel       *commands.CancelBookingHandler
	get          *queries.GetBookingHandler
	logger       *slog.Logger
}

// BookingHandlerConfig holds dependencies for the booking handler.
type BookingHandlerConfig struct {
	Create       *commands.CreateBookingHandler
	UpdateStatus *commands.UpdateBookingStatusHandler
	Cancel       *commands.CancelBookingHandler
	Get          *queries.GetBookingHandler
	Logger       *slog.Logger
}

// NewBookingHandler creates a new booking handler.
func NewBookingHandler(cfg BookingHandlerConfig) *BookingHandler {
	return &BookingHandler{
		create:       cfg.Create,
		updateStatus: cfg.UpdateStatus,
		cancel:       cfg.Cancel,
		get:          cfg.Get,
		logger:       observability.OrDefault(cfg.Logger).With("component", "api"),
	}
}

// CreateBookingRequest is the body of POST /api/v1/bookings.
type CreateBookingRequest struct {
	SlotRef         *string `json:"slot_ref"`
	ServiceType     string  `json:"service_type"`
	Occupancy       string  `json:"occupancy"`
	OwnerPermission *bool   `json:"owner_permission"`
	Email           string  `json:"email"`
	Phone           string  `json:"phone"`
	PostalCode      string  `json:"postal_code"`
	Notes           string  `json:"notes"`
}

// CreateBookingResponse is returned for a created booking.
type CreateBookingResponse struct {
	BookingID string    `json:"booking_id"`
	Status    string    `json:"status"`
	SlotRef   *string   `json:"slot_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UpdateStatusRequest is the body of PATCH /api/v1/bookings/{id}/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// CancelRequest is the optional body of POST /api/v1/bookings/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Create handles POST /api/v1/bookings
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.create.Handle(r.Context(), commands.CreateBookingCommand{
		SlotRef:         req.SlotRef,
		ServiceType:     req.ServiceType,
		Occupancy:       req.Occupancy,
		OwnerPermission: req.OwnerPermission,
		Email:           req.Email,
		Phone:           req.Phone,
		PostalCode:      req.PostalCode,
		Notes:           req.Notes,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Location", "/api/v1/bookings/"+res.BookingID.String())
	writeJSON(w, http.StatusCreated, CreateBookingResponse{
		BookingID: res.BookingID.String(),
		Status:    string(res.Status),
		SlotRef:   res.SlotRef,
		CreatedAt: res.CreatedAt,
	})
}

// Get handles GET /api/v1/bookings/{id}
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	dto, err := h.get.Handle(r.Context(), queries.GetBookingQuery{BookingID: id})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// UpdateStatus handles PATCH /api/v1/bookings/{id}/status
func (h *BookingHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req UpdateStatusRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	b, err := h.updateStatus.Handle(r.Context(), commands.UpdateBookingStatusCommand{
		BookingID: id,
		Status:    req.Status,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, queries.ToDTO(b))
}

// Cancel handles POST /api/v1/bookings/{id}/cancel
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req CancelRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	b, err := h.cancel.Handle(r.Context(), commands.CancelBookingCommand{BookingID: id, Reason: req.Reason})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, queries.ToDTO(b))
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, apperrors.Validation(name, "must be a valid UUID")
	}
	return id, nil
}

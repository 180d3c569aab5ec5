// Package queries holds the read side of the booking context.
package queries

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/booking/domain"
)

// BookingDTO is the read model of a booking.
type BookingDTO struct {
	ID              string    `json:"id"`
	SlotRef         *string   `json:"slot_ref"`
	Status          string    `json:"status"`
	ServiceType     string    `json:"service_type"`
	Occupancy       string    `json:"occupancy"`
	OwnerPermission *bool     `json:"owner_permission,omitempty"`
	Email           string    `json:"email,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	PostalCode      string    `json:"postal_code,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	ExternalJobID   *string   `json:"external_job_id,omitempty"`
	ExternalStatus  *string   `json:"external_status,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ToDTO converts a booking to its read model.
func ToDTO(b *domain.Booking) BookingDTO {
	c := b.Customer()
	return BookingDTO{
		ID:              b.ID().String(),
		SlotRef:         b.SlotRef(),
		Status:          string(b.Status()),
		ServiceType:     b.ServiceType(),
		Occupancy:       string(b.Occupancy()),
		OwnerPermission: b.OwnerPermission(),
		Email:           c.Email,
		Phone:           c.Phone,
		PostalCode:      c.PostalCode,
		Notes:           b.Notes(),
		ExternalJobID:   b.ExternalJobID(),
		ExternalStatus:  b.ExternalStatus(),
		CreatedAt:       b.CreatedAt(),
		UpdatedAt:       b.UpdatedAt(),
	}
}

// GetBookingQuery contains the parameters for fetching a booking.
type GetBookingQuery struct {
	BookingID uuid.UUID
}

// GetBookingHandler handles the GetBookingQuery.
type GetBookingHandler struct {
	repo domain.Repository
}

// NewGetBookingHandler creates a new GetBookingHandler.
func NewGetBookingHandler(repo domain.Repository) *GetBookingHandler {
	return &GetBookingHandler{repo: repo}
}

// Handle returns the booking or a NotFound error.
func (h *GetBookingHandler) Handle(ctx context.Context, q GetBookingQuery) (*BookingDTO, error) {
	b, err := h.repo.FindByID(ctx, q.BookingID)
	if err != nil {
		return nil, err
	}
	dto := ToDTO(b)
	return &dto, nil
}

package commands

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/booking/domain"
	"github.com/felixgeelhaar/slotwise/internal/ledger"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	sharedApplication "github.com/felixgeelhaar/slotwise/internal/shared/application"
)

// DefaultTxTimeout bounds the booking transaction.
const DefaultTxTimeout = 5 * time.Second

// CreateBookingCommand contains the data needed to create a booking.
type CreateBookingCommand struct {
	SlotRef         *string
	ServiceType     string
	Occupancy       string
	OwnerPermission *bool
	Email           string
	Phone           string
	PostalCode      string
	Notes           string
}

// CreateBookingResult contains the result of creating a booking.
type CreateBookingResult struct {
	BookingID uuid.UUID     `json:"booking_id"`
	Status    domain.Status `json:"status"`
	SlotRef   *string       `json:"slot_ref,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// CreateBookingHandler handles the CreateBookingCommand.
type CreateBookingHandler struct {
	deps      Deps
	txTimeout time.Duration
}

// NewCreateBookingHandler creates a new CreateBookingHandler.
func NewCreateBookingHandler(deps Deps, txTimeout time.Duration) *CreateBookingHandler {
	if txTimeout <= 0 {
		txTimeout = DefaultTxTimeout
	}
	return &CreateBookingHandler{deps: deps.withDefaults(), txTimeout: txTimeout}
}

// Handle creates a booking synchronously. Only a unique-constraint violation
// in storage decides who gets a contested slot: the first commit wins.
func (h *CreateBookingHandler) Handle(ctx context.Context, cmd CreateBookingCommand) (*CreateBookingResult, error) {
	b, err := domain.NewBooking(domain.NewBookingParams{
		SlotRef:         cmd.SlotRef,
		ServiceType:     cmd.ServiceType,
		Occupancy:       domain.Occupancy(cmd.Occupancy),
		OwnerPermission: cmd.OwnerPermission,
		Customer: domain.Customer{
			Email:      cmd.Email,
			Phone:      cmd.Phone,
			PostalCode: cmd.PostalCode,
		},
		Notes: cmd.Notes,
	}, h.deps.Clock())
	if err != nil {
		return nil, err
	}

	if b.HasSlot() {
		release, err := h.hold(ctx, *b.SlotRef(), b.ID().String())
		if err != nil {
			return nil, err
		}
		defer release()
	}

	err = sharedApplication.WithUnitOfWorkTimeout(ctx, h.deps.UoW, h.txTimeout, func(txCtx context.Context) error {
		return h.deps.Repo.Create(txCtx, b)
	})
	if err != nil {
		if apperrors.IsConflict(err) {
			return nil, err
		}
		h.deps.Logger.ErrorContext(ctx, "booking transaction failed",
			"booking_id", b.ID().String(),
			"error", err,
		)
		h.deps.record(ctx, ledger.Failure{
			Type:      ledger.TypeBooking,
			Operation: "booking.create",
			Err:       err,
			Retryable: true,
			Context: map[string]any{
				"booking_id":   b.ID().String(),
				"slot_ref":     slotValue(b.SlotRef()),
				"service_type": b.ServiceType(),
				"occupancy":    string(b.Occupancy()),
			},
		})
		return nil, apperrors.Internal("booking.create", err)
	}

	h.deps.Logger.InfoContext(ctx, "booking created",
		"booking_id", b.ID().String(),
		"slot_ref", slotValue(b.SlotRef()),
	)
	h.deps.enqueueFollowUps(ctx, b, b.PullDomainEvents())

	return &CreateBookingResult{
		BookingID: b.ID(),
		Status:    b.Status(),
		SlotRef:   b.SlotRef(),
		CreatedAt: b.CreatedAt(),
	}, nil
}

// hold places the advisory hold. A slot held by another request is a
// conflict; an unreachable hold store is ignored.
func (h *CreateBookingHandler) hold(ctx context.Context, slotRef, owner string) (func(), error) {
	noop := func() {}
	if h.deps.Hold == nil {
		return noop, nil
	}
	ok, err := h.deps.Hold.Acquire(ctx, slotRef, owner)
	if err != nil {
		h.deps.Logger.WarnContext(ctx, "slot hold unavailable, continuing without it",
			"slot_ref", slotRef,
			"error", err,
		)
		return noop, nil
	}
	if !ok {
		return noop, apperrors.Conflict("slot", "this slot is currently being booked, please choose another")
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := h.deps.Hold.Release(releaseCtx, slotRef, owner); err != nil {
			h.deps.Logger.WarnContext(ctx, "failed to release slot hold", "slot_ref", slotRef, "error", err)
		}
	}, nil
}

func slotValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

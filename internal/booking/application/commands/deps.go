// Package commands holds the write side of the booking context.
package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/slotwise/internal/booking/domain"
	"github.com/felixgeelhaar/slotwise/internal/ledger"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	sharedApplication "github.com/felixgeelhaar/slotwise/internal/shared/application"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.Payload, opts ...queue.EnqueueOption) (string, error)
}

// FailureRecorder writes failures to the error ledger.
type FailureRecorder interface {
	Record(ctx context.Context, f ledger.Failure) (*ledger.Entry, error)
}

// SlotHold places advisory holds on slots.
type SlotHold interface {
	Acquire(ctx context.Context, slotRef, owner string) (bool, error)
	Release(ctx context.Context, slotRef, owner string) error
}

// Deps are the collaborators shared by the booking command handlers.
// Hold, Ledger and Logger are optional.
type Deps struct {
	Repo   domain.Repository
	UoW    sharedApplication.UnitOfWork
	Queue  Enqueuer
	Ledger FailureRecorder
	Hold   SlotHold
	Logger *slog.Logger
	Clock  func() time.Time
}

func (d Deps) withDefaults() Deps {
	d.Logger = observability.OrDefault(d.Logger)
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

// record writes a ledger entry. The write survives the caller's
// cancellation; a ledger failure is logged and otherwise ignored.
func (d Deps) record(ctx context.Context, f ledger.Failure) {
	if d.Ledger == nil {
		return
	}
	if _, err := d.Ledger.Record(context.WithoutCancel(ctx), f); err != nil {
		d.Logger.ErrorContext(ctx, "failed to record ledger entry",
			"operation", f.Operation,
			"error", err,
		)
	}
}

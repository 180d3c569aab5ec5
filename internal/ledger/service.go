package ledger

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// Service records and manages ledger entries.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new ledger Service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: observability.OrDefault(logger).With("component", "ledger"),
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Record sanitizes f and persists it as a new entry.
func (s *Service) Record(ctx context.Context, f Failure) (*Entry, error) {
	if !f.Type.IsValid() {
		return nil, apperrors.Validation("error_type", "unknown error type "+string(f.Type))
	}
	if strings.TrimSpace(f.Operation) == "" {
		return nil, apperrors.Validation("operation", "operation is required")
	}

	now := s.now().UTC()
	message := ""
	if f.Err != nil {
		message = f.Err.Error()
	}

	e := &Entry{
		ID:        uuid.New(),
		Type:      f.Type,
		Operation: f.Operation,
		Service:   f.Service,
		Context:   SanitizeContext(f.Context),
		Message:   Truncate(RedactText(message), maxMessageLen),
		Trace:     Truncate(RedactText(errorTrace(f.Err)), maxTraceLen),
		Retryable: f.Retryable,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Insert(ctx, e); err != nil {
		s.logger.ErrorContext(ctx, "failed to record ledger entry",
			"error_type", f.Type,
			"operation", f.Operation,
			"error", err,
		)
		return nil, err
	}

	s.logger.WarnContext(ctx, "failure recorded",
		"ledger_id", e.ID,
		"error_type", e.Type,
		"operation", e.Operation,
		"retryable", e.Retryable,
	)
	return e, nil
}

// List returns entries matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]*Entry, error) {
	return s.repo.List(ctx, f)
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.FindByID(ctx, id)
}

// Resolve marks an entry resolved. Resolving a resolved entry returns it
// unchanged.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, by, notes string) (*Entry, error) {
	e, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Resolved {
		return e, nil
	}

	now := s.now().UTC()
	e.Resolved = true
	e.ResolvedAt = &now
	e.ResolvedBy = by
	e.ResolutionNotes = Truncate(RedactText(notes), maxMessageLen)
	e.UpdatedAt = now

	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// IncrementRetry counts a manual retry of the failed operation.
func (s *Service) IncrementRetry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	if err := s.repo.IncrementRetry(ctx, id, s.now().UTC()); err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, id)
}

// Sweep deletes resolved entries older than retention. Unresolved entries
// are never removed.
func (s *Service) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-retention)
	n, err := s.repo.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "ledger swept", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

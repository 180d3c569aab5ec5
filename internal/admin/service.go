// Package admin implements the operator actions shared by the HTTP admin
// API and the CLI: lane control, dead-letter handling, ledger triage and
// retention sweeps.
package admin

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/breaker"
	"github.com/felixgeelhaar/slotwise/internal/deadletter"
	"github.com/felixgeelhaar/slotwise/internal/ledger"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// LaneView is a lane's job counts plus its dead-letter backlog.
type LaneView struct {
	queue.LaneStats
	DeadLetters int `json:"dead_letters"`
}

// RetryResult reports a manual ledger retry.
type RetryResult struct {
	Entry         *ledger.Entry `json:"entry"`
	RequeuedJobID string        `json:"requeued_job_id,omitempty"`
}

// RetentionPolicy bounds how long finished work is kept.
type RetentionPolicy struct {
	Ledger      time.Duration
	DeadLetters time.Duration
	CleanGrace  time.Duration
}

// SweepReport counts what a retention sweep deleted.
type SweepReport struct {
	LedgerEntries int64 `json:"ledger_entries"`
	DeadLetters   int64 `json:"dead_letters"`
	CleanedJobs   int   `json:"cleaned_jobs"`
}

// Service bundles the admin operations.
type Service struct {
	queue       *queue.Manager
	deadLetters *deadletter.Store
	ledger      *ledger.Service
	breakers    *breaker.Registry
	logger      *slog.Logger
}

// NewService creates a Service. breakers may be nil when the caller runs no
// integrations, as the CLI does.
func NewService(q *queue.Manager, dl *deadletter.Store, l *ledger.Service, b *breaker.Registry, logger *slog.Logger) *Service {
	return &Service{
		queue:       q,
		deadLetters: dl,
		ledger:      l,
		breakers:    b,
		logger:      observability.OrDefault(logger).With("component", "admin"),
	}
}

// QueueStats returns every lane with its dead-letter backlog.
func (s *Service) QueueStats(ctx context.Context) ([]LaneView, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, apperrors.Unavailable("queue.stats", err)
	}
	byLane, err := s.deadLetters.CountByLane(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]LaneView, 0, len(stats))
	for _, st := range stats {
		out = append(out, LaneView{LaneStats: st, DeadLetters: byLane[st.Lane]})
	}
	return out, nil
}

// Pause stops claims on lane.
func (s *Service) Pause(ctx context.Context, lane string) error {
	return s.queue.Pause(ctx, queue.Lane(lane))
}

// Resume re-enables claims on lane.
func (s *Service) Resume(ctx context.Context, lane string) error {
	return s.queue.Resume(ctx, queue.Lane(lane))
}

// Clean deletes finished jobs of lane older than grace.
func (s *Service) Clean(ctx context.Context, lane, state string, grace time.Duration) (int, error) {
	if grace < 0 {
		return 0, apperrors.Validation("grace", "grace must not be negative")
	}
	return s.queue.Clean(ctx, queue.Lane(lane), queue.State(state), grace)
}

// ListDeadLetters returns dead-letter entries newest first.
func (s *Service) ListDeadLetters(ctx context.Context, f deadletter.Filter) ([]*deadletter.Entry, error) {
	return s.deadLetters.List(ctx, f)
}

// RetryDeadLetter requeues a dead-lettered job and returns the new job id.
func (s *Service) RetryDeadLetter(ctx context.Context, id string) (string, error) {
	entryID, err := parseID("dead_letter_id", id)
	if err != nil {
		return "", err
	}
	jobID, err := s.deadLetters.Requeue(ctx, entryID, s.queue)
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "dead letter requeued", "dead_letter_id", entryID, "job_id", jobID)
	return jobID, nil
}

// RemoveDeadLetter discards a dead-lettered job.
func (s *Service) RemoveDeadLetter(ctx context.Context, id string) error {
	entryID, err := parseID("dead_letter_id", id)
	if err != nil {
		return err
	}
	return s.deadLetters.Remove(ctx, entryID)
}

// ListErrors returns ledger entries newest first.
func (s *Service) ListErrors(ctx context.Context, f ledger.Filter) ([]*ledger.Entry, error) {
	return s.ledger.List(ctx, f)
}

// ResolveError marks a ledger entry resolved.
func (s *Service) ResolveError(ctx context.Context, id, by, notes string) (*ledger.Entry, error) {
	entryID, err := parseID("error_id", id)
	if err != nil {
		return nil, err
	}
	return s.ledger.Resolve(ctx, entryID, by, notes)
}

// RetryError counts a manual retry on a ledger entry. When the entry came
// from a job that is still dead-lettered, that job is requeued as well.
func (s *Service) RetryError(ctx context.Context, id string) (*RetryResult, error) {
	entryID, err := parseID("error_id", id)
	if err != nil {
		return nil, err
	}
	entry, err := s.ledger.IncrementRetry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	res := &RetryResult{Entry: entry}
	jobID, _ := entry.Context["job_id"].(string)
	if entry.Type != ledger.TypeJobFailed || jobID == "" {
		return res, nil
	}

	dl, err := s.deadLetters.FindByJobID(ctx, jobID)
	if apperrors.IsNotFound(err) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.RequeuedJobID, err = s.deadLetters.Requeue(ctx, dl.ID, s.queue)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "ledger retry requeued job",
		"ledger_id", entry.ID,
		"job_id", jobID,
		"requeued_job_id", res.RequeuedJobID,
	)
	return res, nil
}

// Breakers returns the state of every breaker this process created so far.
func (s *Service) Breakers() []breaker.Snapshot {
	if s.breakers == nil {
		return []breaker.Snapshot{}
	}
	return s.breakers.Snapshot()
}

// SweepRetention applies p: resolved ledger entries and dead letters past
// their window are deleted, and finished jobs past the grace are cleaned
// from every lane.
func (s *Service) SweepRetention(ctx context.Context, p RetentionPolicy) (SweepReport, error) {
	var report SweepReport
	var err error

	if p.Ledger > 0 {
		if report.LedgerEntries, err = s.ledger.Sweep(ctx, p.Ledger); err != nil {
			return report, err
		}
	}
	if p.DeadLetters > 0 {
		if report.DeadLetters, err = s.deadLetters.Sweep(ctx, p.DeadLetters); err != nil {
			return report, err
		}
	}
	if p.CleanGrace > 0 {
		for _, lane := range s.queue.Lanes() {
			for _, state := range []queue.State{queue.StateCompleted, queue.StateFailed} {
				n, err := s.queue.Clean(ctx, lane, state, p.CleanGrace)
				if err != nil {
					return report, err
				}
				report.CleanedJobs += n
			}
		}
	}
	return report, nil
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.Validation(field, "must be a valid UUID")
	}
	return id, nil
}

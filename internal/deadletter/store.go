// Package deadletter keeps jobs that exhausted their retry budget or failed
// terminally, so operators can inspect, requeue or discard them.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/ledger"
	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// Entry is a dead-lettered job.
type Entry struct {
	ID          uuid.UUID           `json:"id"`
	JobID       string              `json:"job_id"`
	Lane        queue.Lane          `json:"lane"`
	JobType     string              `json:"job_type"`
	Payload     json.RawMessage     `json:"payload"`
	Priority    int                 `json:"priority"`
	MaxAttempts int                 `json:"max_attempts"`
	Backoff     queue.BackoffPolicy `json:"backoff"`
	Reason      string              `json:"reason"`
	Attempts    int                 `json:"attempts"`
	FailedAt    time.Time           `json:"failed_at"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Filter narrows List results.
type Filter struct {
	Lane    queue.Lane
	JobType string
	Limit   int
	Offset  int
}

// Enqueuer accepts requeued jobs.
type Enqueuer interface {
	EnqueueRaw(ctx context.Context, lane queue.Lane, jobType string, payload json.RawMessage, opts ...queue.EnqueueOption) (string, error)
}

const maxReasonLength = 2000

// Store persists entries in the dead_letters table.
type Store struct {
	conn   database.Connection
	logger *slog.Logger
	now    func() time.Time
}

var _ queue.DeadLetterSink = (*Store)(nil)

// NewStore creates a Store.
func NewStore(conn database.Connection, logger *slog.Logger) *Store {
	return &Store{
		conn:   conn,
		logger: observability.OrDefault(logger).With("component", "deadletter"),
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

const entryColumns = `id, job_id, lane, job_type, payload, priority, max_attempts,
	backoff_kind, backoff_delay_ms, backoff_max_ms, reason, attempts, failed_at, created_at`

// Put mirrors a failed job. A second Put for the same job id is a no-op.
func (s *Store) Put(ctx context.Context, job *queue.Job, reason string) error {
	now := s.now().UTC()
	failedAt := now
	if job.FinishedAt != nil {
		failedAt = job.FinishedAt.UTC()
	}
	reason = ledger.Truncate(reason, maxReasonLength)

	_, err := s.conn.Exec(ctx, `
		INSERT INTO dead_letters (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING`,
		uuid.NewString(), job.ID, string(job.Lane), job.Type, string(job.Payload), job.Priority, job.MaxAttempts,
		string(job.Backoff.Kind), job.Backoff.Delay.Milliseconds(), job.Backoff.Max.Milliseconds(),
		reason, job.Attempts, database.FormatTime(failedAt), database.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// Get returns an entry by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(s.conn.QueryRow(ctx, `SELECT `+entryColumns+` FROM dead_letters WHERE id = ?`, id.String()))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, apperrors.NotFound("dead letter", id.String())
		}
		return nil, err
	}
	return e, nil
}

// FindByJobID returns the entry mirroring the original job id.
func (s *Store) FindByJobID(ctx context.Context, jobID string) (*Entry, error) {
	e, err := scanEntry(s.conn.QueryRow(ctx, `SELECT `+entryColumns+` FROM dead_letters WHERE job_id = ?`, jobID))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, apperrors.NotFound("dead letter for job", jobID)
		}
		return nil, err
	}
	return e, nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Lane != "" {
		where = append(where, "lane = ?")
		args = append(args, string(f.Lane))
	}
	if f.JobType != "" {
		where = append(where, "job_type = ?")
		args = append(args, f.JobType)
	}

	query := `SELECT ` + entryColumns + ` FROM dead_letters`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query += ` ORDER BY failed_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	out := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the total number of entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// CountByLane returns entry counts keyed by lane.
func (s *Store) CountByLane(ctx context.Context) (map[queue.Lane]int, error) {
	rows, err := s.conn.Query(ctx, `SELECT lane, COUNT(*) FROM dead_letters GROUP BY lane`)
	if err != nil {
		return nil, fmt.Errorf("count dead letters: %w", err)
	}
	defer rows.Close()

	out := make(map[queue.Lane]int)
	for rows.Next() {
		var (
			lane string
			n    int
		)
		if err := rows.Scan(&lane, &n); err != nil {
			return nil, err
		}
		out[queue.Lane(lane)] = n
	}
	return out, rows.Err()
}

// Requeue enqueues a fresh copy of the entry with a new attempt budget and
// removes the entry. It returns the new job id. The entry is claimed by
// deleting it first, so concurrent requeues of one entry enqueue one job;
// the losers get NotFound. A failed enqueue puts the entry back.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID, q Enqueuer) (string, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if err := s.Remove(ctx, id); err != nil {
		return "", err
	}

	opts := []queue.EnqueueOption{queue.WithPriority(e.Priority)}
	if e.MaxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(e.MaxAttempts))
	}
	if e.Backoff.Kind != "" {
		opts = append(opts, queue.WithBackoff(e.Backoff))
	}

	jobID, err := q.EnqueueRaw(ctx, e.Lane, e.JobType, e.Payload, opts...)
	if err != nil {
		if restoreErr := s.restore(ctx, e); restoreErr != nil {
			s.logger.ErrorContext(ctx, "failed to restore dead letter after requeue failure",
				"entry_id", id,
				"original_job_id", e.JobID,
				"error", restoreErr,
			)
		}
		return "", err
	}

	s.logger.InfoContext(ctx, "dead letter requeued",
		"entry_id", id,
		"original_job_id", e.JobID,
		"new_job_id", jobID,
		"lane", e.Lane,
	)
	return jobID, nil
}

// restore re-inserts a claimed entry unchanged.
func (s *Store) restore(ctx context.Context, e *Entry) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO dead_letters (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING`,
		e.ID.String(), e.JobID, string(e.Lane), e.JobType, string(e.Payload), e.Priority, e.MaxAttempts,
		string(e.Backoff.Kind), e.Backoff.Delay.Milliseconds(), e.Backoff.Max.Milliseconds(),
		e.Reason, e.Attempts, database.FormatTime(e.FailedAt), database.FormatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("restore dead letter: %w", err)
	}
	return nil
}

// Remove deletes an entry.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := s.conn.Exec(ctx, `DELETE FROM dead_letters WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("dead letter", id.String())
	}
	return nil
}

// Sweep deletes entries that failed more than olderThan ago.
func (s *Store) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	res, err := s.conn.Exec(ctx, `DELETE FROM dead_letters WHERE failed_at < ?`, database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweep dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.InfoContext(ctx, "dead letters swept", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

func scanEntry(row database.Row) (*Entry, error) {
	var (
		e                       Entry
		id, lane, kind, payload string
		delayMS, maxMS          int64
		failedAt, createdAt     string
	)
	err := row.Scan(&id, &e.JobID, &lane, &e.JobType, &payload, &e.Priority, &e.MaxAttempts,
		&kind, &delayMS, &maxMS, &e.Reason, &e.Attempts, &failedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse dead letter id: %w", err)
	}
	e.Lane = queue.Lane(lane)
	e.Payload = json.RawMessage(payload)
	e.Backoff = queue.BackoffPolicy{
		Kind:  queue.BackoffKind(kind),
		Delay: time.Duration(delayMS) * time.Millisecond,
		Max:   time.Duration(maxMS) * time.Millisecond,
	}
	if e.FailedAt, err = database.ParseTime(failedAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

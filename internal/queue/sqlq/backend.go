// Package sqlq stores queue lanes in the SQL database. It is the default
// backend in local mode and whenever Redis is not configured.
package sqlq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felixgeelhaar/slotwise/internal/queue"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database"
)

// Backend implements queue.Backend on the queue_jobs and queue_lanes tables.
type Backend struct {
	conn database.Connection
}

var _ queue.Backend = (*Backend)(nil)

// New creates a Backend over a migrated connection.
func New(conn database.Connection) *Backend {
	return &Backend{conn: conn}
}

const jobColumns = `id, lane, job_type, payload, priority, attempts, max_attempts,
	backoff_kind, backoff_delay_ms, backoff_max_ms, state, visible_at,
	claimed_at, finished_at, last_error, created_at, updated_at`

func (b *Backend) Add(ctx context.Context, job *queue.Job) error {
	_, err := b.conn.Exec(ctx, `
		INSERT INTO queue_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Lane), job.Type, string(job.Payload), job.Priority, job.Attempts, job.MaxAttempts,
		string(job.Backoff.Kind), job.Backoff.Delay.Milliseconds(), job.Backoff.Max.Milliseconds(),
		string(job.State), database.FormatTime(job.VisibleAt),
		nullTime(job.ClaimedAt), nullTime(job.FinishedAt), job.LastError,
		database.FormatTime(job.CreatedAt), database.FormatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Claim selects and activates the best due job inside one transaction.
// PostgreSQL skips rows locked by other claimers; SQLite serializes writers.
func (b *Backend) Claim(ctx context.Context, lane queue.Lane, now time.Time) (*queue.Job, error) {
	paused, err := b.IsPaused(ctx, lane)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	tx, err := b.conn.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		SELECT id FROM queue_jobs
		WHERE lane = ? AND state IN ('waiting', 'delayed') AND visible_at <= ?
		ORDER BY priority, visible_at, created_at, id
		LIMIT 1`
	if b.conn.Driver() == database.DriverPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	nowText := database.FormatTime(now)
	var id string
	if err := tx.QueryRow(ctx, query, string(lane), nowText).Scan(&id); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("select due job: %w", err)
	}

	res, err := tx.Exec(ctx, `
		UPDATE queue_jobs SET state = 'active', claimed_at = ?, updated_at = ?
		WHERE id = ? AND state IN ('waiting', 'delayed')`,
		nowText, nowText, id,
	)
	if err != nil {
		return nil, fmt.Errorf("activate job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("load claimed job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

func (b *Backend) Finish(ctx context.Context, job *queue.Job) error {
	res, err := b.conn.Exec(ctx, `
		UPDATE queue_jobs SET
			state = ?, attempts = ?, visible_at = ?, claimed_at = ?, finished_at = ?,
			last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(job.State), job.Attempts, database.FormatTime(job.VisibleAt),
		nullTime(job.ClaimedAt), nullTime(job.FinishedAt), job.LastError,
		database.FormatTime(job.UpdatedAt), job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("job", job.ID)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (*queue.Job, error) {
	job, err := scanJob(b.conn.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, err
	}
	return job, nil
}

func (b *Backend) RequeueStalled(ctx context.Context, lane queue.Lane, activeBefore, now time.Time) (int, error) {
	nowText := database.FormatTime(now)
	res, err := b.conn.Exec(ctx, `
		UPDATE queue_jobs SET state = 'waiting', claimed_at = NULL, visible_at = ?, updated_at = ?
		WHERE lane = ? AND state = 'active' AND claimed_at < ?`,
		nowText, nowText, string(lane), database.FormatTime(activeBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stalled jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *Backend) Counts(ctx context.Context, lane queue.Lane, now time.Time) (queue.Counts, error) {
	rows, err := b.conn.Query(ctx, `
		SELECT CASE WHEN state = 'delayed' AND visible_at <= ? THEN 'waiting' ELSE state END AS bucket,
			COUNT(*)
		FROM queue_jobs
		WHERE lane = ?
		GROUP BY bucket`,
		database.FormatTime(now), string(lane),
	)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := queue.Counts{}
	for _, s := range queue.States {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[queue.State(state)] += n
	}
	return counts, rows.Err()
}

func (b *Backend) Clean(ctx context.Context, lane queue.Lane, state queue.State, finishedBefore time.Time) (int, error) {
	res, err := b.conn.Exec(ctx, `
		DELETE FROM queue_jobs WHERE lane = ? AND state = ? AND finished_at < ?`,
		string(lane), string(state), database.FormatTime(finishedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("clean jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *Backend) Prune(ctx context.Context, lane queue.Lane, state queue.State, keep int) (int, error) {
	res, err := b.conn.Exec(ctx, `
		DELETE FROM queue_jobs
		WHERE lane = ? AND state = ? AND id NOT IN (
			SELECT id FROM queue_jobs
			WHERE lane = ? AND state = ?
			ORDER BY finished_at DESC, id DESC
			LIMIT ?
		)`,
		string(lane), string(state), string(lane), string(state), keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *Backend) SetPaused(ctx context.Context, lane queue.Lane, paused bool) error {
	_, err := b.conn.Exec(ctx, `
		INSERT INTO queue_lanes (lane, paused, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (lane) DO UPDATE SET paused = excluded.paused, updated_at = excluded.updated_at`,
		string(lane), database.BoolToInt(paused), database.FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("set lane pause: %w", err)
	}
	return nil
}

func (b *Backend) IsPaused(ctx context.Context, lane queue.Lane) (bool, error) {
	var paused int
	err := b.conn.QueryRow(ctx, `SELECT paused FROM queue_lanes WHERE lane = ?`, string(lane)).Scan(&paused)
	if err != nil {
		if database.IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("read lane pause: %w", err)
	}
	return paused == 1, nil
}

func scanJob(row database.Row) (*queue.Job, error) {
	var (
		j                          queue.Job
		lane, state, kind, payload string
		delayMS, maxMS             int64
		visibleAt, created, update string
		claimedAt, finishedAt      sql.NullString
	)
	err := row.Scan(
		&j.ID, &lane, &j.Type, &payload, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&kind, &delayMS, &maxMS, &state, &visibleAt,
		&claimedAt, &finishedAt, &j.LastError, &created, &update,
	)
	if err != nil {
		return nil, err
	}

	j.Lane = queue.Lane(lane)
	j.State = queue.State(state)
	j.Payload = []byte(payload)
	j.Backoff = queue.BackoffPolicy{
		Kind:  queue.BackoffKind(kind),
		Delay: time.Duration(delayMS) * time.Millisecond,
		Max:   time.Duration(maxMS) * time.Millisecond,
	}

	if j.VisibleAt, err = database.ParseTime(visibleAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = database.ParseTime(update); err != nil {
		return nil, err
	}
	if j.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return nil, err
	}
	if j.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return database.FormatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := database.ParseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

package queue

import (
	"context"
	"time"

	"github.com/felixgeelhaar/slotwise/internal/ledger"
)

// Backend stores jobs for every lane. Implementations must be safe for
// concurrent use by many claimers.
type Backend interface {
	// Add persists a new job in the waiting or delayed state.
	Add(ctx context.Context, job *Job) error
	// Claim atomically moves the best due job of a lane to active and returns
	// it. It returns nil when the lane is paused or nothing is due. Jobs are
	// ordered by priority, then visible-at, then insertion.
	Claim(ctx context.Context, lane Lane, now time.Time) (*Job, error)
	// Finish stores the outcome of an active job: completed, failed, or
	// delayed for a retry at job.VisibleAt.
	Finish(ctx context.Context, job *Job) error
	// Get returns a job by id.
	Get(ctx context.Context, id string) (*Job, error)
	// RequeueStalled moves jobs active since before activeBefore back to
	// waiting without touching their attempt count.
	RequeueStalled(ctx context.Context, lane Lane, activeBefore, now time.Time) (int, error)
	// Counts reports jobs per state.
	Counts(ctx context.Context, lane Lane, now time.Time) (Counts, error)
	// Clean deletes jobs in a finished state that finished before the cutoff.
	Clean(ctx context.Context, lane Lane, state State, finishedBefore time.Time) (int, error)
	// Prune keeps only the newest keep jobs of a finished state.
	Prune(ctx context.Context, lane Lane, state State, keep int) (int, error)
	// SetPaused persists the pause flag of a lane.
	SetPaused(ctx context.Context, lane Lane, paused bool) error
	// IsPaused reports the pause flag of a lane.
	IsPaused(ctx context.Context, lane Lane) (bool, error)
}

// DeadLetterSink receives jobs that failed terminally.
type DeadLetterSink interface {
	Put(ctx context.Context, job *Job, reason string) error
	Count(ctx context.Context) (int, error)
}

// FailureRecorder writes terminal failures to the error ledger.
type FailureRecorder interface {
	Record(ctx context.Context, f ledger.Failure) (*ledger.Entry, error)
}

// Observer is notified synchronously of pipeline events.
type Observer interface {
	JobCompleted(ctx context.Context, lane, jobType string, d time.Duration)
	JobRetried(ctx context.Context, lane, jobType string, attempt int, delay time.Duration)
	JobFailed(ctx context.Context, lane, jobType string, attempts int, terminal bool)
	JobsStalled(ctx context.Context, lane string, n int)
	DeadLetterSize(ctx context.Context, size int)
	DeadLetterThresholdCrossed(ctx context.Context, size, threshold int)
}

// NoopObserver ignores every event.
type NoopObserver struct{}

func (NoopObserver) JobCompleted(context.Context, string, string, time.Duration)    {}
func (NoopObserver) JobRetried(context.Context, string, string, int, time.Duration) {}
func (NoopObserver) JobFailed(context.Context, string, string, int, bool)           {}
func (NoopObserver) JobsStalled(context.Context, string, int)                       {}
func (NoopObserver) DeadLetterSize(context.Context, int)                            {}
func (NoopObserver) DeadLetterThresholdCrossed(context.Context, int, int)           {}

func isFinished(s State) bool {
	return s == StateCompleted || s == StateFailed
}

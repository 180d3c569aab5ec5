package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
)

// MemoryBackend keeps jobs in process memory. It suits tests and
// single-process development; nothing survives a restart.
type MemoryBackend struct {
	mu     sync.Mutex
	jobs   map[string]*memJob
	paused map[Lane]bool
	seq    uint64
}

type memJob struct {
	job Job
	seq uint64
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:   make(map[string]*memJob),
		paused: make(map[Lane]bool),
	}
}

func (b *MemoryBackend) Add(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.jobs[job.ID] = &memJob{job: cloneJob(job), seq: b.seq}
	return nil
}

func (b *MemoryBackend) Claim(_ context.Context, lane Lane, now time.Time) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.paused[lane] {
		return nil, nil
	}

	var best *memJob
	for _, mj := range b.jobs {
		j := &mj.job
		if j.Lane != lane || (j.State != StateWaiting && j.State != StateDelayed) || j.VisibleAt.After(now) {
			continue
		}
		if best == nil || less(mj, best) {
			best = mj
		}
	}
	if best == nil {
		return nil, nil
	}

	claimed := now
	best.job.State = StateActive
	best.job.ClaimedAt = &claimed
	best.job.UpdatedAt = now
	out := cloneJob(&best.job)
	return &out, nil
}

func less(a, b *memJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.VisibleAt.Equal(b.job.VisibleAt) {
		return a.job.VisibleAt.Before(b.job.VisibleAt)
	}
	return a.seq < b.seq
}

func (b *MemoryBackend) Finish(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	mj, ok := b.jobs[job.ID]
	if !ok {
		return apperrors.NotFound("job", job.ID)
	}
	mj.job = cloneJob(job)
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mj, ok := b.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	out := cloneJob(&mj.job)
	return &out, nil
}

func (b *MemoryBackend) RequeueStalled(_ context.Context, lane Lane, activeBefore, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, mj := range b.jobs {
		j := &mj.job
		if j.Lane != lane || j.State != StateActive || j.ClaimedAt == nil || !j.ClaimedAt.Before(activeBefore) {
			continue
		}
		j.State = StateWaiting
		j.ClaimedAt = nil
		j.VisibleAt = now
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (b *MemoryBackend) Counts(_ context.Context, lane Lane, now time.Time) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := Counts{}
	for _, s := range States {
		c[s] = 0
	}
	for _, mj := range b.jobs {
		if mj.job.Lane != lane {
			continue
		}
		c[effectiveState(&mj.job, now)]++
	}
	return c, nil
}

// effectiveState reports a due delayed job as waiting.
func effectiveState(j *Job, now time.Time) State {
	if j.State == StateDelayed && !j.VisibleAt.After(now) {
		return StateWaiting
	}
	return j.State
}

func (b *MemoryBackend) Clean(_ context.Context, lane Lane, state State, finishedBefore time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, mj := range b.jobs {
		j := &mj.job
		if j.Lane == lane && j.State == state && j.FinishedAt != nil && j.FinishedAt.Before(finishedBefore) {
			delete(b.jobs, id)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Prune(_ context.Context, lane Lane, state State, keep int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var finished []*memJob
	for _, mj := range b.jobs {
		if mj.job.Lane == lane && mj.job.State == state {
			finished = append(finished, mj)
		}
	}
	if len(finished) <= keep {
		return 0, nil
	}
	sort.Slice(finished, func(i, j int) bool {
		return finishedAt(finished[i]).After(finishedAt(finished[j]))
	})
	for _, mj := range finished[keep:] {
		delete(b.jobs, mj.job.ID)
	}
	return len(finished) - keep, nil
}

func finishedAt(mj *memJob) time.Time {
	if mj.job.FinishedAt != nil {
		return *mj.job.FinishedAt
	}
	return mj.job.UpdatedAt
}

func (b *MemoryBackend) SetPaused(_ context.Context, lane Lane, paused bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused[lane] = paused
	return nil
}

func (b *MemoryBackend) IsPaused(_ context.Context, lane Lane) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused[lane], nil
}

func cloneJob(j *Job) Job {
	out := *j
	if j.Payload != nil {
		out.Payload = append([]byte(nil), j.Payload...)
	}
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		out.ClaimedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

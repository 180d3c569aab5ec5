package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/ledger"
	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/pkg/observability"
)

// Handler processes one job. Returning an error marks the attempt failed;
// apperrors.IsRetryable decides whether another attempt is scheduled.
type Handler func(ctx context.Context, job *Job) error

// HandlerFor adapts a typed function into a Handler that decodes the payload.
func HandlerFor[T Payload](fn func(ctx context.Context, job *Job, payload T) error) Handler {
	return func(ctx context.Context, job *Job) error {
		p, err := Decode[T](job)
		if err != nil {
			return err
		}
		return fn(ctx, job, p)
	}
}

// ManagerConfig holds queue-wide settings.
type ManagerConfig struct {
	Lanes                    []LaneConfig
	PollInterval             time.Duration
	StallWindow              time.Duration
	StallCheckInterval       time.Duration
	KeepCompleted            int
	DeadLetterAlertThreshold int
}

// DefaultManagerConfig returns the defaults used when config is absent.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Lanes:                    DefaultLanes(),
		PollInterval:             250 * time.Millisecond,
		StallWindow:              5 * time.Minute,
		StallCheckInterval:       30 * time.Second,
		KeepCompleted:            100,
		DeadLetterAlertThreshold: 50,
	}
}

// Deps are the optional collaborators of a Manager.
type Deps struct {
	DeadLetters DeadLetterSink
	Ledger      FailureRecorder
	Observer    Observer
	Logger      *slog.Logger
	Clock       func() time.Time
}

// LaneStats is the admin view of one lane.
type LaneStats struct {
	Lane        Lane   `json:"lane"`
	Paused      bool   `json:"paused"`
	Concurrency int    `json:"concurrency"`
	Counts      Counts `json:"counts"`
}

// Manager owns the lanes: it enqueues jobs, runs claimers, applies the
// retry policy and hands terminal failures to the dead-letter store and
// the error ledger.
type Manager struct {
	backend     Backend
	cfg         ManagerConfig
	lanes       map[Lane]LaneConfig
	deadLetters DeadLetterSink
	ledger      FailureRecorder
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time

	handlersMu sync.RWMutex
	handlers   map[Lane]map[string]Handler

	alarmed atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a Manager over backend.
func NewManager(backend Backend, cfg ManagerConfig, deps Deps) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("queue backend is required")
	}
	if len(cfg.Lanes) == 0 {
		cfg.Lanes = DefaultLanes()
	}
	defaults := DefaultManagerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = defaults.StallWindow
	}
	if cfg.KeepCompleted < 0 {
		cfg.KeepCompleted = 0
	}
	if cfg.DeadLetterAlertThreshold <= 0 {
		cfg.DeadLetterAlertThreshold = defaults.DeadLetterAlertThreshold
	}

	lanes := make(map[Lane]LaneConfig, len(cfg.Lanes))
	for _, lc := range cfg.Lanes {
		if err := lc.validate(); err != nil {
			return nil, err
		}
		if _, dup := lanes[lc.Name]; dup {
			return nil, fmt.Errorf("lane %s configured twice", lc.Name)
		}
		lanes[lc.Name] = lc
	}

	m := &Manager{
		backend:     backend,
		cfg:         cfg,
		lanes:       lanes,
		deadLetters: deps.DeadLetters,
		ledger:      deps.Ledger,
		observer:    deps.Observer,
		logger:      observability.OrDefault(deps.Logger).With("component", "queue"),
		now:         deps.Clock,
		handlers:    make(map[Lane]map[string]Handler),
	}
	if m.observer == nil {
		m.observer = NoopObserver{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Register binds a handler to a lane and job type.
func (m *Manager) Register(lane Lane, jobType string, h Handler) error {
	if _, ok := m.lanes[lane]; !ok {
		return fmt.Errorf("unknown lane %s", lane)
	}
	if want, ok := LaneForType(jobType); !ok || want != lane {
		return fmt.Errorf("job type %s does not belong to lane %s", jobType, lane)
	}

	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if m.handlers[lane] == nil {
		m.handlers[lane] = make(map[string]Handler)
	}
	m.handlers[lane][jobType] = h
	return nil
}

func (m *Manager) handler(lane Lane, jobType string) Handler {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	return m.handlers[lane][jobType]
}

// Enqueue validates a typed payload and stores it on its lane. It fails
// loudly when the backend cannot persist the job.
func (m *Manager) Enqueue(ctx context.Context, p Payload, opts ...EnqueueOption) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", apperrors.Internal("queue.enqueue", err)
	}
	return m.EnqueueRaw(ctx, p.Lane(), p.JobType(), raw, opts...)
}

// EnqueueRaw stores an already encoded payload. It is used to requeue
// dead-lettered jobs.
func (m *Manager) EnqueueRaw(ctx context.Context, lane Lane, jobType string, payload json.RawMessage, opts ...EnqueueOption) (string, error) {
	cfg, ok := m.lanes[lane]
	if !ok {
		return "", apperrors.Validation("lane", fmt.Sprintf("unknown lane %q", lane))
	}
	if want, ok := LaneForType(jobType); !ok || want != lane {
		return "", apperrors.Validation("type", fmt.Sprintf("job type %q is not accepted by lane %q", jobType, lane))
	}

	o := enqueueOptions{}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return "", err
		}
	}

	now := m.now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		Lane:        lane,
		Type:        jobType,
		Payload:     payload,
		Priority:    cfg.DefaultPriority,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		State:       StateWaiting,
		VisibleAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if o.priority != nil {
		job.Priority = *o.priority
	}
	if o.maxAttempts > 0 {
		job.MaxAttempts = o.maxAttempts
	}
	if o.backoff != nil {
		job.Backoff = *o.backoff
	}
	if o.delay > 0 {
		job.State = StateDelayed
		job.VisibleAt = now.Add(o.delay)
	}

	if err := m.backend.Add(ctx, job); err != nil {
		return "", apperrors.Unavailable("queue.enqueue", err)
	}

	m.logger.DebugContext(ctx, "job enqueued",
		"job_id", job.ID,
		"lane", lane,
		"job_type", jobType,
		"priority", job.Priority,
	)
	return job.ID, nil
}

// ProcessNext claims and processes at most one due job from lane. It
// reports whether a job was processed.
func (m *Manager) ProcessNext(ctx context.Context, lane Lane) (bool, error) {
	cfg, ok := m.lanes[lane]
	if !ok {
		return false, fmt.Errorf("unknown lane %s", lane)
	}

	job, err := m.backend.Claim(ctx, lane, m.now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim from %s: %w", lane, err)
	}
	if job == nil {
		return false, nil
	}

	m.process(ctx, cfg, job)
	return true, nil
}

func (m *Manager) process(ctx context.Context, cfg LaneConfig, job *Job) {
	// The handler outlives a shutdown signal so in-flight work can finish.
	jobCtx := observability.WithJobID(context.WithoutCancel(ctx), job.ID)

	var err error
	start := time.Now()
	if h := m.handler(job.Lane, job.Type); h == nil {
		err = apperrors.Terminal("queue.dispatch", fmt.Errorf("no handler registered for %s/%s", job.Lane, job.Type))
	} else {
		err = m.run(jobCtx, cfg, h, job)
	}
	elapsed := time.Since(start)

	if err != nil {
		m.handleFailure(jobCtx, job, err)
		return
	}

	now := m.now().UTC()
	job.State = StateCompleted
	job.FinishedAt = &now
	job.UpdatedAt = now
	job.LastError = ""
	if ferr := m.backend.Finish(jobCtx, job); ferr != nil {
		m.logger.ErrorContext(jobCtx, "failed to mark job completed", "lane", job.Lane, "job_type", job.Type, "error", ferr)
		return
	}
	m.observer.JobCompleted(jobCtx, string(job.Lane), job.Type, elapsed)

	if _, perr := m.backend.Prune(jobCtx, job.Lane, StateCompleted, m.cfg.KeepCompleted); perr != nil {
		m.logger.WarnContext(jobCtx, "failed to prune completed jobs", "lane", job.Lane, "error", perr)
	}
}

func (m *Manager) run(ctx context.Context, cfg LaneConfig, h Handler, job *Job) (err error) {
	if cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (m *Manager) handleFailure(ctx context.Context, job *Job, cause error) {
	now := m.now().UTC()
	job.Attempts++
	job.LastError = ledger.Truncate(cause.Error(), 2000)
	job.ClaimedAt = nil
	job.UpdatedAt = now

	retryable := apperrors.IsRetryable(cause)
	logger := m.logger.With(
		"lane", job.Lane,
		"job_type", job.Type,
		"attempt", job.Attempts,
		"max_attempts", job.MaxAttempts,
	)

	if retryable && job.Attempts < job.MaxAttempts {
		delay := job.Backoff.DelayFor(job.Attempts)
		job.State = StateDelayed
		job.VisibleAt = now.Add(delay)
		if err := m.backend.Finish(ctx, job); err != nil {
			logger.ErrorContext(ctx, "failed to schedule retry", "error", err)
			return
		}
		m.observer.JobRetried(ctx, string(job.Lane), job.Type, job.Attempts, delay)
		logger.WarnContext(ctx, "job failed, retry scheduled", "delay", delay, "error", cause)
		return
	}

	job.State = StateFailed
	job.FinishedAt = &now
	if err := m.backend.Finish(ctx, job); err != nil {
		logger.ErrorContext(ctx, "failed to mark job failed", "error", err)
	}
	m.observer.JobFailed(ctx, string(job.Lane), job.Type, job.Attempts, !retryable)
	logger.ErrorContext(ctx, "job failed permanently", "retryable", retryable, "error", cause)

	m.deadLetter(ctx, job, cause)
	m.recordFailure(ctx, job, cause, retryable)
}

// deadLetter mirrors a failed job. Write failures are logged and swallowed:
// retrying them could loop forever.
func (m *Manager) deadLetter(ctx context.Context, job *Job, cause error) {
	if m.deadLetters == nil {
		return
	}
	if err := m.deadLetters.Put(ctx, job, cause.Error()); err != nil {
		m.logger.ErrorContext(ctx, "failed to write dead letter",
			"lane", job.Lane,
			"job_type", job.Type,
			"error", err,
		)
		return
	}
	m.CheckDeadLetterThreshold(ctx)
}

func (m *Manager) recordFailure(ctx context.Context, job *Job, cause error, retryable bool) {
	if m.ledger == nil {
		return
	}
	fctx := map[string]any{
		"job_id":       job.ID,
		"lane":         string(job.Lane),
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
	}
	var payload map[string]any
	if err := json.Unmarshal(job.Payload, &payload); err == nil {
		fctx["payload"] = payload
	}

	_, err := m.ledger.Record(ctx, ledger.Failure{
		Type:      ledger.TypeJobFailed,
		Operation: job.Type,
		Service:   string(job.Lane),
		Err:       cause,
		Context:   fctx,
		Retryable: retryable,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record job failure", "job_type", job.Type, "error", err)
	}
}

// CheckDeadLetterThreshold publishes the dead-letter size and raises the
// alarm once each time the size reaches the threshold from below.
func (m *Manager) CheckDeadLetterThreshold(ctx context.Context) {
	if m.deadLetters == nil {
		return
	}
	size, err := m.deadLetters.Count(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to count dead letters", "error", err)
		return
	}
	m.observer.DeadLetterSize(ctx, size)

	threshold := m.cfg.DeadLetterAlertThreshold
	if size < threshold {
		m.alarmed.Store(false)
		return
	}
	if m.alarmed.CompareAndSwap(false, true) {
		m.observer.DeadLetterThresholdCrossed(ctx, size, threshold)
		m.logger.WarnContext(ctx, "dead-letter store crossed alert threshold", "size", size, "threshold", threshold)
	}
}

// RecoverStalled returns jobs that stayed active longer than the stall
// window to waiting. Attempt counts are unchanged.
func (m *Manager) RecoverStalled(ctx context.Context) (int, error) {
	now := m.now().UTC()
	total := 0
	for _, lane := range m.Lanes() {
		n, err := m.backend.RequeueStalled(ctx, lane, now.Add(-m.cfg.StallWindow), now)
		if err != nil {
			return total, fmt.Errorf("recover stalled jobs in %s: %w", lane, err)
		}
		if n > 0 {
			m.observer.JobsStalled(ctx, string(lane), n)
			m.logger.WarnContext(ctx, "stalled jobs returned to waiting", "lane", lane, "count", n)
		}
		total += n
	}
	return total, nil
}

// Start launches the claimers of every lane and the stall checker.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	for _, lane := range m.Lanes() {
		cfg := m.lanes[lane]
		for i := 0; i < cfg.Concurrency; i++ {
			m.wg.Add(1)
			go m.claimLoop(runCtx, lane)
		}
		m.logger.Info("lane started", "lane", lane, "concurrency", cfg.Concurrency)
	}

	if m.cfg.StallCheckInterval > 0 {
		m.wg.Add(1)
		go m.stallLoop(runCtx)
	}
	return nil
}

// Stop stops claiming and waits for in-flight handlers to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("queue stopped")
}

// IsRunning reports whether claimers are running.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) claimLoop(ctx context.Context, lane Lane) {
	defer m.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		processed, err := m.ProcessNext(ctx, lane)
		if err != nil && ctx.Err() == nil {
			m.logger.Warn("claim failed", "lane", lane, "error", err)
		}
		if processed {
			timer.Reset(0)
			continue
		}
		timer.Reset(m.cfg.PollInterval)
	}
}

func (m *Manager) stallLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RecoverStalled(ctx); err != nil {
				m.logger.Error("stall check failed", "error", err)
			}
		}
	}
}

// Lanes returns the configured lane names in configuration order.
func (m *Manager) Lanes() []Lane {
	out := make([]Lane, 0, len(m.cfg.Lanes))
	for _, lc := range m.cfg.Lanes {
		out = append(out, lc.Name)
	}
	return out
}

// LaneConfig returns the settings of a lane.
func (m *Manager) LaneConfig(lane Lane) (LaneConfig, bool) {
	cfg, ok := m.lanes[lane]
	return cfg, ok
}

func (m *Manager) requireLane(lane Lane) error {
	if _, ok := m.lanes[lane]; !ok {
		return apperrors.NotFound("lane", string(lane))
	}
	return nil
}

// Pause stops new claims on a lane. Active jobs are unaffected.
func (m *Manager) Pause(ctx context.Context, lane Lane) error {
	if err := m.requireLane(lane); err != nil {
		return err
	}
	if err := m.backend.SetPaused(ctx, lane, true); err != nil {
		return apperrors.Unavailable("queue.pause", err)
	}
	m.logger.InfoContext(ctx, "lane paused", "lane", lane)
	return nil
}

// Resume re-enables claims on a lane.
func (m *Manager) Resume(ctx context.Context, lane Lane) error {
	if err := m.requireLane(lane); err != nil {
		return err
	}
	if err := m.backend.SetPaused(ctx, lane, false); err != nil {
		return apperrors.Unavailable("queue.resume", err)
	}
	m.logger.InfoContext(ctx, "lane resumed", "lane", lane)
	return nil
}

// Counts reports the jobs of a lane by state.
func (m *Manager) Counts(ctx context.Context, lane Lane) (Counts, error) {
	if err := m.requireLane(lane); err != nil {
		return nil, err
	}
	return m.backend.Counts(ctx, lane, m.now().UTC())
}

// Stats returns the admin view of every lane.
func (m *Manager) Stats(ctx context.Context) ([]LaneStats, error) {
	out := make([]LaneStats, 0, len(m.lanes))
	for _, lane := range m.Lanes() {
		counts, err := m.backend.Counts(ctx, lane, m.now().UTC())
		if err != nil {
			return nil, err
		}
		paused, err := m.backend.IsPaused(ctx, lane)
		if err != nil {
			return nil, err
		}
		out = append(out, LaneStats{
			Lane:        lane,
			Paused:      paused,
			Concurrency: m.lanes[lane].Concurrency,
			Counts:      counts,
		})
	}
	return out, nil
}

// Clean deletes completed or failed jobs that finished more than grace ago.
func (m *Manager) Clean(ctx context.Context, lane Lane, state State, grace time.Duration) (int, error) {
	if err := m.requireLane(lane); err != nil {
		return 0, err
	}
	if !isFinished(state) {
		return 0, apperrors.Validation("state", "only completed or failed jobs can be cleaned")
	}
	n, err := m.backend.Clean(ctx, lane, state, m.now().UTC().Add(-grace))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.InfoContext(ctx, "lane cleaned", "lane", lane, "state", state, "deleted", n)
	}
	return n, nil
}

// Get returns a job by id.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.backend.Get(ctx, id)
}

// Package jobqueue is the background job queue: it persists jobs, schedules
// them by priority and delay, executes them with bounded concurrency under a
// per-attempt timeout, retries failures with exponential backoff and reclaims
// jobs abandoned by dead workers.
//
// Several worker processes may share one store and one index as long as the
// index pops atomically (see queue.RedisQueue). Delivery is at-least-once.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"background-job-queue/internal/models"
	"background-job-queue/internal/queue"
	"background-job-queue/internal/store"
)

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateRunning
	stateStopped
)

// Queue is the public facade over the store, the indexes, the handler
// registry, the processing loop and the stalled-job monitor.
type Queue struct {
	store    store.Store
	index    queue.Index
	registry *registry
	logger   *slog.Logger
	now      func() time.Time

	name               string
	workerID           string
	concurrency        int
	pollInterval       time.Duration
	stalledTimeout     time.Duration
	stalledInterval    time.Duration
	baseRetryDelay     time.Duration
	defaultTimeout     time.Duration
	defaultMaxAttempts int

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObs   uint64

	mu       sync.Mutex
	state    lifecycle
	stopCh   chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	active   map[string]context.CancelFunc
	loops    sync.WaitGroup
	inflight sync.WaitGroup

	// jobLocks serialise read-modify-write cycles on the same job within this process.
	jobLocks [64]sync.Mutex
}

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Pending    int64    `json:"pending"`
	Processing int64    `json:"processing"`
	Completed  int64    `json:"completed"`
	Failed     int64    `json:"failed"`
	Delayed    int64    `json:"delayed"`
	Cancelled  int64    `json:"cancelled"`
	Active     int      `json:"active"`
	Handlers   []string `json:"handlers"`
}

// New builds a queue over st and idx. Call Start to begin processing; a queue
// that is never started still serves CreateJob, GetJob, CancelJob and GetStats.
func New(st store.Store, idx queue.Index, opts ...Option) *Queue {
	q := &Queue{
		store:              st,
		index:              idx,
		registry:           newRegistry(),
		logger:             slog.Default(),
		now:                func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		name:               "default",
		workerID:           uuid.NewString(),
		concurrency:        defaultConcurrency,
		pollInterval:       defaultPollInterval,
		stalledTimeout:     defaultStalledTimeout,
		baseRetryDelay:     defaultBaseRetryDelay,
		defaultTimeout:     defaultJobTimeout,
		defaultMaxAttempts: defaultMaxAttempts,
		observers:          make(map[uint64]Observer),
		active:             make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.concurrency < 1 {
		q.concurrency = 1
	}
	if q.pollInterval <= 0 {
		q.pollInterval = defaultPollInterval
	}
	if q.stalledTimeout <= 0 {
		q.stalledTimeout = defaultStalledTimeout
	}
	if q.stalledInterval <= 0 {
		q.stalledInterval = q.stalledTimeout
	}
	if q.defaultMaxAttempts < 1 {
		q.defaultMaxAttempts = defaultMaxAttempts
	}
	if q.defaultTimeout <= 0 {
		q.defaultTimeout = defaultJobTimeout
	}
	q.logger = q.logger.With(slog.String("queue", q.name), slog.String("worker_id", q.workerID))
	return q
}

// WorkerID returns the identity this instance writes to ProcessedBy.
func (q *Queue) WorkerID() string { return q.workerID }

// Register binds a handler to a job type, replacing any previous one.
func (q *Queue) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	q.registry.register(jobType, h)
}

// Handlers returns the registered job types in sorted order.
func (q *Queue) Handlers() []string {
	return q.registry.types()
}

// CreateJob validates, persists and indexes a new job.
func (q *Queue) CreateJob(ctx context.Context, jobType string, payload any, opts JobOptions) (*models.Job, error) {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return nil, &ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if opts.Delay < 0 {
		return nil, &ValidationError{Field: "delay", Reason: "must not be negative"}
	}
	if opts.Timeout < 0 {
		return nil, &ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	if opts.MaxAttempts < 0 {
		return nil, &ValidationError{Field: "maxAttempts", Reason: "must not be negative"}
	}
	raw, err := encodeJSON(payload)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if q.closed() {
		return nil, ErrQueueClosed
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.defaultMaxAttempts
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = q.defaultTimeout
	}
	now := q.now()
	job := &models.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     raw,
		Status:      models.StatusPending,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		DelayMS:     opts.Delay.Milliseconds(),
		TimeoutMS:   timeout.Milliseconds(),
		RunAt:       now.Add(opts.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.Delay > 0 {
		job.Status = models.StatusDelayed
	}

	if err := q.store.Save(ctx, job); err != nil {
		return nil, storeErr("save job", err)
	}

	var idxErr error
	if job.Status == models.StatusDelayed {
		idxErr = q.index.PushDelayed(ctx, job.ID, job.RunAt)
	} else {
		idxErr = q.index.PushReady(ctx, job.ID, job.Priority)
	}
	if idxErr != nil {
		// The record is unreachable without an index entry; retire it.
		if err := job.Transition(models.StatusCancelled, q.now()); err == nil {
			job.CancelledAt = &job.UpdatedAt
			if err := q.store.Update(ctx, job); err != nil {
				q.logger.Error("retire unindexed job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			}
		}
		return nil, storeErr("index job", idxErr)
	}

	q.logger.Debug("job created",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("priority", job.Priority),
		slog.Duration("delay", opts.Delay),
	)
	q.emit(EventJobCreated, job, nil, 0)
	return job, nil
}

// GetJob returns the job or ErrJobNotFound.
func (q *Queue) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := q.store.FindByID(ctx, id)
	if err != nil {
		return nil, storeErr("find job", err)
	}
	return job, nil
}

// ListJobs returns jobs in status, oldest update first.
func (q *Queue) ListJobs(ctx context.Context, status models.Status, filter store.Filter) ([]*models.Job, error) {
	if !status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	jobs, err := q.store.FindByStatus(ctx, status, filter)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	return jobs, nil
}

// CancelJob marks a job cancelled and removes it from both indexes. Completed
// and failed jobs are returned unchanged. A running handler is not interrupted,
// but its outcome is discarded.
func (q *Queue) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	unlock := q.lockJob(id)
	defer unlock()

	job, err := q.mutate(ctx, id, func(job *models.Job) error {
		if job.Status.Terminal() {
			return errUnchanged
		}
		now := q.now()
		if err := job.Transition(models.StatusCancelled, now); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		job.CancelledAt = &now
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
		return job, nil
	case errors.Is(err, ErrInvalidState):
		return nil, err
	case err != nil:
		return nil, storeErr("cancel job", err)
	}
	if err := q.index.Remove(ctx, id); err != nil {
		q.logger.Warn("remove cancelled job from index", slog.String("job_id", id), slog.String("error", err.Error()))
	}

	q.logger.Info("job cancelled", slog.String("job_id", id), slog.String("job_type", job.Type))
	q.emit(EventJobCancelled, job, nil, 0)
	return job, nil
}

// UpdateProgress sets the progress of a processing job, clamped to [0,100].
func (q *Queue) UpdateProgress(ctx context.Context, id string, pct int) (*models.Job, error) {
	pct = min(max(pct, 0), 100)

	unlock := q.lockJob(id)
	defer unlock()

	job, err := q.mutate(ctx, id, func(job *models.Job) error {
		if job.Status != models.StatusProcessing {
			return fmt.Errorf("%w: progress on %s job", ErrInvalidState, job.Status)
		}
		job.Progress = pct
		job.UpdatedAt = q.now()
		return nil
	})
	switch {
	case errors.Is(err, ErrInvalidState):
		return nil, err
	case err != nil:
		return nil, storeErr("update progress", err)
	}
	q.emit(EventJobProgress, job, nil, 0)
	return job, nil
}

// GetStats returns per-status counts, the local in-flight count and the registered types.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	counts := make(map[models.Status]int64, len(models.Statuses))
	for _, s := range models.Statuses {
		n, err := q.store.CountByStatus(ctx, s)
		if err != nil {
			return Stats{}, storeErr("count jobs", err)
		}
		counts[s] = n
	}
	return Stats{
		Pending:    counts[models.StatusPending],
		Processing: counts[models.StatusProcessing],
		Completed:  counts[models.StatusCompleted],
		Failed:     counts[models.StatusFailed],
		Delayed:    counts[models.StatusDelayed],
		Cancelled:  counts[models.StatusCancelled],
		Active:     q.Active(),
		Handlers:   q.Handlers(),
	}, nil
}

// Active returns the number of jobs executing in this instance.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// Start launches the processing loop and the stalled-job monitor. It is
// idempotent while running and returns ErrQueueClosed after Stop.
func (q *Queue) Start(_ context.Context) error {
	q.mu.Lock()
	switch q.state {
	case stateRunning:
		q.mu.Unlock()
		return nil
	case stateStopped:
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.state = stateRunning
	q.stopCh = make(chan struct{})
	q.runCtx, q.cancel = context.WithCancel(context.Background())
	q.loops.Add(2)
	go q.processLoop()
	go q.stalledLoop()
	q.mu.Unlock()

	q.logger.Info("queue started",
		slog.Int("concurrency", q.concurrency),
		slog.Duration("poll_interval", q.pollInterval),
		slog.Duration("stalled_timeout", q.stalledTimeout),
	)
	q.emit(EventStarted, nil, nil, 0)
	return nil
}

// Stop halts the loops, drains in-flight jobs unless opts.Force, then closes
// the index and the store. Calling Stop again is a no-op.
func (q *Queue) Stop(ctx context.Context, opts StopOptions) error {
	q.mu.Lock()
	if q.state == stateStopped {
		q.mu.Unlock()
		return nil
	}
	wasRunning := q.state == stateRunning
	q.state = stateStopped
	if wasRunning {
		close(q.stopCh)
	}
	q.mu.Unlock()

	if wasRunning {
		q.loops.Wait()
		if opts.Force {
			q.cancel()
		} else if !q.drain(ctx, opts.Timeout) {
			q.logger.Warn("shutdown timed out with jobs in flight", slog.Int("active", q.Active()))
			q.cancel()
		}
		// abandoned attempts return at once and leave their records processing
		q.inflight.Wait()
		q.cancel()
	}

	q.logger.Info("queue stopped", slog.Bool("force", opts.Force))
	q.emit(EventStopped, nil, nil, 0)

	var errs []error
	if err := q.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close index: %w", err))
	}
	if err := q.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// drain waits for in-flight jobs; it reports false when the wait timed out.
func (q *Queue) drain(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state == stateStopped
}

func (q *Queue) lockJob(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &q.jobLocks[h.Sum32()%uint32(len(q.jobLocks))]
	m.Lock()
	return m.Unlock
}

// errUnchanged stops mutate without writing.
var errUnchanged = errors.New("record unchanged")

// mutate loads id, applies fn and writes the result with a version check. A
// lost race reloads the record and applies fn again, so fn must decide from
// the record it is given. An error from fn aborts and is returned along with
// the record fn saw.
func (q *Queue) mutate(ctx context.Context, id string, fn func(*models.Job) error) (*models.Job, error) {
	for attempt := 1; ; attempt++ {
		job, err := q.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			return job, err
		}
		err = q.store.Update(ctx, job)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= maxWriteAttempts {
			return nil, err
		}
		q.logger.Debug("job changed concurrently, reloading", slog.String("job_id", id), slog.Int("attempt", attempt))
	}
}

func (q *Queue) reportError(op string, err error, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("error", err.Error()))
	for _, a := range attrs {
		args = append(args, a)
	}
	q.logger.Error(op, args...)
	q.emit(EventError, nil, &StoreError{Op: op, Err: err}, 0)
}

func encodeJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(t) {
			return nil, errors.New("invalid JSON")
		}
		return t, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"background-job-queue/internal/models"
	"background-job-queue/internal/store"
)

const outcomeWriteTimeout = 10 * time.Second

// errAbandoned marks an attempt cut short by a forced stop. Its record is
// left processing for the stalled-job monitor.
var errAbandoned = errors.New("attempt abandoned")

func (q *Queue) processLoop() {
	defer q.loops.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	q.tick()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.tick()
		}
	}
}

func (q *Queue) tick() {
	ctx := q.runCtx
	q.promoteDue(ctx)

	for q.Active() < q.concurrency {
		select {
		case <-q.stopCh:
			return
		default:
		}

		id, priority, err := q.index.PopReady(ctx)
		if err != nil {
			q.reportError("pop ready job", err)
			return
		}
		if id == "" {
			return
		}
		job, ok := q.claim(ctx, id, priority)
		if !ok {
			continue
		}
		q.dispatch(job)
	}
}

// promoteDue moves every delayed job whose eligibility time has passed into
// the ready index.
func (q *Queue) promoteDue(ctx context.Context) {
	now := q.now()
	ids, err := q.index.PopDueBefore(ctx, now)
	if err != nil {
		q.reportError("pop due jobs", err)
		return
	}
	for _, id := range ids {
		q.promote(ctx, id, now)
	}
}

// errNotDue marks a delayed record whose RunAt is still ahead of the index score.
var errNotDue = errors.New("not due")

func (q *Queue) promote(ctx context.Context, id string, now time.Time) {
	unlock := q.lockJob(id)
	defer unlock()

	job, err := q.mutate(ctx, id, func(job *models.Job) error {
		switch job.Status {
		case models.StatusDelayed:
			if job.RunAt.After(now) {
				return errNotDue
			}
			return job.Transition(models.StatusPending, q.now())
		case models.StatusPending:
			// already promoted by a crashed sweep; only the index entry is missing
			return errUnchanged
		default:
			return errSkip
		}
	})
	switch {
	case err == nil, errors.Is(err, errUnchanged):
	case errors.Is(err, errSkip), errors.Is(err, store.ErrNotFound):
		return
	case errors.Is(err, errNotDue):
		// index scores are whole milliseconds
		if err := q.index.PushDelayed(ctx, id, job.RunAt); err != nil {
			q.reportError("requeue due job", err, slog.String("job_id", id))
		}
		return
	default:
		q.reportError("promote due job", err, slog.String("job_id", id))
		if err := q.index.PushDelayed(ctx, id, now); err != nil {
			q.reportError("requeue due job", err, slog.String("job_id", id))
		}
		return
	}

	if err := q.index.PushReady(ctx, id, job.Priority); err != nil {
		q.reportError("push promoted job", err, slog.String("job_id", id))
		return
	}
	q.emit(EventJobReady, job, nil, 0)
}

// errSkip stops mutate for a record that another writer has moved on.
var errSkip = errors.New("record moved on")

// claim moves a pending job to processing under this worker's identity.
// priority is the score the id was popped with and is used to put it back
// when the store cannot be reached.
func (q *Queue) claim(ctx context.Context, id string, priority int) (*models.Job, bool) {
	unlock := q.lockJob(id)
	defer unlock()

	job, err := q.mutate(ctx, id, func(job *models.Job) error {
		if job.Status != models.StatusPending {
			return errSkip
		}
		now := q.now()
		if err := job.Transition(models.StatusProcessing, now); err != nil {
			return err
		}
		job.Attempts++
		job.ProcessedBy = q.workerID
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		q.logger.Warn("dropping index entry without record", slog.String("job_id", id))
		return nil, false
	case errors.Is(err, errSkip):
		q.logger.Debug("dropping stale index entry", slog.String("job_id", id), slog.String("status", string(job.Status)))
		return nil, false
	default:
		q.reportError("claim job", err, slog.String("job_id", id))
		if err := q.index.PushReady(ctx, id, priority); err != nil {
			q.reportError("requeue claimed job", err, slog.String("job_id", id))
		}
		return nil, false
	}

	q.logger.Debug("job claimed",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempt", job.Attempts),
	)
	q.emit(EventJobProcessing, job, nil, 0)
	return job, true
}

func (q *Queue) dispatch(job *models.Job) {
	ctx, cancel := context.WithCancel(q.runCtx)

	q.mu.Lock()
	q.active[job.ID] = cancel
	q.mu.Unlock()

	q.inflight.Add(1)
	go func() {
		defer q.inflight.Done()
		defer func() {
			cancel()
			q.mu.Lock()
			delete(q.active, job.ID)
			q.mu.Unlock()
		}()
		q.execute(ctx, job)
	}()
}

func (q *Queue) execute(ctx context.Context, job *models.Job) {
	h, ok := q.registry.get(job.Type)
	if !ok {
		q.finish(ctx, job, nil, &HandlerNotFoundError{Type: job.Type})
		return
	}

	timeout := job.Timeout()
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	task := &Task{
		ID:      job.ID,
		Type:    job.Type,
		Payload: job.Payload,
		Attempt: job.Attempts,
		q:       q,
	}

	start := time.Now()
	result, err := runHandler(ctx, h, task, timeout)
	if errors.Is(err, errAbandoned) {
		q.logger.Warn("attempt abandoned on shutdown", slog.String("job_id", job.ID), slog.String("job_type", job.Type))
		return
	}
	q.logger.Debug("handler returned",
		slog.String("job_id", job.ID),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil),
	)
	q.finish(ctx, job, result, err)
}

type outcome struct {
	value any
	err   error
}

// runHandler races h against the attempt timeout. A handler that ignores its
// context keeps running in the background but its result is dropped.
func runHandler(ctx context.Context, h Handler, task *Task, timeout time.Duration) (any, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &HandlerExecutionError{Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		v, err := h(tctx, task)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.value, nil
		}
		var execErr *HandlerExecutionError
		if errors.As(o.err, &execErr) {
			return nil, o.err
		}
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && errors.Is(o.err, context.DeadlineExceeded) {
			return nil, &HandlerTimeoutError{Timeout: timeout}
		}
		if ctx.Err() != nil && errors.Is(o.err, context.Canceled) {
			return nil, errAbandoned
		}
		return nil, &HandlerExecutionError{Err: o.err}
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, errAbandoned
		}
		return nil, &HandlerTimeoutError{Timeout: timeout}
	}
}

// finish writes the outcome of one attempt. The write is skipped when the
// record has since left this claim: cancelled, reclaimed by the stalled-job
// monitor or claimed again elsewhere.
func (q *Queue) finish(ctx context.Context, claimed *models.Job, result any, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()

	var raw []byte
	if runErr == nil {
		var err error
		if raw, err = encodeJSON(result); err != nil {
			runErr = &HandlerExecutionError{Err: fmt.Errorf("encode result: %w", err)}
		}
	}

	unlock := q.lockJob(claimed.ID)
	defer unlock()

	var delay time.Duration
	job, err := q.mutate(ctx, claimed.ID, func(job *models.Job) error {
		if job.Status != models.StatusProcessing || job.Attempts != claimed.Attempts || job.ProcessedBy != claimed.ProcessedBy {
			return errSkip
		}
		now := q.now()
		switch {
		case runErr == nil:
			if err := job.Transition(models.StatusCompleted, now); err != nil {
				return err
			}
			job.Result = raw
			job.Progress = 100
			job.CompletedAt = &now
		case retryable(runErr) && job.Attempts < job.MaxAttempts:
			if err := job.Transition(models.StatusDelayed, now); err != nil {
				return err
			}
			delay = Backoff(q.baseRetryDelay, job.Attempts)
			job.DelayMS = delay.Milliseconds()
			job.RunAt = now.Add(delay)
		default:
			if err := job.Transition(models.StatusFailed, now); err != nil {
				return err
			}
			msg := runErr.Error()
			job.Error = &msg
			job.FailedAt = &now
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errSkip):
		q.logger.Info("discarding outcome of superseded attempt",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
			slog.Int("attempt", claimed.Attempts),
		)
		return
	default:
		q.reportError("save finished job", err, slog.String("job_id", claimed.ID))
		return
	}

	switch job.Status {
	case models.StatusCompleted:
		q.completed(job)
	case models.StatusDelayed:
		q.retried(ctx, job, runErr, delay)
	case models.StatusFailed:
		q.failed(job, runErr)
	}
}

func (q *Queue) completed(job *models.Job) {
	q.logger.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempts", job.Attempts),
	)
	q.emit(EventJobCompleted, job, nil, 0)
}

func (q *Queue) retried(ctx context.Context, job *models.Job, runErr error, delay time.Duration) {
	if err := q.index.PushDelayed(ctx, job.ID, job.RunAt); err != nil {
		// the stalled-job monitor re-indexes delayed records it finds past due
		q.reportError("push retried job", err, slog.String("job_id", job.ID))
	}
	q.logger.Warn("job attempt failed, retrying",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("delay", delay),
		slog.String("error", runErr.Error()),
	)
	q.emit(EventJobRetry, job, runErr, delay)
}

func (q *Queue) failed(job *models.Job, runErr error) {
	q.logger.Error("job failed",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempts", job.Attempts),
		slog.String("error", *job.Error),
	)
	q.emit(EventJobFailed, job, runErr, 0)
}

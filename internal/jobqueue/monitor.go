package jobqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"background-job-queue/internal/models"
	"background-job-queue/internal/store"
)

const stalledMaxAttemptsReason = "stalled, max attempts"

func (q *Queue) stalledLoop() {
	defer q.loops.Done()

	ticker := time.NewTicker(q.stalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if _, err := q.RecoverStalled(q.runCtx); err != nil {
				q.reportError("stalled sweep", err)
			}
		}
	}
}

// RecoverStalled runs one stalled-job sweep and returns how many processing
// jobs it reclaimed or failed. A job counts as stalled when it has not been
// updated for the stalled timeout and is not executing in this instance.
// Delayed records left out of the delayed index past the same cutoff are
// re-indexed.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.stalledTimeout)

	stalled, err := q.store.FindByStatus(ctx, models.StatusProcessing, store.Filter{
		UpdatedBefore: cutoff,
		Limit:         stalledBatch,
	})
	if err != nil {
		return 0, storeErr("find stalled jobs", err)
	}

	n := 0
	for _, job := range stalled {
		if q.isActive(job.ID) {
			continue
		}
		ok, err := q.reclaim(ctx, job.ID, cutoff)
		if err != nil {
			q.reportError("reclaim stalled job", err, slog.String("job_id", job.ID))
			continue
		}
		if ok {
			n++
		}
	}

	q.reindexDelayed(ctx, cutoff)
	return n, nil
}

func (q *Queue) reclaim(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock := q.lockJob(id)
	defer unlock()

	// decide on the current record; the attempt may have finished since the query
	job, err := q.mutate(ctx, id, func(job *models.Job) error {
		if job.Status != models.StatusProcessing || !job.UpdatedAt.Before(cutoff) {
			return errSkip
		}
		now := q.now()
		if job.Attempts >= job.MaxAttempts {
			if err := job.Transition(models.StatusFailed, now); err != nil {
				return err
			}
			reason := stalledMaxAttemptsReason
			job.Error = &reason
			job.FailedAt = &now
			return nil
		}
		return job.Transition(models.StatusPending, now)
	})
	switch {
	case err == nil:
	case errors.Is(err, errSkip), errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}

	if job.Status == models.StatusFailed {
		q.logger.Error("stalled job failed",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
			slog.String("processed_by", job.ProcessedBy),
			slog.Int("attempts", job.Attempts),
		)
		q.emit(EventJobStalled, job, nil, 0)
		q.emit(EventJobFailed, job, errors.New(stalledMaxAttemptsReason), 0)
		return true, nil
	}

	if err := q.index.PushReady(ctx, job.ID, job.Priority); err != nil {
		return false, err
	}
	q.logger.Warn("stalled job returned to pending",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.String("processed_by", job.ProcessedBy),
		slog.Int("attempts", job.Attempts),
	)
	q.emit(EventJobStalled, job, nil, 0)
	return true, nil
}

// reindexDelayed pushes delayed records that are long past due back into the
// delayed index. Such records lost their index entry to a failed write.
func (q *Queue) reindexDelayed(ctx context.Context, cutoff time.Time) {
	orphans, err := q.store.FindByStatus(ctx, models.StatusDelayed, store.Filter{
		RunBefore: cutoff,
		Limit:     stalledBatch,
	})
	if err != nil {
		q.reportError("find overdue delayed jobs", err)
		return
	}
	for _, job := range orphans {
		if err := q.index.PushDelayed(ctx, job.ID, job.RunAt); err != nil {
			q.reportError("reindex delayed job", err, slog.String("job_id", job.ID))
		}
	}
}

func (q *Queue) isActive(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[id]
	return ok
}

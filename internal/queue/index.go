// Package queue holds the ordering structures that decide which job runs next:
// a priority-ordered ready index and a time-ordered delayed index. The Redis
// implementation is safe to share between worker processes; the in-memory one
// is limited to a single process.
package queue

import (
	"context"
	"time"
)

// ReadyIndex orders ids of jobs eligible to run now. Lower priority values pop first.
type ReadyIndex interface {
	PushReady(ctx context.Context, jobID string, priority int) error
	// PopReady removes and returns the lowest-priority id with its priority,
	// or "" when empty. Two concurrent callers never receive the same id.
	PopReady(ctx context.Context) (jobID string, priority int, err error)
	ReadyLen(ctx context.Context) (int64, error)
}

// DelayedIndex orders ids of jobs by the time they become eligible.
type DelayedIndex interface {
	PushDelayed(ctx context.Context, jobID string, eligibleAt time.Time) error
	// PopDueBefore atomically removes and returns every id eligible at or before now.
	PopDueBefore(ctx context.Context, now time.Time) ([]string, error)
	DelayedLen(ctx context.Context) (int64, error)
}

// Index combines both orderings for one named queue.
type Index interface {
	ReadyIndex
	DelayedIndex
	// Remove drops jobID from both orderings; missing ids are not an error.
	Remove(ctx context.Context, jobID string) error
	Close() error
}

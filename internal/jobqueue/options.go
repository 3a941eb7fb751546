package jobqueue

import (
	"log/slog"
	"time"
)

const (
	defaultConcurrency     = 5
	defaultPollInterval    = time.Second
	defaultStalledTimeout  = 2 * time.Minute
	defaultBaseRetryDelay  = time.Second
	defaultJobTimeout      = 60 * time.Second
	defaultMaxAttempts     = 3
	defaultShutdownTimeout = 30 * time.Second
	stalledBatch           = 500
	maxWriteAttempts       = 5
)

// Option configures a Queue.
type Option func(*Queue)

// WithName sets the queue name used in logs.
func WithName(name string) Option {
	return func(q *Queue) { q.name = name }
}

// WithWorkerID sets the identity written to ProcessedBy on claim.
func WithWorkerID(id string) Option {
	return func(q *Queue) { q.workerID = id }
}

// WithConcurrency bounds the number of jobs executing at once.
func WithConcurrency(n int) Option {
	return func(q *Queue) { q.concurrency = n }
}

// WithPollInterval sets how often the scheduler claims and promotes jobs.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.pollInterval = d }
}

// WithStalledTimeout sets how long a processing job may go without an update
// before it is presumed abandoned.
func WithStalledTimeout(d time.Duration) Option {
	return func(q *Queue) { q.stalledTimeout = d }
}

// WithStalledInterval sets how often the stalled-job sweep runs. It defaults
// to the stalled timeout.
func WithStalledInterval(d time.Duration) Option {
	return func(q *Queue) { q.stalledInterval = d }
}

// WithBaseRetryDelay sets the first retry delay; later retries double it.
func WithBaseRetryDelay(d time.Duration) Option {
	return func(q *Queue) { q.baseRetryDelay = d }
}

// WithDefaultTimeout sets the per-attempt timeout for jobs created without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(q *Queue) { q.defaultTimeout = d }
}

// WithDefaultMaxAttempts sets the attempt cap for jobs created without one.
func WithDefaultMaxAttempts(n int) Option {
	return func(q *Queue) { q.defaultMaxAttempts = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// JobOptions tunes a single job at creation. Zero values take queue defaults.
type JobOptions struct {
	Priority    int
	Delay       time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

// StopOptions controls shutdown.
type StopOptions struct {
	// Force skips draining and cancels the context of running handlers.
	Force bool
	// Timeout bounds the drain wait; zero means 30s.
	Timeout time.Duration
}

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"background-job-queue/internal/jobqueue"
	"background-job-queue/internal/store"
)

const auditWriteTimeout = 5 * time.Second

type auditEntry struct {
	jobID  string
	event  string
	detail string
}

// Audit records every job event in the store's audit table. Writes happen on
// a background goroutine so OnEvent never blocks the queue; entries beyond
// the buffer are dropped and counted.
type Audit struct {
	sink    store.Auditor
	entries chan auditEntry
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewAudit returns an audit observer buffering up to size entries.
func NewAudit(sink store.Auditor, size int, logger *slog.Logger) *Audit {
	if size <= 0 {
		size = 1024
	}
	return &Audit{
		sink:    sink,
		entries: make(chan auditEntry, size),
		logger:  logger,
	}
}

// Dropped returns how many entries were discarded because the buffer was full.
func (a *Audit) Dropped() int64 { return a.dropped.Load() }

// OnEvent implements jobqueue.Observer.
func (a *Audit) OnEvent(e jobqueue.Event) {
	if e.Type == jobqueue.EventStopped {
		// the store is closed right after this event
		a.flush()
		return
	}
	if e.Job == nil {
		return
	}
	entry := auditEntry{jobID: e.Job.ID, event: string(e.Type), detail: describe(e)}
	select {
	case a.entries <- entry:
	default:
		a.dropped.Add(1)
	}
}

// Run writes buffered entries until ctx is done.
func (a *Audit) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.flush()
			return nil
		case entry := <-a.entries:
			a.write(entry)
		}
	}
}

func (a *Audit) flush() {
	for {
		select {
		case entry := <-a.entries:
			a.write(entry)
		default:
			return
		}
	}
}

func (a *Audit) write(entry auditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	if err := a.sink.AppendAudit(ctx, entry.jobID, entry.event, entry.detail); err != nil {
		a.logger.Warn("write audit entry",
			slog.String("job_id", entry.jobID),
			slog.String("event", entry.event),
			slog.String("error", err.Error()),
		)
	}
}

func describe(e jobqueue.Event) string {
	parts := []string{fmt.Sprintf("status=%s", e.Job.Status), fmt.Sprintf("attempts=%d/%d", e.Job.Attempts, e.Job.MaxAttempts)}
	switch e.Type {
	case jobqueue.EventJobProcessing:
		parts = append(parts, "worker="+e.Job.ProcessedBy)
	case jobqueue.EventJobProgress:
		parts = append(parts, fmt.Sprintf("progress=%d", e.Job.Progress))
	case jobqueue.EventJobRetry:
		parts = append(parts, "delay="+e.Delay.String())
	}
	if e.Err != nil {
		parts = append(parts, "error="+e.Err.Error())
	} else if e.Job.Error != nil {
		parts = append(parts, "error="+*e.Job.Error)
	}
	return strings.Join(parts, " ")
}

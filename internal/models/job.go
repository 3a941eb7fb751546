package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status enumerates lifecycle states persisted in the job store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDelayed    Status = "delayed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in reporting order.
var Statuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusDelayed,
	StatusCancelled,
}

// ErrInvalidTransition is returned when a status change is not an allowed edge.
var ErrInvalidTransition = errors.New("invalid status transition")

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusProcessing, StatusCancelled},
	// processing -> pending is the stalled-job recovery edge; processing ->
	// cancelled is advisory, the running handler is not interrupted.
	StatusProcessing: {StatusCompleted, StatusDelayed, StatusFailed, StatusPending, StatusCancelled},
	StatusDelayed:    {StatusPending, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job represents a unit of asynchronous work and its execution state.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	DelayMS     int64           `json:"delay_ms"`
	TimeoutMS   int64           `json:"timeout_ms"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	// RunAt is when the job becomes eligible for the ready index.
	RunAt       time.Time  `json:"run_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	ProcessedBy string     `json:"processed_by,omitempty"`
	// Version counts stored writes; a conditional update must carry the version it read.
	Version int64 `json:"version"`
}

// Transition moves the job to status to, stamping UpdatedAt.
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

// Timeout returns the per-attempt execution budget.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMS) * time.Millisecond
}

// Delay returns the delay applied before the job last became eligible.
func (j *Job) Delay() time.Duration {
	return time.Duration(j.DelayMS) * time.Millisecond
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneBytes(j.Payload)
	c.Result = cloneBytes(j.Result)
	c.Error = cloneString(j.Error)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	c.CancelledAt = cloneTime(j.CancelledAt)
	return &c
}

// AuditLog is a single lifecycle event recorded for a job.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

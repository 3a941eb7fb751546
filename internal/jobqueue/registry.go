package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one attempt of a job. The returned value is JSON-encoded
// into the job result. ctx carries the attempt deadline; a handler that
// ignores it is abandoned when the deadline passes.
//
// A job may run more than once: a stalled attempt is re-executed by another
// worker without knowing whether the first attempt had side effects, so
// handlers must be idempotent or otherwise safe to retry.
type Handler func(ctx context.Context, task *Task) (any, error)

// Task is the view of a job handed to its Handler.
type Task struct {
	ID      string
	Type    string
	Payload json.RawMessage
	// Attempt is 1 for the first execution.
	Attempt int

	q *Queue
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// UpdateProgress records completion percentage; values are clamped to [0,100].
// It also refreshes the job's heartbeat for stalled-job detection. A Task
// built outside a queue ignores progress.
func (t *Task) UpdateProgress(ctx context.Context, pct int) error {
	if t.q == nil {
		return nil
	}
	_, err := t.q.UpdateProgress(ctx, t.ID, pct)
	return err
}

type registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]Handler)}
}

func (r *registry) register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *registry) get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

func (r *registry) types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

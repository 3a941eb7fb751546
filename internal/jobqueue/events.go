package jobqueue

import (
	"time"

	"background-job-queue/internal/models"
)

// EventType names a queue lifecycle event.
type EventType string

const (
	EventStarted       EventType = "started"
	EventStopped       EventType = "stopped"
	EventJobCreated    EventType = "job:created"
	EventJobProcessing EventType = "job:processing"
	EventJobProgress   EventType = "job:progress"
	EventJobCompleted  EventType = "job:completed"
	EventJobFailed     EventType = "job:failed"
	EventJobRetry      EventType = "job:retry"
	EventJobStalled    EventType = "job:stalled"
	EventJobReady      EventType = "job:ready"
	EventJobCancelled  EventType = "job:cancelled"
	EventError         EventType = "error"
)

// Event is delivered to every subscribed Observer.
type Event struct {
	Type EventType
	// Job is a snapshot of the record after the change; nil for queue-level events.
	Job *models.Job
	// Err is set for job:failed, job:retry and error.
	Err error
	// Delay is the backoff applied by job:retry.
	Delay time.Duration
	At    time.Time
}

// Observer receives queue events. OnEvent runs on the goroutine that caused
// the event and must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Subscribe registers o and returns a function that removes it.
func (q *Queue) Subscribe(o Observer) func() {
	q.obsMu.Lock()
	defer q.obsMu.Unlock()
	q.nextObs++
	key := q.nextObs
	q.observers[key] = o
	return func() {
		q.obsMu.Lock()
		defer q.obsMu.Unlock()
		delete(q.observers, key)
	}
}

func (q *Queue) emit(t EventType, job *models.Job, err error, delay time.Duration) {
	q.obsMu.RLock()
	observers := make([]Observer, 0, len(q.observers))
	for _, o := range q.observers {
		observers = append(observers, o)
	}
	q.obsMu.RUnlock()
	if len(observers) == 0 {
		return
	}

	e := Event{Type: t, Err: err, Delay: delay, At: q.now()}
	for _, o := range observers {
		// each observer gets its own copy so it may keep or mutate it
		e.Job = job.Clone()
		o.OnEvent(e)
	}
}

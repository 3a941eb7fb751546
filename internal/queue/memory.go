package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryIndex keeps both orderings in process memory behind one mutex. It is
// not shared between processes and loses its contents on restart.
type MemoryIndex struct {
	mu      sync.Mutex
	seq     uint64
	ready   entryHeap
	delayed entryHeap
	// where maps an id to its current heap entry; an id lives in at most one heap.
	where map[string]*entry
}

type entry struct {
	id      string
	score   int64
	seq     uint64
	delayed bool
	index   int
}

// NewMemoryIndex returns an empty in-process index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{where: make(map[string]*entry)}
}

func (m *MemoryIndex) push(id string, score int64, delayed bool) {
	m.removeLocked(id)
	m.seq++
	e := &entry{id: id, score: score, seq: m.seq, delayed: delayed}
	if delayed {
		heap.Push(&m.delayed, e)
	} else {
		heap.Push(&m.ready, e)
	}
	m.where[id] = e
}

func (m *MemoryIndex) removeLocked(id string) {
	e, ok := m.where[id]
	if !ok {
		return
	}
	if e.delayed {
		heap.Remove(&m.delayed, e.index)
	} else {
		heap.Remove(&m.ready, e.index)
	}
	delete(m.where, id)
}

// PushReady queues jobID at priority, moving it out of the delayed heap.
func (m *MemoryIndex) PushReady(_ context.Context, jobID string, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push(jobID, int64(priority), false)
	return nil
}

// PopReady removes the lowest-priority id, oldest first among equals.
func (m *MemoryIndex) PopReady(_ context.Context) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready.Len() == 0 {
		return "", 0, nil
	}
	e := heap.Pop(&m.ready).(*entry)
	delete(m.where, e.id)
	return e.id, int(e.score), nil
}

// ReadyLen returns the number of ready ids.
func (m *MemoryIndex) ReadyLen(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.ready.Len()), nil
}

// PushDelayed schedules jobID for eligibleAt, moving it out of the ready heap.
func (m *MemoryIndex) PushDelayed(_ context.Context, jobID string, eligibleAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push(jobID, eligibleAt.UnixMilli(), true)
	return nil
}

// PopDueBefore removes and returns every id eligible at or before now.
func (m *MemoryIndex) PopDueBefore(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.UnixMilli()
	var ids []string
	for m.delayed.Len() > 0 && m.delayed[0].score <= cutoff {
		e := heap.Pop(&m.delayed).(*entry)
		delete(m.where, e.id)
		ids = append(ids, e.id)
	}
	return ids, nil
}

// DelayedLen returns the number of delayed ids.
func (m *MemoryIndex) DelayedLen(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.delayed.Len()), nil
}

// Remove drops jobID from both heaps.
func (m *MemoryIndex) Remove(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(jobID)
	return nil
}

// Close is a no-op.
func (m *MemoryIndex) Close() error { return nil }

// entryHeap is a min-heap on (score, seq).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

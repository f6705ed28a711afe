package queue

import (
	"context"
	"sort"
	"sync"
)

// MemoryLiveQueue is the in-process ready queue used when no Redis URL
// is configured. Safe for concurrent use.
type MemoryLiveQueue struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryLiveQueue() *MemoryLiveQueue {
	return &MemoryLiveQueue{
		entries: make(map[string]Entry),
	}
}

func (q *MemoryLiveQueue) Push(ctx context.Context, entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[entry.JobID] = entry
	return nil
}

func (q *MemoryLiveQueue) PopReady(ctx context.Context, n int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := q.orderedLocked()
	if n > len(ordered) {
		n = len(ordered)
	}
	if n <= 0 {
		return nil, nil
	}

	popped := ordered[:n]
	for _, e := range popped {
		delete(q.entries, e.JobID)
	}
	return popped, nil
}

func (q *MemoryLiveQueue) Remove(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, jobID)
	return nil
}

func (q *MemoryLiveQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[jobID]
	return ok, nil
}

func (q *MemoryLiveQueue) Position(ctx context.Context, jobID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[jobID]; !ok {
		return 0, nil
	}
	for i, e := range q.orderedLocked() {
		if e.JobID == jobID {
			return i + 1, nil
		}
	}
	return 0, nil
}

func (q *MemoryLiveQueue) Snapshot(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.orderedLocked(), nil
}

func (q *MemoryLiveQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

func (q *MemoryLiveQueue) orderedLocked() []Entry {
	ordered := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return less(ordered[i], ordered[j])
	})
	return ordered
}

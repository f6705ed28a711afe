package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names one lifecycle event on the notification surface.
type Type string

const (
	JobQueued          Type = "job-queued"
	JobQueuedForRemote Type = "job-queued-for-remote"
	JobProcessing      Type = "job-processing"
	JobProgress        Type = "job-progress"
	JobCompleted       Type = "job-completed"
	JobFailed          Type = "job-failed"
	JobCancelled       Type = "job-cancelled"
	QuotaWarning       Type = "quota-warning"
	ProxyDisabled      Type = "proxy-disabled"
	ProxyExhausted     Type = "proxy-exhausted"
)

type Event struct {
	Type    Type           `json:"type"`
	JobID   string         `json:"job_id,omitempty"`
	UserID  string         `json:"user_id,omitempty"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a
// subscriber that cannot keep up loses events and the drop counter
// grows. Delivery is per-status-change, not a replayable stream.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	closed  bool
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were discarded because a subscriber
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close terminates all subscriber channels. Publishing after Close is
// a silent no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

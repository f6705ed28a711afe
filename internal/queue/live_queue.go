package queue

import (
	"context"
	"time"
)

// Entry is one ready job waiting for server dispatch.
type Entry struct {
	JobID    string    `json:"job_id"`
	Priority int       `json:"priority"`
	QueuedAt time.Time `json:"queued_at"`
}

// LiveQueue is the ordered ready-set feeding the dispatch loop. Order
// is priority descending, then submission time ascending. The durable
// ledger stays authoritative; a live queue may be rebuilt from it at
// any time.
type LiveQueue interface {
	Push(ctx context.Context, entry Entry) error

	// PopReady removes and returns up to n entries in dispatch order.
	PopReady(ctx context.Context, n int) ([]Entry, error)

	// Remove drops an entry if present. Removing an absent id is not
	// an error.
	Remove(ctx context.Context, jobID string) error

	Contains(ctx context.Context, jobID string) (bool, error)

	// Position returns the 1-based dispatch rank, or 0 when absent.
	Position(ctx context.Context, jobID string) (int, error)

	// Snapshot returns all entries in dispatch order without removing
	// them. Recovery uses it for orphan cleanup.
	Snapshot(ctx context.Context) ([]Entry, error)

	Len(ctx context.Context) (int, error)
}

// less orders entries by priority desc, queued-at asc, id asc.
func less(a, b Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.JobID < b.JobID
}

package store

import (
	"context"
	"time"

	"jobpilot/internal/models"
	"jobpilot/internal/state"
)

// JobStore is the durable ledger of automation jobs. Every transition
// that matters for crash safety goes through a conditional update; the
// boolean return reports whether this caller won the row.
type JobStore interface {
	// Insert writes a freshly submitted job. The caller assigns the id.
	Insert(ctx context.Context, job *models.AutomationJob) error

	// FindByID returns the job or custom_errors.ErrJobNotFound.
	FindByID(ctx context.Context, id string) (*models.AutomationJob, error)

	// ExistsByID is the cheap form used by orphan cleanup.
	ExistsByID(ctx context.Context, id string) (bool, error)

	// MarkProcessing moves a QUEUED job to PROCESSING under the server
	// claimant. False means the row was already taken or moved.
	MarkProcessing(ctx context.Context, jobID, sessionID string) (bool, error)

	// DemoteToRemote parks a QUEUED job for remote execution.
	DemoteToRemote(ctx context.Context, jobID string) (bool, error)

	// MarkCompleted and MarkFailed finish a server-claimed run. Both
	// are guarded by "still PROCESSING and still server-claimed" so a
	// recovery reset that raced the executor wins.
	MarkCompleted(ctx context.Context, jobID string, result *models.ApplicationResult) (bool, error)
	MarkFailed(ctx context.Context, jobID string, errMsg string, result *models.ApplicationResult) (bool, error)

	// MarkCancelled cancels a job still waiting in QUEUED.
	MarkCancelled(ctx context.Context, jobID string) (bool, error)

	// Claim atomically takes a job for a remote worker: legal from the
	// queued states when unclaimed, or from PROCESSING when a previous
	// remote claim went stale past the cutoff. Returns the claimed job
	// or nil when the caller lost the race.
	Claim(ctx context.Context, jobID, workerID, sessionID string, staleBefore time.Time) (*models.AutomationJob, error)

	// RefreshClaim is the heartbeat: bumps claimed_at while the caller
	// still owns the claim.
	RefreshClaim(ctx context.Context, jobID, workerID string) (bool, error)

	// CompleteClaimed finalizes a remote-claimed run, guarded the same
	// way as RefreshClaim.
	CompleteClaimed(ctx context.Context, jobID, workerID string, success bool, errMsg string, result *models.ApplicationResult) (bool, error)

	// ReleaseClaim hands a PROCESSING job back to the remote queue.
	ReleaseClaim(ctx context.Context, jobID, workerID string) (bool, error)

	// ResetStaleServerJobs requeues server-claimed rows whose claim is
	// older than cutoff, attaching annotation as last_error. Returns
	// the number of rows reset. ResetStaleRemoteJobs is the remote
	// variant targeting QUEUED_FOR_REMOTE.
	ResetStaleServerJobs(ctx context.Context, cutoff time.Time, annotation string) (int64, error)
	ResetStaleRemoteJobs(ctx context.Context, cutoff time.Time, annotation string) (int64, error)

	// ListQueuedServerJobs returns QUEUED server-mode jobs in dispatch
	// order, for startup restoration.
	ListQueuedServerJobs(ctx context.Context) ([]models.AutomationJob, error)

	// History pages a user's jobs, newest first, optionally filtered
	// by status.
	History(ctx context.Context, userID string, limit, offset int, status *state.JobStatus) (*models.PaginationResult[models.AutomationJob], error)

	// CountAllByStatus powers the queue statistics.
	CountAllByStatus(ctx context.Context) (map[state.JobStatus]int, error)

	Close() error
}

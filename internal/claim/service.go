// Package claim implements the remote-worker protocol: atomic claim,
// heartbeat, completion and release against the durable ledger. Lost
// races are the normal case here, not errors worth alarming logs.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"jobpilot/custom_errors"
	"jobpilot/internal/config"
	"jobpilot/internal/events"
	"jobpilot/internal/models"
	"jobpilot/internal/quota"
	"jobpilot/internal/state"
	"jobpilot/internal/store"
)

const defaultStaleAfter = 10 * time.Minute

// Service arbitrates job ownership for out-of-process workers. Every
// transition is a single conditional ledger update; the service adds
// quota accounting and event fan-out on top.
type Service struct {
	jobs   store.JobStore
	quotas *quota.Controller
	bus    *events.Bus

	// staleAfter is how long a remote claim may go without a heartbeat
	// before another worker may take the job over.
	staleAfter time.Duration

	now   func() time.Time
	newID func() string
}

func NewService(cfg config.ClaimConfig, jobs store.JobStore, quotas *quota.Controller, bus *events.Bus) *Service {
	stale := cfg.Stale()
	if stale <= 0 {
		stale = defaultStaleAfter
	}
	return &Service{
		jobs:       jobs,
		quotas:     quotas,
		bus:        bus,
		staleAfter: stale,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Claim takes exclusive ownership of a job for workerID. It succeeds
// on unclaimed queued jobs and on jobs whose previous remote claim
// went stale. Losing the race returns ErrClaimConflict; callers map it
// to 409 and move on to the next job.
func (s *Service) Claim(ctx context.Context, jobID, workerID string) (*models.AutomationJob, error) {
	if err := validWorkerID(workerID); err != nil {
		return nil, err
	}

	sessionID := s.newID()
	staleBefore := s.now().Add(-s.staleAfter)

	job, err := s.jobs.Claim(ctx, jobID, workerID, sessionID, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if job == nil {
		slog.Debug("claim lost the race", "job_id", jobID, "worker_id", workerID)
		return nil, custom_errors.ErrClaimConflict
	}

	if err := s.quotas.RecordDesktopApplication(ctx, job.UserID); err != nil {
		slog.Warn("quota record failed", "user_id", job.UserID, "error", err)
	}

	s.publish(events.JobProcessing, job.ID, job.UserID, map[string]any{
		"claimed_by": workerID,
		"session_id": sessionID,
	})
	slog.Info("job claimed by remote worker",
		"job_id", job.ID, "worker_id", workerID, "attempt", job.Attempts)
	return job, nil
}

// Progress is the heartbeat. It refreshes the claim timestamp so the
// stale-reclaim window keeps sliding, and forwards the progress report
// to subscribers. ErrNotClaimedByCaller maps to 403.
func (s *Service) Progress(ctx context.Context, jobID, workerID string, percent int, step, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	ok, err := s.jobs.RefreshClaim(ctx, jobID, workerID)
	if err != nil {
		return fmt.Errorf("refresh claim for job %s: %w", jobID, err)
	}
	if !ok {
		return custom_errors.ErrNotClaimedByCaller
	}

	s.publish(events.JobProgress, jobID, "", map[string]any{
		"percent":   percent,
		"step":      step,
		"message":   message,
		"worker_id": workerID,
	})
	return nil
}

// Complete finalizes a claimed run. The update is guarded by "still
// claimed by this caller and still PROCESSING"; a stale or reclaimed
// job returns ErrAlreadyFinalized (409) and the caller must treat the
// run as discarded, not retry.
func (s *Service) Complete(ctx context.Context, jobID, workerID string, success bool, errMsg string, result *models.ApplicationResult) error {
	if !success && errMsg == "" {
		if result != nil && result.ErrorMessage != "" {
			errMsg = result.ErrorMessage
		} else {
			errMsg = "application failed"
		}
	}

	ok, err := s.jobs.CompleteClaimed(ctx, jobID, workerID, success, errMsg, result)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if !ok {
		slog.Debug("completion arrived after the claim was reclaimed",
			"job_id", jobID, "worker_id", workerID)
		return custom_errors.ErrAlreadyFinalized
	}

	if success {
		payload := map[string]any{"worker_id": workerID}
		if result != nil {
			payload["confirmation_number"] = result.ConfirmationNumber
		}
		s.publish(events.JobCompleted, jobID, "", payload)
		slog.Info("remote job completed", "job_id", jobID, "worker_id", workerID)
	} else {
		s.publish(events.JobFailed, jobID, "", map[string]any{
			"worker_id": workerID,
			"error":     errMsg,
		})
		slog.Info("remote job failed", "job_id", jobID, "worker_id", workerID, "error", errMsg)
	}
	return nil
}

// Release hands a claimed job back to the remote queue with the claim
// fields cleared. A miss returns ErrJobNotFound (404): either the job
// does not exist or the caller no longer owns it.
func (s *Service) Release(ctx context.Context, jobID, workerID string) error {
	ok, err := s.jobs.ReleaseClaim(ctx, jobID, workerID)
	if err != nil {
		return fmt.Errorf("release job %s: %w", jobID, err)
	}
	if !ok {
		return custom_errors.ErrJobNotFound
	}

	s.publish(events.JobQueuedForRemote, jobID, "", map[string]any{"released_by": workerID})
	slog.Info("job released back to remote queue", "job_id", jobID, "worker_id", workerID)
	return nil
}

func validWorkerID(workerID string) error {
	verr := &custom_errors.ValidationError{}
	if workerID == "" {
		verr.Addf("worker id is required")
	} else if workerID == state.ServerClaimant {
		verr.Addf("worker id %q is reserved for the server executor", state.ServerClaimant)
	}
	if verr.HasError() {
		return verr
	}
	return nil
}

func (s *Service) publish(t events.Type, jobID, userID string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: t, JobID: jobID, UserID: userID, Payload: payload})
}

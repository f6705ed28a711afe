// Package recovery reconciles the durable ledger with the live queue.
// It runs at startup and on a timer: stale claims go back to their
// queued state, queued ledger rows missing from the live queue are
// re-enqueued, and live entries without a ledger row are purged.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jobpilot/internal/config"
	"jobpilot/internal/constants"
	"jobpilot/internal/lock"
	"jobpilot/internal/queue"
	"jobpilot/internal/store"
)

// Annotations attached as last_error when a stale claim is reset.
const (
	serverResetAnnotation = "processing timeout - reset by recovery"
	remoteResetAnnotation = "claim expired - reset by recovery"
)

const (
	defaultServerStale = 30 * time.Minute
	defaultRemoteStale = 60 * time.Minute
)

// Summary reports one restoration pass. Failed counts per-item errors;
// they are logged and skipped so one bad record never halts a sweep.
type Summary struct {
	ResetServer int64
	ResetRemote int64
	Restored    int
	Skipped     int
	Failed      int
}

type Sweeper struct {
	jobs  store.JobStore
	live  queue.LiveQueue
	locks lock.DistributedLockManager

	serverStale time.Duration
	remoteStale time.Duration

	now func() time.Time
}

func NewSweeper(cfg config.RecoveryConfig, jobs store.JobStore, live queue.LiveQueue, locks lock.DistributedLockManager) *Sweeper {
	serverStale := cfg.ServerStale()
	if serverStale <= 0 {
		serverStale = defaultServerStale
	}
	remoteStale := cfg.RemoteStale()
	if remoteStale <= 0 {
		remoteStale = defaultRemoteStale
	}
	return &Sweeper{
		jobs:        jobs,
		live:        live,
		locks:       locks,
		serverStale: serverStale,
		remoteStale: remoteStale,
		now:         time.Now,
	}
}

// RestoreFromLedger resets stale claims, then walks the ledger's
// queued server jobs and re-enqueues every one the live queue lost.
// Runs at startup and is idempotent, so the periodic sweep reuses it.
func (s *Sweeper) RestoreFromLedger(ctx context.Context) (Summary, error) {
	var summary Summary

	resetServer, resetRemote, err := s.ResetStaleJobs(ctx)
	if err != nil {
		slog.Error("stale claim reset failed, continuing with restore", "error", err)
	}
	summary.ResetServer = resetServer
	summary.ResetRemote = resetRemote

	queued, err := s.jobs.ListQueuedServerJobs(ctx)
	if err != nil {
		return summary, fmt.Errorf("list queued jobs: %w", err)
	}

	for _, job := range queued {
		present, err := s.live.Contains(ctx, job.ID)
		if err != nil {
			summary.Failed++
			slog.Error("live queue lookup failed", "job_id", job.ID, "error", err)
			continue
		}
		if present {
			summary.Skipped++
			continue
		}
		entry := queue.Entry{JobID: job.ID, Priority: job.Priority, QueuedAt: job.QueuedAt}
		if err := s.live.Push(ctx, entry); err != nil {
			summary.Failed++
			slog.Error("restore push failed", "job_id", job.ID, "error", err)
			continue
		}
		summary.Restored++
	}

	slog.Info("ledger restoration finished",
		"restored", summary.Restored,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"reset_server", summary.ResetServer,
		"reset_remote", summary.ResetRemote)
	return summary, nil
}

// ResetStaleJobs requeues PROCESSING rows whose claim outlived its
// threshold: a short one for the server executor, a longer one for
// remote workers. The advisory lock keeps concurrent instances from
// sweeping the same rows.
func (s *Sweeper) ResetStaleJobs(ctx context.Context) (int64, int64, error) {
	if s.locks != nil {
		held, err := s.locks.TryAcquire(constants.RecoveryLock)
		if err != nil {
			return 0, 0, fmt.Errorf("acquire recovery lock: %w", err)
		}
		if !held {
			slog.Debug("another instance is sweeping, skipping stale reset")
			return 0, 0, nil
		}
		defer func() {
			if err := s.locks.Release(constants.RecoveryLock); err != nil {
				slog.Error("release recovery lock failed", "error", err)
			}
		}()
	}

	now := s.now()

	resetServer, err := s.jobs.ResetStaleServerJobs(ctx, now.Add(-s.serverStale), serverResetAnnotation)
	if err != nil {
		return 0, 0, fmt.Errorf("reset stale server jobs: %w", err)
	}
	if resetServer > 0 {
		slog.Warn("requeued stale server jobs", "count", resetServer)
	}

	resetRemote, err := s.jobs.ResetStaleRemoteJobs(ctx, now.Add(-s.remoteStale), remoteResetAnnotation)
	if err != nil {
		return resetServer, 0, fmt.Errorf("reset stale remote jobs: %w", err)
	}
	if resetRemote > 0 {
		slog.Warn("requeued stale remote claims", "count", resetRemote)
	}

	return resetServer, resetRemote, nil
}

// CleanupOrphanedEntries drops live entries whose ledger row is gone.
func (s *Sweeper) CleanupOrphanedEntries(ctx context.Context) (int, error) {
	entries, err := s.live.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot live queue: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		exists, err := s.jobs.ExistsByID(ctx, entry.JobID)
		if err != nil {
			slog.Error("ledger existence check failed", "job_id", entry.JobID, "error", err)
			continue
		}
		if exists {
			continue
		}
		if err := s.live.Remove(ctx, entry.JobID); err != nil {
			slog.Error("orphan removal failed", "job_id", entry.JobID, "error", err)
			continue
		}
		removed++
		slog.Warn("dropped orphaned queue entry", "job_id", entry.JobID)
	}
	return removed, nil
}

// Sweep is the periodic pass: restore, then purge orphans.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if _, err := s.RestoreFromLedger(ctx); err != nil {
		return err
	}
	if _, err := s.CleanupOrphanedEntries(ctx); err != nil {
		return err
	}
	return nil
}

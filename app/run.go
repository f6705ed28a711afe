package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"jobpilot/internal/constants"
	"jobpilot/internal/message_broaker"
)

const sweepTimeout = 2 * time.Minute

// Run restores queue state from the ledger, starts the background
// maintenance loops and then blocks in the dispatch loop until ctx is
// cancelled. Call Close after it returns.
func (c *Container) Run(ctx context.Context) error {
	summary, err := c.Recovery.RestoreFromLedger(ctx)
	if err != nil {
		return fmt.Errorf("startup restoration: %w", err)
	}
	slog.Info("startup restoration finished",
		"restored", summary.Restored,
		"reset_server", summary.ResetServer,
		"reset_remote", summary.ResetRemote)

	if c.Broker != nil {
		go message_broaker.NewForwarder(c.Broker).Run(ctx, c.Bus.Subscribe(256))
	}
	if c.Prober != nil {
		go c.Prober.Run(ctx)
	}
	go c.consumeOutcomes(ctx)

	sched, err := c.startCron(ctx)
	if err != nil {
		return err
	}
	defer sched.Stop()

	slog.Info("orchestrator running",
		"instance", c.Config.Instance,
		"max_concurrent", c.Config.Dispatch.MaxConcurrent,
		"interval", c.Config.Dispatch.Interval())

	c.Dispatcher.Run(ctx)
	return nil
}

// consumeOutcomes drains the dispatcher's result channel so a slow or
// absent reader never blocks job finalization.
func (c *Container) consumeOutcomes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-c.Dispatcher.Results():
			if !ok {
				return
			}
			slog.Debug("job outcome", "job_id", out.JobID, "status", out.Status)
		}
	}
}

// startCron schedules the periodic maintenance: the recovery sweep, the
// hourly proxy usage reset at the top of the hour, and the daily proxy
// and quota resets at midnight.
func (c *Container) startCron(ctx context.Context) (*cron.Cron, error) {
	sched := cron.New()

	sweepSpec := fmt.Sprintf("@every %dm", c.Config.Recovery.SweepMinutes)
	if _, err := sched.AddFunc(sweepSpec, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
		if err := c.Recovery.Sweep(sweepCtx); err != nil {
			slog.Error("recovery sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule recovery sweep: %w", err)
	}

	// Proxy usage counters live in process memory, so every instance
	// resets its own copy without coordination.
	if _, err := sched.AddFunc("0 * * * *", c.Proxies.ResetHourlyUsage); err != nil {
		return nil, fmt.Errorf("schedule hourly proxy reset: %w", err)
	}

	if _, err := sched.AddFunc("0 0 * * *", func() {
		c.Proxies.ResetDailyUsage()
		c.resetDailyQuotas(ctx)
	}); err != nil {
		return nil, fmt.Errorf("schedule daily reset: %w", err)
	}

	sched.Start()
	return sched, nil
}

// resetDailyQuotas zeroes the daily usage axis once per cluster. The
// advisory lock keeps concurrent instances from racing the update.
func (c *Container) resetDailyQuotas(ctx context.Context) {
	held, err := c.Locks.TryAcquire(constants.QuotaResetLock)
	if err != nil {
		slog.Error("quota reset lock failed", "error", err)
		return
	}
	if !held {
		slog.Debug("another instance is resetting daily quotas")
		return
	}
	defer func() {
		if err := c.Locks.Release(constants.QuotaResetLock); err != nil {
			slog.Warn("quota reset lock release failed", "error", err)
		}
	}()

	resetCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	c.Quota.ResetDailyCounters(resetCtx)
}

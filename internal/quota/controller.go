package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"jobpilot/custom_errors"
	"jobpilot/internal/constants"
	"jobpilot/internal/events"
	"jobpilot/internal/models"
	"jobpilot/internal/store"
)

// Decision is the outcome of an eligibility check. Remaining is the
// tightest axis left; models.Unlimited when no axis is capped.
type Decision struct {
	Allowed         bool
	Reason          string
	SuggestedAction string
	Remaining       int
	UpgradeRequired bool
}

// Denial converts a refused decision into the admission error handed
// back to submitters. Allowed decisions return nil.
func (d Decision) Denial() *custom_errors.AdmissionError {
	if d.Allowed {
		return nil
	}
	return &custom_errors.AdmissionError{
		Reason:          d.Reason,
		SuggestedAction: d.SuggestedAction,
		UpgradeRequired: d.UpgradeRequired,
	}
}

// Controller enforces per-user application budgets across three axes:
// the shared server pool, the calendar month and the calendar day.
// The hot copy lives in memory; the store is written through
// asynchronously so a slow database never blocks admission.
type Controller struct {
	mu     sync.Mutex
	store  store.QuotaStore
	bus    *events.Bus
	quotas map[string]*models.UserQuota
	warned map[string]bool
	now    func() time.Time
}

func NewController(quotaStore store.QuotaStore, bus *events.Bus) *Controller {
	return &Controller{
		store:  quotaStore,
		bus:    bus,
		quotas: make(map[string]*models.UserQuota),
		warned: make(map[string]bool),
		now:    time.Now,
	}
}

// CheckEligibility decides whether userID may run one more application
// on the server pool. Axes are checked in a fixed order so the denial
// users see is the one they can act on soonest: plan flag, then daily
// cap, then the server pool cap, then the monthly cap.
func (c *Controller) CheckEligibility(ctx context.Context, userID string) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.loadLocked(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	if !q.CanUseServerAutomation {
		return Decision{
			Reason:          "your plan does not include server automation",
			SuggestedAction: custom_errors.ActionUpgradeRequired,
			UpgradeRequired: true,
		}, nil
	}
	if q.DailyRemaining() == 0 {
		return Decision{
			Reason:          "daily application limit reached",
			SuggestedAction: custom_errors.ActionWaitUntilTomorrow,
		}, nil
	}
	if q.ServerRemaining() == 0 {
		return Decision{
			Reason:          "server automation quota exhausted",
			SuggestedAction: custom_errors.ActionDownloadDesktopApp,
		}, nil
	}
	if q.MonthlyRemaining() == 0 {
		return Decision{
			Reason:          "monthly application limit reached",
			SuggestedAction: custom_errors.ActionUpgradeRequired,
			UpgradeRequired: true,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: tightestRemaining(q.ServerRemaining(), q.DailyRemaining(), q.MonthlyRemaining()),
	}, nil
}

// CheckDesktopEligibility covers applications run from the user's own
// machine. Only the daily and monthly axes apply; the server pool and
// the plan flag are irrelevant there.
func (c *Controller) CheckDesktopEligibility(ctx context.Context, userID string) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.loadLocked(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	if q.DailyRemaining() == 0 {
		return Decision{
			Reason:          "daily application limit reached",
			SuggestedAction: custom_errors.ActionWaitUntilTomorrow,
		}, nil
	}
	if q.MonthlyRemaining() == 0 {
		return Decision{
			Reason:          "monthly application limit reached",
			SuggestedAction: custom_errors.ActionUpgradeRequired,
			UpgradeRequired: true,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: tightestRemaining(q.DailyRemaining(), q.MonthlyRemaining()),
	}, nil
}

// RecordServerApplication charges one application against all three
// axes. The counters are not rolled back if the application later
// fails.
func (c *Controller) RecordServerApplication(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.loadLocked(ctx, userID)
	if err != nil {
		return err
	}

	q.ServerUsed++
	q.TotalUsed++
	q.DailyUsed++
	q.UpdatedAt = c.now()

	c.warnIfNearLimitLocked(q)
	c.persistAsync(*q)
	return nil
}

// RecordDesktopApplication charges the daily and monthly axes only.
func (c *Controller) RecordDesktopApplication(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.loadLocked(ctx, userID)
	if err != nil {
		return err
	}

	q.TotalUsed++
	q.DailyUsed++
	q.UpdatedAt = c.now()

	c.persistAsync(*q)
	return nil
}

// Quota returns a copy of the user's current counters for display.
func (c *Controller) Quota(ctx context.Context, userID string) (models.UserQuota, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.loadLocked(ctx, userID)
	if err != nil {
		return models.UserQuota{}, err
	}
	return *q, nil
}

// ResetDailyCounters zeroes the daily axis for every user, cached or
// not. Runs at local midnight.
func (c *Controller) ResetDailyCounters(ctx context.Context) {
	c.mu.Lock()
	for _, q := range c.quotas {
		q.DailyUsed = 0
	}
	c.mu.Unlock()

	count, err := c.store.ResetDaily(ctx)
	if err != nil {
		slog.Error("daily quota reset failed", "error", err)
		return
	}
	slog.Info("daily quota counters reset", "users", count)
}

// loadLocked returns the cached quota, pulling it from the store (or
// creating plan defaults) on first touch, and applies the lazy monthly
// rollover. Callers hold c.mu.
func (c *Controller) loadLocked(ctx context.Context, userID string) (*models.UserQuota, error) {
	q, ok := c.quotas[userID]
	if !ok {
		stored, err := c.store.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			stored = models.NewUserQuota(userID, models.PlanFree, c.now())
		}
		c.quotas[userID] = stored
		q = stored
	}

	if now := c.now(); !now.Before(q.ResetDate) {
		q.ServerUsed = 0
		q.TotalUsed = 0
		q.ResetDate = models.NextMonthlyReset(now)
		q.UpdatedAt = now
		delete(c.warned, userID)
		c.persistAsync(*q)
	}
	return q, nil
}

// warnIfNearLimitLocked emits quota-warning once per monthly cycle
// when the server axis drops to the warning threshold.
func (c *Controller) warnIfNearLimitLocked(q *models.UserQuota) {
	remaining := q.ServerRemaining()
	if remaining == models.Unlimited || remaining > constants.QuotaWarningThreshold {
		return
	}
	if c.warned[q.UserID] {
		return
	}
	c.warned[q.UserID] = true

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:   events.QuotaWarning,
			UserID: q.UserID,
			Payload: map[string]any{
				"remaining": remaining,
				"plan":      string(q.Plan),
			},
		})
	}
	slog.Info("user near server quota limit", "user_id", q.UserID, "remaining", remaining)
}

func (c *Controller) persistAsync(q models.UserQuota) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.Upsert(ctx, &q); err != nil {
			slog.Error("quota persist failed", "user_id", q.UserID, "error", err)
		}
	}()
}

// tightestRemaining picks the smallest capped axis; Unlimited only
// when every axis is uncapped.
func tightestRemaining(values ...int) int {
	tightest := models.Unlimited
	for _, v := range values {
		if v == models.Unlimited {
			continue
		}
		if tightest == models.Unlimited || v < tightest {
			tightest = v
		}
	}
	return tightest
}

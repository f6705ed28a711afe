package store

import (
	"context"

	"jobpilot/internal/models"
)

// QuotaStore persists per-user usage counters. The quota controller
// keeps the hot copy in memory and writes through asynchronously, so
// implementations only need simple get/upsert semantics.
type QuotaStore interface {
	// Get returns the stored quota or nil when the user has none yet.
	Get(ctx context.Context, userID string) (*models.UserQuota, error)
	Upsert(ctx context.Context, quota *models.UserQuota) error
	// ResetDaily zeroes every user's daily counter. Runs at local
	// midnight.
	ResetDaily(ctx context.Context) (int64, error)
}

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"jobpilot/internal/models"
)

type PostgresQuotaStore struct {
	db *sql.DB
}

func NewPostgresQuotaStore(db *sql.DB) *PostgresQuotaStore {
	return &PostgresQuotaStore{
		db: db,
	}
}

func (s *PostgresQuotaStore) Get(ctx context.Context, userID string) (*models.UserQuota, error) {
	var q models.UserQuota
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id,
		       plan,
		       server_used,
		       server_limit,
		       total_used,
		       monthly_limit,
		       daily_used,
		       daily_limit,
		       can_use_server,
		       reset_date,
		       updated_at
		FROM jobpilot_schema.user_quotas
		WHERE user_id = $1
	`, userID).Scan(
		&q.UserID,
		&q.Plan,
		&q.ServerUsed,
		&q.ServerLimit,
		&q.TotalUsed,
		&q.MonthlyLimit,
		&q.DailyUsed,
		&q.DailyLimit,
		&q.CanUseServerAutomation,
		&q.ResetDate,
		&q.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *PostgresQuotaStore) Upsert(ctx context.Context, quota *models.UserQuota) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobpilot_schema.user_quotas (
		    user_id,
		    plan,
		    server_used,
		    server_limit,
		    total_used,
		    monthly_limit,
		    daily_used,
		    daily_limit,
		    can_use_server,
		    reset_date,
		    updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET plan = EXCLUDED.plan,
		    server_used = EXCLUDED.server_used,
		    server_limit = EXCLUDED.server_limit,
		    total_used = EXCLUDED.total_used,
		    monthly_limit = EXCLUDED.monthly_limit,
		    daily_used = EXCLUDED.daily_used,
		    daily_limit = EXCLUDED.daily_limit,
		    can_use_server = EXCLUDED.can_use_server,
		    reset_date = EXCLUDED.reset_date,
		    updated_at = NOW()
	`,
		quota.UserID,
		quota.Plan,
		quota.ServerUsed,
		quota.ServerLimit,
		quota.TotalUsed,
		quota.MonthlyLimit,
		quota.DailyUsed,
		quota.DailyLimit,
		quota.CanUseServerAutomation,
		quota.ResetDate,
	)
	return err
}

func (s *PostgresQuotaStore) ResetDaily(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobpilot_schema.user_quotas
		SET daily_used = 0,
		    updated_at = NOW()
		WHERE daily_used > 0
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

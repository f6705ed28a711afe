package models

import "time"

type PlanTier string

const (
	PlanFree      PlanTier = "free"
	PlanPro       PlanTier = "pro"
	PlanUnlimited PlanTier = "unlimited"
)

// Unlimited is the sentinel for caps that never apply.
const Unlimited = -1

// UserQuota tracks one user's consumption across the three axes the
// controller enforces: server-pool usage, total monthly usage and
// daily usage. A limit of Unlimited (-1) disables that axis.
type UserQuota struct {
	UserID string
	Plan   PlanTier

	ServerUsed  int
	ServerLimit int

	TotalUsed    int
	MonthlyLimit int

	DailyUsed  int
	DailyLimit int

	CanUseServerAutomation bool

	// ResetDate is the monthly boundary (first day of the next month,
	// local time). Crossing it zeroes the monthly and server axes.
	ResetDate time.Time

	UpdatedAt time.Time
}

// NewUserQuota returns a fresh quota record with the plan defaults.
func NewUserQuota(userID string, plan PlanTier, now time.Time) *UserQuota {
	q := &UserQuota{
		UserID:                 userID,
		Plan:                   plan,
		CanUseServerAutomation: true,
		ResetDate:              NextMonthlyReset(now),
		UpdatedAt:              now,
	}
	switch plan {
	case PlanPro:
		q.ServerLimit = 100
		q.MonthlyLimit = 500
		q.DailyLimit = 50
	case PlanUnlimited:
		q.ServerLimit = Unlimited
		q.MonthlyLimit = Unlimited
		q.DailyLimit = Unlimited
	default:
		q.Plan = PlanFree
		q.ServerLimit = 15
		q.MonthlyLimit = 50
		q.DailyLimit = 10
	}
	return q
}

// NextMonthlyReset returns the first instant of the month after now.
func NextMonthlyReset(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
}

func remaining(limit, used int) int {
	if limit == Unlimited {
		return Unlimited
	}
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}

func (q *UserQuota) ServerRemaining() int  { return remaining(q.ServerLimit, q.ServerUsed) }
func (q *UserQuota) MonthlyRemaining() int { return remaining(q.MonthlyLimit, q.TotalUsed) }
func (q *UserQuota) DailyRemaining() int   { return remaining(q.DailyLimit, q.DailyUsed) }

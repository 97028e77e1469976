package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository mutates account rows with single-statement conditional updates.
// Every balance or state transition is scoped by tenant_id so tenants never
// contend with each other.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, account *TenantCreditAccount) error
	FindByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*TenantCreditAccount, error)
	Deactivate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) error
	SetTier(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, tier Tier) error

	// EnterGrace transitions ACTIVE -> GRACE when balance is zero. Returns
	// true when this call performed the transition.
	EnterGrace(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, now time.Time) (bool, error)
	// MarkBlocked transitions GRACE -> BLOCKED. Returns true on transition.
	MarkBlocked(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, now time.Time) (bool, error)
	// Reactivate transitions GRACE/BLOCKED -> ACTIVE once balance is positive
	// and resets the grace counters. Returns true on transition.
	Reactivate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, now time.Time) (bool, error)
	// ConsumeGraceAction atomically claims one unit of the grace action
	// budget. Returns false once the budget is exhausted or the account has
	// left GRACE.
	ConsumeGraceAction(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, budget int64, now time.Time) (bool, error)

	SetFiredTriggers(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, fired []int64, now time.Time) error

	BumpCounter(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, period CounterPeriod, category, periodKey string, now time.Time) error
	CounterCount(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, period CounterPeriod, category, periodKey string) (int64, error)
	DeleteStaleCounters(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) (int64, error)

	// ListGraceExpired returns tenants whose grace window started before the
	// cutoff and are still in GRACE, for the blocking sweep.
	ListGraceExpired(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error)
}

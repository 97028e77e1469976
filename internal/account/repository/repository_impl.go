package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kredit/internal/account/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, account *domain.TenantCreditAccount) error {
	if account == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Create(account).Error
}

func (r *repo) FindByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.TenantCreditAccount, error) {
	var account domain.TenantCreditAccount
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *repo) Deactivate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE tenant_credit_accounts SET active = ?, updated_at = ? WHERE tenant_id = ?`,
		false, time.Now().UTC(), tenantID,
	).Error
}

func (r *repo) SetTier(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, tier domain.Tier) error {
	return db.WithContext(ctx).Exec(
		`UPDATE tenant_credit_accounts SET tier = ?, updated_at = ? WHERE tenant_id = ?`,
		tier, time.Now().UTC(), tenantID,
	).Error
}

func (r *repo) EnterGrace(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE tenant_credit_accounts
		 SET grace_state = ?, grace_started_at = ?, grace_actions_used = 0, updated_at = ?
		 WHERE tenant_id = ? AND grace_state = ? AND balance = 0`,
		domain.GraceStateGrace, now.UTC(), now.UTC(),
		tenantID, domain.GraceStateActive,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *repo) MarkBlocked(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE tenant_credit_accounts
		 SET grace_state = ?, updated_at = ?
		 WHERE tenant_id = ? AND grace_state = ?`,
		domain.GraceStateBlocked, now.UTC(),
		tenantID, domain.GraceStateGrace,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *repo) Reactivate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE tenant_credit_accounts
		 SET grace_state = ?, grace_started_at = NULL, grace_actions_used = 0, updated_at = ?
		 WHERE tenant_id = ? AND grace_state IN (?, ?) AND balance > 0`,
		domain.GraceStateActive, now.UTC(),
		tenantID, domain.GraceStateGrace, domain.GraceStateBlocked,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *repo) ConsumeGraceAction(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, budget int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE tenant_credit_accounts
		 SET grace_actions_used = grace_actions_used + 1, updated_at = ?
		 WHERE tenant_id = ? AND grace_state = ? AND grace_actions_used < ?`,
		now.UTC(),
		tenantID, domain.GraceStateGrace, budget,
	)
	return result.RowsAffected > 0, result.Error
}

func (r *repo) SetFiredTriggers(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, fired []int64, now time.Time) error {
	if fired == nil {
		fired = []int64{}
	}
	return db.WithContext(ctx).Exec(
		`UPDATE tenant_credit_accounts SET fired_triggers = ?, updated_at = ? WHERE tenant_id = ?`,
		datatypes.NewJSONSlice(fired), now.UTC(), tenantID,
	).Error
}

func (r *repo) BumpCounter(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, period domain.CounterPeriod, category, periodKey string, now time.Time) error {
	// The CASE keeps rollover exact: a row from a previous period restarts
	// at 1 instead of accumulating across the boundary.
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_counters (tenant_id, period_type, category, period_key, count, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT (tenant_id, period_type, category) DO UPDATE
		 SET count = CASE WHEN usage_counters.period_key = excluded.period_key
		                  THEN usage_counters.count + 1 ELSE 1 END,
		     period_key = excluded.period_key,
		     updated_at = excluded.updated_at`,
		tenantID, period, category, periodKey, now.UTC(),
	).Error
}

func (r *repo) CounterCount(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, period domain.CounterPeriod, category, periodKey string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT count FROM usage_counters
		 WHERE tenant_id = ? AND period_type = ? AND category = ? AND period_key = ?`,
		tenantID, period, category, periodKey,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) DeleteStaleCounters(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	result := db.WithContext(ctx).Exec(
		`DELETE FROM usage_counters
		 WHERE (tenant_id, period_type, category) IN (
		   SELECT tenant_id, period_type, category FROM usage_counters
		   WHERE updated_at < ? LIMIT ?
		 )`,
		olderThan.UTC(), limit,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ListGraceExpired(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id FROM tenant_credit_accounts
		 WHERE grace_state = ? AND grace_started_at < ?
		 ORDER BY tenant_id
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.GraceStateGrace, cutoff.UTC(), limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Tier determines gating rules. Paid tenants skip free-tier caps and blocks.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// GraceState is the per-tenant depletion state machine position.
type GraceState string

const (
	GraceStateActive  GraceState = "active"
	GraceStateGrace   GraceState = "grace"
	GraceStateBlocked GraceState = "blocked"
)

// TenantCreditAccount is the single balance row per tenant. Balance never
// goes negative: every debit is a conditional update against this row.
type TenantCreditAccount struct {
	TenantID snowflake.ID `gorm:"primaryKey;column:tenant_id"`
	Balance  int64        `gorm:"not null;default:0"`
	Tier     Tier         `gorm:"type:text;not null;default:'free'"`

	GraceState       GraceState                 `gorm:"type:text;not null;default:'active'"`
	GraceStartedAt   *time.Time                 `gorm:"column:grace_started_at"`
	GraceActionsUsed int64                      `gorm:"not null;default:0"`
	FiredTriggers    datatypes.JSONSlice[int64] `gorm:"column:fired_triggers"`

	Timezone       string `gorm:"type:text;not null;default:'UTC'"`
	CycleAnchorDay int    `gorm:"not null;default:1"`
	Active         bool   `gorm:"not null;default:true"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TenantCreditAccount) TableName() string { return "tenant_credit_accounts" }

// Location resolves the tenant-local timezone, falling back to UTC.
func (a TenantCreditAccount) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

// CounterPeriod distinguishes the two cap windows.
type CounterPeriod string

const (
	CounterPeriodDaily   CounterPeriod = "daily"
	CounterPeriodMonthly CounterPeriod = "monthly"
)

// UsageCounter tracks per-category action counts for one cap window. The
// period key encodes the tenant-local window, so a stale row reads as zero
// and resets are exact at the boundary regardless of sweep timing.
type UsageCounter struct {
	TenantID   snowflake.ID  `gorm:"primaryKey;column:tenant_id"`
	PeriodType CounterPeriod `gorm:"primaryKey;column:period_type;type:text"`
	Category   string        `gorm:"primaryKey;type:text"`
	PeriodKey  string        `gorm:"column:period_key;type:text;not null"`
	Count      int64         `gorm:"not null;default:0"`
	UpdatedAt  time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageCounter) TableName() string { return "usage_counters" }

// Snapshot is the loaded account state the evaluator works from. Evaluation
// is pure given a snapshot.
type Snapshot struct {
	Account      *TenantCreditAccount
	DailyKey     string
	MonthlyKey   string
	DailyCount   int64
	MonthlyCount int64
}

var (
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrAccountNotFound   = errors.New("account_not_found")
	ErrAccountInactive   = errors.New("account_inactive")
	ErrAccountExists     = errors.New("account_exists")
	ErrInvalidTier       = errors.New("invalid_tier")
	ErrInvalidTimezone   = errors.New("invalid_timezone")
	ErrInvalidAnchorDay  = errors.New("invalid_cycle_anchor_day")
	ErrInvalidGraceState = errors.New("invalid_grace_state")
)

// DailyPeriodKey returns the tenant-local calendar day for now.
func DailyPeriodKey(now time.Time, loc *time.Location) string {
	return now.In(loc).Format("2006-01-02")
}

// MonthlyPeriodKey returns the start date of the billing cycle containing
// now. Cycles begin on the tenant's anchor day (1..28).
func MonthlyPeriodKey(now time.Time, loc *time.Location, anchorDay int) string {
	if anchorDay < 1 || anchorDay > 28 {
		anchorDay = 1
	}
	local := now.In(loc)
	year, month, day := local.Date()
	if day < anchorDay {
		month--
		if month < time.January {
			month = time.December
			year--
		}
	}
	return time.Date(year, month, anchorDay, 0, 0, 0, 0, loc).Format("2006-01-02")
}

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ProvisionRequest struct {
	TenantID       string `json:"tenant_id"`
	Tier           Tier   `json:"tier"`
	Timezone       string `json:"timezone"`
	CycleAnchorDay int    `json:"cycle_anchor_day"`
}

type AccountResponse struct {
	TenantID         string     `json:"tenant_id"`
	Balance          int64      `json:"balance"`
	Tier             Tier       `json:"tier"`
	GraceState       GraceState `json:"grace_state"`
	GraceStartedAt   *time.Time `json:"grace_started_at,omitempty"`
	GraceActionsUsed int64      `json:"grace_actions_used"`
	Timezone         string     `json:"timezone"`
	CycleAnchorDay   int        `json:"cycle_anchor_day"`
	Active           bool       `json:"active"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Service provisions accounts and loads evaluation snapshots.
type Service interface {
	Provision(ctx context.Context, req ProvisionRequest) (*AccountResponse, error)
	Get(ctx context.Context, tenantID snowflake.ID) (*AccountResponse, error)
	Deactivate(ctx context.Context, tenantID snowflake.ID) error
	SetTier(ctx context.Context, tenantID snowflake.ID, tier Tier) error

	// Snapshot loads the account plus the current-period counters for one
	// category, keyed at the tenant-local boundaries for now.
	Snapshot(ctx context.Context, tenantID snowflake.ID, category string, now time.Time) (*Snapshot, error)
}

package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kredit/internal/entitlement"
)

var ErrMissingIdempotency = errors.New("missing_idempotency_key")

// ActionRequest is one inbound business action asking to run.
type ActionRequest struct {
	TenantID       snowflake.ID
	ActionKey      string
	IdempotencyKey string
	Metadata       map[string]any
}

// ActionResult is the engine verdict. Denials are results, never errors:
// an error return means the engine could not decide, not that it said no.
type ActionResult struct {
	Allowed       bool                     `json:"allowed"`
	ActionKey     string                   `json:"action_key"`
	Category      string                   `json:"category"`
	Cost          int64                    `json:"cost"`
	BalanceAfter  int64                    `json:"balance_after"`
	DeniedReason  entitlement.DeniedReason `json:"denied_reason,omitempty"`
	TriggersFired []int64                  `json:"triggers_fired,omitempty"`
	GraceAdmitted bool                     `json:"grace_admitted,omitempty"`
	Duplicate     bool                     `json:"duplicate,omitempty"`
}

// Service is the metering engine entry point.
type Service interface {
	// Authorize decides one action: resolve cost, gate, debit, fire
	// triggers, count. Safe to replay with the same idempotency key.
	Authorize(ctx context.Context, req ActionRequest) (*ActionResult, error)
}

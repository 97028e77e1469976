package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvalidTenant       = errors.New("invalid_tenant")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrMissingIdempotency  = errors.New("missing_idempotency_key")
	ErrDuplicateInFlight   = errors.New("duplicate_in_flight")
)

// EntryType distinguishes how a transaction moved the balance.
type EntryType string

const (
	EntryDebit          EntryType = "debit"
	EntryCredit         EntryType = "credit"
	EntryGraceAllowance EntryType = "grace_allowance"
)

// CreditTransaction is the append-only ledger row. Balance changes and the
// row insert commit in the same database transaction, so the ledger replays
// to the live balance.
type CreditTransaction struct {
	ID             snowflake.ID       `json:"id" gorm:"primaryKey;column:id"`
	TenantID       snowflake.ID       `json:"tenant_id" gorm:"column:tenant_id;index:idx_credit_tx_tenant_key,unique,priority:1"`
	IdempotencyKey string             `json:"idempotency_key" gorm:"column:idempotency_key;index:idx_credit_tx_tenant_key,unique,priority:2"`
	Type           EntryType          `json:"type" gorm:"column:type"`
	ActionKey      string             `json:"action_key,omitempty" gorm:"column:action_key"`
	Delta          int64              `json:"delta" gorm:"column:delta"`
	BalanceAfter   int64              `json:"balance_after" gorm:"column:balance_after"`
	Metadata       datatypes.JSONMap  `json:"metadata,omitempty" gorm:"column:metadata"`
	CreatedAt      time.Time          `json:"created_at" gorm:"column:created_at"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// DebitRequest charges cost credits against the tenant balance.
type DebitRequest struct {
	TenantID       snowflake.ID
	IdempotencyKey string
	ActionKey      string
	Cost           int64
	Metadata       map[string]any
}

// CreditRequest deposits credits onto the tenant balance.
type CreditRequest struct {
	TenantID       snowflake.ID
	IdempotencyKey string
	Amount         int64
	Reason         string
	Metadata       map[string]any
}

// EntryResult reports the ledger outcome. Duplicate means a transaction with
// the same idempotency key already existed and the stored row is returned
// unchanged.
type EntryResult struct {
	Transaction   *CreditTransaction
	BalanceBefore int64
	BalanceAfter  int64
	Duplicate     bool
}

package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kredit/pkg/db/pagination"
	"gorm.io/gorm"
)

// Service appends ledger entries. Debit and Credit run inside the caller's
// transaction so balance mutation, ledger insert and any companion state
// change commit or roll back together.
type Service interface {
	// Debit atomically decrements the balance when it covers the cost.
	// Returns ErrInsufficientCredits when it does not.
	Debit(ctx context.Context, tx *gorm.DB, req DebitRequest) (*EntryResult, error)

	// Credit increments the balance.
	Credit(ctx context.Context, tx *gorm.DB, req CreditRequest) (*EntryResult, error)

	// RecordGraceAllowance appends a zero-delta row marking an action that
	// was admitted on the grace budget rather than paid for.
	RecordGraceAllowance(ctx context.Context, tx *gorm.DB, req DebitRequest) (*EntryResult, error)

	// FindByIdempotencyKey returns the stored transaction for a key, or nil.
	FindByIdempotencyKey(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, key string) (*CreditTransaction, error)

	// ListTransactions pages the tenant ledger, newest first.
	ListTransactions(ctx context.Context, tenantID snowflake.ID, p pagination.Pagination) ([]CreditTransaction, *pagination.PageInfo, error)
}

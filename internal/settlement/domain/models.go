package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrUnknownPackage   = errors.New("unknown_package")
	ErrInvalidReference = errors.New("invalid_payment_reference")
)

// CreditPackage is a purchasable credit bundle. The catalog is seeded and
// versioned with deploys; settlement only reads it.
type CreditPackage struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey;column:id"`
	Code            string       `json:"code" gorm:"uniqueIndex;not null"`
	DisplayName     string       `json:"display_name" gorm:"column:display_name"`
	Credits         int64        `json:"credits" gorm:"not null"`
	PriceMinorUnits int64        `json:"price_minor_units" gorm:"column:price_minor_units;not null"`
	Currency        string       `json:"currency" gorm:"type:text;not null;default:'USD'"`
	Active          bool         `json:"active" gorm:"not null;default:true"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CreditPackage) TableName() string { return "credit_packages" }

// PurchaseRequest settles one confirmed payment. PaymentReference is the
// idempotency key, so webhook redeliveries settle at most once.
type PurchaseRequest struct {
	TenantID         snowflake.ID
	PackageCode      string
	PaymentReference string
	Provider         string
}

type PurchaseResult struct {
	PackageCode  string `json:"package_code"`
	Credits      int64  `json:"credits"`
	BalanceAfter int64  `json:"balance_after"`
	Duplicate    bool   `json:"duplicate"`
}

type Repository interface {
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*CreditPackage, error)
	List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]CreditPackage, error)
	Upsert(ctx context.Context, db *gorm.DB, pkg *CreditPackage) error
}

type Service interface {
	ApplyPurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error)
	ListPackages(ctx context.Context) ([]CreditPackage, error)
}

package domain

import (
	"errors"
	"time"
)

// Category groups actions for tier gating and per-period caps.
type Category string

const (
	CategoryCatalog     Category = "catalog"
	CategoryOrdering    Category = "ordering"
	CategoryLogistics   Category = "logistics"
	CategoryCRM         Category = "crm"
	CategoryMessaging   Category = "messaging"
	CategoryReporting   Category = "reporting"
	CategoryExport      Category = "export"
	CategoryIntegration Category = "integration"
	CategoryPremium     Category = "premium"
)

// ActionCostDefinition is the single source of truth for what an action
// costs. Free is derived from cost, never maintained as a parallel list.
type ActionCostDefinition struct {
	Key                 string   `gorm:"primaryKey;column:action_key;type:text" json:"key"`
	DisplayName         string   `gorm:"type:text;not null" json:"display_name"`
	Cost                int64    `gorm:"not null" json:"cost"`
	Category            Category `gorm:"type:text;not null;index" json:"category"`
	BlockedOnFreeTier   bool     `gorm:"not null;default:false" json:"blocked_on_free_tier"`
	RequiresFullBalance bool     `gorm:"not null;default:false" json:"requires_full_balance"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ActionCostDefinition) TableName() string { return "action_costs" }

// IsFree reports whether the action never touches the ledger.
func (d ActionCostDefinition) IsFree() bool { return d.Cost == 0 }

// ActionAlias maps a legacy action key to its canonical definition so a price
// change can never update one name and miss the other.
type ActionAlias struct {
	Alias        string    `gorm:"primaryKey;column:alias;type:text"`
	CanonicalKey string    `gorm:"column:canonical_key;type:text;not null;index"`
	CreatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ActionAlias) TableName() string { return "action_aliases" }

var (
	// ErrUnknownAction is a registry miss. A missing entry is never "free".
	ErrUnknownAction = errors.New("unknown_action")
	ErrInvalidKey    = errors.New("invalid_action_key")
)

package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event types emitted to outbound collaborators.
const (
	TypeTriggerFired    = "credit.trigger_fired"
	TypeActionDenied    = "credit.action_denied"
	TypeGraceEntered    = "credit.grace_entered"
	TypeGraceBlocked    = "credit.grace_blocked"
	TypePurchaseSettled = "credit.purchase_settled"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
)

// OutboxEvent is written in the same database transaction as the state
// change it describes, then dispatched asynchronously. DedupeKey makes
// redelivered upstream requests publish at most once.
type OutboxEvent struct {
	ID           snowflake.ID      `gorm:"primaryKey;column:id"`
	TenantID     snowflake.ID      `gorm:"column:tenant_id;index"`
	Type         string            `gorm:"column:type;not null"`
	DedupeKey    string            `gorm:"column:dedupe_key;uniqueIndex"`
	Payload      datatypes.JSONMap `gorm:"column:payload"`
	Status       Status            `gorm:"column:status;not null;default:'pending';index"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	DispatchedAt *time.Time        `gorm:"column:dispatched_at"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// Event is what producers hand to the publisher.
type Event struct {
	TenantID  snowflake.ID
	Type      string
	DedupeKey string
	Payload   map[string]any
}

// Publisher appends events inside the caller's transaction.
type Publisher interface {
	PublishTx(ctx context.Context, tx *gorm.DB, event Event) error
}

// Repository claims and settles pending rows for the dispatch sweep.
type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, event *OutboxEvent) error
	ClaimPending(ctx context.Context, tx *gorm.DB, limit int) ([]OutboxEvent, error)
	MarkDispatched(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, now time.Time) error
}

// Dispatcher delivers claimed events to the outbound collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, event OutboxEvent) error
}

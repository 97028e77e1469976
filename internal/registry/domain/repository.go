package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*ActionCostDefinition, error)
	FindAlias(ctx context.Context, db *gorm.DB, alias string) (*ActionAlias, error)
	List(ctx context.Context, db *gorm.DB) ([]ActionCostDefinition, error)
	Upsert(ctx context.Context, db *gorm.DB, def *ActionCostDefinition) error
	UpsertAlias(ctx context.Context, db *gorm.DB, alias *ActionAlias) error
}

package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/kredit/internal/registry/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key string) (*domain.ActionCostDefinition, error) {
	var def domain.ActionCostDefinition
	err := db.WithContext(ctx).
		Where("action_key = ?", key).
		First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &def, nil
}

func (r *repo) FindAlias(ctx context.Context, db *gorm.DB, alias string) (*domain.ActionAlias, error) {
	var record domain.ActionAlias
	err := db.WithContext(ctx).
		Where("alias = ?", alias).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.ActionCostDefinition, error) {
	var defs []domain.ActionCostDefinition
	err := db.WithContext(ctx).
		Order("category, action_key").
		Find(&defs).Error
	if err != nil {
		return nil, err
	}
	return defs, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, def *domain.ActionCostDefinition) error {
	if def == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "action_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "cost", "category", "blocked_on_free_tier", "requires_full_balance", "updated_at",
		}),
	}).Create(def).Error
}

func (r *repo) UpsertAlias(ctx context.Context, db *gorm.DB, alias *domain.ActionAlias) error {
	if alias == nil {
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alias"}},
		DoUpdates: clause.AssignmentColumns([]string{"canonical_key"}),
	}).Create(alias).Error
}

package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/kredit/internal/settlement/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*domain.CreditPackage, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil, nil
	}
	var pkg domain.CreditPackage
	err := db.WithContext(ctx).
		Where("code = ?", code).
		First(&pkg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pkg, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]domain.CreditPackage, error) {
	query := db.WithContext(ctx).Order("price_minor_units ASC")
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var pkgs []domain.CreditPackage
	if err := query.Find(&pkgs).Error; err != nil {
		return nil, err
	}
	return pkgs, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, pkg *domain.CreditPackage) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"display_name", "credits", "price_minor_units", "currency", "active", "updated_at",
			}),
		}).
		Create(pkg).Error
}

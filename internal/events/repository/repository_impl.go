package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kredit/internal/events/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, event *domain.OutboxEvent) error {
	// Duplicate dedupe keys are silently dropped: a redelivered upstream
	// request must not publish twice.
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		}).
		Create(event).Error
}

func (r *repo) ClaimPending(ctx context.Context, tx *gorm.DB, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []domain.OutboxEvent
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM outbox_events
		 WHERE status = ?
		 ORDER BY id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.StatusPending,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) MarkDispatched(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE outbox_events SET status = ?, dispatched_at = ? WHERE id IN (?)`,
		domain.StatusDispatched, now.UTC(), ids,
	).Error
}

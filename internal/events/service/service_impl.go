package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kredit/internal/clock"
	"github.com/smallbiznis/kredit/internal/events/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	clock clock.Clock
}

func New(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("events.outbox"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func NewPublisher(s *Service) domain.Publisher { return s }

func NewDispatcher(s *Service) domain.Dispatcher { return s }

func (s *Service) PublishTx(ctx context.Context, tx *gorm.DB, event domain.Event) error {
	if event.Type == "" || event.DedupeKey == "" {
		return gorm.ErrInvalidData
	}
	row := &domain.OutboxEvent{
		ID:        s.genID.Generate(),
		TenantID:  event.TenantID,
		Type:      event.Type,
		DedupeKey: event.DedupeKey,
		Payload:   datatypes.JSONMap(event.Payload),
		Status:    domain.StatusPending,
		CreatedAt: s.clock.Now(),
	}
	return s.repo.Insert(ctx, tx, row)
}

// Dispatch delivers one event to the collaborator channel. The engine owns
// no rendering surface, so delivery is a structured log line consumers tail.
func (s *Service) Dispatch(ctx context.Context, event domain.OutboxEvent) error {
	s.log.Info("event dispatched",
		zap.String("event_id", event.ID.String()),
		zap.String("tenant_id", event.TenantID.String()),
		zap.String("type", event.Type),
		zap.String("dedupe_key", event.DedupeKey),
		zap.Any("payload", event.Payload),
	)
	return nil
}

// DispatchPending claims a batch inside one transaction, delivers it and
// marks the batch done. Safe to run from multiple instances.
func (s *Service) DispatchPending(ctx context.Context, limit int) (int, error) {
	var dispatched int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		batch, err := s.repo.ClaimPending(ctx, tx, limit)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		ids := make([]snowflake.ID, 0, len(batch))
		for _, event := range batch {
			if err := s.Dispatch(ctx, event); err != nil {
				// Undelivered events stay pending and retry next sweep.
				s.log.Warn("event dispatch failed",
					zap.String("event_id", event.ID.String()),
					zap.Error(err),
				)
				continue
			}
			ids = append(ids, event.ID)
		}
		dispatched = len(ids)
		return s.repo.MarkDispatched(ctx, tx, ids, s.clock.Now())
	})
	return dispatched, err
}

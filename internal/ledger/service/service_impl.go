package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kredit/internal/clock"
	"github.com/smallbiznis/kredit/internal/ledger/domain"
	"github.com/smallbiznis/kredit/pkg/db"
	"github.com/smallbiznis/kredit/pkg/db/pagination"
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
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Debit(ctx context.Context, tx *gorm.DB, req domain.DebitRequest) (*domain.EntryResult, error) {
	if err := validateEntry(req.TenantID, req.IdempotencyKey, req.Cost); err != nil {
		return nil, err
	}

	if dup, err := s.findDuplicate(ctx, tx, req.TenantID, req.IdempotencyKey); err != nil || dup != nil {
		return dup, err
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE tenant_credit_accounts
		 SET balance = balance - ?, updated_at = ?
		 WHERE tenant_id = ? AND balance >= ?`,
		req.Cost, s.clock.Now(), req.TenantID, req.Cost,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, domain.ErrInsufficientCredits
	}

	after, err := s.balance(ctx, tx, req.TenantID)
	if err != nil {
		return nil, err
	}

	entry := &domain.CreditTransaction{
		ID:             s.genID.Generate(),
		TenantID:       req.TenantID,
		IdempotencyKey: req.IdempotencyKey,
		Type:           domain.EntryDebit,
		ActionKey:      req.ActionKey,
		Delta:          -req.Cost,
		BalanceAfter:   after,
		Metadata:       toJSONMap(req.Metadata),
		CreatedAt:      s.clock.Now(),
	}
	if err := s.insert(ctx, tx, entry); err != nil {
		return nil, err
	}

	return &domain.EntryResult{
		Transaction:   entry,
		BalanceBefore: after + req.Cost,
		BalanceAfter:  after,
	}, nil
}

func (s *Service) Credit(ctx context.Context, tx *gorm.DB, req domain.CreditRequest) (*domain.EntryResult, error) {
	if err := validateEntry(req.TenantID, req.IdempotencyKey, req.Amount); err != nil {
		return nil, err
	}

	if dup, err := s.findDuplicate(ctx, tx, req.TenantID, req.IdempotencyKey); err != nil || dup != nil {
		return dup, err
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE tenant_credit_accounts
		 SET balance = balance + ?, updated_at = ?
		 WHERE tenant_id = ?`,
		req.Amount, s.clock.Now(), req.TenantID,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}

	after, err := s.balance(ctx, tx, req.TenantID)
	if err != nil {
		return nil, err
	}

	meta := req.Metadata
	if req.Reason != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["reason"] = req.Reason
	}

	entry := &domain.CreditTransaction{
		ID:             s.genID.Generate(),
		TenantID:       req.TenantID,
		IdempotencyKey: req.IdempotencyKey,
		Type:           domain.EntryCredit,
		Delta:          req.Amount,
		BalanceAfter:   after,
		Metadata:       toJSONMap(meta),
		CreatedAt:      s.clock.Now(),
	}
	if err := s.insert(ctx, tx, entry); err != nil {
		return nil, err
	}

	return &domain.EntryResult{
		Transaction:   entry,
		BalanceBefore: after - req.Amount,
		BalanceAfter:  after,
	}, nil
}

func (s *Service) RecordGraceAllowance(ctx context.Context, tx *gorm.DB, req domain.DebitRequest) (*domain.EntryResult, error) {
	if req.TenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	if req.IdempotencyKey == "" {
		return nil, domain.ErrMissingIdempotency
	}

	if dup, err := s.findDuplicate(ctx, tx, req.TenantID, req.IdempotencyKey); err != nil || dup != nil {
		return dup, err
	}

	after, err := s.balance(ctx, tx, req.TenantID)
	if err != nil {
		return nil, err
	}

	entry := &domain.CreditTransaction{
		ID:             s.genID.Generate(),
		TenantID:       req.TenantID,
		IdempotencyKey: req.IdempotencyKey,
		Type:           domain.EntryGraceAllowance,
		ActionKey:      req.ActionKey,
		Delta:          0,
		BalanceAfter:   after,
		Metadata:       toJSONMap(req.Metadata),
		CreatedAt:      s.clock.Now(),
	}
	if err := s.insert(ctx, tx, entry); err != nil {
		return nil, err
	}

	return &domain.EntryResult{
		Transaction:   entry,
		BalanceBefore: after,
		BalanceAfter:  after,
	}, nil
}

func (s *Service) FindByIdempotencyKey(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, key string) (*domain.CreditTransaction, error) {
	if tx == nil {
		tx = s.db
	}
	var entry domain.CreditTransaction
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Service) ListTransactions(ctx context.Context, tenantID snowflake.ID, p pagination.Pagination) ([]domain.CreditTransaction, *pagination.PageInfo, error) {
	limit := p.PageSize
	if limit <= 0 {
		limit = 50
	}

	query := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id DESC").
		Limit(limit + 1)

	if p.PageToken != "" {
		cursor, err := pagination.DecodeCursor(p.PageToken)
		if err != nil {
			return nil, nil, err
		}
		if cursor.ID != "" {
			query = query.Where("id < ?", cursor.ID)
		}
	}

	var rows []*domain.CreditTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, int32(limit), func(t *domain.CreditTransaction) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: t.ID.String()})
		return token
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]domain.CreditTransaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	return out, pageInfo, nil
}

func (s *Service) findDuplicate(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, key string) (*domain.EntryResult, error) {
	existing, err := s.FindByIdempotencyKey(ctx, tx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	return &domain.EntryResult{
		Transaction:   existing,
		BalanceBefore: existing.BalanceAfter - existing.Delta,
		BalanceAfter:  existing.BalanceAfter,
		Duplicate:     true,
	}, nil
}

func (s *Service) insert(ctx context.Context, tx *gorm.DB, entry *domain.CreditTransaction) error {
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			// A concurrent request with the same key won the race. The caller
			// rolls back its transaction and replays the stored entry.
			s.log.Warn("idempotency key race lost",
				zap.String("tenant_id", entry.TenantID.String()),
				zap.String("idempotency_key", entry.IdempotencyKey),
			)
			return domain.ErrDuplicateInFlight
		}
		return err
	}
	return nil
}

func (s *Service) balance(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (int64, error) {
	var balance int64
	err := tx.WithContext(ctx).Raw(
		`SELECT balance FROM tenant_credit_accounts WHERE tenant_id = ?`,
		tenantID,
	).Scan(&balance).Error
	return balance, err
}

func validateEntry(tenantID snowflake.ID, key string, amount int64) error {
	if tenantID == 0 {
		return domain.ErrInvalidTenant
	}
	if key == "" {
		return domain.ErrMissingIdempotency
	}
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	return nil
}

func toJSONMap(m map[string]any) datatypes.JSONMap {
	if len(m) == 0 {
		return nil
	}
	return datatypes.JSONMap(m)
}

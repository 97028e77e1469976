package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/kredit/internal/account/domain"
	"github.com/smallbiznis/kredit/internal/clock"
	"github.com/smallbiznis/kredit/internal/config"
	ledgerdomain "github.com/smallbiznis/kredit/internal/ledger/domain"
	"github.com/smallbiznis/kredit/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Repo      domain.Repository
	Ledger    ledgerdomain.Service
	CreditCfg *config.CreditConfigHolder
	Clock     clock.Clock
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      domain.Repository
	ledger    ledgerdomain.Service
	creditCfg *config.CreditConfigHolder
	clock     clock.Clock
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("account.service"),
		repo:      p.Repo,
		ledger:    p.Ledger,
		creditCfg: p.CreditCfg,
		clock:     p.Clock,
	}
}

func (s *Service) Provision(ctx context.Context, req domain.ProvisionRequest) (*domain.AccountResponse, error) {
	tenantID, err := parseTenantID(req.TenantID)
	if err != nil {
		return nil, err
	}

	tier := req.Tier
	if tier == "" {
		tier = domain.TierFree
	}
	if tier != domain.TierFree && tier != domain.TierPaid {
		return nil, domain.ErrInvalidTier
	}

	tz := strings.TrimSpace(req.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, domain.ErrInvalidTimezone
	}

	anchor := req.CycleAnchorDay
	if anchor == 0 {
		anchor = 1
	}
	if anchor < 1 || anchor > 28 {
		return nil, domain.ErrInvalidAnchorDay
	}

	now := s.clock.Now()
	account := &domain.TenantCreditAccount{
		TenantID:       tenantID,
		Balance:        0,
		Tier:           tier,
		GraceState:     domain.GraceStateActive,
		Timezone:       tz,
		CycleAnchorDay: anchor,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	starting := s.creditCfg.Get().StartingBalance
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Create(ctx, tx, account); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrAccountExists
			}
			return err
		}
		if starting <= 0 {
			return nil
		}
		result, err := s.ledger.Credit(ctx, tx, ledgerdomain.CreditRequest{
			TenantID:       tenantID,
			IdempotencyKey: fmt.Sprintf("provision:%s", tenantID),
			Amount:         starting,
			Reason:         "starting_balance",
		})
		if err != nil {
			return err
		}
		account.Balance = result.BalanceAfter
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("account provisioned",
		zap.String("tenant_id", tenantID.String()),
		zap.String("tier", string(tier)),
		zap.Int64("starting_balance", starting),
	)
	return toResponse(account), nil
}

func (s *Service) Get(ctx context.Context, tenantID snowflake.ID) (*domain.AccountResponse, error) {
	account, err := s.repo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrAccountNotFound
	}
	return toResponse(account), nil
}

func (s *Service) Deactivate(ctx context.Context, tenantID snowflake.ID) error {
	account, err := s.repo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return err
	}
	if account == nil {
		return domain.ErrAccountNotFound
	}
	return s.repo.Deactivate(ctx, s.db, tenantID)
}

func (s *Service) SetTier(ctx context.Context, tenantID snowflake.ID, tier domain.Tier) error {
	if tier != domain.TierFree && tier != domain.TierPaid {
		return domain.ErrInvalidTier
	}
	account, err := s.repo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return err
	}
	if account == nil {
		return domain.ErrAccountNotFound
	}
	return s.repo.SetTier(ctx, s.db, tenantID, tier)
}

func (s *Service) Snapshot(ctx context.Context, tenantID snowflake.ID, category string, now time.Time) (*domain.Snapshot, error) {
	account, err := s.repo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrAccountNotFound
	}
	if !account.Active {
		return nil, domain.ErrAccountInactive
	}

	loc := account.Location()
	snap := &domain.Snapshot{
		Account:    account,
		DailyKey:   domain.DailyPeriodKey(now, loc),
		MonthlyKey: domain.MonthlyPeriodKey(now, loc, account.CycleAnchorDay),
	}

	if category != "" {
		// A counter row keyed for a previous window reads as zero here;
		// the next bump rewrites its key. Resets are exact at the boundary.
		snap.DailyCount, err = s.repo.CounterCount(ctx, s.db, tenantID, domain.CounterPeriodDaily, category, snap.DailyKey)
		if err != nil {
			return nil, err
		}
		snap.MonthlyCount, err = s.repo.CounterCount(ctx, s.db, tenantID, domain.CounterPeriodMonthly, category, snap.MonthlyKey)
		if err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func parseTenantID(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, domain.ErrInvalidTenant
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidTenant
	}
	return id, nil
}

func toResponse(a *domain.TenantCreditAccount) *domain.AccountResponse {
	return &domain.AccountResponse{
		TenantID:         a.TenantID.String(),
		Balance:          a.Balance,
		Tier:             a.Tier,
		GraceState:       a.GraceState,
		GraceStartedAt:   a.GraceStartedAt,
		GraceActionsUsed: a.GraceActionsUsed,
		Timezone:         a.Timezone,
		CycleAnchorDay:   a.CycleAnchorDay,
		Active:           a.Active,
		CreatedAt:        a.CreatedAt,
	}
}

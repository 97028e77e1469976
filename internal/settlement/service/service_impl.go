package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/kredit/internal/account/domain"
	"github.com/smallbiznis/kredit/internal/clock"
	eventsdomain "github.com/smallbiznis/kredit/internal/events/domain"
	"github.com/smallbiznis/kredit/internal/grace"
	ledgerdomain "github.com/smallbiznis/kredit/internal/ledger/domain"
	"github.com/smallbiznis/kredit/internal/observability/metrics"
	"github.com/smallbiznis/kredit/internal/settlement/domain"
	"github.com/smallbiznis/kredit/internal/trigger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Repo      domain.Repository
	Accounts  accountdomain.Repository
	Ledger    ledgerdomain.Service
	Grace     *grace.Manager
	Publisher eventsdomain.Publisher
	Clock     clock.Clock
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      domain.Repository
	accounts  accountdomain.Repository
	ledger    ledgerdomain.Service
	grace     *grace.Manager
	publisher eventsdomain.Publisher
	clock     clock.Clock
	metrics   *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("settlement.service"),
		repo:      p.Repo,
		accounts:  p.Accounts,
		ledger:    p.Ledger,
		grace:     p.Grace,
		publisher: p.Publisher,
		clock:     p.Clock,
		metrics:   p.Metrics,
	}
}

// ApplyPurchase credits a confirmed payment onto the tenant balance. The
// payment reference is the idempotency key: redelivered webhooks return the
// original outcome without touching the balance again. Settlement also
// restores blocked accounts and re-arms triggers the new balance clears.
func (s *Service) ApplyPurchase(ctx context.Context, req domain.PurchaseRequest) (*domain.PurchaseResult, error) {
	reference := strings.TrimSpace(req.PaymentReference)
	if reference == "" {
		return nil, domain.ErrInvalidReference
	}
	if req.TenantID == 0 {
		return nil, accountdomain.ErrInvalidTenant
	}

	pkg, err := s.repo.FindByCode(ctx, s.db, req.PackageCode)
	if err != nil {
		return nil, err
	}
	if pkg == nil || !pkg.Active {
		// Fatal for this purchase: money moved upstream for a bundle we
		// cannot map. Needs operator attention, never silent credit.
		s.log.Error("purchase for unknown package refused",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("package_code", req.PackageCode),
			zap.String("payment_reference", reference),
			zap.String("provider", req.Provider),
		)
		return nil, domain.ErrUnknownPackage
	}

	var result *domain.PurchaseResult
	err = s.db.Transaction(func(tx *gorm.DB) error {
		entry, err := s.ledger.Credit(ctx, tx, ledgerdomain.CreditRequest{
			TenantID:       req.TenantID,
			IdempotencyKey: fmt.Sprintf("purchase:%s", reference),
			Amount:         pkg.Credits,
			Reason:         "purchase",
			Metadata: map[string]any{
				"package_code":      pkg.Code,
				"payment_reference": reference,
				"provider":          req.Provider,
			},
		})
		if err != nil {
			return err
		}

		result = &domain.PurchaseResult{
			PackageCode:  pkg.Code,
			Credits:      pkg.Credits,
			BalanceAfter: entry.BalanceAfter,
			Duplicate:    entry.Duplicate,
		}
		if entry.Duplicate {
			return nil
		}

		if _, err := s.grace.OnCredit(ctx, tx, req.TenantID); err != nil {
			return err
		}
		if err := s.rearmTriggers(ctx, tx, req.TenantID, entry.BalanceAfter); err != nil {
			return err
		}

		return s.publisher.PublishTx(ctx, tx, eventsdomain.Event{
			TenantID:  req.TenantID,
			Type:      eventsdomain.TypePurchaseSettled,
			DedupeKey: fmt.Sprintf("purchase_settled:%s", reference),
			Payload: map[string]any{
				"tenant_id":     req.TenantID.String(),
				"package_code":  pkg.Code,
				"credits":       pkg.Credits,
				"balance_after": entry.BalanceAfter,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		s.log.Info("purchase settled",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("package_code", pkg.Code),
			zap.Int64("credits", pkg.Credits),
			zap.Int64("balance_after", result.BalanceAfter),
		)
		if s.metrics != nil {
			s.metrics.RecordSettlement(ctx, pkg.Code)
			s.metrics.RecordCredit(ctx, "purchase")
		}
	}
	return result, nil
}

func (s *Service) ListPackages(ctx context.Context) ([]domain.CreditPackage, error) {
	return s.repo.List(ctx, s.db, true)
}

// rearmTriggers drops fired thresholds the topped-up balance rose back
// above, so the next depletion notifies again.
func (s *Service) rearmTriggers(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, balanceAfter int64) error {
	account, err := s.accounts.FindByTenantID(ctx, tx, tenantID)
	if err != nil {
		return err
	}
	if account == nil {
		return accountdomain.ErrAccountNotFound
	}

	kept := trigger.ResetAbove(account.FiredTriggers, balanceAfter)
	if len(kept) == len(account.FiredTriggers) {
		return nil
	}
	return s.accounts.SetFiredTriggers(ctx, tx, tenantID, kept, s.clock.Now())
}

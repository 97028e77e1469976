package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/kredit/internal/account/domain"
	"github.com/smallbiznis/kredit/internal/clock"
	"github.com/smallbiznis/kredit/internal/config"
	"github.com/smallbiznis/kredit/internal/entitlement"
	eventsdomain "github.com/smallbiznis/kredit/internal/events/domain"
	"github.com/smallbiznis/kredit/internal/grace"
	ledgerdomain "github.com/smallbiznis/kredit/internal/ledger/domain"
	"github.com/smallbiznis/kredit/internal/metering/domain"
	"github.com/smallbiznis/kredit/internal/observability/metrics"
	registrydomain "github.com/smallbiznis/kredit/internal/registry/domain"
	"github.com/smallbiznis/kredit/internal/trigger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxAttempts bounds the internal replay loop when two requests race on the
// same idempotency key. The loser re-reads the winner's row.
const maxAttempts = 3

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Registry  registrydomain.Service
	Accounts  accountdomain.Service
	AccRepo   accountdomain.Repository
	Evaluator *entitlement.Evaluator
	Grace     *grace.Manager
	Ledger    ledgerdomain.Service
	Publisher eventsdomain.Publisher
	CreditCfg *config.CreditConfigHolder
	Clock     clock.Clock
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	registry  registrydomain.Service
	accounts  accountdomain.Service
	accRepo   accountdomain.Repository
	evaluator *entitlement.Evaluator
	grace     *grace.Manager
	ledger    ledgerdomain.Service
	publisher eventsdomain.Publisher
	creditCfg *config.CreditConfigHolder
	clock     clock.Clock
	metrics   *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("metering.service"),
		registry:  p.Registry,
		accounts:  p.Accounts,
		accRepo:   p.AccRepo,
		evaluator: p.Evaluator,
		grace:     p.Grace,
		ledger:    p.Ledger,
		publisher: p.Publisher,
		creditCfg: p.CreditCfg,
		clock:     p.Clock,
		metrics:   p.Metrics,
	}
}

func (s *Service) Authorize(ctx context.Context, req domain.ActionRequest) (*domain.ActionResult, error) {
	if req.TenantID == 0 {
		return nil, accountdomain.ErrInvalidTenant
	}
	if req.IdempotencyKey == "" {
		return nil, domain.ErrMissingIdempotency
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}
		result, err := s.authorizeOnce(ctx, req)
		if errors.Is(err, ledgerdomain.ErrDuplicateInFlight) {
			lastErr = err
			continue
		}
		return result, err
	}
	return nil, lastErr
}

func (s *Service) authorizeOnce(ctx context.Context, req domain.ActionRequest) (*domain.ActionResult, error) {
	if prior, err := s.replay(ctx, req); err != nil || prior != nil {
		return prior, err
	}

	def, err := s.registry.Resolve(ctx, req.ActionKey)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	snap, err := s.accounts.Snapshot(ctx, req.TenantID, string(def.Category), now)
	if err != nil {
		return nil, err
	}

	decision := s.evaluator.Evaluate(snap, def)
	if !decision.Allowed {
		return s.deny(ctx, req, def, snap, decision)
	}

	if def.IsFree() {
		return s.allowFree(ctx, req, def, snap)
	}
	return s.allowPaid(ctx, req, def, snap)
}

// replay returns the stored outcome for a key the engine already settled.
func (s *Service) replay(ctx context.Context, req domain.ActionRequest) (*domain.ActionResult, error) {
	entry, err := s.ledger.FindByIdempotencyKey(ctx, nil, req.TenantID, req.IdempotencyKey)
	if err != nil || entry == nil {
		return nil, err
	}

	result := &domain.ActionResult{
		Allowed:      true,
		ActionKey:    entry.ActionKey,
		Cost:         -entry.Delta,
		BalanceAfter: entry.BalanceAfter,
		Duplicate:    true,
	}
	if entry.Type == ledgerdomain.EntryGraceAllowance {
		result.Cost = 0
		result.GraceAdmitted = true
	}
	if raw, ok := entry.Metadata["triggers_fired"]; ok {
		result.TriggersFired = toInt64Slice(raw)
	}
	if raw, ok := entry.Metadata["category"].(string); ok {
		result.Category = raw
	}
	return result, nil
}

func (s *Service) deny(ctx context.Context, req domain.ActionRequest, def *registrydomain.ActionCostDefinition, snap *accountdomain.Snapshot, decision entitlement.Decision) (*domain.ActionResult, error) {
	category := string(def.Category)
	s.log.Info("action denied",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("action_key", def.Key),
		zap.String("category", category),
		zap.String("reason", string(decision.Reason)),
	)
	if s.metrics != nil {
		s.metrics.RecordActionDenied(ctx, category, string(decision.Reason))
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		return s.publisher.PublishTx(ctx, tx, eventsdomain.Event{
			TenantID:  req.TenantID,
			Type:      eventsdomain.TypeActionDenied,
			DedupeKey: fmt.Sprintf("action_denied:%s:%s", req.TenantID, req.IdempotencyKey),
			Payload: map[string]any{
				"tenant_id":  req.TenantID.String(),
				"action_key": def.Key,
				"category":   category,
				"reason":     string(decision.Reason),
				"balance":    snap.Account.Balance,
				"shortfall":  decision.Shortfall,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	return &domain.ActionResult{
		ActionKey:    def.Key,
		Category:     category,
		Cost:         def.Cost,
		BalanceAfter: snap.Account.Balance,
		DeniedReason: decision.Reason,
	}, nil
}

// allowFree admits a zero-cost action. The ledger is never touched, only
// the category counters move.
func (s *Service) allowFree(ctx context.Context, req domain.ActionRequest, def *registrydomain.ActionCostDefinition, snap *accountdomain.Snapshot) (*domain.ActionResult, error) {
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		return s.bumpCounters(ctx, tx, req.TenantID, def, snap)
	}); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordActionAllowed(ctx, string(def.Category))
	}
	return &domain.ActionResult{
		Allowed:      true,
		ActionKey:    def.Key,
		Category:     string(def.Category),
		Cost:         0,
		BalanceAfter: snap.Account.Balance,
	}, nil
}

func (s *Service) allowPaid(ctx context.Context, req domain.ActionRequest, def *registrydomain.ActionCostDefinition, snap *accountdomain.Snapshot) (*domain.ActionResult, error) {
	category := string(def.Category)
	result := &domain.ActionResult{
		ActionKey: def.Key,
		Category:  category,
		Cost:      def.Cost,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		entry, err := s.ledger.Debit(ctx, tx, ledgerdomain.DebitRequest{
			TenantID:       req.TenantID,
			IdempotencyKey: req.IdempotencyKey,
			ActionKey:      def.Key,
			Cost:           def.Cost,
			Metadata:       map[string]any{"category": category},
		})
		if errors.Is(err, ledgerdomain.ErrInsufficientCredits) {
			return s.admitOnGrace(ctx, tx, req, def, snap, result)
		}
		if err != nil {
			return err
		}
		if entry.Duplicate {
			// Lost a key race after the pre-check; the outer loop replays.
			return ledgerdomain.ErrDuplicateInFlight
		}

		result.Allowed = true
		result.BalanceAfter = entry.BalanceAfter

		fired, err := s.fireTriggers(ctx, tx, req.TenantID, entry)
		if err != nil {
			return err
		}
		result.TriggersFired = fired

		if entry.BalanceAfter == 0 {
			if err := s.grace.OnZeroBalance(ctx, tx, req.TenantID); err != nil {
				return err
			}
		}
		return s.bumpCounters(ctx, tx, req.TenantID, def, snap)
	})
	if err != nil {
		return nil, err
	}

	if result.Allowed && s.metrics != nil {
		s.metrics.RecordActionAllowed(ctx, category)
		if !result.GraceAdmitted {
			s.metrics.RecordDebit(ctx, category)
		}
	}
	if !result.Allowed {
		if s.metrics != nil {
			s.metrics.RecordActionDenied(ctx, category, string(result.DeniedReason))
		}
		s.log.Info("action denied",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("action_key", def.Key),
			zap.String("reason", string(result.DeniedReason)),
		)
	}
	return result, nil
}

// admitOnGrace handles a debit the balance cannot cover. An account sitting
// at zero enters grace if it has not yet, then may run the action on the
// grace allowance. Partial balances are never spent down.
func (s *Service) admitOnGrace(ctx context.Context, tx *gorm.DB, req domain.ActionRequest, def *registrydomain.ActionCostDefinition, snap *accountdomain.Snapshot, result *domain.ActionResult) error {
	account, err := s.accRepo.FindByTenantID(ctx, tx, req.TenantID)
	if err != nil {
		return err
	}
	if account == nil {
		return accountdomain.ErrAccountNotFound
	}
	result.BalanceAfter = account.Balance

	if account.Balance == 0 && account.GraceState == accountdomain.GraceStateActive {
		if err := s.grace.OnZeroBalance(ctx, tx, req.TenantID); err != nil {
			return err
		}
		account, err = s.accRepo.FindByTenantID(ctx, tx, req.TenantID)
		if err != nil {
			return err
		}
	}

	admitted, err := s.grace.Admit(ctx, tx, account, def)
	if err != nil {
		return err
	}
	if !admitted {
		result.DeniedReason = entitlement.ReasonInsufficientCredits
		return s.publisher.PublishTx(ctx, tx, eventsdomain.Event{
			TenantID:  req.TenantID,
			Type:      eventsdomain.TypeActionDenied,
			DedupeKey: fmt.Sprintf("action_denied:%s:%s", req.TenantID, req.IdempotencyKey),
			Payload: map[string]any{
				"tenant_id":  req.TenantID.String(),
				"action_key": def.Key,
				"category":   string(def.Category),
				"reason":     string(entitlement.ReasonInsufficientCredits),
				"balance":    account.Balance,
			},
		})
	}

	entry, err := s.ledger.RecordGraceAllowance(ctx, tx, ledgerdomain.DebitRequest{
		TenantID:       req.TenantID,
		IdempotencyKey: req.IdempotencyKey,
		ActionKey:      def.Key,
		Cost:           def.Cost,
		Metadata:       map[string]any{"category": string(def.Category)},
	})
	if err != nil {
		return err
	}
	if entry.Duplicate {
		return ledgerdomain.ErrDuplicateInFlight
	}

	result.Allowed = true
	result.GraceAdmitted = true
	result.BalanceAfter = entry.BalanceAfter
	return s.bumpCounters(ctx, tx, req.TenantID, def, snap)
}

// fireTriggers detects downward threshold crossings for this debit. The
// fired set lives on the account row, which the debit statement already
// locked, so concurrent debits serialize here and each threshold fires once
// per arm cycle: a purchase that lifts the balance back above a threshold
// re-arms it, and the next crossing fires again. Firings are also written
// onto the ledger row for idempotent replay.
func (s *Service) fireTriggers(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, entry *ledgerdomain.EntryResult) ([]int64, error) {
	cfg := s.creditCfg.Get()
	account, err := s.accRepo.FindByTenantID(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}

	crossed := trigger.Check(account.FiredTriggers, cfg.Thresholds, entry.BalanceBefore, entry.BalanceAfter)
	if len(crossed) == 0 {
		return nil, nil
	}

	merged := trigger.Merge(account.FiredTriggers, crossed)
	if err := s.accRepo.SetFiredTriggers(ctx, tx, tenantID, merged, s.clock.Now()); err != nil {
		return nil, err
	}

	if err := tx.WithContext(ctx).
		Model(&ledgerdomain.CreditTransaction{}).
		Where("id = ?", entry.Transaction.ID).
		Update("metadata", mergeMetadata(entry.Transaction.Metadata, "triggers_fired", crossed)).Error; err != nil {
		return nil, err
	}

	for _, threshold := range crossed {
		s.log.Info("balance threshold crossed",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("threshold", threshold),
			zap.Int64("balance_after", entry.BalanceAfter),
		)
		if s.metrics != nil {
			s.metrics.RecordTriggerFired(ctx, threshold)
		}
		// Keyed on the crossing debit, not the period: the fired set already
		// guarantees one firing per arm cycle, the key only guards outbox
		// redelivery. A calendar-keyed dedupe would swallow a legitimate
		// second firing after a purchase re-armed the threshold.
		err := s.publisher.PublishTx(ctx, tx, eventsdomain.Event{
			TenantID:  tenantID,
			Type:      eventsdomain.TypeTriggerFired,
			DedupeKey: fmt.Sprintf("trigger_fired:%s:%d:%s", tenantID, threshold, entry.Transaction.ID),
			Payload: map[string]any{
				"tenant_id":     tenantID.String(),
				"threshold":     threshold,
				"balance_after": entry.BalanceAfter,
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return crossed, nil
}

func (s *Service) bumpCounters(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, def *registrydomain.ActionCostDefinition, snap *accountdomain.Snapshot) error {
	category := string(def.Category)
	if err := s.accRepo.BumpCounter(ctx, tx, tenantID, accountdomain.CounterPeriodDaily, category, snap.DailyKey, s.clock.Now()); err != nil {
		return err
	}
	return s.accRepo.BumpCounter(ctx, tx, tenantID, accountdomain.CounterPeriodMonthly, category, snap.MonthlyKey, s.clock.Now())
}

func mergeMetadata(meta datatypes.JSONMap, key string, value any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range meta {
		out[k] = v
	}
	out[key] = value
	return out
}

func toInt64Slice(raw any) []int64 {
	switch v := raw.(type) {
	case []int64:
		return v
	case []any:
		out := make([]int64, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				out = append(out, int64(n))
			case int64:
				out = append(out, n)
			}
		}
		return out
	default:
		return nil
	}
}

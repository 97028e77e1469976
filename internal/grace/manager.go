// Package grace runs the depletion state machine: ACTIVE tenants whose
// balance hits zero get a bounded courtesy window before hard blocking, and
// any credit that lifts the balance restores them.
package grace

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/kredit/internal/account/domain"
	"github.com/smallbiznis/kredit/internal/clock"
	"github.com/smallbiznis/kredit/internal/config"
	"github.com/smallbiznis/kredit/internal/entitlement"
	eventsdomain "github.com/smallbiznis/kredit/internal/events/domain"
	"github.com/smallbiznis/kredit/internal/observability/metrics"
	registrydomain "github.com/smallbiznis/kredit/internal/registry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Accounts  accountdomain.Repository
	CreditCfg *config.CreditConfigHolder
	Clock     clock.Clock
	GenID     *snowflake.Node
	Evaluator *entitlement.Evaluator
	Publisher eventsdomain.Publisher
	Metrics   *metrics.Metrics `optional:"true"`
}

// Manager owns every grace transition. All writes are conditional single
// statements, so concurrent callers race safely: exactly one performs each
// transition and only that one publishes the event.
type Manager struct {
	db        *gorm.DB
	log       *zap.Logger
	accounts  accountdomain.Repository
	creditCfg *config.CreditConfigHolder
	clock     clock.Clock
	genID     *snowflake.Node
	evaluator *entitlement.Evaluator
	publisher eventsdomain.Publisher
	metrics   *metrics.Metrics
}

func New(p Params) *Manager {
	return &Manager{
		db:        p.DB,
		log:       p.Log.Named("grace.manager"),
		accounts:  p.Accounts,
		creditCfg: p.CreditCfg,
		clock:     p.Clock,
		genID:     p.GenID,
		evaluator: p.Evaluator,
		publisher: p.Publisher,
		metrics:   p.Metrics,
	}
}

// OnZeroBalance moves an ACTIVE account with zero balance into GRACE.
// Idempotent: only the call that performs the transition emits the event.
func (m *Manager) OnZeroBalance(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) error {
	now := m.clock.Now()
	entered, err := m.accounts.EnterGrace(ctx, tx, tenantID, now)
	if err != nil {
		return err
	}
	if !entered {
		return nil
	}

	cfg := m.creditCfg.Get()
	m.log.Info("grace period entered",
		zap.String("tenant_id", tenantID.String()),
		zap.Duration("duration", cfg.Grace.Duration),
		zap.Int64("action_budget", cfg.Grace.ActionBudget),
	)
	if m.metrics != nil {
		m.metrics.RecordGraceEntered(ctx)
	}
	// Keyed on a fresh ID: the conditional EnterGrace already guarantees one
	// publisher per transition, and a clock-based key would fold two
	// transitions landing in the same second into one event.
	return m.publisher.PublishTx(ctx, tx, eventsdomain.Event{
		TenantID:  tenantID,
		Type:      eventsdomain.TypeGraceEntered,
		DedupeKey: fmt.Sprintf("grace_entered:%s:%s", tenantID, m.genID.Generate()),
		Payload: map[string]any{
			"tenant_id":     tenantID.String(),
			"expires_at":    now.Add(cfg.Grace.Duration).UTC(),
			"action_budget": cfg.Grace.ActionBudget,
		},
	})
}

// Admit decides whether a paid action may run on the grace allowance. The
// budget unit is claimed atomically, so concurrent requests cannot overdraw
// it. Returns false with no error when the action must be refused instead.
func (m *Manager) Admit(ctx context.Context, tx *gorm.DB, account *accountdomain.TenantCreditAccount, def *registrydomain.ActionCostDefinition) (bool, error) {
	if account.GraceState != accountdomain.GraceStateGrace {
		return false, nil
	}

	if !m.evaluator.AdmitOnGrace(def) {
		return false, nil
	}

	cfg := m.creditCfg.Get()
	now := m.clock.Now()
	if account.GraceStartedAt != nil && now.After(account.GraceStartedAt.Add(cfg.Grace.Duration)) {
		if err := m.block(ctx, tx, tenantReason{account.TenantID, "window_expired"}); err != nil {
			return false, err
		}
		return false, nil
	}

	claimed, err := m.accounts.ConsumeGraceAction(ctx, tx, account.TenantID, cfg.Grace.ActionBudget, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		if err := m.block(ctx, tx, tenantReason{account.TenantID, "budget_exhausted"}); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// OnCredit restores a grace or blocked account once its balance is positive
// again. Returns true when this call performed the reactivation.
func (m *Manager) OnCredit(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (bool, error) {
	restored, err := m.accounts.Reactivate(ctx, tx, tenantID, m.clock.Now())
	if err != nil {
		return false, err
	}
	if restored {
		m.log.Info("account reactivated", zap.String("tenant_id", tenantID.String()))
	}
	return restored, nil
}

// ExpireSweep blocks accounts whose grace window has lapsed. Intended for
// the scheduler; batches are claimed with row locks so concurrent sweepers
// split the work instead of repeating it.
func (m *Manager) ExpireSweep(ctx context.Context, limit int) (int, error) {
	cutoff := m.clock.Now().Add(-m.creditCfg.Get().Grace.Duration)

	var blocked int
	err := m.db.Transaction(func(tx *gorm.DB) error {
		ids, err := m.accounts.ListGraceExpired(ctx, tx, cutoff, limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := m.block(ctx, tx, tenantReason{id, "window_expired"}); err != nil {
				return err
			}
			blocked++
		}
		return nil
	})
	return blocked, err
}

type tenantReason struct {
	tenantID snowflake.ID
	reason   string
}

func (m *Manager) block(ctx context.Context, tx *gorm.DB, tr tenantReason) error {
	now := m.clock.Now()
	transitioned, err := m.accounts.MarkBlocked(ctx, tx, tr.tenantID, now)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	m.log.Warn("grace period ended, account blocked",
		zap.String("tenant_id", tr.tenantID.String()),
		zap.String("reason", tr.reason),
	)
	if m.metrics != nil {
		m.metrics.RecordGraceBlocked(ctx)
	}
	return m.publisher.PublishTx(ctx, tx, eventsdomain.Event{
		TenantID:  tr.tenantID,
		Type:      eventsdomain.TypeGraceBlocked,
		DedupeKey: fmt.Sprintf("grace_blocked:%s:%s", tr.tenantID, m.genID.Generate()),
		Payload: map[string]any{
			"tenant_id": tr.tenantID.String(),
			"reason":    tr.reason,
		},
	})
}

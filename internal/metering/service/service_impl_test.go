package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	accountdomain "github.com/smallbiznis/kredit/internal/account/domain"
	accountrepository "github.com/smallbiznis/kredit/internal/account/repository"
	accountservice "github.com/smallbiznis/kredit/internal/account/service"
	"github.com/smallbiznis/kredit/internal/clock"
	"github.com/smallbiznis/kredit/internal/config"
	"github.com/smallbiznis/kredit/internal/entitlement"
	eventsdomain "github.com/smallbiznis/kredit/internal/events/domain"
	eventsrepository "github.com/smallbiznis/kredit/internal/events/repository"
	eventsservice "github.com/smallbiznis/kredit/internal/events/service"
	"github.com/smallbiznis/kredit/internal/grace"
	ledgerdomain "github.com/smallbiznis/kredit/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/kredit/internal/ledger/service"
	"github.com/smallbiznis/kredit/internal/metering/domain"
	registrydomain "github.com/smallbiznis/kredit/internal/registry/domain"
	registryrepository "github.com/smallbiznis/kredit/internal/registry/repository"
	registryservice "github.com/smallbiznis/kredit/internal/registry/service"
	settlementdomain "github.com/smallbiznis/kredit/internal/settlement/domain"
	settlementrepository "github.com/smallbiznis/kredit/internal/settlement/repository"
	settlementservice "github.com/smallbiznis/kredit/internal/settlement/service"
	"github.com/smallbiznis/kredit/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	db         *gorm.DB
	fake       *clock.FakeClock
	svc        domain.Service
	settlement settlementdomain.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testkit.OpenDB(t)
	node := testkit.NewNode(t)
	fake := clock.NewFakeClock(time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	holder := config.NewStaticCreditConfigHolder(config.DefaultCreditConfig())

	accRepo := accountrepository.Provide()
	publisher := eventsservice.NewPublisher(eventsservice.New(eventsservice.Params{
		DB: db, Log: log, GenID: node, Repo: eventsrepository.Provide(), Clock: fake,
	}))
	ledger := ledgerservice.New(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: fake})
	accounts := accountservice.New(accountservice.Params{
		DB: db, Log: log, Repo: accRepo, Ledger: ledger, CreditCfg: holder, Clock: fake,
	})
	evaluator := entitlement.New(entitlement.Params{Log: log, CreditCfg: holder})
	graceManager := grace.New(grace.Params{
		DB: db, Log: log, Accounts: accRepo, CreditCfg: holder, Clock: fake,
		GenID: node, Evaluator: evaluator, Publisher: publisher,
	})

	svc := New(Params{
		DB:        db,
		Log:       log,
		Registry:  registryservice.New(registryservice.Params{DB: db, Log: log, Repo: registryrepository.Provide()}),
		Accounts:  accounts,
		AccRepo:   accRepo,
		Evaluator: evaluator,
		Grace:     graceManager,
		Ledger:    ledger,
		Publisher: publisher,
		CreditCfg: holder,
		Clock:     fake,
	})

	settlement := settlementservice.New(settlementservice.Params{
		DB: db, Log: log, Repo: settlementrepository.Provide(),
		Accounts: accRepo, Ledger: ledger, Grace: graceManager,
		Publisher: publisher, Clock: fake,
	})

	h := &harness{db: db, fake: fake, svc: svc, settlement: settlement}
	h.seedCatalog(t)
	return h
}

func (h *harness) seedCatalog(t *testing.T) {
	t.Helper()
	repo := registryrepository.Provide()
	ctx := context.Background()
	defs := []registrydomain.ActionCostDefinition{
		{Key: "order.create", DisplayName: "Create order", Cost: 2, Category: registrydomain.CategoryOrdering},
		{Key: "catalog.view", DisplayName: "View catalog", Cost: 0, Category: registrydomain.CategoryCatalog},
		{Key: "message.email.send", DisplayName: "Send email", Cost: 1, Category: registrydomain.CategoryMessaging},
		{Key: "campaign.blast", DisplayName: "Campaign blast", Cost: 25, Category: registrydomain.CategoryMessaging},
		{Key: "export.all", DisplayName: "Full export", Cost: 10, Category: registrydomain.CategoryExport, RequiresFullBalance: true},
		{Key: "premium.analytics", DisplayName: "Advanced analytics", Cost: 5, Category: registrydomain.CategoryPremium, BlockedOnFreeTier: true},
	}
	for i := range defs {
		require.NoError(t, repo.Upsert(ctx, h.db, &defs[i]))
	}
}

func (h *harness) seedAccount(t *testing.T, account accountdomain.TenantCreditAccount) {
	t.Helper()
	if account.Tier == "" {
		account.Tier = accountdomain.TierFree
	}
	if account.GraceState == "" {
		account.GraceState = accountdomain.GraceStateActive
	}
	if account.Timezone == "" {
		account.Timezone = "UTC"
	}
	if account.CycleAnchorDay == 0 {
		account.CycleAnchorDay = 1
	}
	account.Active = true
	require.NoError(t, h.db.Create(&account).Error)
}

func (h *harness) account(t *testing.T, tenantID int64) accountdomain.TenantCreditAccount {
	t.Helper()
	var account accountdomain.TenantCreditAccount
	require.NoError(t, h.db.First(&account, "tenant_id = ?", tenantID).Error)
	return account
}

func (h *harness) eventCount(t *testing.T, eventType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&eventsdomain.OutboxEvent{}).Where("type = ?", eventType).Count(&count).Error)
	return count
}

func TestAuthorize_PaidActionDebits(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 100})

	result, err := h.svc.Authorize(context.Background(), domain.ActionRequest{
		TenantID: 7, ActionKey: "order.create", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)

	assert.True(t, result.Allowed)
	assert.Equal(t, "order.create", result.ActionKey)
	assert.Equal(t, "ordering", result.Category)
	assert.EqualValues(t, 2, result.Cost)
	assert.EqualValues(t, 98, result.BalanceAfter)
	assert.Empty(t, result.TriggersFired)
	assert.EqualValues(t, 98, h.account(t, 7).Balance)
}

func TestAuthorize_UnknownActionFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 100})

	_, err := h.svc.Authorize(context.Background(), domain.ActionRequest{
		TenantID: 7, ActionKey: "no.such.action", IdempotencyKey: "req-1",
	})
	assert.ErrorIs(t, err, registrydomain.ErrUnknownAction)
	assert.EqualValues(t, 100, h.account(t, 7).Balance)
}

func TestAuthorize_RequiresIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Authorize(context.Background(), domain.ActionRequest{
		TenantID: 7, ActionKey: "order.create",
	})
	assert.ErrorIs(t, err, domain.ErrMissingIdempotency)
}

func TestAuthorize_ReplaySettlesOnce(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 100})
	ctx := context.Background()
	req := domain.ActionRequest{TenantID: 7, ActionKey: "order.create", IdempotencyKey: "req-1"}

	first, err := h.svc.Authorize(ctx, req)
	require.NoError(t, err)
	second, err := h.svc.Authorize(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.True(t, second.Allowed)
	assert.Equal(t, first.BalanceAfter, second.BalanceAfter)
	assert.EqualValues(t, 98, h.account(t, 7).Balance) // charged once
}

func TestAuthorize_FreeActionSkipsLedger(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 0})

	result, err := h.svc.Authorize(context.Background(), domain.ActionRequest{
		TenantID: 7, ActionKey: "catalog.view", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)

	assert.True(t, result.Allowed)
	assert.Zero(t, result.Cost)

	var entries int64
	require.NoError(t, h.db.Model(&ledgerdomain.CreditTransaction{}).Count(&entries).Error)
	assert.Zero(t, entries)

	var counters int64
	require.NoError(t, h.db.Model(&accountdomain.UsageCounter{}).Count(&counters).Error)
	assert.EqualValues(t, 2, counters) // daily and monthly
}

func TestAuthorize_TriggerFiresOnDownwardCrossing(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 501})
	ctx := context.Background()

	result, err := h.svc.Authorize(ctx, domain.ActionRequest{
		TenantID: 7, ActionKey: "order.create", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{500}, result.TriggersFired)
	assert.EqualValues(t, 1, h.eventCount(t, eventsdomain.TypeTriggerFired))

	// Further debits above the next threshold fire nothing.
	result, err = h.svc.Authorize(ctx, domain.ActionRequest{
		TenantID: 7, ActionKey: "order.create", IdempotencyKey: "req-2",
	})
	require.NoError(t, err)
	assert.Empty(t, result.TriggersFired)

	// Replaying the crossing request reports the stored firing.
	result, err = h.svc.Authorize(ctx, domain.ActionRequest{
		TenantID: 7, ActionKey: "order.create", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, []int64{500}, result.TriggersFired)
	assert.EqualValues(t, 1, h.eventCount(t, eventsdomain.TypeTriggerFired))
}

func TestAuthorize_TriggerRefiresAfterPurchaseRearms(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 510})
	ctx := context.Background()
	require.NoError(t, settlementrepository.Provide().Upsert(ctx, h.db, &settlementdomain.CreditPackage{
		ID: 3001, Code: "boost", DisplayName: "Boost", Credits: 100,
		PriceMinorUnits: 300, Currency: "USD", Active: true,
	}))

	result, err := h.svc.Authorize(ctx, domain.ActionRequest{
		TenantID: 7, ActionKey: "campaign.blast", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{500}, result.TriggersFired)
	assert.EqualValues(t, 1, h.eventCount(t, eventsdomain.TypeTriggerFired))

	// A purchase lifts the balance back above the threshold and re-arms it.
	purchase, err := h.settlement.ApplyPurchase(ctx, settlementdomain.PurchaseRequest{
		TenantID: 7, PackageCode: "boost", PaymentReference: "pay-1", Provider: "stripe",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 585, purchase.BalanceAfter)

	for i := 0; i < 3; i++ {
		result, err = h.svc.Authorize(ctx, domain.ActionRequest{
			TenantID: 7, ActionKey: "campaign.blast", IdempotencyKey: fmt.Sprintf("req-%d", i+2),
		})
		require.NoError(t, err)
		assert.Empty(t, result.TriggersFired)
	}

	// The second crossing fires again and lands its own outbox event.
	result, err = h.svc.Authorize(ctx, domain.ActionRequest{
		TenantID: 7, ActionKey: "campaign.blast", IdempotencyKey: "req-5",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 485, result.BalanceAfter)
	assert.Equal(t, []int64{500}, result.TriggersFired)
	assert.EqualValues(t, 2, h.eventCount(t, eventsdomain.TypeTriggerFired))
}

func TestAuthorize_LargeDebitCrossesLowestThreshold(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 30})

	result, err := h.svc.Authorize(context.Background(), domain.ActionRequest{
		TenantID: 7, ActionKey: "campaign.blast", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.EqualValues(t, 5, result.BalanceAfter)
	assert.Equal(t, []int64{10}, result.TriggersFired)
}

func TestAuthorize_BufferDeniesRiskyAction(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 30})

	// export.all needs cost 10 plus the 25-credit floor.
	result, err := h.svc.Authorize(context.Background(), domain.ActionRequest{
		TenantID: 7, ActionKey: "export.all", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, entitlement.ReasonInsufficientCredits, result.DeniedReason)
	assert.EqualValues(t, 30, h.account(t, 7).Balance)
	assert.EqualValues(t, 1, h.eventCount(t, eventsdomain.TypeActionDenied))

	// Replaying the denial does not double-publish.
	_, err = h.svc.Authorize(context.Background(), domain.ActionRequest{
		TenantID: 7, ActionKey: "export.all", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.eventCount(t, eventsdomain.TypeActionDenied))
}

func TestAuthorize_PremiumBlockedOnFreeTier(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 100})

	result, err := h.svc.Authorize(context.Background(), domain.ActionRequest{
		TenantID: 7, ActionKey: "premium.analytics", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, entitlement.ReasonFeatureNotAvailable, result.DeniedReason)

	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 8, Balance: 100, Tier: accountdomain.TierPaid})
	result, err = h.svc.Authorize(context.Background(), domain.ActionRequest{
		TenantID: 8, ActionKey: "premium.analytics", IdempotencyKey: "req-2",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAuthorize_DailyCapDeniesFreeTier(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 1000})
	ctx := context.Background()

	// Messaging is capped at 50 per day on the free tier.
	repo := accountrepository.Provide()
	loc := time.UTC
	dailyKey := accountdomain.DailyPeriodKey(h.fake.Now(), loc)
	for i := 0; i < 50; i++ {
		require.NoError(t, repo.BumpCounter(ctx, h.db, 7, accountdomain.CounterPeriodDaily, "messaging", dailyKey, h.fake.Now()))
	}

	result, err := h.svc.Authorize(ctx, domain.ActionRequest{
		TenantID: 7, ActionKey: "message.email.send", IdempotencyKey: "req-51",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, entitlement.ReasonCapExceeded, result.DeniedReason)

	// The next tenant-local day resets the window.
	h.fake.Advance(24 * time.Hour)
	result, err = h.svc.Authorize(ctx, domain.ActionRequest{
		TenantID: 7, ActionKey: "message.email.send", IdempotencyKey: "req-52",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAuthorize_DepletionEntersGraceAndAdmits(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 2})
	ctx := context.Background()

	// The debit that lands on zero flips the account into grace.
	result, err := h.svc.Authorize(ctx, domain.ActionRequest{
		TenantID: 7, ActionKey: "order.create", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Zero(t, result.BalanceAfter)
	assert.Equal(t, accountdomain.GraceStateGrace, h.account(t, 7).GraceState)
	assert.EqualValues(t, 1, h.eventCount(t, eventsdomain.TypeGraceEntered))

	// The next cheap action runs on the grace allowance, no charge.
	result, err = h.svc.Authorize(ctx, domain.ActionRequest{
		TenantID: 7, ActionKey: "order.create", IdempotencyKey: "req-2",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.True(t, result.GraceAdmitted)
	assert.Zero(t, result.BalanceAfter)
	assert.EqualValues(t, 1, h.account(t, 7).GraceActionsUsed)

	var entry ledgerdomain.CreditTransaction
	require.NoError(t, h.db.First(&entry, "idempotency_key = ?", "req-2").Error)
	assert.Equal(t, ledgerdomain.EntryGraceAllowance, entry.Type)
	assert.Zero(t, entry.Delta)

	// Replay of a grace admission reports it as such.
	result, err = h.svc.Authorize(ctx, domain.ActionRequest{
		TenantID: 7, ActionKey: "order.create", IdempotencyKey: "req-2",
	})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.True(t, result.GraceAdmitted)
	assert.EqualValues(t, 1, h.account(t, 7).GraceActionsUsed)
}

func TestAuthorize_GraceRefusesExpensiveAction(t *testing.T) {
	h := newHarness(t)
	started := time.Date(2026, 5, 20, 11, 0, 0, 0, time.UTC)
	h.seedAccount(t, accountdomain.TenantCreditAccount{
		TenantID:       7,
		Balance:        0,
		GraceState:     accountdomain.GraceStateGrace,
		GraceStartedAt: &started,
	})

	// campaign.blast costs 25, above the 20-credit grace ceiling.
	result, err := h.svc.Authorize(context.Background(), domain.ActionRequest{
		TenantID: 7, ActionKey: "campaign.blast", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, entitlement.ReasonInsufficientCredits, result.DeniedReason)
	assert.Zero(t, h.account(t, 7).GraceActionsUsed)
}

func TestAuthorize_PartialBalanceNeverSpentDown(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 1})

	// Cost 2, balance 1: refused outright, the single credit stays.
	result, err := h.svc.Authorize(context.Background(), domain.ActionRequest{
		TenantID: 7, ActionKey: "order.create", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, entitlement.ReasonInsufficientCredits, result.DeniedReason)
	assert.EqualValues(t, 1, h.account(t, 7).Balance)
	assert.Equal(t, accountdomain.GraceStateActive, h.account(t, 7).GraceState)
}

func TestAuthorize_BlockedStateDeniesPaidActions(t *testing.T) {
	h := newHarness(t)
	started := time.Date(2026, 5, 19, 12, 0, 0, 0, time.UTC)
	h.seedAccount(t, accountdomain.TenantCreditAccount{
		TenantID:       7,
		Balance:        100,
		GraceState:     accountdomain.GraceStateBlocked,
		GraceStartedAt: &started,
	})
	ctx := context.Background()

	result, err := h.svc.Authorize(ctx, domain.ActionRequest{
		TenantID: 7, ActionKey: "order.create", IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, entitlement.ReasonGraceBlocked, result.DeniedReason)

	// Free actions still pass while blocked.
	result, err = h.svc.Authorize(ctx, domain.ActionRequest{
		TenantID: 7, ActionKey: "catalog.view", IdempotencyKey: "req-2",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAuthorize_ConcurrentSameKeyChargesOnce(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, accountdomain.TenantCreditAccount{TenantID: 7, Balance: 100})
	ctx := context.Background()
	req := domain.ActionRequest{TenantID: 7, ActionKey: "order.create", IdempotencyKey: "race-1"}

	results := make([]*domain.ActionResult, 2)
	errs := make([]error, 2)
	done := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			results[i], errs[i] = h.svc.Authorize(ctx, req)
			done <- i
		}(i)
	}
	<-done
	<-done

	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Allowed)
		assert.EqualValues(t, 98, results[i].BalanceAfter)
	}
	assert.EqualValues(t, 98, h.account(t, 7).Balance)

	var entries int64
	require.NoError(t, h.db.Model(&ledgerdomain.CreditTransaction{}).
		Where("tenant_id = ?", 7).Count(&entries).Error)
	assert.EqualValues(t, 1, entries)
}

func TestAuthorize_InactiveAccount(t *testing.T) {
	h := newHarness(t)
	account := accountdomain.TenantCreditAccount{TenantID: 7, Balance: 100}
	h.seedAccount(t, account)
	require.NoError(t, h.db.Model(&accountdomain.TenantCreditAccount{}).
		Where("tenant_id = ?", 7).Update("active", false).Error)

	_, err := h.svc.Authorize(context.Background(), domain.ActionRequest{
		TenantID: 7, ActionKey: "order.create", IdempotencyKey: "req-1",
	})
	assert.ErrorIs(t, err, accountdomain.ErrAccountInactive)
}

package scheduler

import (
	"context"
	"testing"
	"time"

	accountdomain "github.com/smallbiznis/kredit/internal/account/domain"
	accountrepository "github.com/smallbiznis/kredit/internal/account/repository"
	"github.com/smallbiznis/kredit/internal/clock"
	"github.com/smallbiznis/kredit/internal/config"
	"github.com/smallbiznis/kredit/internal/entitlement"
	eventsdomain "github.com/smallbiznis/kredit/internal/events/domain"
	eventsrepository "github.com/smallbiznis/kredit/internal/events/repository"
	eventsservice "github.com/smallbiznis/kredit/internal/events/service"
	"github.com/smallbiznis/kredit/internal/grace"
	"github.com/smallbiznis/kredit/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newScheduler(t *testing.T, db *gorm.DB, fake *clock.FakeClock) *Scheduler {
	t.Helper()
	node := testkit.NewNode(t)
	outbox := eventsservice.New(eventsservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Repo: eventsrepository.Provide(), Clock: fake,
	})
	accounts := accountrepository.Provide()
	holder := config.NewStaticCreditConfigHolder(config.DefaultCreditConfig())
	graceManager := grace.New(grace.Params{
		DB:        db,
		Log:       zap.NewNop(),
		Accounts:  accounts,
		CreditCfg: holder,
		Clock:     fake,
		GenID:     node,
		Evaluator: entitlement.New(entitlement.Params{Log: zap.NewNop(), CreditCfg: holder}),
		Publisher: eventsservice.NewPublisher(outbox),
	})
	s, err := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Grace:    graceManager,
		Accounts: accounts,
		Outbox:   outbox,
		Clock:    fake,
	})
	require.NoError(t, err)
	return s
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestGraceExpiryJob(t *testing.T) {
	db := testkit.OpenDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	s := newScheduler(t, db, fake)

	started := fake.Now()
	require.NoError(t, db.Create(&accountdomain.TenantCreditAccount{
		TenantID:       7,
		Tier:           accountdomain.TierFree,
		GraceState:     accountdomain.GraceStateGrace,
		GraceStartedAt: &started,
		Timezone:       "UTC",
		CycleAnchorDay: 1,
		Active:         true,
	}).Error)

	// Still inside the 24h window: nothing happens.
	require.NoError(t, s.GraceExpiryJob(context.Background()))
	var account accountdomain.TenantCreditAccount
	require.NoError(t, db.First(&account, "tenant_id = ?", 7).Error)
	assert.Equal(t, accountdomain.GraceStateGrace, account.GraceState)

	fake.Advance(25 * time.Hour)
	require.NoError(t, s.GraceExpiryJob(context.Background()))
	require.NoError(t, db.First(&account, "tenant_id = ?", 7).Error)
	assert.Equal(t, accountdomain.GraceStateBlocked, account.GraceState)

	var count int64
	require.NoError(t, db.Model(&eventsdomain.OutboxEvent{}).
		Where("type = ?", eventsdomain.TypeGraceBlocked).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCounterSweepJob(t *testing.T) {
	db := testkit.OpenDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	s := newScheduler(t, db, fake)

	ctx := context.Background()
	accounts := accountrepository.Provide()
	stale := fake.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, accounts.BumpCounter(ctx, db, 7, accountdomain.CounterPeriodDaily, "messaging", "2026-03-20", stale))
	require.NoError(t, accounts.BumpCounter(ctx, db, 7, accountdomain.CounterPeriodDaily, "export", "2026-05-01", fake.Now()))

	require.NoError(t, s.CounterSweepJob(ctx))

	var rows []accountdomain.UsageCounter
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "export", rows[0].Category)
}

func TestRunOnce_DispatchesOutbox(t *testing.T) {
	db := testkit.OpenDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	s := newScheduler(t, db, fake)
	ctx := context.Background()

	require.NoError(t, s.outbox.PublishTx(ctx, db, eventsdomain.Event{
		TenantID:  7,
		Type:      eventsdomain.TypeTriggerFired,
		DedupeKey: "trigger_fired:7:100:2026-05-01",
	}))

	require.NoError(t, s.RunOnce(ctx))

	var pending int64
	require.NoError(t, db.Model(&eventsdomain.OutboxEvent{}).
		Where("status = ?", eventsdomain.StatusPending).Count(&pending).Error)
	assert.Zero(t, pending)
}

func TestRunOnce_HonorsEnabledJobs(t *testing.T) {
	db := testkit.OpenDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	s := newScheduler(t, db, fake)
	s.cfg.EnabledJobs = []string{"grace_expiry"}
	ctx := context.Background()

	require.NoError(t, s.outbox.PublishTx(ctx, db, eventsdomain.Event{
		TenantID:  7,
		Type:      eventsdomain.TypeTriggerFired,
		DedupeKey: "trigger_fired:7:100:2026-05-01",
	}))

	require.NoError(t, s.RunOnce(ctx))

	// The dispatch job was not enabled, so the event stays pending.
	var pending int64
	require.NoError(t, db.Model(&eventsdomain.OutboxEvent{}).
		Where("status = ?", eventsdomain.StatusPending).Count(&pending).Error)
	assert.EqualValues(t, 1, pending)
}

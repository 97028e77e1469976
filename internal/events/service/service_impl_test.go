package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/kredit/internal/clock"
	"github.com/smallbiznis/kredit/internal/events/domain"
	"github.com/smallbiznis/kredit/internal/events/repository"
	"github.com/smallbiznis/kredit/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newOutbox(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	return New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testkit.NewNode(t),
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)),
	})
}

func TestPublishTx_DedupeKeyWinsOnce(t *testing.T) {
	db := testkit.OpenDB(t)
	outbox := newOutbox(t, db)
	ctx := context.Background()

	event := domain.Event{
		TenantID:  7,
		Type:      domain.TypeGraceEntered,
		DedupeKey: "grace_entered:7:1000",
		Payload:   map[string]any{"tenant_id": "7"},
	}
	require.NoError(t, outbox.PublishTx(ctx, db, event))
	require.NoError(t, outbox.PublishTx(ctx, db, event))

	var count int64
	require.NoError(t, db.Model(&domain.OutboxEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	var row domain.OutboxEvent
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, domain.StatusPending, row.Status)
	assert.Equal(t, "7", row.Payload["tenant_id"])
}

func TestPublishTx_RequiresTypeAndKey(t *testing.T) {
	db := testkit.OpenDB(t)
	outbox := newOutbox(t, db)
	ctx := context.Background()

	err := outbox.PublishTx(ctx, db, domain.Event{DedupeKey: "k"})
	assert.Error(t, err)
	err = outbox.PublishTx(ctx, db, domain.Event{Type: domain.TypeActionDenied})
	assert.Error(t, err)
}

func TestDispatchPending(t *testing.T) {
	db := testkit.OpenDB(t)
	outbox := newOutbox(t, db)
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		require.NoError(t, outbox.PublishTx(ctx, db, domain.Event{
			TenantID:  7,
			Type:      domain.TypeTriggerFired,
			DedupeKey: key,
			Payload:   map[string]any{"n": i},
		}))
	}

	dispatched, err := outbox.DispatchPending(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)

	var pending int64
	require.NoError(t, db.Model(&domain.OutboxEvent{}).Where("status = ?", domain.StatusPending).Count(&pending).Error)
	assert.EqualValues(t, 1, pending)

	dispatched, err = outbox.DispatchPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)

	var rows []domain.OutboxEvent
	require.NoError(t, db.Where("status = ?", domain.StatusDispatched).Find(&rows).Error)
	assert.Len(t, rows, 3)
	for _, row := range rows {
		assert.NotNil(t, row.DispatchedAt)
	}

	// Nothing left to claim.
	dispatched, err = outbox.DispatchPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, dispatched)
}

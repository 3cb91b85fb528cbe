package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/pkg/db"
)

func TestPositionStoreUpsertAndListActive(t *testing.T) {
	pool := setupTestDB(t)
	store := NewPositionStore(pool)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	p := db.PositionRow{ID: "p1", Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 50000, Quantity: 0.1,
		State: "pending_entry", CreatedAt: created, UpdatedAt: created}
	require.NoError(t, store.UpsertManagedPosition(ctx, p))

	p.State = "managing"
	p.TakeProfit = ptr(55000.0)
	p.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, store.UpsertManagedPosition(ctx, p))

	require.NoError(t, store.UpsertManagedPosition(ctx, db.PositionRow{
		ID: "p2", Symbol: "ETHUSDT", Side: "LONG", State: "exited", CreatedAt: created, UpdatedAt: created,
	}))

	rows, err := store.ListActiveManagedPositions(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "managing", rows[0].State)
	require.NotNil(t, rows[0].TakeProfit)
	assert.Equal(t, 55000.0, *rows[0].TakeProfit)
	assert.Nil(t, rows[0].StopLoss)
	assert.True(t, created.Equal(rows[0].CreatedAt))
}

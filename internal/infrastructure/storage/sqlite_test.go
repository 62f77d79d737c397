package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikrant/options_trade_bot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndListClosedPositions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	pos := &domain.Position{
		ID:          "pos-1",
		Symbol:      "NIFTY25SEP24800CE",
		Type:        domain.OptionCE,
		Quantity:    75,
		EntryPrice:  100,
		ExitPrice:   118,
		Stop:        94,
		Target:      118,
		RealizedPnL: 1350,
		ExitReason:  "TARGET",
		EntryTime:   now.Add(-time.Hour),
		ExitTime:    now,
	}
	require.NoError(t, store.RecordClosedPosition(ctx, pos))

	got, err := store.ListClosedPositions(ctx, now.Add(-24*time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pos-1", got[0].ID)
	assert.Equal(t, domain.OptionCE, got[0].Type)
	assert.Equal(t, domain.PositionClosed, got[0].State)
	assert.Equal(t, 1350.0, got[0].RealizedPnL)
}

func TestRecordOrderIsIdempotentOnID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	order := &domain.Order{
		ID:            "ord-1",
		ClientOrderID: "c-1",
		Symbol:        "X",
		Side:          domain.SideBuy,
		Kind:          domain.OrderMarket,
		Quantity:      75,
		Status:        domain.OrderPending,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, store.RecordOrder(ctx, order))

	// Same order recorded again after settlement replaces the row.
	order.Status = domain.OrderExecuted
	order.AvgFillPrice = 100.6
	require.NoError(t, store.RecordOrder(ctx, order))

	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM orders`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDailyPnL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, pnl := range []float64{500, -200} {
		pos := &domain.Position{
			ID: string(rune('a' + i)), Symbol: "X", Type: domain.OptionPE, Quantity: 75,
			RealizedPnL: pnl, ExitReason: "STOP_LOSS",
			EntryTime: now.Add(-time.Hour), ExitTime: now,
		}
		require.NoError(t, store.RecordClosedPosition(ctx, pos))
	}
	// Yesterday's trade must not count.
	require.NoError(t, store.RecordClosedPosition(ctx, &domain.Position{
		ID: "old", Symbol: "X", Type: domain.OptionPE, Quantity: 75,
		RealizedPnL: 9999, ExitReason: "TARGET",
		EntryTime: now.Add(-26 * time.Hour), ExitTime: now.Add(-25 * time.Hour),
	}))

	pnl, err := store.DailyPnL(ctx, now)
	require.NoError(t, err)
	assert.InDelta(t, 300.0, pnl, 1e-9)
}

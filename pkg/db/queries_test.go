package db

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleTrade() Trade {
	sig := Signal{
		FechaHora: "2024/03/01 10:00:00",
		Time:      time.Now().UTC(),
		Pair:      "ZETAUSDT",
		Rank:      1,
		Mom1hPct:  5.5,
		Quintile:  3,
		Extra:     map[string]string{"extra_col": "keepme"},
	}
	return NewTrade(sig, 10, 1, 15, 60, 24)
}

func TestTradeRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	trade := sampleTrade()
	trade.Status = StatusOpen
	trade.EntryOrderID = 42
	trade.EntryPrice = 100.5
	trade.EntryQty = 0.1
	trade.EntryFillAt = time.Now().UTC().Truncate(time.Millisecond)
	trade.TPOrderID = "43"
	trade.SLOrderID = "44"
	trade.TPTrigger = 85.42
	trade.SLTrigger = 160.8
	require.NoError(t, store.CreateTrade(ctx, trade))

	got, err := store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.Pair, got.Pair)
	assert.Equal(t, trade.Status, got.Status)
	assert.Equal(t, trade.EntryOrderID, got.EntryOrderID)
	assert.Equal(t, trade.TPOrderID, got.TPOrderID)
	assert.InDelta(t, trade.TPTrigger, got.TPTrigger, 1e-9)
	assert.True(t, trade.EntryFillAt.Equal(got.EntryFillAt))
	assert.Equal(t, "keepme", got.SignalData["extra_col"])
	assert.Equal(t, float64(1), got.SignalData["top"]) // JSON numbers decode as float64
}

func TestGetTradeNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.GetTrade(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTradeIsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	trade := sampleTrade()
	require.NoError(t, store.CreateTrade(ctx, trade))
	trade.Status = StatusOpen
	require.NoError(t, store.UpdateTrade(ctx, trade))
	first, err := store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)

	// Applying the identical payload again leaves the row unchanged.
	require.NoError(t, store.UpdateTrade(ctx, trade))
	second, err := store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestActiveTradesExcludesTerminal(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, status := range []TradeStatus{
		StatusSignalReceived, StatusOpening, StatusOpen, StatusClosing,
		StatusClosed, StatusNotExecuted, StatusError,
	} {
		trade := sampleTrade()
		trade.Status = status
		require.NoError(t, store.CreateTrade(ctx, trade))
	}

	active, err := store.ActiveTrades(ctx)
	require.NoError(t, err)
	require.Len(t, active, 4)
	for _, tr := range active {
		assert.False(t, tr.Status.Terminal())
	}
}

func TestEventLogIsMonotonicAndOrdered(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	var lastID int64
	for i, typ := range []string{"signal", "entry_sent", "entry_fill", "tp_placed"} {
		ev := NewEvent("trade-1", typ, map[string]any{"seq": i})
		require.NoError(t, store.AppendEvent(ctx, &ev))
		assert.Greater(t, ev.ID, lastID, "event ids are monotonic")
		lastID = ev.ID
	}
	global := NewEvent("", "startup", nil)
	require.NoError(t, store.AppendEvent(ctx, &global))

	evs, err := store.TradeEvents(ctx, "trade-1")
	require.NoError(t, err)
	require.Len(t, evs, 4)
	assert.Equal(t, "signal", evs[0].Type)
	assert.Equal(t, "tp_placed", evs[3].Type)

	recent, err := store.RecentEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "startup", recent[0].Type)
	assert.Empty(t, recent[0].TradeID)
}

func TestClosedPnLTotal(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a := sampleTrade()
	a.Status = StatusClosed
	a.PnLUSDT = 1.5
	require.NoError(t, store.CreateTrade(ctx, a))

	b := sampleTrade()
	b.Status = StatusClosed
	b.PnLUSDT = -0.25
	require.NoError(t, store.CreateTrade(ctx, b))

	c := sampleTrade()
	c.Status = StatusOpen
	c.PnLUSDT = 99 // must not count
	require.NoError(t, store.CreateTrade(ctx, c))

	total, err := store.ClosedPnLTotal(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, total, 1e-9)
}

func TestEventLogBatcherFlushes(t *testing.T) {
	store := testStore(t)
	log := quietLogger()
	el := NewEventLog(store, log, 100, time.Hour)

	for i := 0; i < 5; i++ {
		el.Append(NewEvent("trade-1", "signal", map[string]any{"i": i}))
	}
	el.Flush()

	evs, err := store.TradeEvents(context.Background(), "trade-1")
	require.NoError(t, err)
	assert.Len(t, evs, 5)

	el.Append(NewEvent("trade-1", "entry_sent", nil))
	el.Close() // final flush on shutdown

	evs, err = store.TradeEvents(context.Background(), "trade-1")
	require.NoError(t, err)
	assert.Len(t, evs, 6)
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElJoseRuiz/gestiona-trades/pkg/config"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/exchanges/binance"
)

// ----------------------------------------
// Fakes
// ----------------------------------------

type fakeVenue struct {
	mu       sync.Mutex
	filters  binance.SymbolFilters
	bid, ask float64
	nextID   int64

	placed   []binance.OrderRequest
	algos    []binance.AlgoOrderRequest
	cancels  []int64
	results  map[int64]binance.OrderInfo
	resident map[string][]binance.OpenOrder
	position []binance.Position

	slErr    error
	closeAvg float64
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		filters:  binance.SymbolFilters{PriceTick: 0.01, QtyStep: 0.01, MinQty: 0.01, MinNotional: 5},
		bid:      100.0,
		ask:      100.02,
		results:  make(map[int64]binance.OrderInfo),
		resident: make(map[string][]binance.OpenOrder),
	}
}

func (f *fakeVenue) ExchangeInfo(_ context.Context, _ string) (binance.SymbolFilters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters, nil
}

func (f *fakeVenue) BestBid(_ context.Context, _ string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bid, nil
}

func (f *fakeVenue) BestAsk(_ context.Context, _ string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ask, nil
}

func (f *fakeVenue) SetLeverage(_ context.Context, _ string, _ int) error { return nil }
func (f *fakeVenue) SetMarginType(_ context.Context, _, _ string) error   { return nil }

func (f *fakeVenue) PlaceOrder(_ context.Context, req binance.OrderRequest) (binance.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.placed = append(f.placed, req)
	return binance.OrderResult{
		OrderID:       f.nextID,
		ClientOrderID: req.ClientOrderID,
		Status:        binance.StatusNew,
	}, nil
}

func (f *fakeVenue) PlaceAlgoOrder(_ context.Context, req binance.AlgoOrderRequest) (binance.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Type == binance.TypeStopMarket && f.slErr != nil {
		return binance.OrderResult{}, f.slErr
	}
	f.nextID++
	f.algos = append(f.algos, req)
	return binance.OrderResult{OrderID: f.nextID, TriggerPrice: req.TriggerPrice}, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, _ string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return nil
}

func (f *fakeVenue) QueryOrder(_ context.Context, _ string, orderID int64) (binance.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.results[orderID]; ok {
		return info, nil
	}
	return binance.OrderInfo{OrderID: orderID, Status: binance.StatusNew}, nil
}

func (f *fakeVenue) OpenOrders(_ context.Context, _ string) ([]binance.OpenOrder, error) {
	return nil, nil
}

func (f *fakeVenue) OpenAlgoOrders(_ context.Context, symbol string) ([]binance.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resident[symbol], nil
}

func (f *fakeVenue) Positions(_ context.Context) ([]binance.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeVenue) ClosePosition(_ context.Context, _, _ string, qty float64) (binance.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return binance.OrderResult{OrderID: f.nextID, AvgPrice: f.closeAvg, Status: binance.StatusFilled}, nil
}

func (f *fakeVenue) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeVenue) lastPlaced() (binance.OrderRequest, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed[len(f.placed)-1], f.nextID
}

func (f *fakeVenue) algoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.algos)
}

type recorder struct {
	mu  sync.Mutex
	evs []db.Event
}

func (r *recorder) Emit(ev db.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evs {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) typesFor(tradeID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.evs {
		if ev.TradeID == tradeID {
			out = append(out, ev.Type)
		}
	}
	return out
}

// ----------------------------------------
// Harness
// ----------------------------------------

type harness struct {
	t     *testing.T
	cfg   *config.Config
	venue *fakeVenue
	store *db.Store
	rec   *recorder
	eng   *Engine
	cancel context.CancelFunc
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	venue := newFakeVenue()
	rec := &recorder{}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	eng := New(cfg, venue, store, rec, log, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	eng.ctx = ctx
	eng.accepting.Store(true)

	return &harness{t: t, cfg: cfg, venue: venue, store: store, rec: rec, eng: eng, cancel: cancel}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Strategy.CapitalPerTrade = 10
	cfg.Strategy.MaxOpenTrades = 10
	cfg.Strategy.MaxTradesPerPair = 1
	cfg.Strategy.TPPct = 15
	cfg.Strategy.SLPct = 60
	cfg.Strategy.TimeoutHours = 24
	cfg.Strategy.TopN = 1
	cfg.Strategy.Leverage = 1
	cfg.Strategy.MarginType = "CROSSED"
	cfg.Strategy.FeeRate = 0.0004
	cfg.Entry.OrderType = "BBO"
	cfg.Entry.ChaseIntervalSeconds = 0.01
	cfg.Entry.ChaseTimeoutSeconds = 0.25
	cfg.Entry.MaxChaseAttempts = 3
	cfg.Exit.TimeoutOrderType = "BBO"
	cfg.Exit.TimeoutChaseSeconds = 0.01
	fallback := true
	cfg.Exit.TimeoutMarketFallback = &fallback
	cfg.Exit.TPPriceMatch = "OPPONENT"
	return cfg
}

func testSignal(pair string) db.Signal {
	return db.Signal{
		FechaHora: "2024/03/01 10:00:00",
		Time:      time.Now().UTC(),
		Pair:      pair,
		Rank:      1,
		Mom1hPct:  5.5,
		VolRatio:  2.0,
		Quintile:  3,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func (h *harness) storedTrade(id string) db.Trade {
	h.t.Helper()
	trade, err := h.store.GetTrade(context.Background(), id)
	require.NoError(h.t, err)
	return trade
}

func (h *harness) onlyTradeID() string {
	h.t.Helper()
	trades, err := h.store.RecentTrades(context.Background(), 10)
	require.NoError(h.t, err)
	require.Len(h.t, trades, 1)
	return trades[0].ID
}

// openAt drives a signal through entry fill and exit arming, returning the
// trade ID and the entry order ID.
func (h *harness) openAt(entryPrice float64) (string, int64) {
	h.t.Helper()
	require.True(h.t, h.eng.OnSignal(testSignal("ZETAUSDT")))
	waitFor(h.t, 2*time.Second, func() bool { return h.venue.placedCount() >= 1 }, "entry order placed")
	req, orderID := h.venue.lastPlaced()

	h.eng.Dispatch(binance.OrderUpdate{
		Symbol:        "ZETAUSDT",
		Side:          binance.SideSell,
		Status:        binance.StatusFilled,
		ExecType:      "TRADE",
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		AvgPrice:      entryPrice,
		CumQty:        req.Qty,
		CumQuote:      entryPrice * req.Qty,
	})

	id := h.onlyTradeID()
	waitFor(h.t, 2*time.Second, func() bool {
		return h.storedTrade(id).Status == db.StatusOpen && h.venue.algoCount() == 2
	}, "trade open with both exits resident")
	return id, orderID
}

// ----------------------------------------
// Scenario A: TP happy path
// ----------------------------------------

func TestTakeProfitHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.openAt(100.00)

	trade := h.storedTrade(id)
	assert.InDelta(t, 0.1, trade.EntryQty, 1e-9)
	assert.InDelta(t, 85.00, trade.TPTrigger, 1e-9)
	assert.InDelta(t, 160.00, trade.SLTrigger, 1e-9)

	// TP is placed before SL.
	require.Equal(t, binance.TypeTakeProfit, h.venue.algos[0].Type)
	require.Equal(t, binance.TypeStopMarket, h.venue.algos[1].Type)

	tpID := parseOrderID(trade.TPOrderID)
	h.eng.Dispatch(binance.OrderUpdate{
		Symbol:   "ZETAUSDT",
		Status:   binance.StatusFilled,
		ExecType: "TRADE",
		OrderID:  tpID,
		AvgPrice: 85.00,
		CumQty:   0.1,
	})

	trade = h.storedTrade(id)
	assert.Equal(t, db.StatusClosed, trade.Status)
	assert.Equal(t, db.ExitTP, trade.ExitType)
	assert.InDelta(t, 85.00, trade.ExitPrice, 1e-9)
	assert.InDelta(t, 0.0074, trade.FeesUSDT, 1e-8)
	assert.InDelta(t, 1.4926, trade.PnLUSDT, 1e-8)
	// pnl identity: (entry-exit)*qty - fees
	assert.InDelta(t, (100.0-85.0)*0.1-trade.FeesUSDT, trade.PnLUSDT, 1e-8)

	// SL leg was cancelled.
	slID := parseOrderID(trade.SLOrderID)
	assert.Contains(t, h.venue.cancels, slID)

	// Event ordering: entry_fill strictly before tp_fill.
	types := h.rec.typesFor(id)
	assert.Less(t, indexOf(types, "entry_fill"), indexOf(types, "tp_fill"))
}

// ----------------------------------------
// Scenario B: SL path
// ----------------------------------------

func TestStopLossPath(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.openAt(100.00)

	trade := h.storedTrade(id)
	slID := parseOrderID(trade.SLOrderID)
	h.eng.Dispatch(binance.OrderUpdate{
		Symbol:   "ZETAUSDT",
		Status:   binance.StatusFilled,
		ExecType: "TRADE",
		OrderID:  slID,
		AvgPrice: 160.00,
		CumQty:   0.1,
	})

	trade = h.storedTrade(id)
	assert.Equal(t, db.StatusClosed, trade.Status)
	assert.Equal(t, db.ExitSL, trade.ExitType)
	assert.InDelta(t, -6.0104, trade.PnLUSDT, 1e-8)
	assert.Contains(t, h.venue.cancels, parseOrderID(trade.TPOrderID))
}

// ----------------------------------------
// Scenario C: timeout with market fallback
// ----------------------------------------

func TestTimeoutMarketFallback(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.openAt(100.00)

	// Backdate the fill so the scanner sees the holding time elapsed.
	h.eng.mu.Lock()
	ts := h.eng.trades[id]
	h.eng.mu.Unlock()
	ts.mu.Lock()
	ts.t.EntryFillAt = time.Now().UTC().Add(-25 * time.Hour)
	ts.mu.Unlock()

	h.venue.mu.Lock()
	h.venue.closeAvg = 102.50
	h.venue.mu.Unlock()

	h.eng.scanTimeouts()
	waitFor(t, 10*time.Second, func() bool {
		return h.storedTrade(id).Status == db.StatusClosed
	}, "timeout close finished")

	trade := h.storedTrade(id)
	assert.Equal(t, db.ExitTimeout, trade.ExitType)
	assert.InDelta(t, 102.50, trade.ExitPrice, 1e-9)
	// Both resident exits were cancelled before the close.
	assert.Contains(t, h.venue.cancels, parseOrderID(trade.TPOrderID))
	assert.Contains(t, h.venue.cancels, parseOrderID(trade.SLOrderID))
	assert.Equal(t, 1, h.rec.count("timeout"))
}

// ----------------------------------------
// Scenario D: chase exhaustion without fallback
// ----------------------------------------

func TestChaseExhaustionWithoutFallback(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Entry.ChaseTimeoutSeconds = 0.02
		cfg.Entry.MarketFallback = false
	})
	require.True(t, h.eng.OnSignal(testSignal("ZETAUSDT")))

	id := waitForTrade(h)
	waitFor(t, 5*time.Second, func() bool {
		return h.storedTrade(id).Status == db.StatusNotExecuted
	}, "trade not executed")

	// Three BBO attempts, first OPPONENT_5 then OPPONENT; no TP/SL armed.
	require.Equal(t, 3, h.venue.placedCount())
	assert.Equal(t, binance.PriceMatchOpponent5, h.venue.placed[0].PriceMatch)
	assert.Equal(t, binance.PriceMatchOpponent, h.venue.placed[1].PriceMatch)
	assert.Equal(t, binance.PriceMatchOpponent, h.venue.placed[2].PriceMatch)
	assert.Zero(t, h.venue.algoCount())
}

// ----------------------------------------
// Scenario E: restart while open
// ----------------------------------------

func TestRestartMidOpenKeepsTrade(t *testing.T) {
	h := newHarness(t, nil)

	stored := persistedOpenTrade(t, h.store, 11, 12)
	h.venue.mu.Lock()
	h.venue.position = []binance.Position{{Symbol: stored.Pair, Amt: -0.1, EntryPrice: 100}}
	h.venue.resident[stored.Pair] = []binance.OpenOrder{
		{OrderID: 11, Type: binance.TypeTakeProfit},
		{OrderID: 12, Type: binance.TypeStopMarket},
	}
	h.venue.mu.Unlock()

	require.NoError(t, h.eng.Reconcile(context.Background()))

	trade := h.storedTrade(stored.ID)
	assert.Equal(t, db.StatusOpen, trade.Status)
	assert.Zero(t, h.venue.algoCount(), "resident legs must not be re-armed")

	// The fill arrives after restart and closes the trade normally.
	h.eng.Dispatch(binance.OrderUpdate{
		Symbol:   stored.Pair,
		Status:   binance.StatusFilled,
		ExecType: "TRADE",
		OrderID:  11,
		AvgPrice: 85.0,
	})
	trade = h.storedTrade(stored.ID)
	assert.Equal(t, db.StatusClosed, trade.Status)
	assert.Equal(t, db.ExitTP, trade.ExitType)
}

// ----------------------------------------
// Scenario F: reconnect with missed SL fill
// ----------------------------------------

func TestReconnectRecoversMissedStopFill(t *testing.T) {
	h := newHarness(t, nil)

	stored := persistedOpenTrade(t, h.store, 11, 12)
	h.venue.mu.Lock()
	h.venue.position = []binance.Position{{Symbol: stored.Pair, Amt: -0.1}}
	h.venue.resident[stored.Pair] = []binance.OpenOrder{
		{OrderID: 11, Type: binance.TypeTakeProfit},
		{OrderID: 12, Type: binance.TypeStopMarket},
	}
	h.venue.mu.Unlock()
	require.NoError(t, h.eng.Reconcile(context.Background()))
	require.Equal(t, db.StatusOpen, h.storedTrade(stored.ID).Status)

	// During a stream gap the SL filled and the position is gone.
	h.venue.mu.Lock()
	h.venue.position = nil
	h.venue.results[12] = binance.OrderInfo{OrderID: 12, Status: binance.StatusFilled, AvgPrice: 160.0}
	h.venue.mu.Unlock()

	h.eng.ReconcileActive(context.Background())

	trade := h.storedTrade(stored.ID)
	assert.Equal(t, db.StatusClosed, trade.Status)
	assert.Equal(t, db.ExitSL, trade.ExitType)
	assert.InDelta(t, 160.0, trade.ExitPrice, 1e-9)
}

// ----------------------------------------
// Admission and boundaries
// ----------------------------------------

func TestAdmissionLimits(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Strategy.MaxOpenTrades = 1
	})
	require.True(t, h.eng.OnSignal(testSignal("AUSDT")))
	assert.False(t, h.eng.OnSignal(testSignal("BUSDT")), "max_open_trades reached")

	trades, err := h.store.RecentTrades(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1, "rejected signal must not create a trade row")
}

func TestPerPairLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Strategy.MaxOpenTrades = 10
		cfg.Strategy.MaxTradesPerPair = 1
	})
	require.True(t, h.eng.OnSignal(testSignal("AUSDT")))
	assert.False(t, h.eng.OnSignal(testSignal("AUSDT")))
	assert.True(t, h.eng.OnSignal(testSignal("BUSDT")))
}

func TestMinNotionalRejectedWithoutVenueCall(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Strategy.CapitalPerTrade = 0.5 // qty*bid < minNotional 5
	})
	require.True(t, h.eng.OnSignal(testSignal("ZETAUSDT")))

	id := waitForTrade(h)
	waitFor(t, 2*time.Second, func() bool {
		return h.storedTrade(id).Status == db.StatusNotExecuted
	}, "under-notional trade retired")
	assert.Zero(t, h.venue.placedCount(), "no order may reach the venue")
}

// ----------------------------------------
// Idempotence
// ----------------------------------------

func TestReplayedExitFillIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.openAt(100.00)

	trade := h.storedTrade(id)
	tpID := parseOrderID(trade.TPOrderID)
	fill := binance.OrderUpdate{
		Symbol:   "ZETAUSDT",
		Status:   binance.StatusFilled,
		ExecType: "TRADE",
		OrderID:  tpID,
		AvgPrice: 85.00,
	}
	h.eng.Dispatch(fill)
	closed := h.storedTrade(id)
	require.Equal(t, db.StatusClosed, closed.Status)

	// Replaying the same observed event changes nothing and appends nothing.
	before := h.rec.count("tp_fill")
	h.eng.Dispatch(fill)
	h.eng.Dispatch(fill)
	after := h.storedTrade(id)
	assert.Equal(t, closed.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before, h.rec.count("tp_fill"))
	assert.Equal(t, 0, h.rec.count("ignored_fill"))
}

func TestLateCounterpartFillIsAuditedOnly(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.openAt(100.00)

	trade := h.storedTrade(id)
	tpID := parseOrderID(trade.TPOrderID)
	slID := parseOrderID(trade.SLOrderID)

	// TP wins; a racing SL fill arrives before the registry forgets the trade.
	h.eng.mu.Lock()
	ts := h.eng.trades[id]
	h.eng.mu.Unlock()
	h.eng.onExitFill(ts, binance.OrderUpdate{OrderID: tpID, AvgPrice: 85, Status: binance.StatusFilled, ExecType: "TRADE"}, db.ExitTP)
	h.eng.onExitFill(ts, binance.OrderUpdate{OrderID: slID, AvgPrice: 160, Status: binance.StatusFilled, ExecType: "TRADE"}, db.ExitSL)

	final := h.storedTrade(id)
	assert.Equal(t, db.ExitTP, final.ExitType, "first entrant wins")
	assert.Equal(t, 1, h.rec.count("ignored_fill"), "late event is audited")
	assert.Equal(t, 0, h.rec.count("sl_fill"))
}

func TestSLPlacementFailureCancelsTPAndErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.venue.mu.Lock()
	h.venue.slErr = &binance.APIError{Code: -4003, Message: "quantity less than zero"}
	h.venue.mu.Unlock()

	require.True(t, h.eng.OnSignal(testSignal("ZETAUSDT")))
	waitFor(t, 2*time.Second, func() bool { return h.venue.placedCount() >= 1 }, "entry placed")
	req, orderID := h.venue.lastPlaced()
	h.eng.Dispatch(binance.OrderUpdate{
		Symbol: "ZETAUSDT", Status: binance.StatusFilled, ExecType: "TRADE",
		OrderID: orderID, ClientOrderID: req.ClientOrderID, AvgPrice: 100, CumQty: req.Qty,
	})

	id := h.onlyTradeID()
	waitFor(t, 2*time.Second, func() bool {
		return h.storedTrade(id).Status == db.StatusError
	}, "trade surfaced as error")

	trade := h.storedTrade(id)
	assert.Contains(t, h.venue.cancels, parseOrderID(trade.TPOrderID), "tp cancelled when sl fails")
}

// ----------------------------------------
// Manual close
// ----------------------------------------

func TestManualCloseConflictsWhenNotOpen(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.eng.CloseManual("nope")
	assert.ErrorIs(t, err, ErrUnknownTrade)

	require.True(t, h.eng.OnSignal(testSignal("ZETAUSDT")))
	id := waitForTrade(h)
	_, err = h.eng.CloseManual(id)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestManualClose(t *testing.T) {
	h := newHarness(t, nil)
	id, _ := h.openAt(100.00)

	h.venue.mu.Lock()
	h.venue.closeAvg = 99.00
	h.venue.mu.Unlock()

	snap, err := h.eng.CloseManual(id)
	require.NoError(t, err)
	assert.Equal(t, db.StatusClosing, snap.Status)
	assert.Equal(t, db.ExitManual, snap.ExitType)

	waitFor(t, 10*time.Second, func() bool {
		return h.storedTrade(id).Status == db.StatusClosed
	}, "manual close finished")
	trade := h.storedTrade(id)
	assert.Equal(t, db.ExitManual, trade.ExitType)
	assert.InDelta(t, 99.00, trade.ExitPrice, 1e-9)
}

// ----------------------------------------
// Reconciliation of interrupted entries
// ----------------------------------------

func TestReconcileOpeningFilledDuringDowntime(t *testing.T) {
	h := newHarness(t, nil)

	trade := db.NewTrade(testSignal("ZETAUSDT"), 10, 1, 15, 60, 24)
	trade.Status = db.StatusOpening
	trade.EntryOrderID = 7
	trade.EntryQty = 0.1
	require.NoError(t, h.store.CreateTrade(context.Background(), trade))

	h.venue.mu.Lock()
	h.venue.results[7] = binance.OrderInfo{OrderID: 7, Status: binance.StatusFilled, AvgPrice: 100, ExecutedQty: 0.1}
	h.venue.position = []binance.Position{{Symbol: "ZETAUSDT", Amt: -0.1}}
	h.venue.mu.Unlock()

	require.NoError(t, h.eng.Reconcile(context.Background()))

	got := h.storedTrade(trade.ID)
	assert.Equal(t, db.StatusOpen, got.Status)
	assert.InDelta(t, 100.0, got.EntryPrice, 1e-9)
	assert.Equal(t, 2, h.venue.algoCount(), "exits armed for the recovered trade")
}

func TestReconcileOpeningNeverFilled(t *testing.T) {
	h := newHarness(t, nil)

	trade := db.NewTrade(testSignal("ZETAUSDT"), 10, 1, 15, 60, 24)
	trade.Status = db.StatusOpening
	trade.EntryOrderID = 7
	require.NoError(t, h.store.CreateTrade(context.Background(), trade))

	h.venue.mu.Lock()
	h.venue.results[7] = binance.OrderInfo{OrderID: 7, Status: binance.StatusCanceled}
	h.venue.mu.Unlock()

	require.NoError(t, h.eng.Reconcile(context.Background()))
	assert.Equal(t, db.StatusNotExecuted, h.storedTrade(trade.ID).Status)
}

// ----------------------------------------
// Helpers
// ----------------------------------------

func waitForTrade(h *harness) string {
	h.t.Helper()
	var id string
	waitFor(h.t, 2*time.Second, func() bool {
		trades, err := h.store.RecentTrades(context.Background(), 1)
		if err != nil || len(trades) == 0 {
			return false
		}
		id = trades[0].ID
		return true
	}, "trade row created")
	return id
}

func persistedOpenTrade(t *testing.T, store *db.Store, tpID, slID int64) db.Trade {
	t.Helper()
	trade := db.NewTrade(testSignal("ZETAUSDT"), 10, 1, 15, 60, 24)
	trade.Status = db.StatusOpen
	trade.EntryOrderID = 10
	trade.EntryPrice = 100
	trade.EntryQty = 0.1
	trade.EntryFillAt = time.Now().UTC().Add(-time.Hour)
	trade.TPOrderID = fmt.Sprintf("%d", tpID)
	trade.SLOrderID = fmt.Sprintf("%d", slID)
	trade.TPTrigger = 85
	trade.SLTrigger = 160
	trade.FeesUSDT = 0.004
	require.NoError(t, store.CreateTrade(context.Background(), trade))
	return trade
}

func indexOf(xs []string, v string) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}

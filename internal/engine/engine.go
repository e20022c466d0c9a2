package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ElJoseRuiz/gestiona-trades/internal/events"
	"github.com/ElJoseRuiz/gestiona-trades/internal/monitor"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/config"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/exchanges/binance"
)

const timeoutScanInterval = time.Minute

// Engine owns the registry of live trades and coordinates every transition.
// Observers never receive references into the registry, only value snapshots.
type Engine struct {
	cfg   *config.Config
	venue Venue
	store Store
	sink  Emitter
	log   *logrus.Logger
	met   *monitor.Metrics

	mu       sync.Mutex
	trades   map[string]*tradeState
	statuses map[string]db.TradeStatus // mirror of persisted status, cheap reads
	pairs    map[string]string         // tradeID -> pair
	byOrder  map[int64]orderRef
	byClient map[string]orderRef
	fills    map[string]chan binance.OrderUpdate // entry client id -> fill signal

	accepting  atomic.Bool
	errorCount atomic.Int64
	lastError  atomic.Value // db.Event

	ctx context.Context
	wg  sync.WaitGroup
}

// New assembles the engine. met may be nil in tests.
func New(cfg *config.Config, venue Venue, store Store, sink Emitter, log *logrus.Logger, met *monitor.Metrics) *Engine {
	return &Engine{
		cfg:      cfg,
		venue:    venue,
		store:    store,
		sink:     sink,
		log:      log,
		met:      met,
		trades:   make(map[string]*tradeState),
		statuses: make(map[string]db.TradeStatus),
		pairs:    make(map[string]string),
		byOrder:  make(map[int64]orderRef),
		byClient: make(map[string]orderRef),
		fills:    make(map[string]chan binance.OrderUpdate),
	}
}

// Start begins accepting signals and launches the timeout scanner. ctx bounds
// every lifecycle task.
func (e *Engine) Start(ctx context.Context) {
	e.ctx = ctx
	e.accepting.Store(true)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.timeoutLoop(ctx)
	}()
	e.log.Info("trade engine started")
}

// Stop stops signal intake and waits for lifecycle tasks up to the deadline.
// Open positions keep their venue-resident TP/SL; they are not closed here.
func (e *Engine) Stop(deadline time.Duration) {
	e.accepting.Store(false)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		e.log.Warn("engine stop deadline reached, abandoning unfinished tasks")
	}
	e.log.Infof("trade engine stopped, %d trades still active", e.ActiveCount())
}

// ----------------------------------------
// Admission
// ----------------------------------------

// OnSignal admits or rejects one signal. Accepted signals get a persisted
// trade in signal_received and a lifecycle goroutine; the return value tells
// the signal source whether to mark the row consumed.
func (e *Engine) OnSignal(sig db.Signal) bool {
	if !e.accepting.Load() {
		return false
	}

	e.mu.Lock()
	active, perPair := e.activeCountsLocked(sig.Pair)
	if active >= e.cfg.Strategy.MaxOpenTrades {
		e.mu.Unlock()
		e.log.Infof("signal %s rejected: max_open_trades (%d) reached", sig.Pair, e.cfg.Strategy.MaxOpenTrades)
		e.countRejected("max_open_trades")
		return false
	}
	if perPair >= e.cfg.Strategy.MaxTradesPerPair {
		e.mu.Unlock()
		e.log.Infof("signal %s rejected: max_trades_per_pair (%d) reached", sig.Pair, e.cfg.Strategy.MaxTradesPerPair)
		e.countRejected("max_trades_per_pair")
		return false
	}

	s := e.cfg.Strategy
	trade := db.NewTrade(sig, s.CapitalPerTrade, s.Leverage, s.TPPct, s.SLPct, s.TimeoutHours)
	ts := &tradeState{t: trade}
	e.trades[trade.ID] = ts
	e.statuses[trade.ID] = trade.Status
	e.pairs[trade.ID] = trade.Pair
	e.mu.Unlock()

	if err := e.store.CreateTrade(context.Background(), trade); err != nil {
		e.log.WithError(err).Errorf("persist new trade %s", trade.ShortID())
		e.remove(trade.ID)
		return false
	}
	e.emit(events.TypeSignal, trade.ID, map[string]any{
		"pair":       sig.Pair,
		"rank":       sig.Rank,
		"mom_1h_pct": sig.Mom1hPct,
		"close":      sig.Close,
	})
	e.log.Infof("trade %s signal_received %s", trade.ShortID(), sig.Pair)
	if e.met != nil {
		e.met.SignalsAccepted.Inc()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.openTrade(ts)
	}()
	return true
}

func (e *Engine) activeCountsLocked(pair string) (active, perPair int) {
	for id, st := range e.statuses {
		if st.Terminal() {
			continue
		}
		active++
		if e.pairs[id] == pair {
			perPair++
		}
	}
	return
}

func (e *Engine) countRejected(reason string) {
	if e.met != nil {
		e.met.SignalsRejected.WithLabelValues(reason).Inc()
	}
}

// ----------------------------------------
// Event dispatch
// ----------------------------------------

// Dispatch routes one user-stream order update to its trade. Events are
// matched by order ID first, then client order ID; unknown events are logged
// and discarded.
func (e *Engine) Dispatch(upd binance.OrderUpdate) {
	if upd.Status != binance.StatusFilled || (upd.ExecType != "TRADE" && upd.ExecType != "FILLED") {
		return
	}

	e.mu.Lock()
	ref, ok := e.byOrder[upd.OrderID]
	if !ok && upd.ClientOrderID != "" {
		ref, ok = e.byClient[upd.ClientOrderID]
	}
	var ts *tradeState
	if ok {
		ts = e.trades[ref.tradeID]
	}
	e.mu.Unlock()

	if !ok || ts == nil {
		e.log.Debugf("user stream fill for unknown order %d (%s)", upd.OrderID, upd.Symbol)
		return
	}

	switch ref.kind {
	case kindEntry:
		e.onEntryFill(ts, upd)
	case kindTP:
		e.onExitFill(ts, upd, db.ExitTP)
	case kindSL:
		e.onExitFill(ts, upd, db.ExitSL)
	}
}

// signalFill wakes an entry chase waiter, if any.
func (e *Engine) signalFill(clientID string, upd binance.OrderUpdate) {
	e.mu.Lock()
	ch := e.fills[clientID]
	e.mu.Unlock()
	if ch != nil {
		select {
		case ch <- upd:
		default:
		}
	}
}

// ----------------------------------------
// Registry bookkeeping
// ----------------------------------------

// saveLocked persists the trade and mirrors its status for cheap counting.
// Caller holds ts.mu.
func (e *Engine) saveLocked(ts *tradeState) {
	// Persist with a fresh context so writes survive shutdown cancellation.
	ts.t.Touch()
	if err := e.store.UpdateTrade(context.Background(), ts.t); err != nil {
		e.log.WithError(err).Errorf("persist trade %s", ts.t.ShortID())
	}
	e.mu.Lock()
	if _, live := e.trades[ts.t.ID]; live {
		e.statuses[ts.t.ID] = ts.t.Status
	}
	e.mu.Unlock()
}

func (e *Engine) registerOrder(orderID int64, clientID, tradeID string, kind orderKind) {
	e.mu.Lock()
	if orderID != 0 {
		e.byOrder[orderID] = orderRef{tradeID: tradeID, kind: kind}
	}
	if clientID != "" {
		e.byClient[clientID] = orderRef{tradeID: tradeID, kind: kind}
	}
	e.mu.Unlock()
}

func (e *Engine) unregisterOrder(orderID int64, clientID string) {
	e.mu.Lock()
	delete(e.byOrder, orderID)
	if clientID != "" {
		delete(e.byClient, clientID)
		delete(e.fills, clientID)
	}
	e.mu.Unlock()
}

// remove drops a terminal trade from the registry and all its order indexes.
func (e *Engine) remove(tradeID string) {
	e.mu.Lock()
	delete(e.trades, tradeID)
	delete(e.statuses, tradeID)
	delete(e.pairs, tradeID)
	for id, ref := range e.byOrder {
		if ref.tradeID == tradeID {
			delete(e.byOrder, id)
		}
	}
	for id, ref := range e.byClient {
		if ref.tradeID == tradeID {
			delete(e.byClient, id)
			delete(e.fills, id)
		}
	}
	e.mu.Unlock()
}

// adopt loads a persisted trade into the registry during reconciliation.
func (e *Engine) adopt(t db.Trade) *tradeState {
	ts := &tradeState{t: t}
	e.mu.Lock()
	e.trades[t.ID] = ts
	e.statuses[t.ID] = t.Status
	e.pairs[t.ID] = t.Pair
	e.mu.Unlock()
	return ts
}

// ----------------------------------------
// Introspection for the control API
// ----------------------------------------

// ActiveCount returns the number of non-terminal trades in the registry.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, st := range e.statuses {
		if !st.Terminal() {
			n++
		}
	}
	return n
}

// StatusCounts returns the registry trade count per status.
func (e *Engine) StatusCounts() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int)
	for _, st := range e.statuses {
		out[string(st)]++
	}
	return out
}

// ErrorCount returns the number of trades moved to error since startup.
func (e *Engine) ErrorCount() int64 { return e.errorCount.Load() }

// LastError returns the most recent error event, if any.
func (e *Engine) LastError() (db.Event, bool) {
	ev, ok := e.lastError.Load().(db.Event)
	return ev, ok
}

// ----------------------------------------
// Helpers
// ----------------------------------------

func (e *Engine) emit(eventType, tradeID string, details map[string]any) {
	ev := db.NewEvent(tradeID, eventType, details)
	e.sink.Emit(ev)
	if eventType == events.TypeError {
		e.lastError.Store(ev)
	}
}

// fail moves a trade to the terminal error state for manual intervention.
// Caller holds ts.mu.
func (e *Engine) failLocked(ts *tradeState, msg string) {
	ts.t.Status = db.StatusError
	ts.t.ErrorMessage = msg
	e.saveLocked(ts)
	e.emit(events.TypeError, ts.t.ID, map[string]any{"msg": msg})
	e.errorCount.Add(1)
	if e.met != nil {
		e.met.TradesInError.Inc()
	}
	e.log.Errorf("trade %s error: %s", ts.t.ShortID(), msg)
	e.remove(ts.t.ID)
}

// feeFor returns the commission for one fill: the venue-reported commission
// when present in the quote asset, the configured per-side rate otherwise.
func (e *Engine) feeFor(upd binance.OrderUpdate, notional float64) float64 {
	if upd.Commission > 0 && (upd.CommissionAsset == "" || upd.CommissionAsset == "USDT") {
		return upd.Commission
	}
	return notional * e.cfg.Strategy.FeeRate
}

package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ElJoseRuiz/gestiona-trades/internal/events"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/exchanges/binance"
)

// Reconcile aligns every persisted non-terminal trade with the venue's
// authoritative state. Called once on startup before the user stream begins.
func (e *Engine) Reconcile(ctx context.Context) error {
	stored, err := e.store.ActiveTrades(ctx)
	if err != nil {
		return fmt.Errorf("load active trades: %w", err)
	}
	if len(stored) == 0 {
		e.log.Info("reconciliation: no active trades in store")
		return nil
	}
	e.log.Infof("reconciling %d stored trades", len(stored))
	e.emit(events.TypeReconcile, "", map[string]any{"trades": len(stored), "trigger": "startup"})

	states := make([]*tradeState, 0, len(stored))
	for _, t := range stored {
		states = append(states, e.adopt(t))
	}
	e.reconcileStates(ctx, states)
	return nil
}

// ReconcileActive re-checks every live trade against the venue. Called after
// every user-stream reconnect, when fills may have been missed.
func (e *Engine) ReconcileActive(ctx context.Context) {
	e.mu.Lock()
	states := make([]*tradeState, 0, len(e.trades))
	for id, st := range e.statuses {
		if !st.Terminal() {
			states = append(states, e.trades[id])
		}
	}
	e.mu.Unlock()
	if len(states) == 0 {
		return
	}
	e.log.Infof("reconnect reconciliation over %d trades", len(states))
	e.emit(events.TypeReconcile, "", map[string]any{"trades": len(states), "trigger": "reconnect"})
	e.reconcileStates(ctx, states)
}

func (e *Engine) reconcileStates(ctx context.Context, states []*tradeState) {
	positions := e.openPairs(ctx)

	for _, ts := range states {
		ts.mu.Lock()
		status := ts.t.Status
		short := ts.t.ShortID()
		switch status {
		case db.StatusSignalReceived, db.StatusOpening:
			e.reconcileOpeningLocked(ts)
		case db.StatusOpen:
			e.reconcileOpenLocked(ts, positions)
		case db.StatusClosing:
			e.reconcileClosingLocked(ts, positions)
		}
		e.log.Infof("reconciliation: trade %s (%s) -> %s", short, ts.t.Pair, ts.t.Status)
		ts.mu.Unlock()
	}
}

// openPairs returns the set of pairs with a non-flat position at the venue.
func (e *Engine) openPairs(ctx context.Context) map[string]bool {
	out := make(map[string]bool)
	positions, err := e.venue.Positions(ctx)
	if err != nil {
		e.log.WithError(err).Error("reconciliation: positions unavailable")
		return out
	}
	for _, p := range positions {
		out[p.Symbol] = true
	}
	return out
}

// reconcileOpeningLocked resolves a trade that was mid-entry when the process
// stopped: a fill during the gap promotes it, anything else retires it.
func (e *Engine) reconcileOpeningLocked(ts *tradeState) {
	if ts.t.EntryOrderID == 0 {
		e.retireLocked(ts, "opening without entry order")
		return
	}

	info, err := e.venue.QueryOrder(e.ctx, ts.t.Pair, ts.t.EntryOrderID)
	if err != nil {
		e.retireLocked(ts, fmt.Sprintf("entry order %d unqueryable: %v", ts.t.EntryOrderID, err))
		return
	}

	switch info.Status {
	case binance.StatusFilled:
		e.log.Infof("reconciliation: trade %s entry filled during downtime at %v",
			ts.t.ShortID(), info.AvgPrice)
		ts.t.EntryPrice = info.AvgPrice
		if info.ExecutedQty > 0 {
			ts.t.EntryQty = info.ExecutedQty
		}
		if ts.t.EntryFillAt.IsZero() {
			ts.t.EntryFillAt = time.Now().UTC()
		}
		if ts.t.FeesUSDT == 0 {
			ts.t.FeesUSDT = ts.t.EntryPrice * ts.t.EntryQty * e.cfg.Strategy.FeeRate
		}
		ts.t.Status = db.StatusOpen
		e.saveLocked(ts)
		e.emit(events.TypeEntryFill, ts.t.ID, map[string]any{
			"orderId":   ts.t.EntryOrderID,
			"price":     ts.t.EntryPrice,
			"qty":       ts.t.EntryQty,
			"reconcile": true,
		})
		if e.met != nil {
			e.met.TradesOpened.Inc()
		}
		e.reconcileExitsLocked(ts)
	case binance.StatusNew, binance.StatusPartiallyFilled:
		if err := e.venue.CancelOrder(e.ctx, ts.t.Pair, ts.t.EntryOrderID); err != nil {
			e.log.WithError(err).Warnf("reconciliation: cancel entry %d", ts.t.EntryOrderID)
		}
		e.retireLocked(ts, fmt.Sprintf("entry order status %s", info.Status))
	default:
		e.retireLocked(ts, fmt.Sprintf("entry order status %s", info.Status))
	}
}

func (e *Engine) retireLocked(ts *tradeState, reason string) {
	e.log.Warnf("reconciliation: trade %s -> not_executed (%s)", ts.t.ShortID(), reason)
	ts.t.Status = db.StatusNotExecuted
	ts.t.ErrorMessage = reason
	e.saveLocked(ts)
	e.remove(ts.t.ID)
}

// reconcileOpenLocked verifies an open trade: the position must exist and
// both exit legs must be resident; a missing leg is re-armed, a filled leg
// runs exit resolution, a missing position means the trade was closed away
// from the agent.
func (e *Engine) reconcileOpenLocked(ts *tradeState, positions map[string]bool) {
	if !positions[ts.t.Pair] {
		e.resolveExternalCloseLocked(ts)
		return
	}

	// Check whether either leg already filled during the gap.
	if done := e.resolveFilledLegLocked(ts); done {
		return
	}

	resident := e.residentOrdersLocked(ts.t.Pair)
	filters, err := e.venue.ExchangeInfo(e.ctx, ts.t.Pair)
	if err != nil {
		e.log.WithError(err).Errorf("reconciliation: exchange info %s", ts.t.Pair)
		return
	}

	if id := parseOrderID(ts.t.TPOrderID); id != 0 && resident[id] {
		e.registerOrder(id, "", ts.t.ID, kindTP)
	} else {
		e.log.Warnf("reconciliation: trade %s tp leg missing, re-arming", ts.t.ShortID())
		if err := e.placeTPLocked(ts, filters); err != nil {
			e.failLocked(ts, fmt.Sprintf("re-arm tp: %v", err))
			return
		}
	}

	if id := parseOrderID(ts.t.SLOrderID); id != 0 && resident[id] {
		e.registerOrder(id, "", ts.t.ID, kindSL)
	} else {
		e.log.Warnf("reconciliation: trade %s sl leg missing, re-arming", ts.t.ShortID())
		if err := e.placeSLLocked(ts, filters); err != nil {
			if binance.IsTriggerCrossed(err) {
				e.immediateStopLocked(ts)
				return
			}
			e.cancelExitOrderLocked(ts, ts.t.TPOrderID, "tp")
			e.failLocked(ts, fmt.Sprintf("re-arm sl: %v", err))
			return
		}
	}
}

// reconcileExitsLocked arms or re-registers the exits of a freshly promoted
// trade. In the opening state nothing was placed, so this is a plain arm.
func (e *Engine) reconcileExitsLocked(ts *tradeState) {
	if ts.t.TPOrderID == "" && ts.t.SLOrderID == "" {
		e.armExitsLocked(ts)
		return
	}
	e.reconcileOpenLocked(ts, map[string]bool{ts.t.Pair: true})
}

// resolveFilledLegLocked queries the recorded TP and SL orders and, if one
// already filled per venue history, runs exit resolution with that fill.
func (e *Engine) resolveFilledLegLocked(ts *tradeState) bool {
	type leg struct {
		idStr    string
		exitType db.ExitType
	}
	for _, l := range []leg{{ts.t.TPOrderID, db.ExitTP}, {ts.t.SLOrderID, db.ExitSL}} {
		id := parseOrderID(l.idStr)
		if id == 0 {
			continue
		}
		info, err := e.venue.QueryOrder(e.ctx, ts.t.Pair, id)
		if err != nil || info.Status != binance.StatusFilled {
			continue
		}
		e.log.Infof("reconciliation: trade %s %s filled during gap at %v",
			ts.t.ShortID(), l.exitType, info.AvgPrice)
		ts.t.Status = db.StatusClosing
		ts.t.ExitType = l.exitType
		ts.t.ExitPrice = info.AvgPrice
		ts.t.ExitFillAt = time.Now().UTC()
		ts.exitOrderID = id
		ts.t.FeesUSDT += info.AvgPrice * ts.t.EntryQty * e.cfg.Strategy.FeeRate
		e.saveLocked(ts)
		if l.exitType == db.ExitTP {
			e.emit(events.TypeTPFill, ts.t.ID, map[string]any{"orderId": id, "price": info.AvgPrice, "reconcile": true})
			e.cancelExitOrderLocked(ts, ts.t.SLOrderID, "sl")
		} else {
			e.emit(events.TypeSLFill, ts.t.ID, map[string]any{"orderId": id, "price": info.AvgPrice, "reconcile": true})
			e.cancelExitOrderLocked(ts, ts.t.TPOrderID, "tp")
		}
		e.closeTradeLocked(ts)
		return true
	}
	return false
}

// resolveExternalCloseLocked handles a position that vanished at the venue
// while the store said open: infer a manual exit elsewhere and reconstruct
// the exit price from the most recently executed order.
func (e *Engine) resolveExternalCloseLocked(ts *tradeState) {
	e.log.Warnf("reconciliation: trade %s open in store but no position at venue", ts.t.ShortID())

	if done := e.resolveFilledLegLocked(ts); done {
		return
	}

	// Neither leg filled: the position was closed by hand. Clean up any
	// leftover resident orders and close as manual.
	e.cancelExitOrderLocked(ts, ts.t.TPOrderID, "tp")
	e.cancelExitOrderLocked(ts, ts.t.SLOrderID, "sl")

	exitPrice := 0.0
	if ts.t.EntryOrderID != 0 {
		if info, err := e.venue.QueryOrder(e.ctx, ts.t.Pair, ts.t.EntryOrderID); err == nil && info.AvgPrice > 0 {
			exitPrice = info.AvgPrice
		}
	}
	ts.t.Status = db.StatusClosing
	ts.t.ExitType = db.ExitManual
	ts.t.ExitPrice = exitPrice
	ts.t.ExitFillAt = time.Now().UTC()
	if exitPrice > 0 {
		ts.t.FeesUSDT += exitPrice * ts.t.EntryQty * e.cfg.Strategy.FeeRate
	}
	e.saveLocked(ts)
	e.emit(events.TypeError, ts.t.ID, map[string]any{
		"msg": "reconciliation: position closed externally",
	})
	e.closeTradeLocked(ts)
}

// reconcileClosingLocked re-drives a close that was interrupted: if the
// position is gone the trade just finishes, otherwise the close executes
// again with the already-recorded exit type.
func (e *Engine) reconcileClosingLocked(ts *tradeState, positions map[string]bool) {
	if ts.t.ExitType == "" {
		ts.t.ExitType = db.ExitManual
	}
	if !positions[ts.t.Pair] {
		if ts.t.ExitFillAt.IsZero() {
			ts.t.ExitFillAt = time.Now().UTC()
		}
		e.log.Infof("reconciliation: trade %s closing and position already flat", ts.t.ShortID())
		e.closeTradeLocked(ts)
		return
	}
	e.log.Warnf("reconciliation: trade %s closing with live position, re-driving close", ts.t.ShortID())
	e.executeCloseLocked(ts)
}

// residentOrdersLocked returns the IDs of every resident regular and algo
// order for the pair.
func (e *Engine) residentOrdersLocked(pair string) map[int64]bool {
	out := make(map[int64]bool)
	if orders, err := e.venue.OpenOrders(e.ctx, pair); err == nil {
		for _, o := range orders {
			out[o.OrderID] = true
		}
	} else {
		e.log.WithError(err).Warnf("reconciliation: open orders %s", pair)
	}
	if orders, err := e.venue.OpenAlgoOrders(e.ctx, pair); err == nil {
		for _, o := range orders {
			out[o.OrderID] = true
		}
	} else {
		e.log.WithError(err).Debugf("reconciliation: open algo orders %s", pair)
	}
	return out
}

func parseOrderID(s string) int64 {
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}

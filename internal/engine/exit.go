package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ElJoseRuiz/gestiona-trades/internal/events"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/exchanges/binance"
)

const closeFillPollInterval = 2 * time.Second

// ----------------------------------------
// Exit arming
// ----------------------------------------

// armExitsLocked places the venue-resident TP and SL after an entry fill. TP
// goes first: any observable state with a single resident exit leg therefore
// implies TP, never SL-without-TP. SL failure cancels the TP and surfaces an
// error. Caller holds ts.mu.
func (e *Engine) armExitsLocked(ts *tradeState) {
	filters, err := e.venue.ExchangeInfo(e.ctx, ts.t.Pair)
	if err != nil {
		e.failLocked(ts, fmt.Sprintf("exchange info for exits: %v", err))
		return
	}

	if err := e.placeTPLocked(ts, filters); err != nil {
		e.failLocked(ts, fmt.Sprintf("tp placement: %v", err))
		return
	}

	if err := e.placeSLLocked(ts, filters); err != nil {
		if binance.IsTriggerCrossed(err) {
			// Mark price already beyond the stop: flatten immediately.
			e.log.Warnf("trade %s %s: sl trigger already crossed, closing market",
				ts.t.ShortID(), ts.t.Pair)
			e.immediateStopLocked(ts)
			return
		}
		e.cancelExitOrderLocked(ts, ts.t.TPOrderID, "tp")
		e.failLocked(ts, fmt.Sprintf("sl placement: %v", err))
		return
	}
}

func (e *Engine) placeTPLocked(ts *tradeState, filters binance.SymbolFilters) error {
	trigger := binance.RoundToTick(ts.t.EntryPrice*(1-ts.t.TPPct/100), filters.PriceTick)
	res, err := e.venue.PlaceAlgoOrder(e.ctx, binance.AlgoOrderRequest{
		Symbol:       ts.t.Pair,
		Side:         binance.SideBuy,
		Type:         binance.TypeTakeProfit,
		Qty:          ts.t.EntryQty,
		TriggerPrice: trigger,
		PriceMatch:   e.cfg.Exit.TPPriceMatch,
		ReduceOnly:   true,
	})
	if err != nil {
		return err
	}
	ts.t.TPOrderID = strconv.FormatInt(res.OrderID, 10)
	ts.t.TPTrigger = trigger
	e.registerOrder(res.OrderID, "", ts.t.ID, kindTP)
	e.saveLocked(ts)
	e.emit(events.TypeTPPlaced, ts.t.ID, map[string]any{
		"orderId":   res.OrderID,
		"stopPrice": trigger,
	})
	e.log.Infof("trade %s tp placed: algoId=%d trigger=%v", ts.t.ShortID(), res.OrderID, trigger)
	return nil
}

func (e *Engine) placeSLLocked(ts *tradeState, filters binance.SymbolFilters) error {
	trigger := binance.RoundToTick(ts.t.EntryPrice*(1+ts.t.SLPct/100), filters.PriceTick)
	res, err := e.venue.PlaceAlgoOrder(e.ctx, binance.AlgoOrderRequest{
		Symbol:       ts.t.Pair,
		Side:         binance.SideBuy,
		Type:         binance.TypeStopMarket,
		Qty:          ts.t.EntryQty,
		TriggerPrice: trigger,
		ReduceOnly:   true,
	})
	if err != nil {
		return err
	}
	ts.t.SLOrderID = strconv.FormatInt(res.OrderID, 10)
	ts.t.SLTrigger = trigger
	e.registerOrder(res.OrderID, "", ts.t.ID, kindSL)
	e.saveLocked(ts)
	e.emit(events.TypeSLPlaced, ts.t.ID, map[string]any{
		"orderId":   res.OrderID,
		"stopPrice": trigger,
	})
	e.log.Infof("trade %s sl placed: algoId=%d trigger=%v", ts.t.ShortID(), res.OrderID, trigger)
	return nil
}

// immediateStopLocked flattens the position when the SL could not even be
// placed because its trigger was already breached.
func (e *Engine) immediateStopLocked(ts *tradeState) {
	res, err := e.venue.ClosePosition(e.ctx, ts.t.Pair, binance.SideBuy, ts.t.EntryQty)
	if err != nil {
		e.failLocked(ts, fmt.Sprintf("market close after crossed sl trigger: %v", err))
		return
	}
	price := res.AvgPrice
	if price == 0 {
		if info, qerr := e.venue.QueryOrder(e.ctx, ts.t.Pair, res.OrderID); qerr == nil {
			price = info.AvgPrice
		}
	}
	ts.t.Status = db.StatusClosing
	ts.t.ExitType = db.ExitSL
	ts.t.ExitPrice = price
	ts.t.ExitFillAt = time.Now().UTC()
	ts.exitOrderID = res.OrderID
	ts.t.FeesUSDT += price * ts.t.EntryQty * e.cfg.Strategy.FeeRate
	e.saveLocked(ts)
	e.emit(events.TypeSLFill, ts.t.ID, map[string]any{"orderId": res.OrderID, "price": price, "immediate": true})
	e.cancelExitOrderLocked(ts, ts.t.TPOrderID, "tp")
	e.closeTradeLocked(ts)
}

// ----------------------------------------
// Exit resolution
// ----------------------------------------

// onExitFill resolves a TP or SL fill. Resolution is at-most-once per trade:
// the first entrant sets exit_type atomically with the closing transition;
// replays of the winning fill are silent, any other late event is appended to
// the audit log without touching state.
func (e *Engine) onExitFill(ts *tradeState, upd binance.OrderUpdate, exitType db.ExitType) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.t.ExitType != "" || ts.t.Status != db.StatusOpen {
		if upd.OrderID == ts.exitOrderID {
			return // replayed event, already observed
		}
		e.emit(events.TypeIgnoredFill, ts.t.ID, map[string]any{
			"orderId": upd.OrderID,
			"type":    string(exitType),
			"status":  string(ts.t.Status),
		})
		return
	}

	price := upd.FillPrice()
	ts.t.Status = db.StatusClosing
	ts.t.ExitType = exitType
	ts.t.ExitPrice = price
	ts.t.ExitFillAt = time.Now().UTC()
	ts.exitOrderID = upd.OrderID
	ts.t.FeesUSDT += e.feeFor(upd, price*ts.t.EntryQty)
	e.saveLocked(ts)

	switch exitType {
	case db.ExitTP:
		e.emit(events.TypeTPFill, ts.t.ID, map[string]any{"orderId": upd.OrderID, "price": price})
		e.log.Infof("trade %s tp filled at %v", ts.t.ShortID(), price)
		e.cancelExitOrderLocked(ts, ts.t.SLOrderID, "sl")
	case db.ExitSL:
		e.emit(events.TypeSLFill, ts.t.ID, map[string]any{"orderId": upd.OrderID, "price": price})
		e.log.Warnf("trade %s sl filled at %v", ts.t.ShortID(), price)
		e.cancelExitOrderLocked(ts, ts.t.TPOrderID, "tp")
	}

	e.closeTradeLocked(ts)
}

// cancelExitOrderLocked cancels the counterpart TP or SL. Unknown orders are
// not errors: the venue may already have removed the paired reduce-only leg.
func (e *Engine) cancelExitOrderLocked(ts *tradeState, orderIDStr, leg string) {
	if orderIDStr == "" {
		return
	}
	orderID, err := strconv.ParseInt(orderIDStr, 10, 64)
	if err != nil {
		return
	}
	if err := e.venue.CancelOrder(e.ctx, ts.t.Pair, orderID); err != nil {
		e.log.WithError(err).Warnf("trade %s cancel %s order %d", ts.t.ShortID(), leg, orderID)
		return
	}
	e.emit(events.TypeCancel, ts.t.ID, map[string]any{"orderId": orderID, "leg": leg})
	e.mu.Lock()
	delete(e.byOrder, orderID)
	e.mu.Unlock()
}

// closeTradeLocked computes realized PnL and finalizes the trade. For a
// short: gross = (entry - exit) * qty; fees were accumulated per fill side.
func (e *Engine) closeTradeLocked(ts *tradeState) {
	t := &ts.t
	if t.EntryPrice > 0 && t.ExitPrice > 0 && t.EntryQty > 0 {
		gross := (t.EntryPrice - t.ExitPrice) * t.EntryQty
		t.FeesUSDT = round8(t.FeesUSDT)
		t.PnLUSDT = round8(gross - t.FeesUSDT)
		if t.Capital > 0 {
			t.PnLPct = round8(t.PnLUSDT / t.Capital * 100)
		}
	}
	t.Status = db.StatusClosed
	e.saveLocked(ts)

	if e.met != nil {
		e.met.TradesClosed.WithLabelValues(string(t.ExitType)).Inc()
		e.met.RealizedPnL.Add(t.PnLUSDT)
	}
	sign := ""
	if t.PnLUSDT >= 0 {
		sign = "+"
	}
	e.log.Infof("trade %s closed [%s] %s pnl=%s%.4f USDT (%s%.2f%%)",
		t.ShortID(), t.ExitType, t.Pair, sign, t.PnLUSDT, sign, t.PnLPct)

	e.remove(t.ID)
}

// ----------------------------------------
// Timeout scanner
// ----------------------------------------

func (e *Engine) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(timeoutScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scanTimeouts()
		}
	}
}

func (e *Engine) scanTimeouts() {
	e.mu.Lock()
	candidates := make([]*tradeState, 0)
	for id, st := range e.statuses {
		if st == db.StatusOpen {
			candidates = append(candidates, e.trades[id])
		}
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	for _, ts := range candidates {
		ts.mu.Lock()
		expired := ts.t.Status == db.StatusOpen &&
			!ts.t.EntryFillAt.IsZero() &&
			now.Sub(ts.t.EntryFillAt) >= time.Duration(ts.t.TimeoutHours*float64(time.Hour))
		ts.mu.Unlock()
		if !expired {
			continue
		}
		e.wg.Add(1)
		go func(ts *tradeState) {
			defer e.wg.Done()
			e.closeByTimeout(ts)
		}(ts)
	}
}

func (e *Engine) closeByTimeout(ts *tradeState) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.t.Status != db.StatusOpen || ts.t.ExitType != "" {
		return
	}
	held := time.Since(ts.t.EntryFillAt)
	e.emit(events.TypeTimeout, ts.t.ID, map[string]any{
		"open_since": ts.t.EntryFillAt,
		"hours":      held.Hours(),
	})
	e.log.Infof("trade %s timeout after %.1fh held", ts.t.ShortID(), held.Hours())

	ts.t.Status = db.StatusClosing
	ts.t.ExitType = db.ExitTimeout
	e.saveLocked(ts)
	e.executeCloseLocked(ts)
}

// ----------------------------------------
// Manual close
// ----------------------------------------

// CloseManual drives the manual-close path for an open trade and returns its
// snapshot in closing state. ErrNotOpen maps to a conflict for the API.
func (e *Engine) CloseManual(tradeID string) (db.Trade, error) {
	e.mu.Lock()
	ts := e.trades[tradeID]
	e.mu.Unlock()
	if ts == nil {
		return db.Trade{}, ErrUnknownTrade
	}

	ts.mu.Lock()
	if ts.t.Status != db.StatusOpen {
		snap := ts.t
		ts.mu.Unlock()
		return snap, ErrNotOpen
	}
	ts.t.Status = db.StatusClosing
	ts.t.ExitType = db.ExitManual
	e.saveLocked(ts)
	e.emit(events.TypeManualClose, ts.t.ID, nil)
	e.log.Infof("trade %s manual close requested", ts.t.ShortID())
	snap := ts.t
	ts.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if ts.t.Status == db.StatusClosing && ts.t.ExitPrice == 0 {
			e.executeCloseLocked(ts)
		}
	}()
	return snap, nil
}

// ----------------------------------------
// Close execution (timeout / manual)
// ----------------------------------------

// executeCloseLocked cancels both resident exits and buys the position back
// per the configured timeout order type, with optional market fallback.
// Caller holds ts.mu and has already set status/exit_type.
func (e *Engine) executeCloseLocked(ts *tradeState) {
	e.cancelExitOrderLocked(ts, ts.t.TPOrderID, "tp")
	e.cancelExitOrderLocked(ts, ts.t.SLOrderID, "sl")

	qty := ts.t.EntryQty
	if qty <= 0 {
		e.failLocked(ts, "close requested without entry quantity")
		return
	}
	pair := ts.t.Pair
	orderType := strings.ToUpper(e.cfg.Exit.TimeoutOrderType)

	if orderType != "MARKET" {
		req := binance.OrderRequest{
			Symbol:      pair,
			Side:        binance.SideBuy,
			Type:        binance.TypeLimit,
			Qty:         qty,
			TimeInForce: binance.TIFGTC,
			ReduceOnly:  true,
		}
		if orderType == "BBO" {
			req.PriceMatch = binance.PriceMatchOpponent
		} else {
			ask, err := e.venue.BestAsk(e.ctx, pair)
			if err != nil || ask <= 0 {
				e.log.WithError(err).Warnf("trade %s best ask unavailable for close", ts.t.ShortID())
				ask = ts.t.EntryPrice
			}
			filters, ferr := e.venue.ExchangeInfo(e.ctx, pair)
			if ferr == nil {
				ask = binance.RoundToTick(ask, filters.PriceTick)
			}
			req.Price = ask
		}

		res, err := e.venue.PlaceOrder(e.ctx, req)
		if err != nil {
			e.log.WithError(err).Errorf("trade %s %s close", ts.t.ShortID(), orderType)
		} else {
			e.log.Infof("trade %s close order sent: orderId=%d type=%s", ts.t.ShortID(), res.OrderID, orderType)
			chase := time.Duration(e.cfg.Exit.TimeoutChaseSeconds * float64(time.Second))
			if price, ok := e.pollCloseFill(pair, res.OrderID, chase); ok {
				e.finishCloseLocked(ts, res.OrderID, price)
				return
			}
			if err := e.venue.CancelOrder(e.ctx, pair, res.OrderID); err != nil {
				e.log.WithError(err).Warnf("cancel close order %d", res.OrderID)
			}
			// The close may have filled while the cancel was in flight.
			if info, qerr := e.venue.QueryOrder(e.ctx, pair, res.OrderID); qerr == nil && info.Status == binance.StatusFilled {
				e.finishCloseLocked(ts, res.OrderID, info.AvgPrice)
				return
			}
		}
		if !e.cfg.TimeoutMarketFallbackEnabled() {
			e.failLocked(ts, fmt.Sprintf("%s close did not fill and market fallback is disabled", orderType))
			return
		}
	}

	res, err := e.venue.ClosePosition(e.ctx, pair, binance.SideBuy, qty)
	if err != nil {
		e.failLocked(ts, fmt.Sprintf("market close: %v", err))
		return
	}
	price := res.AvgPrice
	if price == 0 {
		if info, qerr := e.venue.QueryOrder(e.ctx, pair, res.OrderID); qerr == nil {
			price = info.AvgPrice
		}
	}
	e.finishCloseLocked(ts, res.OrderID, price)
}

// pollCloseFill watches a close order over REST until it fills or the chase
// window expires.
func (e *Engine) pollCloseFill(pair string, orderID int64, window time.Duration) (float64, bool) {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		sleepCtx(e.ctx, closeFillPollInterval)
		if e.ctx.Err() != nil {
			return 0, false
		}
		info, err := e.venue.QueryOrder(e.ctx, pair, orderID)
		if err != nil {
			e.log.WithError(err).Debugf("poll close order %d", orderID)
			continue
		}
		if info.Status == binance.StatusFilled {
			return info.AvgPrice, true
		}
	}
	return 0, false
}

func (e *Engine) finishCloseLocked(ts *tradeState, orderID int64, price float64) {
	ts.t.ExitPrice = price
	ts.t.ExitFillAt = time.Now().UTC()
	ts.exitOrderID = orderID
	ts.t.FeesUSDT += price * ts.t.EntryQty * e.cfg.Strategy.FeeRate
	e.closeTradeLocked(ts)
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

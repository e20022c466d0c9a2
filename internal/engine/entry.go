package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ElJoseRuiz/gestiona-trades/internal/events"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/exchanges/binance"
)

// cancelGrace is how long after a cancel the chase still listens for a fill
// that raced the cancellation.
const cancelGrace = 500 * time.Millisecond

const marketFillWait = 10 * time.Second

// openTrade runs the entry chase for one accepted signal until the trade is
// open or not executed. The actual promotion to open happens in onEntryFill
// when the venue confirms the fill.
func (e *Engine) openTrade(ts *tradeState) {
	ctx := e.ctx
	ts.mu.Lock()
	ts.t.Status = db.StatusOpening
	e.saveLocked(ts)
	pair := ts.t.Pair
	capital := ts.t.Capital
	leverage := ts.t.Leverage
	ts.mu.Unlock()

	if err := e.venue.SetLeverage(ctx, pair, leverage); err != nil {
		e.notExecuted(ts, fmt.Sprintf("set leverage: %v", err))
		return
	}
	if err := e.venue.SetMarginType(ctx, pair, e.cfg.Strategy.MarginType); err != nil {
		e.notExecuted(ts, fmt.Sprintf("set margin type: %v", err))
		return
	}
	filters, err := e.venue.ExchangeInfo(ctx, pair)
	if err != nil {
		e.notExecuted(ts, fmt.Sprintf("exchange info: %v", err))
		return
	}

	chaseTimeout := time.Duration(e.cfg.Entry.ChaseTimeoutSeconds * float64(time.Second))
	chaseInterval := time.Duration(e.cfg.Entry.ChaseIntervalSeconds * float64(time.Second))
	useBBO := strings.EqualFold(e.cfg.Entry.OrderType, "BBO")

	for attempt := 1; attempt <= e.cfg.Entry.MaxChaseAttempts; attempt++ {
		if ctx.Err() != nil {
			// Shutdown: leave the chase; any resting order stays at the venue
			// and startup reconciliation resolves the trade.
			e.log.Infof("trade %s entry chase interrupted by shutdown", ts.t.ShortID())
			return
		}

		bid, err := e.venue.BestBid(ctx, pair)
		if err != nil || bid <= 0 {
			e.log.WithError(err).Warnf("trade %s best bid unavailable (attempt %d)", ts.t.ShortID(), attempt)
			sleepCtx(ctx, chaseInterval)
			continue
		}

		qty := binance.FloorToStep(capital*float64(leverage)/bid, filters.QtyStep)
		if qty < filters.MinQty || qty*bid < filters.MinNotional {
			e.notExecuted(ts, fmt.Sprintf(
				"notional %.4f below minimum %.4f (qty=%v bid=%v)", qty*bid, filters.MinNotional, qty, bid))
			return
		}

		req := binance.OrderRequest{
			Symbol:        pair,
			Side:          binance.SideSell,
			Type:          binance.TypeLimit,
			Qty:           qty,
			ClientOrderID: newClientID(),
		}
		if useBBO {
			// First attempt rests deeper in the book; chases join the best bid.
			if attempt == 1 {
				req.PriceMatch = binance.PriceMatchOpponent5
			} else {
				req.PriceMatch = binance.PriceMatchOpponent
			}
			req.TimeInForce = binance.TIFGTC
		} else {
			req.Price = binance.RoundToTick(bid, filters.PriceTick)
			req.TimeInForce = binance.TIFGTX
		}

		fillCh := e.registerEntryWaiter(ts.t.ID, req.ClientOrderID)
		res, err := e.venue.PlaceOrder(ctx, req)
		if err != nil {
			e.unregisterOrder(0, req.ClientOrderID)
			var apiErr *binance.APIError
			if errors.As(err, &apiErr) {
				// Venue validation rejections are not retried.
				e.notExecuted(ts, fmt.Sprintf("entry rejected: %v", apiErr))
				return
			}
			e.log.WithError(err).Errorf("trade %s entry attempt %d", ts.t.ShortID(), attempt)
			e.emit(events.TypeError, ts.t.ID, map[string]any{"attempt": attempt, "error": err.Error()})
			sleepCtx(ctx, chaseInterval)
			continue
		}

		ts.mu.Lock()
		ts.t.EntryOrderID = res.OrderID
		ts.t.EntryClientID = req.ClientOrderID
		ts.t.EntryQty = qty
		e.saveLocked(ts)
		ts.mu.Unlock()
		e.registerOrder(res.OrderID, req.ClientOrderID, ts.t.ID, kindEntry)
		e.emit(events.TypeEntrySent, ts.t.ID, map[string]any{
			"orderId":    res.OrderID,
			"priceMatch": req.PriceMatch,
			"price":      req.Price,
			"qty":        qty,
			"attempt":    attempt,
		})
		e.log.Infof("trade %s opening attempt %d: orderId=%d priceMatch=%s qty=%v",
			ts.t.ShortID(), attempt, res.OrderID, req.PriceMatch, qty)

		if res.Status == binance.StatusExpired {
			// Post-only order crossed the book and was rejected.
			e.unregisterOrder(res.OrderID, req.ClientOrderID)
			sleepCtx(ctx, chaseInterval)
			continue
		}

		if e.waitFill(ctx, fillCh, chaseTimeout) {
			return // onEntryFill promoted the trade
		}

		e.log.Infof("trade %s: no fill within %s (attempt %d)", ts.t.ShortID(), chaseTimeout, attempt)
		if err := e.venue.CancelOrder(ctx, pair, res.OrderID); err != nil {
			e.log.WithError(err).Warnf("cancel entry order %d", res.OrderID)
		}
		// A fill can race the cancel; give the stream a moment to deliver it.
		if e.waitFill(ctx, fillCh, cancelGrace) {
			return
		}
		e.unregisterOrder(res.OrderID, req.ClientOrderID)

		if attempt < e.cfg.Entry.MaxChaseAttempts {
			sleepCtx(ctx, chaseInterval)
		}
	}

	if e.cfg.Entry.MarketFallback && ctx.Err() == nil {
		if e.marketEntry(ts, filters) {
			return
		}
	}
	e.notExecuted(ts, "no fill after all entry attempts")
}

// marketEntry places the fallback MARKET sell and waits briefly for its fill.
func (e *Engine) marketEntry(ts *tradeState, filters binance.SymbolFilters) bool {
	ctx := e.ctx
	ts.mu.Lock()
	pair := ts.t.Pair
	capital := ts.t.Capital
	leverage := ts.t.Leverage
	ts.mu.Unlock()

	bid, err := e.venue.BestBid(ctx, pair)
	if err != nil || bid <= 0 {
		return false
	}
	qty := binance.FloorToStep(capital*float64(leverage)/bid, filters.QtyStep)
	if qty < filters.MinQty || qty*bid < filters.MinNotional {
		return false
	}

	clientID := newClientID()
	fillCh := e.registerEntryWaiter(ts.t.ID, clientID)
	res, err := e.venue.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:        pair,
		Side:          binance.SideSell,
		Type:          binance.TypeMarket,
		Qty:           qty,
		ClientOrderID: clientID,
	})
	if err != nil {
		e.unregisterOrder(0, clientID)
		e.log.WithError(err).Errorf("trade %s market fallback", ts.t.ShortID())
		return false
	}

	ts.mu.Lock()
	ts.t.EntryOrderID = res.OrderID
	ts.t.EntryClientID = clientID
	ts.t.EntryQty = qty
	e.saveLocked(ts)
	ts.mu.Unlock()
	e.registerOrder(res.OrderID, clientID, ts.t.ID, kindEntry)
	e.emit(events.TypeEntrySent, ts.t.ID, map[string]any{
		"orderId": res.OrderID, "type": binance.TypeMarket, "qty": qty,
	})
	e.log.Infof("trade %s opening market fallback: orderId=%d qty=%v", ts.t.ShortID(), res.OrderID, qty)

	if e.waitFill(ctx, fillCh, marketFillWait) {
		return true
	}
	e.log.Errorf("trade %s market fallback without fill confirmation", ts.t.ShortID())
	e.unregisterOrder(res.OrderID, clientID)
	return false
}

// onEntryFill promotes an opening trade to open and arms the exits. Replays
// and fills for trades already past opening change nothing.
func (e *Engine) onEntryFill(ts *tradeState, upd binance.OrderUpdate) {
	ts.mu.Lock()
	if ts.t.Status != db.StatusOpening {
		ts.mu.Unlock()
		e.signalFill(upd.ClientOrderID, upd)
		return
	}

	price := upd.FillPrice()
	ts.t.EntryPrice = price
	if upd.CumQty > 0 {
		ts.t.EntryQty = upd.CumQty
	}
	ts.t.EntryFillAt = time.Now().UTC()
	ts.t.FeesUSDT = e.feeFor(upd, price*ts.t.EntryQty)
	ts.t.Status = db.StatusOpen
	e.saveLocked(ts)
	e.emit(events.TypeEntryFill, ts.t.ID, map[string]any{
		"orderId": upd.OrderID,
		"price":   price,
		"qty":     ts.t.EntryQty,
	})
	e.log.Infof("trade %s open: entry filled at %v qty=%v", ts.t.ShortID(), price, ts.t.EntryQty)
	if e.met != nil {
		e.met.TradesOpened.Inc()
	}

	e.armExitsLocked(ts)
	ts.mu.Unlock()

	e.signalFill(upd.ClientOrderID, upd)
}

// notExecuted terminates a trade that never got a position.
func (e *Engine) notExecuted(ts *tradeState, reason string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.t.Status != db.StatusSignalReceived && ts.t.Status != db.StatusOpening {
		return // the fill won the race
	}
	ts.t.Status = db.StatusNotExecuted
	ts.t.ErrorMessage = reason
	e.saveLocked(ts)
	e.emit(events.TypeError, ts.t.ID, map[string]any{"msg": "not executed: " + reason})
	e.log.Warnf("trade %s not_executed: %s", ts.t.ShortID(), reason)
	e.remove(ts.t.ID)
}

func (e *Engine) registerEntryWaiter(tradeID, clientID string) chan binance.OrderUpdate {
	ch := make(chan binance.OrderUpdate, 1)
	e.mu.Lock()
	e.byClient[clientID] = orderRef{tradeID: tradeID, kind: kindEntry}
	e.fills[clientID] = ch
	e.mu.Unlock()
	return ch
}

// waitFill blocks until the entry fill signal, the timeout, or shutdown.
func (e *Engine) waitFill(ctx context.Context, ch <-chan binance.OrderUpdate, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func newClientID() string {
	return "gt-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

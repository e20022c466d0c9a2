// Package engine drives each accepted signal through its trade lifecycle:
// entry price-chasing, venue-resident TP/SL arming, fill reconciliation,
// timeout enforcement and crash-safe startup recovery.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/exchanges/binance"
)

// ErrNotOpen is returned by CloseManual when the trade is not in open state.
var ErrNotOpen = errors.New("trade is not open")

// ErrUnknownTrade is returned when the trade is not in the live registry.
var ErrUnknownTrade = errors.New("unknown trade")

// Venue is the REST surface the engine drives. *binance.Client satisfies it;
// tests substitute a fake.
type Venue interface {
	ExchangeInfo(ctx context.Context, symbol string) (binance.SymbolFilters, error)
	BestBid(ctx context.Context, symbol string) (float64, error)
	BestAsk(ctx context.Context, symbol string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
	PlaceOrder(ctx context.Context, req binance.OrderRequest) (binance.OrderResult, error)
	PlaceAlgoOrder(ctx context.Context, req binance.AlgoOrderRequest) (binance.OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	QueryOrder(ctx context.Context, symbol string, orderID int64) (binance.OrderInfo, error)
	OpenOrders(ctx context.Context, symbol string) ([]binance.OpenOrder, error)
	OpenAlgoOrders(ctx context.Context, symbol string) ([]binance.OpenOrder, error)
	Positions(ctx context.Context) ([]binance.Position, error)
	ClosePosition(ctx context.Context, symbol, side string, qty float64) (binance.OrderResult, error)
}

// Store is the persistence surface the engine writes through.
type Store interface {
	CreateTrade(ctx context.Context, t db.Trade) error
	UpdateTrade(ctx context.Context, t db.Trade) error
	ActiveTrades(ctx context.Context) ([]db.Trade, error)
}

// Emitter receives lifecycle events for the audit log and live observers.
type Emitter interface {
	Emit(ev db.Event)
}

type orderKind int

const (
	kindEntry orderKind = iota
	kindTP
	kindSL
)

type orderRef struct {
	tradeID string
	kind    orderKind
}

// tradeState is one live trade plus the lock serializing its transitions.
// Within a single trade no two state transitions execute concurrently; the
// lock is held across the venue calls a transition requires.
type tradeState struct {
	mu sync.Mutex
	t  db.Trade

	// exitOrderID is the order whose fill won exit resolution; replays of
	// that same fill are ignored silently, other late events are audited.
	exitOrderID int64
}

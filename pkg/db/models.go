package db

import (
	"time"

	"github.com/google/uuid"
)

// TradeStatus is the lifecycle state of a trade. Transitions only move
// forward: signal_received -> opening -> open -> closing -> closed, with
// not_executed reachable from opening and error reachable from any
// non-terminal state.
type TradeStatus string

const (
	StatusSignalReceived TradeStatus = "signal_received"
	StatusOpening        TradeStatus = "opening"
	StatusNotExecuted    TradeStatus = "not_executed"
	StatusOpen           TradeStatus = "open"
	StatusClosing        TradeStatus = "closing"
	StatusClosed         TradeStatus = "closed"
	StatusError          TradeStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusNotExecuted, StatusError:
		return true
	}
	return false
}

// ExitType identifies which of the disjoint exit paths closed a trade.
type ExitType string

const (
	ExitTP      ExitType = "tp"
	ExitSL      ExitType = "sl"
	ExitTimeout ExitType = "timeout"
	ExitManual  ExitType = "manual"
)

// Signal is one row of the selector CSV. Immutable once parsed; unknown
// columns are preserved in Extra and carried into the trade's signal_data.
type Signal struct {
	FechaHora   string    // raw timestamp, "2006/01/02 15:04:05"
	Time        time.Time // parsed FechaHora
	Pair        string
	Rank        int
	Close       float64
	Mom1hPct    float64
	MomPct      float64
	VolRatio    float64
	TradesRatio float64
	Quintile    int
	Extra       map[string]string
}

// Data flattens the signal into the structured blob persisted with its trade.
func (s Signal) Data() map[string]any {
	d := map[string]any{
		"fecha_hora":   s.FechaHora,
		"pair":         s.Pair,
		"top":          s.Rank,
		"close":        s.Close,
		"mom_1h_pct":   s.Mom1hPct,
		"mom_pct":      s.MomPct,
		"vol_ratio":    s.VolRatio,
		"trades_ratio": s.TradesRatio,
		"quintil":      s.Quintile,
	}
	for k, v := range s.Extra {
		d[k] = v
	}
	return d
}

// Trade is the full lifecycle record of one accepted signal.
type Trade struct {
	ID         string         `json:"trade_id"`
	Pair       string         `json:"pair"`
	SignalTS   string         `json:"signal_ts"`
	SignalData map[string]any `json:"signal_data"`

	Capital      float64 `json:"capital_per_trade"`
	Leverage     int     `json:"leverage"`
	TPPct        float64 `json:"tp_pct"`
	SLPct        float64 `json:"sl_pct"`
	TimeoutHours float64 `json:"timeout_hours"`

	EntryOrderID  int64     `json:"entry_order_id,omitempty"`
	EntryClientID string    `json:"entry_client_id,omitempty"`
	EntryPrice    float64   `json:"entry_price,omitempty"`
	EntryQty      float64   `json:"entry_quantity,omitempty"`
	EntryFillAt   time.Time `json:"entry_fill_ts,omitempty"`

	TPOrderID string  `json:"tp_order_id,omitempty"`
	SLOrderID string  `json:"sl_order_id,omitempty"`
	TPTrigger float64 `json:"tp_trigger_price,omitempty"`
	SLTrigger float64 `json:"sl_trigger_price,omitempty"`

	ExitPrice  float64   `json:"exit_price,omitempty"`
	ExitFillAt time.Time `json:"exit_fill_ts,omitempty"`
	ExitType   ExitType  `json:"exit_type,omitempty"`
	PnLUSDT    float64   `json:"pnl_usdt"`
	PnLPct     float64   `json:"pnl_pct"`
	FeesUSDT   float64   `json:"fees_usdt"`

	Status       TradeStatus `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// NewTrade builds a trade in signal_received for an accepted signal.
func NewTrade(sig Signal, capital float64, leverage int, tpPct, slPct, timeoutHours float64) Trade {
	now := time.Now().UTC()
	return Trade{
		ID:           uuid.NewString(),
		Pair:         sig.Pair,
		SignalTS:     sig.FechaHora,
		SignalData:   sig.Data(),
		Capital:      capital,
		Leverage:     leverage,
		TPPct:        tpPct,
		SLPct:        slPct,
		TimeoutHours: timeoutHours,
		Status:       StatusSignalReceived,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Touch bumps the updated_at timestamp.
func (t *Trade) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// ShortID is the abbreviated trade ID used in log lines.
func (t *Trade) ShortID() string {
	if len(t.ID) >= 8 {
		return t.ID[:8]
	}
	return t.ID
}

// Event is one append-only audit record. TradeID is empty for global events.
type Event struct {
	ID        int64          `json:"event_id"`
	TradeID   string         `json:"trade_id,omitempty"`
	Type      string         `json:"event_type"`
	Details   map[string]any `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(tradeID, eventType string, details map[string]any) Event {
	if details == nil {
		details = map[string]any{}
	}
	return Event{
		TradeID:   tradeID,
		Type:      eventType,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

package binance

import "time"

// Order sides and types on the USDT-M futures surface.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeLimit      = "LIMIT"
	TypeMarket     = "MARKET"
	TypeTakeProfit = "TAKE_PROFIT"
	TypeStopMarket = "STOP_MARKET"

	TIFGTC = "GTC"
	TIFGTX = "GTX" // post-only

	WorkingTypeMark = "MARK_PRICE"
)

// priceMatch modes: the venue computes a passive price from the book at
// submission time. OPPONENT is the 1st best bid on a SELL (best ask on a
// BUY), OPPONENT_5 the 5th.
const (
	PriceMatchOpponent  = "OPPONENT"
	PriceMatchOpponent5 = "OPPONENT_5"
	PriceMatchQueue     = "QUEUE"
	PriceMatchQueue5    = "QUEUE_5"
)

// Order statuses as reported by the venue.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusExpired         = "EXPIRED"
	StatusRejected        = "REJECTED"
)

// SymbolFilters are the per-symbol trading constraints from exchangeInfo.
type SymbolFilters struct {
	PriceTick   float64
	QtyStep     float64
	MinQty      float64
	MinNotional float64
}

// OrderRequest describes a regular order. Price is ignored when PriceMatch is
// set (the venue computes the price). ClientOrderID is optional.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string // LIMIT or MARKET
	Qty           float64
	Price         float64
	PriceMatch    string
	TimeInForce   string
	ReduceOnly    bool
	ClientOrderID string
}

// AlgoOrderRequest describes a venue-resident conditional order
// (algoType=CONDITIONAL). It survives client restarts.
type AlgoOrderRequest struct {
	Symbol       string
	Side         string
	Type         string // TAKE_PROFIT or STOP_MARKET
	Qty          float64
	TriggerPrice float64
	PriceMatch   string // TAKE_PROFIT execution price mode
	ReduceOnly   bool
}

// OrderResult is the venue acknowledgement of a placed order.
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	Status        string
	AvgPrice      float64
	TriggerPrice  float64
}

// OrderInfo is the queried state of an order.
type OrderInfo struct {
	OrderID     int64
	Symbol      string
	Status      string
	AvgPrice    float64
	ExecutedQty float64
}

// OpenOrder is one resident order from the openOrders/openAlgoOrders views.
type OpenOrder struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	StopPrice     float64
}

// Position is one non-flat position from positionRisk.
type Position struct {
	Symbol     string
	Amt        float64 // negative for shorts
	EntryPrice float64
}

// OrderUpdate is one ORDER_TRADE_UPDATE message from the user-data stream.
type OrderUpdate struct {
	Symbol          string
	Side            string
	OrderType       string
	Status          string
	ExecType        string
	OrderID         int64
	ClientOrderID   string
	AvgPrice        float64
	LastPrice       float64
	LastQty         float64
	CumQty          float64
	CumQuote        float64
	Commission      float64
	CommissionAsset string
	EventTime       time.Time
}

// FillPrice is the best available execution price for this update: weighted
// average when reported, last price otherwise, cumQuote/cumQty as a fallback.
func (u OrderUpdate) FillPrice() float64 {
	if u.AvgPrice > 0 {
		return u.AvgPrice
	}
	if u.LastPrice > 0 {
		return u.LastPrice
	}
	if u.CumQty > 0 {
		return u.CumQuote / u.CumQty
	}
	return 0
}

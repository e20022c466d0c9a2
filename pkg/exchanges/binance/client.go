// Package binance is the USDT-M futures venue client: signed REST requests
// with retry and rate-limit awareness, plus the user-data stream.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ElJoseRuiz/gestiona-trades/pkg/exchanges/common"
)

const (
	maxRetries     = 4
	backoffBase    = 500 * time.Millisecond
	backoffJitter  = 250 * time.Millisecond
	exinfoCacheTTL = 15 * time.Minute
)

// Config holds venue credentials and endpoints.
type Config struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	RecvWindow int64 // ms
}

// Client talks to the Binance USDT-M futures REST surface.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	log         *logrus.Logger
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter

	exinfoMu    sync.Mutex
	exinfoCache map[string]exinfoEntry
}

type exinfoEntry struct {
	filters SymbolFilters
	fetched time.Time
}

// NewClient creates a futures client. Call StartTimeSync before issuing
// signed requests so timestamps track the server clock.
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://fapi.binance.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		log:         log,
		exinfoCache: make(map[string]exinfoEntry),
	}
	c.timeSync = common.NewTimeSync(c.ServerTime, log)
	c.rateLimiter = common.NewRateLimiter(2400, time.Minute, log) // futures weight budget
	return c
}

// StartTimeSync begins periodic server clock sampling.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// RateUsage returns the current request-weight usage: used weight, budget and
// percentage of the budget.
func (c *Client) RateUsage() (used, limit int, pct float64) {
	return c.rateLimiter.Usage()
}

// ServerTime fetches the venue server time in milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// ExchangeInfo returns the symbol's price tick, lot step and min notional,
// cached with a TTL.
func (c *Client) ExchangeInfo(ctx context.Context, symbol string) (SymbolFilters, error) {
	c.exinfoMu.Lock()
	if e, ok := c.exinfoCache[symbol]; ok && time.Since(e.fetched) < exinfoCacheTTL {
		c.exinfoMu.Unlock()
		return e.filters, nil
	}
	c.exinfoMu.Unlock()

	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return SymbolFilters{}, err
	}
	var res struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return SymbolFilters{}, fmt.Errorf("decode exchangeInfo: %w", err)
	}

	for _, s := range res.Symbols {
		if s.Symbol != symbol {
			continue
		}
		f := SymbolFilters{PriceTick: 0.0001, QtyStep: 0.001, MinQty: 0.001, MinNotional: 5}
		for _, fl := range s.Filters {
			switch fl.FilterType {
			case "PRICE_FILTER":
				f.PriceTick = toFloat(fl.TickSize)
			case "LOT_SIZE":
				f.QtyStep = toFloat(fl.StepSize)
				f.MinQty = toFloat(fl.MinQty)
			case "MIN_NOTIONAL":
				f.MinNotional = toFloat(fl.Notional)
			}
		}
		c.exinfoMu.Lock()
		c.exinfoCache[symbol] = exinfoEntry{filters: f, fetched: time.Now()}
		c.exinfoMu.Unlock()
		return f, nil
	}
	return SymbolFilters{}, &APIError{Code: -1121, Message: fmt.Sprintf("symbol %s not found in exchangeInfo", symbol)}
}

// Balance returns the available balance of one asset.
func (c *Client) Balance(ctx context.Context, asset string) (float64, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, true)
	if err != nil {
		return 0, err
	}
	var res []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, b := range res {
		if b.Asset == asset {
			return toFloat(b.AvailableBalance), nil
		}
	}
	return 0, nil
}

// BestBid returns the top-of-book bid.
func (c *Client) BestBid(ctx context.Context, symbol string) (float64, error) {
	bid, _, err := c.bookTicker(ctx, symbol)
	return bid, err
}

// BestAsk returns the top-of-book ask.
func (c *Client) BestAsk(ctx context.Context, symbol string) (float64, error) {
	_, ask, err := c.bookTicker(ctx, symbol)
	return ask, err
}

func (c *Client) bookTicker(ctx context.Context, symbol string) (bid, ask float64, err error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", params, false)
	if err != nil {
		return 0, 0, err
	}
	var res struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, 0, fmt.Errorf("decode bookTicker: %w", err)
	}
	return toFloat(res.BidPrice), toFloat(res.AskPrice), nil
}

// MarkPrice returns the current mark price for the symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return 0, err
	}
	var res struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode premiumIndex: %w", err)
	}
	return toFloat(res.MarkPrice), nil
}

// SetLeverage sets leverage for a symbol. Idempotent.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	if isNoChange(err) {
		return nil
	}
	return err
}

// SetMarginType sets ISOLATED or CROSSED margin. The venue's "no change
// needed" response is not an error.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", strings.ToUpper(marginType))
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/marginType", params, true)
	if isNoChange(err) {
		return nil
	}
	return err
}

// PlaceOrder submits a regular order: LIMIT with explicit price, LIMIT with a
// priceMatch mode and no price, or MARKET.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("positionSide", "BOTH")
	params.Set("type", req.Type)
	params.Set("quantity", formatFloat(req.Qty))

	if req.Type == TypeLimit {
		if req.PriceMatch != "" {
			params.Set("priceMatch", req.PriceMatch)
		} else {
			params.Set("price", formatFloat(req.Price))
		}
		tif := req.TimeInForce
		if tif == "" {
			tif = TIFGTC
		}
		params.Set("timeInForce", tif)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return OrderResult{}, err
	}
	return decodeOrderResult(body)
}

// PlaceAlgoOrder submits a venue-resident conditional order via the algo
// service. TAKE_PROFIT executes at a priceMatch-computed passive price, and
// STOP_MARKET executes as MARKET; both trigger on mark price and survive
// process restarts.
func (c *Client) PlaceAlgoOrder(ctx context.Context, req AlgoOrderRequest) (OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("positionSide", "BOTH")
	params.Set("type", req.Type)
	params.Set("algoType", "CONDITIONAL")
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("triggerPrice", formatFloat(req.TriggerPrice))
	params.Set("workingType", WorkingTypeMark)
	params.Set("priceProtect", "true")
	if req.Type == TypeTakeProfit {
		params.Set("priceMatch", req.PriceMatch)
		params.Set("timeInForce", TIFGTC)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/algoOrder", params, true)
	if err != nil {
		return OrderResult{}, err
	}
	return decodeOrderResult(body)
}

// CancelOrder cancels an order by ID. Tries the regular endpoint first; on
// "unknown order" it retries the algo endpoint, since TP/SL live there. An
// order unknown to both endpoints is not an error.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	if err == nil {
		return nil
	}
	if !IsUnknownOrder(err) {
		return err
	}

	algoParams := url.Values{}
	algoParams.Set("symbol", symbol)
	algoParams.Set("algoId", strconv.FormatInt(orderID, 10))
	_, err = c.do(ctx, http.MethodDelete, "/fapi/v1/algoOrder", algoParams, true)
	if err != nil && IsUnknownOrder(err) {
		return nil
	}
	return err
}

// QueryOrder returns the current state of an order.
func (c *Client) QueryOrder(ctx context.Context, symbol string, orderID int64) (OrderInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return OrderInfo{}, err
	}
	var res struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Status      string `json:"status"`
		AvgPrice    string `json:"avgPrice"`
		Price       string `json:"price"`
		ExecutedQty string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return OrderInfo{}, fmt.Errorf("decode order: %w", err)
	}
	avg := toFloat(res.AvgPrice)
	if avg == 0 {
		avg = toFloat(res.Price)
	}
	return OrderInfo{
		OrderID:     res.OrderID,
		Symbol:      res.Symbol,
		Status:      res.Status,
		AvgPrice:    avg,
		ExecutedQty: toFloat(res.ExecutedQty),
	}, nil
}

// OpenOrders returns the resident regular orders for a symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	return decodeOpenOrders(body)
}

// OpenAlgoOrders returns the resident conditional orders for a symbol, with
// algoId normalized to OrderID.
func (c *Client) OpenAlgoOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/openAlgoOrders", params, true)
	if err != nil {
		return nil, err
	}
	// The algo endpoint may wrap the list in an "orders" object.
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var wrap struct {
			Orders json.RawMessage `json:"orders"`
		}
		if err := json.Unmarshal(body, &wrap); err != nil {
			return nil, fmt.Errorf("decode openAlgoOrders: %w", err)
		}
		body = wrap.Orders
	}
	return decodeOpenOrders(body)
}

// Positions returns all non-flat positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var res []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode positionRisk: %w", err)
	}
	var out []Position
	for _, p := range res {
		amt := toFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		out = append(out, Position{Symbol: p.Symbol, Amt: amt, EntryPrice: toFloat(p.EntryPrice)})
	}
	return out, nil
}

// ClosePosition submits a reduce-only MARKET order to flatten qty of an
// existing position.
func (c *Client) ClosePosition(ctx context.Context, symbol, side string, qty float64) (OrderResult, error) {
	return c.PlaceOrder(ctx, OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       TypeMarket,
		Qty:        qty,
		ReduceOnly: true,
	})
}

// CreateListenKey obtains a user-data stream key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false)
	if err != nil {
		return "", err
	}
	var res struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode listenKey: %w", err)
	}
	return res.ListenKey, nil
}

// KeepAliveListenKey extends the listen key's life.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.do(ctx, http.MethodPut, "/fapi/v1/listenKey", params, false)
	return err
}

// CloseListenKey discards the listen key on shutdown.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/listenKey", params, false)
	return err
}

// ----------------------------------------
// Transport
// ----------------------------------------

// do sends one request with retry on transient failures. Validation errors
// surface immediately as *APIError; exhausting retries yields an error that
// wraps ErrVenueUnavailable and names the last cause in its message only.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffBase<<uint(attempt-1) + time.Duration(rand.Int63n(int64(backoffJitter)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, retryable, err := c.doOnce(ctx, method, path, params, signed)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		c.log.WithError(err).Warnf("venue request %s %s failed (attempt %d/%d)", method, path, attempt+1, maxRetries)
	}
	return nil, fmt.Errorf("%w: %s %s: %v", ErrVenueUnavailable, method, path, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, signed bool) (body []byte, retryable bool, err error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		// Stamp with server time; a local clock outside the venue's skew
		// window gets every signed request rejected.
		params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		params.Set("signature", sign(params.Encode(), c.cfg.APISecret))
	}

	encoded := params.Encode()
	endpoint := c.cfg.BaseURL + path

	var req *http.Request
	switch method {
	case http.MethodGet, http.MethodDelete:
		if encoded != "" {
			endpoint += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ = io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		apiErr := &APIError{HTTPStatus: res.StatusCode, Message: string(body)}
		var parsed struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Code != 0 {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Msg
		}
		return nil, isRetryableStatus(res.StatusCode, apiErr.Code), apiErr
	}
	return body, false, nil
}

func sign(query, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func decodeOrderResult(body []byte) (OrderResult, error) {
	var res struct {
		OrderID       int64  `json:"orderId"`
		AlgoID        int64  `json:"algoId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		AvgPrice      string `json:"avgPrice"`
		TriggerPrice  string `json:"triggerPrice"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return OrderResult{}, fmt.Errorf("decode order result: %w", err)
	}
	id := res.OrderID
	if id == 0 {
		id = res.AlgoID
	}
	return OrderResult{
		OrderID:       id,
		ClientOrderID: res.ClientOrderID,
		Status:        res.Status,
		AvgPrice:      toFloat(res.AvgPrice),
		TriggerPrice:  toFloat(res.TriggerPrice),
	}, nil
}

func decodeOpenOrders(body []byte) ([]OpenOrder, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var res []struct {
		OrderID       int64  `json:"orderId"`
		AlgoID        int64  `json:"algoId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Type          string `json:"type"`
		StopPrice     string `json:"stopPrice"`
		TriggerPrice  string `json:"triggerPrice"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]OpenOrder, 0, len(res))
	for _, o := range res {
		id := o.OrderID
		if id == 0 {
			id = o.AlgoID
		}
		stop := toFloat(o.StopPrice)
		if stop == 0 {
			stop = toFloat(o.TriggerPrice)
		}
		out = append(out, OpenOrder{
			OrderID:       id,
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Type:          o.Type,
			StopPrice:     stop,
		})
	}
	return out, nil
}

// ----------------------------------------
// Numeric helpers
// ----------------------------------------

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FloorToStep rounds v down to the nearest multiple of step.
func FloorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	n := math.Floor(v/step + 1e-9)
	return roundToStepPrecision(n*step, step)
}

// RoundToTick rounds v to the nearest multiple of tick.
func RoundToTick(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	n := math.Round(v / tick)
	return roundToStepPrecision(n*tick, tick)
}

func roundToStepPrecision(v, step float64) float64 {
	prec := 0
	for step < 1 && prec < 12 {
		step *= 10
		prec++
	}
	p := math.Pow(10, float64(prec))
	return math.Round(v*p) / p
}

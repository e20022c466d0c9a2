package binance

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	keepAliveInterval = 25 * time.Minute // under the 60 min listen key expiry
	reconnectCap      = 30 * time.Second
)

type listenKeyClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// UserStream subscribes to the authenticated user-data stream and delivers
// every order update in order. On disconnect it reconnects with backoff and a
// fresh listen key; each (re)connect is signaled on Connects so the engine
// can reconcile trades for events missed during the gap.
type UserStream struct {
	client    listenKeyClient
	wsBaseURL string
	log       *logrus.Logger

	updates   chan OrderUpdate
	connects  chan struct{}
	connected atomic.Bool
	listenKey atomic.Value // string
}

// NewUserStream creates the stream against wsBaseURL (e.g.
// wss://fstream.binance.com).
func NewUserStream(client listenKeyClient, wsBaseURL string, log *logrus.Logger) *UserStream {
	return &UserStream{
		client:    client,
		wsBaseURL: wsBaseURL,
		log:       log,
		updates:   make(chan OrderUpdate, 256),
		connects:  make(chan struct{}, 1),
	}
}

// Updates is the ordered stream of order updates.
func (s *UserStream) Updates() <-chan OrderUpdate { return s.updates }

// Connects receives one signal per successful (re)connection.
func (s *UserStream) Connects() <-chan struct{} { return s.connects }

// Connected reports the live connection state for the status endpoint.
func (s *UserStream) Connected() bool { return s.connected.Load() }

// Run connects and reads until ctx is done. It never returns early on stream
// errors; a dropped connection is retried with exponential backoff.
func (s *UserStream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warnf("user stream disconnected, reconnecting in %s", backoff)
		}
		s.connected.Store(false)

		select {
		case <-ctx.Done():
			s.closeListenKey()
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

func (s *UserStream) connectAndRead(ctx context.Context) error {
	key, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}
	s.listenKey.Store(key)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsBaseURL+"/ws/"+key, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.connected.Store(true)
	s.log.Info("user data stream connected")
	select {
	case s.connects <- struct{}{}:
	default:
	}

	// Keepalive and ctx watcher; closing the conn unblocks ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := s.client.KeepAliveListenKey(ctx, key); err != nil {
					s.log.WithError(err).Warn("listen key keepalive failed")
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if expired := s.handleMessage(ctx, msg); expired {
			return nil // reconnect with a fresh key
		}
	}
}

// handleMessage parses one frame; returns true when the listen key expired.
func (s *UserStream) handleMessage(ctx context.Context, msg []byte) bool {
	var head struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		s.log.WithError(err).Debugf("user stream: unparseable frame: %.200s", msg)
		return false
	}

	switch head.EventType {
	case "ORDER_TRADE_UPDATE":
		s.handleOrderTradeUpdate(ctx, msg, head.EventTime)
	case "listenKeyExpired":
		s.log.Warn("listen key expired, reconnecting")
		return true
	default:
		// ACCOUNT_UPDATE and friends are not order events; ignore.
	}
	return false
}

func (s *UserStream) handleOrderTradeUpdate(ctx context.Context, msg []byte, eventTime int64) {
	var wrap struct {
		Data struct {
			Symbol        string `json:"s"`
			Side          string `json:"S"`
			OrderType     string `json:"o"`
			Status        string `json:"X"`
			ExecType      string `json:"x"`
			OrderID       int64  `json:"i"`
			ClientOrderID string `json:"c"`
			AvgPrice      string `json:"ap"`
			LastPrice     string `json:"L"`
			LastQty       string `json:"l"`
			CumQty        string `json:"z"`
			CumQuote      string `json:"Z"`
			Commission    string `json:"n"`
			CommissionAst string `json:"N"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		s.log.WithError(err).Debug("user stream: order update parse error")
		return
	}
	d := wrap.Data

	upd := OrderUpdate{
		Symbol:          d.Symbol,
		Side:            d.Side,
		OrderType:       d.OrderType,
		Status:          strings.ToUpper(d.Status),
		ExecType:        strings.ToUpper(d.ExecType),
		OrderID:         d.OrderID,
		ClientOrderID:   d.ClientOrderID,
		AvgPrice:        toFloat(d.AvgPrice),
		LastPrice:       toFloat(d.LastPrice),
		LastQty:         toFloat(d.LastQty),
		CumQty:          toFloat(d.CumQty),
		CumQuote:        toFloat(d.CumQuote),
		Commission:      toFloat(d.Commission),
		CommissionAsset: d.CommissionAst,
		EventTime:       time.UnixMilli(eventTime),
	}

	select {
	case s.updates <- upd:
	case <-ctx.Done():
	}
}

func (s *UserStream) closeListenKey() {
	key, _ := s.listenKey.Load().(string)
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.CloseListenKey(ctx, key); err != nil {
		s.log.WithError(err).Debug("close listen key")
	}
}

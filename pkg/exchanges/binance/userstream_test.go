package binance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderTradeUpdateParsing(t *testing.T) {
	s := NewUserStream(nil, "wss://example", quietLogger())
	msg := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{
		"s":"ZETAUSDT","S":"BUY","o":"TAKE_PROFIT","X":"FILLED","x":"TRADE",
		"i":55,"c":"gt-abc","ap":"85.00","L":"85.00","l":"0.1","z":"0.1",
		"Z":"8.5","n":"0.0034","N":"USDT"}}`)

	expired := s.handleMessage(context.Background(), msg)
	require.False(t, expired)

	select {
	case upd := <-s.Updates():
		assert.Equal(t, "ZETAUSDT", upd.Symbol)
		assert.Equal(t, SideBuy, upd.Side)
		assert.Equal(t, StatusFilled, upd.Status)
		assert.Equal(t, "TRADE", upd.ExecType)
		assert.Equal(t, int64(55), upd.OrderID)
		assert.Equal(t, "gt-abc", upd.ClientOrderID)
		assert.InDelta(t, 85.00, upd.AvgPrice, 1e-9)
		assert.InDelta(t, 0.0034, upd.Commission, 1e-9)
		assert.Equal(t, "USDT", upd.CommissionAsset)
	default:
		t.Fatal("no update delivered")
	}
}

func TestListenKeyExpiredForcesReconnect(t *testing.T) {
	s := NewUserStream(nil, "wss://example", quietLogger())
	expired := s.handleMessage(context.Background(), []byte(`{"e":"listenKeyExpired"}`))
	assert.True(t, expired)
}

func TestNonOrderEventsAreIgnored(t *testing.T) {
	s := NewUserStream(nil, "wss://example", quietLogger())
	require.False(t, s.handleMessage(context.Background(), []byte(`{"e":"ACCOUNT_UPDATE","a":{}}`)))
	require.False(t, s.handleMessage(context.Background(), []byte(`not json`)))

	select {
	case <-s.Updates():
		t.Fatal("unexpected update")
	default:
	}
}

func TestFillPriceFallbacks(t *testing.T) {
	assert.InDelta(t, 85.0, OrderUpdate{AvgPrice: 85, LastPrice: 84}.FillPrice(), 1e-9)
	assert.InDelta(t, 84.0, OrderUpdate{LastPrice: 84}.FillPrice(), 1e-9)
	assert.InDelta(t, 85.0, OrderUpdate{CumQty: 0.1, CumQuote: 8.5}.FillPrice(), 1e-9)
	assert.Zero(t, OrderUpdate{}.FillPrice())
}

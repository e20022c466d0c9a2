// Package monitor exposes Prometheus metrics for the trading agent.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors published at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	TradesOpened    prometheus.Counter
	TradesClosed    *prometheus.CounterVec
	RealizedPnL     prometheus.Gauge
	SignalsAccepted prometheus.Counter
	SignalsRejected *prometheus.CounterVec
	StreamConnected prometheus.Gauge
	TradesInError   prometheus.Gauge
}

// New registers the collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TradesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gestiona_trades_opened_total",
			Help: "Trades that reached the open state.",
		}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gestiona_trades_closed_total",
			Help: "Trades closed, by exit type.",
		}, []string{"exit_type"}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gestiona_realized_pnl_usdt",
			Help: "Cumulative realized PnL over closed trades.",
		}),
		SignalsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gestiona_signals_accepted_total",
			Help: "Signals admitted by the trade engine.",
		}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gestiona_signals_rejected_total",
			Help: "Signals rejected, by reason.",
		}, []string{"reason"}),
		StreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gestiona_user_stream_connected",
			Help: "1 when the user-data stream is connected.",
		}),
		TradesInError: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gestiona_trades_in_error",
			Help: "Trades currently requiring manual intervention.",
		}),
	}
	reg.MustRegister(
		m.TradesOpened, m.TradesClosed, m.RealizedPnL,
		m.SignalsAccepted, m.SignalsRejected,
		m.StreamConnected, m.TradesInError,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ElJoseRuiz/gestiona-trades/internal/engine"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
)

const (
	defaultTradesLimit = 200
	defaultEventsLimit = 100
)

func (s *Server) getStatus(c *gin.Context) {
	pnl, err := s.Store.ClosedPnLTotal(c.Request.Context())
	if err != nil {
		s.Log.WithError(err).Error("status: pnl total")
	}

	status := gin.H{
		"uptime_start":    s.startTime,
		"now":             time.Now().UTC(),
		"ws_connected":    s.Stream != nil && s.Stream.Connected(),
		"active_trades":   s.Engine.ActiveCount(),
		"status_counts":   s.Engine.StatusCounts(),
		"error_trades":    s.Engine.ErrorCount(),
		"total_pnl_usdt":  pnl,
		"max_open_trades": s.Cfg.Strategy.MaxOpenTrades,
	}
	if ev, ok := s.Engine.LastError(); ok {
		status["last_error"] = ev
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getTrades(c *gin.Context) {
	limit := queryInt(c, "limit", defaultTradesLimit)
	trades, err := s.Store.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) getTradeDetail(c *gin.Context) {
	id := c.Param("id")
	trade, err := s.Store.GetTrade(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	evs, err := s.Store.TradeEvents(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if evs == nil {
		evs = []db.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"trade": trade, "events": evs})
}

func (s *Server) getEvents(c *gin.Context) {
	limit := queryInt(c, "limit", defaultEventsLimit)
	evs, err := s.Store.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if evs == nil {
		evs = []db.Event{}
	}
	c.JSON(http.StatusOK, evs)
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.Cfg.Public())
}

// closeTrade initiates the manual-close path on an open trade. 409 when the
// trade exists but is not open, 404 when it is unknown to the live registry.
func (s *Server) closeTrade(c *gin.Context) {
	id := c.Param("id")
	trade, err := s.Engine.CloseManual(id)
	switch {
	case errors.Is(err, engine.ErrUnknownTrade):
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found or not active"})
	case errors.Is(err, engine.ErrNotOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "trade is not open", "trade": trade})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		s.Log.Warnf("manual close requested for trade %s", id)
		c.JSON(http.StatusOK, trade)
	}
}

func queryInt(c *gin.Context, name string, def int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// Package api exposes the dashboard surface: read-only trade and event
// queries, the manual-close control endpoint, a live event websocket and
// Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ElJoseRuiz/gestiona-trades/internal/events"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/config"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
)

// Engine is the control surface the API drives.
type Engine interface {
	CloseManual(tradeID string) (db.Trade, error)
	StatusCounts() map[string]int
	ActiveCount() int
	ErrorCount() int64
	LastError() (db.Event, bool)
}

// StreamState reports user-data stream connectivity for the status endpoint.
type StreamState interface {
	Connected() bool
}

// Server wires HTTP endpoints around the engine, store and event bus.
type Server struct {
	Router  *gin.Engine
	Engine  Engine
	Store   *db.Store
	Bus     *events.Bus
	Stream  StreamState
	Cfg     *config.Config
	Log     *logrus.Logger
	Metrics http.Handler

	startTime time.Time
	httpSrv   *http.Server
}

// NewServer assembles routes and middleware.
func NewServer(engine Engine, store *db.Store, bus *events.Bus, stream StreamState,
	cfg *config.Config, log *logrus.Logger, metrics http.Handler) *Server {

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		Router:    r,
		Engine:    engine,
		Store:     store,
		Bus:       bus,
		Stream:    stream,
		Cfg:       cfg,
		Log:       log,
		Metrics:   metrics,
		startTime: time.Now().UTC(),
	}
	r.Use(RequestLogger(log))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/trades", s.getTrades)
		api.GET("/trades/:id", s.getTradeDetail)
		api.GET("/events", s.getEvents)
		api.GET("/config", s.getConfig)

		mutating := api.Group("")
		if s.Cfg.Dashboard.AuthSecret != "" {
			mutating.Use(AuthMiddleware(s.Cfg.Dashboard.AuthSecret))
		}
		mutating.POST("/trades/:id/close", s.closeTrade)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.Cfg.Dashboard.Host, s.Cfg.Dashboard.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Router}

	errCh := make(chan error, 1)
	go func() {
		s.Log.Infof("dashboard listening on http://%s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

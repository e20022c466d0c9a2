// gestiona-trades is an automated short-side trading agent for Binance
// USDT-M perpetual futures. It consumes selector signals from a shared CSV,
// opens shorts with a price-chasing entry, protects them with venue-resident
// TP/SL algo orders, enforces a maximum holding time and persists the full
// lifecycle for audit and live observation.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ElJoseRuiz/gestiona-trades/internal/api"
	"github.com/ElJoseRuiz/gestiona-trades/internal/engine"
	"github.com/ElJoseRuiz/gestiona-trades/internal/events"
	"github.com/ElJoseRuiz/gestiona-trades/internal/monitor"
	"github.com/ElJoseRuiz/gestiona-trades/internal/signals"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/config"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/db"
	"github.com/ElJoseRuiz/gestiona-trades/pkg/exchanges/binance"
)

const shutdownDeadline = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("configuration invalid")
	}
	setupLogging(log, cfg)
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}
	log.Infof("gestiona-trades starting, mode=%s", cfg.Strategy.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// State store
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.WithError(err).Fatal("open state store")
	}
	defer store.Close()

	// Venue client; a balance read verifies credentials before anything else.
	venue := binance.NewClient(binance.Config{
		APIKey:     cfg.Binance.APIKey,
		APISecret:  cfg.Binance.APISecret,
		BaseURL:    cfg.Binance.BaseURL,
		RecvWindow: cfg.Binance.RecvWindow,
	}, log)
	venue.StartTimeSync(ctx)

	balance, err := venue.Balance(ctx, "USDT")
	if err != nil {
		if binance.IsAuthError(err) {
			log.WithError(err).Fatal("venue rejected credentials")
		}
		log.WithError(err).Fatal("venue unreachable at startup")
	}
	log.Infof("available USDT balance: %.2f", balance)

	// Observer sink: durable event log plus live fan-out.
	eventLog := db.NewEventLog(store, log, 50, 500*time.Millisecond)
	bus := events.NewBus()
	sink := events.NewSink(eventLog, bus)
	met := monitor.New()

	eng := engine.New(cfg, venue, store, sink, log, met)
	eng.Start(ctx)

	// Recover persisted trades against the venue before consuming anything.
	if err := eng.Reconcile(ctx); err != nil {
		log.WithError(err).Fatal("startup reconciliation")
	}

	// User-data stream and its fan-in to the engine.
	stream := binance.NewUserStream(venue, cfg.WSBaseURL(), log)
	go stream.Run(ctx)
	go func() {
		for upd := range streamOrDone(ctx, stream) {
			eng.Dispatch(upd)
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stream.Connects():
				met.StreamConnected.Set(1)
				sink.Emit(db.NewEvent("", events.TypeWSConnect, nil))
				// A reconnect gap may have swallowed fills.
				eng.ReconcileActive(ctx)
			}
		}
	}()
	go watchDisconnects(ctx, stream, met, sink)

	// Signal intake.
	watcher := signals.NewWatcher(cfg, log, eng.OnSignal)
	go watcher.Run(ctx)

	// Dashboard.
	if cfg.DashboardEnabled() {
		server := api.NewServer(eng, store, bus, stream, cfg, log, met.Handler())
		go func() {
			if err := server.Start(ctx); err != nil {
				log.WithError(err).Error("dashboard server")
			}
		}()
	}

	sink.Emit(db.NewEvent("", events.TypeStartup, map[string]any{"balance_usdt": balance}))

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)

	// Stop intake and lifecycle tasks; open positions stay protected by their
	// venue-resident TP/SL.
	cancel()
	eng.Stop(shutdownDeadline)
	sink.Emit(db.NewEvent("", events.TypeShutdown, nil))
	eventLog.Close()
	log.Info("shutdown complete")
}

// streamOrDone adapts the updates channel so the dispatch goroutine ends with
// the context.
func streamOrDone(ctx context.Context, stream *binance.UserStream) <-chan binance.OrderUpdate {
	out := make(chan binance.OrderUpdate)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-stream.Updates():
				select {
				case out <- upd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// watchDisconnects mirrors stream connectivity into metrics and the event log.
func watchDisconnects(ctx context.Context, stream *binance.UserStream, met *monitor.Metrics, sink *events.Sink) {
	connected := false
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := stream.Connected()
			if connected && !now {
				met.StreamConnected.Set(0)
				sink.Emit(db.NewEvent("", events.TypeWSDisconnect, nil))
			}
			connected = now
		}
	}
}

func setupLogging(log *logrus.Logger, cfg *config.Config) {
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.Logging.File == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err != nil {
		log.WithError(err).Warn("create log directory")
		return
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.WithError(err).Warn("open log file")
		return
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
}

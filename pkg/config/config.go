// Package config loads and validates the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the trading agent, loaded from config.yaml.
// API credentials may be overridden from the environment (BINANCE_API_KEY,
// BINANCE_API_SECRET), optionally via a .env file.
type Config struct {
	Binance struct {
		APIKey     string `yaml:"api_key"`
		APISecret  string `yaml:"api_secret"`
		BaseURL    string `yaml:"base_url"`
		RecvWindow int64  `yaml:"recv_window_ms"`
	} `yaml:"binance"`

	Strategy struct {
		Mode             string  `yaml:"mode"`
		CapitalPerTrade  float64 `yaml:"capital_per_trade"`
		MaxOpenTrades    int     `yaml:"max_open_trades"`
		MaxTradesPerPair int     `yaml:"max_trades_per_pair"`
		TPPct            float64 `yaml:"tp_pct"`
		SLPct            float64 `yaml:"sl_pct"`
		TriggerOffsetPct float64 `yaml:"trigger_offset_pct"`
		TimeoutHours     float64 `yaml:"timeout_hours"`
		TopN             int     `yaml:"top_n"`
		Leverage         int     `yaml:"leverage"`
		MarginType       string  `yaml:"margin_type"`
		FeeRate          float64 `yaml:"fee_rate"`
		MinMomentumPct   float64 `yaml:"min_momentum_pct"`
		MinVolRatio      float64 `yaml:"min_vol_ratio"`
		MinTradesRatio   float64 `yaml:"min_trades_ratio"`
		AllowedQuintiles []int   `yaml:"allowed_quintiles"`
	} `yaml:"strategy"`

	Signals struct {
		FilePath            string  `yaml:"file_path"`
		PollIntervalSeconds float64 `yaml:"poll_interval_seconds"`
		MaxSignalAgeMinutes float64 `yaml:"max_signal_age_minutes"`
	} `yaml:"signals"`

	Entry struct {
		OrderType            string  `yaml:"order_type"` // BBO or LIMIT_GTX
		ChaseIntervalSeconds float64 `yaml:"chase_interval_seconds"`
		ChaseTimeoutSeconds  float64 `yaml:"chase_timeout_seconds"`
		MaxChaseAttempts     int     `yaml:"max_chase_attempts"`
		MarketFallback       bool    `yaml:"market_fallback"`
	} `yaml:"entry"`

	Exit struct {
		TimeoutOrderType      string  `yaml:"timeout_order_type"` // BBO, LIMIT or MARKET
		TimeoutChaseSeconds   float64 `yaml:"timeout_chase_seconds"`
		TimeoutMarketFallback *bool   `yaml:"timeout_market_fallback"`
		TPPriceMatch          string  `yaml:"tp_price_match"`
		SLMarkPollInterval    float64 `yaml:"sl_mark_poll_interval"`
	} `yaml:"exit"`

	Dashboard struct {
		Enabled    *bool  `yaml:"enabled"`
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		AuthSecret string `yaml:"auth_secret"`
	} `yaml:"dashboard"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Credentials can come from the environment instead of the file.
	_ = godotenv.Load()
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Binance.APISecret = v
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Binance.BaseURL == "" {
		c.Binance.BaseURL = "https://fapi.binance.com"
	}
	if c.Binance.RecvWindow == 0 {
		c.Binance.RecvWindow = 5000
	}
	if c.Strategy.Mode == "" {
		c.Strategy.Mode = "short"
	}
	if c.Strategy.MaxOpenTrades == 0 {
		c.Strategy.MaxOpenTrades = 10
	}
	if c.Strategy.MaxTradesPerPair == 0 {
		c.Strategy.MaxTradesPerPair = 1
	}
	if c.Strategy.TimeoutHours == 0 {
		c.Strategy.TimeoutHours = 24
	}
	if c.Strategy.TopN == 0 {
		c.Strategy.TopN = 1
	}
	if c.Strategy.Leverage == 0 {
		c.Strategy.Leverage = 1
	}
	if c.Strategy.MarginType == "" {
		c.Strategy.MarginType = "CROSSED"
	}
	if c.Strategy.FeeRate == 0 {
		c.Strategy.FeeRate = 0.0004
	}
	if len(c.Strategy.AllowedQuintiles) == 0 {
		c.Strategy.AllowedQuintiles = []int{1, 2, 3, 4, 5}
	}
	if c.Signals.PollIntervalSeconds == 0 {
		c.Signals.PollIntervalSeconds = 15
	}
	if c.Signals.MaxSignalAgeMinutes == 0 {
		c.Signals.MaxSignalAgeMinutes = 10
	}
	if c.Entry.OrderType == "" {
		c.Entry.OrderType = "BBO"
	}
	if c.Entry.ChaseIntervalSeconds == 0 {
		c.Entry.ChaseIntervalSeconds = 2
	}
	if c.Entry.ChaseTimeoutSeconds == 0 {
		c.Entry.ChaseTimeoutSeconds = 30
	}
	if c.Entry.MaxChaseAttempts == 0 {
		c.Entry.MaxChaseAttempts = 3
	}
	if c.Exit.TimeoutOrderType == "" {
		c.Exit.TimeoutOrderType = "BBO"
	}
	if c.Exit.TimeoutChaseSeconds == 0 {
		c.Exit.TimeoutChaseSeconds = 30
	}
	if c.Exit.TimeoutMarketFallback == nil {
		v := true
		c.Exit.TimeoutMarketFallback = &v
	}
	if c.Exit.TPPriceMatch == "" {
		c.Exit.TPPriceMatch = "OPPONENT"
	}
	if c.Dashboard.Enabled == nil {
		v := true
		c.Dashboard.Enabled = &v
	}
	if c.Dashboard.Host == "" {
		c.Dashboard.Host = "0.0.0.0"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/trades.db"
	}
}

func (c *Config) validate() error {
	required := []struct {
		name  string
		empty bool
	}{
		{"binance.api_key", c.Binance.APIKey == ""},
		{"binance.api_secret", c.Binance.APISecret == ""},
		{"strategy.capital_per_trade", c.Strategy.CapitalPerTrade == 0},
		{"strategy.tp_pct", c.Strategy.TPPct == 0},
		{"strategy.sl_pct", c.Strategy.SLPct == 0},
		{"signals.file_path", c.Signals.FilePath == ""},
	}
	for _, r := range required {
		if r.empty {
			return fmt.Errorf("config: missing required field %s", r.name)
		}
	}
	switch strings.ToUpper(c.Entry.OrderType) {
	case "BBO", "LIMIT_GTX":
	default:
		return fmt.Errorf("config: entry.order_type must be BBO or LIMIT_GTX, got %q", c.Entry.OrderType)
	}
	switch strings.ToUpper(c.Exit.TimeoutOrderType) {
	case "BBO", "LIMIT", "MARKET":
	default:
		return fmt.Errorf("config: exit.timeout_order_type must be BBO, LIMIT or MARKET, got %q", c.Exit.TimeoutOrderType)
	}
	return nil
}

// Warnings reports settings that are accepted for backward compatibility but
// no longer have any effect.
func (c *Config) Warnings() []string {
	var w []string
	if c.Strategy.TriggerOffsetPct != 0 {
		w = append(w, "strategy.trigger_offset_pct is set but no longer applies; TP/SL triggers are computed from tp_pct/sl_pct")
	}
	if c.Exit.SLMarkPollInterval != 0 {
		w = append(w, "exit.sl_mark_poll_interval is set but no longer applies; the stop loss is a venue-resident algo order")
	}
	return w
}

// WSBaseURL derives the user-data stream host from the REST base URL.
func (c *Config) WSBaseURL() string {
	if strings.Contains(c.Binance.BaseURL, "fapi.binance.com") {
		return "wss://fstream.binance.com"
	}
	return "wss://stream.binancefuture.com"
}

// TimeoutMarketFallbackEnabled reports whether a MARKET close is allowed after
// the timeout chase window expires.
func (c *Config) TimeoutMarketFallbackEnabled() bool {
	return c.Exit.TimeoutMarketFallback != nil && *c.Exit.TimeoutMarketFallback
}

// DashboardEnabled reports whether the HTTP dashboard should be started.
func (c *Config) DashboardEnabled() bool {
	return c.Dashboard.Enabled != nil && *c.Dashboard.Enabled
}

// Public returns the configuration as a nested map with credentials redacted,
// for the dashboard config endpoint.
func (c *Config) Public() map[string]any {
	return map[string]any{
		"binance": map[string]any{
			"base_url":       c.Binance.BaseURL,
			"recv_window_ms": c.Binance.RecvWindow,
		},
		"strategy": map[string]any{
			"mode":                c.Strategy.Mode,
			"capital_per_trade":   c.Strategy.CapitalPerTrade,
			"max_open_trades":     c.Strategy.MaxOpenTrades,
			"max_trades_per_pair": c.Strategy.MaxTradesPerPair,
			"tp_pct":              c.Strategy.TPPct,
			"sl_pct":              c.Strategy.SLPct,
			"timeout_hours":       c.Strategy.TimeoutHours,
			"top_n":               c.Strategy.TopN,
			"leverage":            c.Strategy.Leverage,
			"margin_type":         c.Strategy.MarginType,
			"min_momentum_pct":    c.Strategy.MinMomentumPct,
			"min_vol_ratio":       c.Strategy.MinVolRatio,
			"min_trades_ratio":    c.Strategy.MinTradesRatio,
			"allowed_quintiles":   c.Strategy.AllowedQuintiles,
		},
		"signals": map[string]any{
			"file_path":              c.Signals.FilePath,
			"poll_interval_seconds":  c.Signals.PollIntervalSeconds,
			"max_signal_age_minutes": c.Signals.MaxSignalAgeMinutes,
		},
		"entry": map[string]any{
			"order_type":             c.Entry.OrderType,
			"chase_interval_seconds": c.Entry.ChaseIntervalSeconds,
			"chase_timeout_seconds":  c.Entry.ChaseTimeoutSeconds,
			"max_chase_attempts":     c.Entry.MaxChaseAttempts,
			"market_fallback":        c.Entry.MarketFallback,
		},
		"exit": map[string]any{
			"timeout_order_type":      c.Exit.TimeoutOrderType,
			"timeout_chase_seconds":   c.Exit.TimeoutChaseSeconds,
			"timeout_market_fallback": c.TimeoutMarketFallbackEnabled(),
			"tp_price_match":          c.Exit.TPPriceMatch,
		},
		"dashboard": map[string]any{
			"enabled": c.DashboardEnabled(),
			"host":    c.Dashboard.Host,
			"port":    c.Dashboard.Port,
		},
		"database": map[string]any{
			"path": c.Database.Path,
		},
	}
}

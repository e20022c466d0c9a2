package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
binance:
  api_key: k
  api_secret: s
strategy:
  capital_per_trade: 10
  tp_pct: 15
  sl_pct: 60
signals:
  file_path: fut_pares_short.csv
`

func loadFrom(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return Load(path)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := loadFrom(t, minimalYAML)
	require.NoError(t, err)

	assert.Equal(t, "https://fapi.binance.com", cfg.Binance.BaseURL)
	assert.Equal(t, int64(5000), cfg.Binance.RecvWindow)
	assert.Equal(t, 10, cfg.Strategy.MaxOpenTrades)
	assert.Equal(t, 1, cfg.Strategy.MaxTradesPerPair)
	assert.Equal(t, 24.0, cfg.Strategy.TimeoutHours)
	assert.Equal(t, 1, cfg.Strategy.Leverage)
	assert.Equal(t, 0.0004, cfg.Strategy.FeeRate)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, cfg.Strategy.AllowedQuintiles)
	assert.Equal(t, "BBO", cfg.Entry.OrderType)
	assert.Equal(t, 3, cfg.Entry.MaxChaseAttempts)
	assert.Equal(t, "BBO", cfg.Exit.TimeoutOrderType)
	assert.True(t, cfg.TimeoutMarketFallbackEnabled())
	assert.Equal(t, "OPPONENT", cfg.Exit.TPPriceMatch)
	assert.True(t, cfg.DashboardEnabled())
	assert.Equal(t, 8080, cfg.Dashboard.Port)
	assert.Equal(t, "data/trades.db", cfg.Database.Path)
	assert.Equal(t, "wss://fstream.binance.com", cfg.WSBaseURL())
}

func TestMissingRequiredFieldFails(t *testing.T) {
	_, err := loadFrom(t, `
binance:
  api_key: k
  api_secret: s
strategy:
  capital_per_trade: 10
  tp_pct: 15
  sl_pct: 60
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signals.file_path")
}

func TestInvalidEntryOrderTypeFails(t *testing.T) {
	_, err := loadFrom(t, minimalYAML+`
entry:
  order_type: IOC
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry.order_type")
}

func TestHistoricalFieldsWarn(t *testing.T) {
	cfg, err := loadFrom(t, minimalYAML+`
exit:
  sl_mark_poll_interval: 1.5
`)
	require.NoError(t, err)
	warnings := cfg.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "sl_mark_poll_interval")

	cfg.Strategy.TriggerOffsetPct = 10
	assert.Len(t, cfg.Warnings(), 2)
}

func TestPublicRedactsCredentials(t *testing.T) {
	cfg, err := loadFrom(t, minimalYAML)
	require.NoError(t, err)

	pub := cfg.Public()
	binanceSection, ok := pub["binance"].(map[string]any)
	require.True(t, ok)
	_, hasKey := binanceSection["api_key"]
	_, hasSecret := binanceSection["api_secret"]
	assert.False(t, hasKey)
	assert.False(t, hasSecret)
	assert.Equal(t, "https://fapi.binance.com", binanceSection["base_url"])
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_API_SECRET", "env-secret")
	cfg, err := loadFrom(t, minimalYAML)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Binance.APIKey)
	assert.Equal(t, "env-secret", cfg.Binance.APISecret)
}

func TestTestnetWSBase(t *testing.T) {
	cfg, err := loadFrom(t, minimalYAML+`
`)
	require.NoError(t, err)
	cfg.Binance.BaseURL = "https://testnet.binancefuture.com"
	assert.Equal(t, "wss://stream.binancefuture.com", cfg.WSBaseURL())
}

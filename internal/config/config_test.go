package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregtusar/tradedesk/pkg/binance"
	"github.com/gregtusar/tradedesk/pkg/preferences"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, binance.MainnetURL, cfg.Binance.BaseURL)
	assert.Equal(t, binance.StreamURL, cfg.Binance.StreamURL)
	assert.Equal(t, 5*time.Second, cfg.Stream.Backoff)
	assert.Equal(t, time.Second, cfg.Trading.PollInterval)
	assert.Equal(t, 5, cfg.Trading.PollAttempts)
	assert.Equal(t, "USDT", cfg.Trading.QuoteAsset)
	assert.Equal(t, "binance-api-key", cfg.GCP.SecretNames.APIKey)

	prefs := cfg.Trading.Preferences()
	assert.Equal(t, preferences.RiskPercentage, prefs.Risk.Type)
	assert.Equal(t, "0.1", prefs.Risk.SoftPercentage.String())
	assert.Equal(t, "0.2", prefs.Risk.HardPercentage.String())

	exec := cfg.Trading.Execution()
	assert.Equal(t, "0.0001", exec.FirstOffset.String())
	assert.Equal(t, "0.001", exec.RepriceOffset.String())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := chdirTemp(t)

	path := filepath.Join(dir, "tradedesk.yaml")
	yaml := `
server:
  port: 9090
binance:
  testnet: true
trading:
  risk_type: fixed
  soft_quote: 25
  hard_quote: 75
  favorites: [btc, ETHUSDT]
  poll_interval: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("BINANCE_API_KEY", "key-from-env")
	t.Setenv("TRADEDESK_TRADING_ORDER_TYPE", "LIMIT")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "key-from-env", cfg.Binance.APIKey)
	assert.Equal(t, binance.TestnetURL, cfg.Binance.BaseURL)
	assert.Equal(t, binance.TestnetStreamURL, cfg.Binance.StreamURL)
	assert.Equal(t, 2*time.Second, cfg.Trading.PollInterval)
	assert.Equal(t, "LIMIT", cfg.Trading.OrderType)

	prefs := cfg.Trading.Preferences()
	assert.Equal(t, preferences.RiskFixed, prefs.Risk.Type)
	assert.Equal(t, "25", prefs.Risk.SoftQuote.String())
	assert.Equal(t, []string{"btc", "ETHUSDT"}, prefs.Favorites)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:  ServerConfig{Port: 8080},
			Binance: BinanceConfig{AuthType: "hmac"},
			Trading: TradingConfig{PollInterval: time.Second, PollAttempts: 5},
			Logging: LoggingConfig{Level: "info"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"ed25519", func(c *Config) { c.Binance.AuthType = "ED25519" }, false},
		{"unknown auth", func(c *Config) { c.Binance.AuthType = "rsa" }, true},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"no polls", func(c *Config) { c.Trading.PollAttempts = 0 }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

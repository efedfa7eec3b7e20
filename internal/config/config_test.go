package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{
		Environment: "development",
		TradingMode: "paper",
	}
	cfg.Exchanges.Active = []string{"coinbase", "kraken"}
	cfg.Risk.CapitalUSD = decimal.NewFromInt(10000)
	cfg.Risk.MaxPositionPct = decimal.RequireFromString("0.20")
	cfg.Risk.DailyLossLimitPct = decimal.RequireFromString("0.006")
	cfg.Orders.AckTimeout = 30 * time.Second
	cfg.TaxLots.Method = "FIFO"
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidateRejectsBadTradingMode(t *testing.T) {
	cfg := validConfig()
	cfg.TradingMode = "dry-run"
	assert.Error(t, Validate(cfg))
}

func TestValidateNormalizesLotMethod(t *testing.T) {
	cfg := validConfig()
	cfg.TaxLots.Method = "lifo"
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "LIFO", cfg.TaxLots.Method)

	cfg.TaxLots.Method = "HIFO"
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsNonPositiveCapital(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.CapitalUSD = decimal.Zero
	assert.Error(t, Validate(cfg))
}

func TestValidateRequiresLiveCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.TradingMode = "live"
	assert.Error(t, Validate(cfg))

	cfg.Exchanges.CoinbaseAPIKey = "key"
	cfg.Exchanges.CoinbaseAPISecret = "secret"
	cfg.Exchanges.KrakenAPIKey = "key"
	cfg.Exchanges.KrakenPrivateKey = "secret"
	assert.NoError(t, Validate(cfg))
}

func TestValidateRequiresActiveExchange(t *testing.T) {
	cfg := validConfig()
	cfg.Exchanges.Active = nil
	assert.Error(t, Validate(cfg))
}

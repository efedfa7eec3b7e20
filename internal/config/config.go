package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds everything the core reads from the environment. Exchange API
// credentials are passed through to the adapters; the core itself never uses
// them.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	TradingMode string `envconfig:"TRADING_MODE" default:"paper"` // paper or live

	DatabasePath string `envconfig:"DATABASE_PATH" default:"trading.db"`
	Port         string `envconfig:"PORT" default:"8080"`
	JWTSecret    string `envconfig:"JWT_SECRET" default:"trading-core-secret"`

	Exchanges struct {
		Active       []string `envconfig:"ACTIVE_EXCHANGES" default:"coinbase,kraken"`
		PrimaryPairs []string `envconfig:"PRIMARY_PAIRS" default:"WIF-USD,PEPE-USD,BONK-USD"`

		CoinbaseAPIKey    string `envconfig:"COINBASE_API_KEY"`
		CoinbaseAPISecret string `envconfig:"COINBASE_API_SECRET"`
		KrakenAPIKey      string `envconfig:"KRAKEN_API_KEY"`
		KrakenPrivateKey  string `envconfig:"KRAKEN_PRIVATE_KEY"`

		CoinbaseRatePerSecond int `envconfig:"COINBASE_RATE_LIMIT_PER_SECOND" default:"10"`
		KrakenRatePerSecond   int `envconfig:"KRAKEN_RATE_LIMIT_PER_SECOND" default:"6"`
	}

	Risk struct {
		CapitalUSD         decimal.Decimal `envconfig:"CAPITAL_USD" default:"10000"`
		MaxPositionPct     decimal.Decimal `envconfig:"MAX_POSITION_PCT" default:"0.20"`
		DailyLossLimitPct  decimal.Decimal `envconfig:"DAILY_LOSS_LIMIT_PCT" default:"0.006"`
		MaxOrdersPerMin    int             `envconfig:"MAX_ORDERS_PER_MINUTE" default:"30"`
		SymbolOrdersPerMin int             `envconfig:"SYMBOL_ORDERS_PER_MINUTE" default:"10"`
	}

	Orders struct {
		AckTimeout      time.Duration `envconfig:"ORDER_ACK_TIMEOUT" default:"30s"`
		StaleScanPeriod time.Duration `envconfig:"STALE_SCAN_PERIOD" default:"10s"`
	}

	TaxLots struct {
		Method string `envconfig:"TAX_LOT_METHOD" default:"FIFO"` // FIFO or LIFO
	}

	Recovery struct {
		RetryInterval   time.Duration `envconfig:"RECOVERY_RETRY_INTERVAL" default:"1m"`
		ExchangeTimeout time.Duration `envconfig:"RECOVERY_EXCHANGE_TIMEOUT" default:"10s"`
	}
}

// Load reads configuration from the environment, preferring an optional .env
// file in the working directory.
func Load() (*Config, error) {
	// Missing .env is fine in production; everything comes from the
	// environment there.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces the invariants the rest of the core assumes.
func Validate(cfg *Config) error {
	switch cfg.TradingMode {
	case "paper", "live":
	default:
		return fmt.Errorf("TRADING_MODE must be either 'paper' or 'live', got %q", cfg.TradingMode)
	}

	switch cfg.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENVIRONMENT must be one of development, staging, production, got %q", cfg.Environment)
	}

	switch strings.ToUpper(cfg.TaxLots.Method) {
	case "FIFO", "LIFO":
		cfg.TaxLots.Method = strings.ToUpper(cfg.TaxLots.Method)
	default:
		return fmt.Errorf("TAX_LOT_METHOD must be FIFO or LIFO, got %q", cfg.TaxLots.Method)
	}

	if cfg.Risk.CapitalUSD.IsNegative() || cfg.Risk.CapitalUSD.IsZero() {
		return fmt.Errorf("CAPITAL_USD must be positive")
	}
	if cfg.Risk.MaxPositionPct.IsNegative() || cfg.Risk.MaxPositionPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("MAX_POSITION_PCT must be in (0, 1]")
	}
	if cfg.Risk.DailyLossLimitPct.IsNegative() || cfg.Risk.DailyLossLimitPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("DAILY_LOSS_LIMIT_PCT must be in (0, 1]")
	}

	if cfg.Orders.AckTimeout <= 0 {
		return fmt.Errorf("ORDER_ACK_TIMEOUT must be positive")
	}

	if len(cfg.Exchanges.Active) == 0 {
		return fmt.Errorf("ACTIVE_EXCHANGES must name at least one exchange")
	}

	if cfg.TradingMode == "live" {
		for _, name := range cfg.Exchanges.Active {
			switch name {
			case "coinbase":
				if cfg.Exchanges.CoinbaseAPIKey == "" || cfg.Exchanges.CoinbaseAPISecret == "" {
					return fmt.Errorf("coinbase credentials are required in live mode")
				}
			case "kraken":
				if cfg.Exchanges.KrakenAPIKey == "" || cfg.Exchanges.KrakenPrivateKey == "" {
					return fmt.Errorf("kraken credentials are required in live mode")
				}
			}
		}
	}

	return nil
}

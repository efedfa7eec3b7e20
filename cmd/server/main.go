package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/auth"
	"github.com/ksred/trading-core/internal/config"
	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/engine"
	"github.com/ksred/trading-core/internal/exchange"
	"github.com/ksred/trading-core/internal/journal"
	"github.com/ksred/trading-core/internal/ledger"
	"github.com/ksred/trading-core/internal/orders"
	"github.com/ksred/trading-core/internal/query"
	"github.com/ksred/trading-core/internal/recovery"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/sysstate"
	"github.com/ksred/trading-core/internal/taxlot"
	"github.com/ksred/trading-core/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENVIRONMENT") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the trading core server with graceful shutdown
// support. Recovery runs before trading is enabled: the process reconciles
// persisted state with exchange truth on every start.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := database.Migrate(db); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Initialize router
	router := gin.Default()

	// Core services
	auditor := audit.NewRecorder(db)
	state := sysstate.NewStore(db, auditor)
	journalService := journal.NewService(db, auditor)
	orderService := orders.NewService(db, auditor)
	ledgerService := ledger.NewService(db)
	taxlotService := taxlot.NewService(db, auditor)

	enforcer := risk.NewEnforcer(risk.Limits{
		CapitalUSD:         cfg.Risk.CapitalUSD,
		MaxPositionPct:     cfg.Risk.MaxPositionPct,
		DailyLossLimitPct:  cfg.Risk.DailyLossLimitPct,
		GlobalOrdersPerMin: cfg.Risk.MaxOrdersPerMin,
		SymbolOrdersPerMin: cfg.Risk.SymbolOrdersPerMin,
	}, state, auditor)

	registry, err := buildRegistry(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to build exchange registry")
	}

	tradingEngine := engine.New(cfg, journalService, orderService, ledgerService, taxlotService, enforcer, registry)

	recoveryManager := recovery.NewManager(
		journalService, orderService, ledgerService, tradingEngine,
		state, auditor, registry, cfg.Recovery.ExchangeTimeout,
	)
	recoveryProcessor := recovery.NewProcessor(recoveryManager, cfg.Recovery.RetryInterval)
	tradingEngine.SetRecoveryTrigger(recoveryProcessor.Trigger)

	coreCtx, coreCancel := context.WithCancel(context.Background())
	defer coreCancel()

	go recoveryProcessor.Start(coreCtx)
	tradingEngine.Start(coreCtx)

	// Trading stays disabled until this first pass completes cleanly.
	recoveryProcessor.Trigger()

	// Auth service and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	if cfg.Environment != "production" {
		authService.RegisterAPICredentials("test-api-key", "test-api-secret")
	}

	queryHandlers := query.NewGinHandlers(
		tradingEngine, journalService, orderService, ledgerService,
		taxlotService, state, auditor,
	)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, queryHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()
	zlog.Info().
		Str("port", cfg.Port).
		Str("trading_mode", cfg.TradingMode).
		Strs("exchanges", cfg.Exchanges.Active).
		Msg("Trading core started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the event loops before the HTTP surface
	coreCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// buildRegistry constructs the adapter set for the configured exchanges.
// Paper mode runs the simulated adapters; live adapters require credentials
// and are selected by the same names.
func buildRegistry(cfg *config.Config) (*exchange.Registry, error) {
	if cfg.TradingMode == "live" {
		zlog.Fatal().Msg("live trading adapters are not enabled in this build")
	}

	var adapters []exchange.Adapter
	for _, name := range cfg.Exchanges.Active {
		var sim *exchange.MockAdapter
		switch name {
		case "coinbase":
			sim = exchange.NewCoinbaseSim()
		case "kraken":
			sim = exchange.NewKrakenSim()
		default:
			zlog.Warn().Str("exchange", name).Msg("unknown exchange, skipping")
			continue
		}
		seedMarketPrices(sim, cfg.Exchanges.PrimaryPairs)
		adapters = append(adapters, sim)
	}
	return exchange.NewRegistry(adapters...), nil
}

// seedMarketPrices gives the simulated exchanges a plausible starting price
// per pair so market orders have something to fill against.
func seedMarketPrices(sim *exchange.MockAdapter, pairs []string) {
	defaults := map[string]string{
		"WIF-USD":  "0.49",
		"PEPE-USD": "0.0000125",
		"BONK-USD": "0.0000265",
	}
	for _, pair := range pairs {
		price, ok := defaults[pair]
		if !ok {
			price = "1"
		}
		sim.SetMarketPrice(pair, decimal.RequireFromString(price))
	}
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order routes: Protected by JWT authentication
// - Query routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	queryHandlers *query.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		ordersGroup := v1.Group("/orders")
		ordersGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			ordersGroup.POST("", queryHandlers.PlaceOrderHandler())
			ordersGroup.GET("", queryHandlers.OrderHistoryHandler())
			ordersGroup.GET("/:client_order_id", queryHandlers.GetOrderHandler())
			ordersGroup.POST("/:client_order_id/cancel", queryHandlers.CancelOrderHandler())
		}

		// Query routes
		positions := v1.Group("/positions")
		positions.Use(middleware.JWTAuth(jwtSecret))
		{
			positions.GET("", queryHandlers.PositionsHandler())
		}

		lots := v1.Group("/lots")
		lots.Use(middleware.JWTAuth(jwtSecret))
		{
			lots.GET("/open", queryHandlers.OpenLotsHandler())
			lots.GET("/closed", queryHandlers.ClosedLotsHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.GET("/system/state", queryHandlers.SystemStateHandler())
			internal.GET("/system/audit", queryHandlers.AuditLogHandler())
			internal.POST("/system/breaker/reset", queryHandlers.ResetBreakerHandler())
		}
	}
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/config"
	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/exchange"
	"github.com/ksred/trading-core/internal/journal"
	"github.com/ksred/trading-core/internal/ledger"
	"github.com/ksred/trading-core/internal/orders"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/sysstate"
	"github.com/ksred/trading-core/internal/taxlot"
	"github.com/ksred/trading-core/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	db      *gorm.DB
	engine  *Engine
	ledger  *ledger.Service
	taxlots *taxlot.Service
	state   *sysstate.Store
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.NewTestDatabase()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	cfg := &config.Config{}
	cfg.TaxLots.Method = types.LotMethodFIFO
	cfg.Risk.CapitalUSD = decimal.NewFromInt(10000)
	cfg.Risk.MaxPositionPct = decimal.RequireFromString("0.20")
	cfg.Risk.DailyLossLimitPct = decimal.RequireFromString("0.006")
	cfg.Risk.MaxOrdersPerMin = 600
	cfg.Risk.SymbolOrdersPerMin = 600

	auditor := audit.NewRecorder(db)
	state := sysstate.NewStore(db, auditor)
	require.NoError(t, state.SetTradingEnabled(true, "test setup"))

	journalSvc := journal.NewService(db, auditor)
	orderSvc := orders.NewService(db, auditor)
	ledgerSvc := ledger.NewService(db)
	taxlotSvc := taxlot.NewService(db, auditor)

	enforcer := risk.NewEnforcer(risk.Limits{
		CapitalUSD:         cfg.Risk.CapitalUSD,
		MaxPositionPct:     cfg.Risk.MaxPositionPct,
		DailyLossLimitPct:  cfg.Risk.DailyLossLimitPct,
		GlobalOrdersPerMin: cfg.Risk.MaxOrdersPerMin,
		SymbolOrdersPerMin: cfg.Risk.SymbolOrdersPerMin,
	}, state, auditor)

	eng := New(cfg, journalSvc, orderSvc, ledgerSvc, taxlotSvc, enforcer, exchange.NewRegistry())

	return &testEnv{db: db, engine: eng, ledger: ledgerSvc, taxlots: taxlotSvc, state: state}
}

func testTrade(side, quantity, price, fee string) *types.Trade {
	return &types.Trade{
		TradeID:        "TRD_" + side + "_" + quantity,
		ClientOrderID:  "ord-" + side + "-" + quantity,
		ExchangeFillID: "fill-" + side + "-" + quantity,
		Exchange:       "coinbase",
		Symbol:         "WIF-USD",
		Side:           side,
		Quantity:       decimal.RequireFromString(quantity),
		Price:          decimal.RequireFromString(price),
		Fee:            decimal.RequireFromString(fee),
		ExecutedAt:     time.Now(),
	}
}

func TestSettleTradeBuyOpensLotAndPosition(t *testing.T) {
	env := newTestEngine(t)

	trade := testTrade(types.SideBuy, "1000", "0.49", "2.94")
	require.NoError(t, env.db.Create(trade).Error)
	require.NoError(t, env.engine.SettleTrade(trade))

	position, err := env.ledger.GetPosition("WIF-USD", "coinbase")
	require.NoError(t, err)
	assert.True(t, position.Quantity.Equal(decimal.NewFromInt(1000)))

	lots, err := env.taxlots.OpenLots("WIF-USD", "coinbase")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.True(t, lots[0].RemainingQuantity.Equal(decimal.NewFromInt(1000)))
}

func TestSettleTradeSellRealizesPnL(t *testing.T) {
	env := newTestEngine(t)

	buy := testTrade(types.SideBuy, "1000", "0.49", "0")
	require.NoError(t, env.db.Create(buy).Error)
	require.NoError(t, env.engine.SettleTrade(buy))

	sell := testTrade(types.SideSell, "600", "0.60", "0")
	require.NoError(t, env.db.Create(sell).Error)
	require.NoError(t, env.engine.SettleTrade(sell))

	position, err := env.ledger.GetPosition("WIF-USD", "coinbase")
	require.NoError(t, err)
	assert.True(t, position.Quantity.Equal(decimal.NewFromInt(400)))

	var updated types.Trade
	require.NoError(t, env.db.Where("trade_id = ?", sell.TradeID).First(&updated).Error)
	require.NotNil(t, updated.RealizedPnL)
	// 600 * (0.60 - 0.49)
	assert.True(t, updated.RealizedPnL.Equal(decimal.NewFromInt(66)), "got %s", updated.RealizedPnL)
}

func TestSettleTradeSellWithoutLotsTriggersReconciliation(t *testing.T) {
	env := newTestEngine(t)

	triggered := false
	env.engine.SetRecoveryTrigger(func() { triggered = true })

	sell := testTrade(types.SideSell, "600", "0.60", "0")
	require.NoError(t, env.db.Create(sell).Error)

	err := env.engine.SettleTrade(sell)
	assert.ErrorIs(t, err, taxlot.ErrInsufficientLotQuantity)
	assert.True(t, triggered, "lot divergence must schedule reconciliation")
}

func TestPlaceOrderDeniedWhenTradingDisabled(t *testing.T) {
	env := newTestEngine(t)
	require.NoError(t, env.state.SetTradingEnabled(false, "halt"))

	_, err := env.engine.PlaceOrder(context.Background(), types.OrderIntent{
		ClientOrderID: "ord-1",
		Exchange:      "coinbase",
		Symbol:        "WIF-USD",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(10),
	})
	assert.ErrorIs(t, err, ErrAdmissionDenied)
}

package risk

import (
	"testing"

	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/sysstate"
	"github.com/ksred/trading-core/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestEnforcer(t *testing.T, limits Limits) (*Enforcer, *sysstate.Store, *gorm.DB) {
	t.Helper()
	db, err := database.NewTestDatabase()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	auditor := audit.NewRecorder(db)
	state := sysstate.NewStore(db, auditor)
	require.NoError(t, state.SetTradingEnabled(true, "test setup"))

	return NewEnforcer(limits, state, auditor), state, db
}

func defaultLimits() Limits {
	return Limits{
		CapitalUSD:         decimal.NewFromInt(10000),
		MaxPositionPct:     decimal.RequireFromString("0.20"),
		DailyLossLimitPct:  decimal.RequireFromString("0.006"),
		GlobalOrdersPerMin: 600,
		SymbolOrdersPerMin: 600,
	}
}

func limitIntent(quantity, price string) types.OrderIntent {
	p := decimal.RequireFromString(price)
	return types.OrderIntent{
		ClientOrderID: "ord-1",
		Exchange:      "coinbase",
		Symbol:        "WIF-USD",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeLimit,
		Quantity:      decimal.RequireFromString(quantity),
		Price:         &p,
	}
}

func flatPosition() *types.Position {
	return &types.Position{
		Symbol:        "WIF-USD",
		Exchange:      "coinbase",
		Quantity:      decimal.Zero,
		AvgEntryPrice: decimal.Zero,
	}
}

func TestAdmitWithinLimits(t *testing.T) {
	enforcer, _, _ := newTestEnforcer(t, defaultLimits())

	decision := enforcer.Admit(limitIntent("1000", "0.49"), flatPosition(), decimal.Zero)
	assert.True(t, decision.Allowed)
}

func TestPositionLimitDenied(t *testing.T) {
	enforcer, _, db := newTestEnforcer(t, defaultLimits())

	// 10000 * 0.49 = 4900 notional against a 2000 cap.
	decision := enforcer.Admit(limitIntent("10000", "0.49"), flatPosition(), decimal.Zero)
	require.False(t, decision.Allowed)
	assert.Equal(t, DenialPositionLimit, decision.Reason)

	var auditCount int64
	require.NoError(t, db.Model(&types.AuditLog{}).
		Where("event_type = ?", audit.EventAdmissionDenied).
		Count(&auditCount).Error)
	assert.Equal(t, int64(1), auditCount)
}

func TestPositionLimitCountsExistingHoldings(t *testing.T) {
	enforcer, _, _ := newTestEnforcer(t, defaultLimits())

	position := &types.Position{
		Symbol:        "WIF-USD",
		Exchange:      "coinbase",
		Quantity:      decimal.NewFromInt(3900),
		AvgEntryPrice: decimal.RequireFromString("0.50"),
	}

	// 3900 held plus 200 more at 0.50 projects past the 2000 cap.
	decision := enforcer.Admit(limitIntent("200", "0.50"), position, decimal.Zero)
	require.False(t, decision.Allowed)
	assert.Equal(t, DenialPositionLimit, decision.Reason)

	// A reducing sell is always admissible on the position check.
	sell := limitIntent("200", "0.50")
	sell.Side = types.SideSell
	decision = enforcer.Admit(sell, position, decimal.Zero)
	assert.True(t, decision.Allowed)
}

func TestLossLimitTripsBreaker(t *testing.T) {
	enforcer, state, _ := newTestEnforcer(t, defaultLimits())

	// Daily loss limit is 10000 * 0.006 = 60.
	decision := enforcer.Admit(limitIntent("10", "0.49"), flatPosition(), decimal.NewFromInt(-60))
	require.False(t, decision.Allowed)
	assert.Equal(t, DenialLossLimit, decision.Reason)

	tripped, err := state.BreakerTripped()
	require.NoError(t, err)
	assert.True(t, tripped)

	// The breaker persists: every later intent is denied regardless of pnl.
	decision = enforcer.Admit(limitIntent("10", "0.49"), flatPosition(), decimal.Zero)
	require.False(t, decision.Allowed)
	assert.Equal(t, DenialBreakerTripped, decision.Reason)

	// Only an explicit operator reset clears it.
	require.NoError(t, state.ResetBreaker("operator reset"))
	decision = enforcer.Admit(limitIntent("10", "0.49"), flatPosition(), decimal.Zero)
	assert.True(t, decision.Allowed)
}

func TestSmallLossDoesNotTrip(t *testing.T) {
	enforcer, state, _ := newTestEnforcer(t, defaultLimits())

	decision := enforcer.Admit(limitIntent("10", "0.49"), flatPosition(), decimal.NewFromInt(-59))
	assert.True(t, decision.Allowed)

	tripped, err := state.BreakerTripped()
	require.NoError(t, err)
	assert.False(t, tripped)
}

func TestSymbolRateLimit(t *testing.T) {
	limits := defaultLimits()
	limits.SymbolOrdersPerMin = 2
	enforcer, _, _ := newTestEnforcer(t, limits)

	assert.True(t, enforcer.Admit(limitIntent("1", "0.49"), flatPosition(), decimal.Zero).Allowed)
	assert.True(t, enforcer.Admit(limitIntent("1", "0.49"), flatPosition(), decimal.Zero).Allowed)

	decision := enforcer.Admit(limitIntent("1", "0.49"), flatPosition(), decimal.Zero)
	require.False(t, decision.Allowed)
	assert.Equal(t, DenialRateLimit, decision.Reason)

	// Another symbol has its own budget.
	other := limitIntent("1", "0.49")
	other.Symbol = "PEPE-USD"
	assert.True(t, enforcer.Admit(other, flatPosition(), decimal.Zero).Allowed)
}

func TestDeniedIntentBurnsNoSymbolBudget(t *testing.T) {
	limits := defaultLimits()
	limits.GlobalOrdersPerMin = 1
	limits.SymbolOrdersPerMin = 2
	enforcer, _, _ := newTestEnforcer(t, limits)

	assert.True(t, enforcer.Admit(limitIntent("1", "0.49"), flatPosition(), decimal.Zero).Allowed)

	// The global limiter is exhausted; the symbol token must come back.
	decision := enforcer.Admit(limitIntent("1", "0.49"), flatPosition(), decimal.Zero)
	require.False(t, decision.Allowed)
	assert.Equal(t, DenialRateLimit, decision.Reason)

	tokens := enforcer.symbols["WIF-USD"].Tokens()
	assert.GreaterOrEqual(t, tokens, 0.99, "global denial must refund the symbol reservation")
}

func TestStateReadErrorIsDistinctDenial(t *testing.T) {
	enforcer, _, db := newTestEnforcer(t, defaultLimits())

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	decision := enforcer.Admit(limitIntent("1", "0.49"), flatPosition(), decimal.Zero)
	require.False(t, decision.Allowed)
	assert.Equal(t, DenialStateUnavailable, decision.Reason,
		"an unreadable flag must not masquerade as a tripped breaker")
}

func TestTradingDisabledDeniesAll(t *testing.T) {
	enforcer, state, _ := newTestEnforcer(t, defaultLimits())
	require.NoError(t, state.SetTradingEnabled(false, "maintenance"))

	decision := enforcer.Admit(limitIntent("1", "0.49"), flatPosition(), decimal.Zero)
	require.False(t, decision.Allowed)
	assert.Equal(t, DenialTradingDisabled, decision.Reason)
}

package ledger

import (
	"fmt"
	"testing"
	"time"

	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := database.NewTestDatabase()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return NewService(db), db
}

var tradeSeq int

// recordTrade persists a trade row and folds it into the cached position,
// mirroring what the fill path does.
func recordTrade(t *testing.T, svc *Service, db *gorm.DB, side, quantity, price string) *types.Position {
	t.Helper()
	tradeSeq++
	trade := &types.Trade{
		TradeID:        fmt.Sprintf("TRD_test_%d", tradeSeq),
		ClientOrderID:  fmt.Sprintf("ord-%d", tradeSeq),
		ExchangeFillID: fmt.Sprintf("fill-%d", tradeSeq),
		Exchange:       "coinbase",
		Symbol:         "WIF-USD",
		Side:           side,
		Quantity:       decimal.RequireFromString(quantity),
		Price:          decimal.RequireFromString(price),
		Fee:            decimal.Zero,
		ExecutedAt:     time.Now().Add(time.Duration(tradeSeq) * time.Millisecond),
	}
	require.NoError(t, db.Create(trade).Error)

	position, err := svc.ApplyFill(trade)
	require.NoError(t, err)
	return position
}

func TestBuysAverageIntoPosition(t *testing.T) {
	svc, db := newTestService(t)

	recordTrade(t, svc, db, types.SideBuy, "1000", "0.49")
	position := recordTrade(t, svc, db, types.SideBuy, "500", "0.52")

	assert.True(t, position.Quantity.Equal(decimal.NewFromInt(1500)))
	// (1000*0.49 + 500*0.52) / 1500
	assert.True(t, position.AvgEntryPrice.Equal(decimal.RequireFromString("0.5")),
		"got avg %s", position.AvgEntryPrice)
}

func TestReducingSellKeepsAvgEntryPrice(t *testing.T) {
	svc, db := newTestService(t)

	recordTrade(t, svc, db, types.SideBuy, "1000", "0.49")
	position := recordTrade(t, svc, db, types.SideSell, "600", "0.60")

	assert.True(t, position.Quantity.Equal(decimal.NewFromInt(400)))
	assert.True(t, position.AvgEntryPrice.Equal(decimal.RequireFromString("0.49")))
}

func TestFullCloseZeroesPosition(t *testing.T) {
	svc, db := newTestService(t)

	recordTrade(t, svc, db, types.SideBuy, "1000", "0.49")
	position := recordTrade(t, svc, db, types.SideSell, "1000", "0.60")

	assert.True(t, position.Quantity.IsZero())
	assert.True(t, position.AvgEntryPrice.IsZero())
}

func TestSignFlipOpensNewBasis(t *testing.T) {
	svc, db := newTestService(t)

	recordTrade(t, svc, db, types.SideBuy, "100", "1.00")
	position := recordTrade(t, svc, db, types.SideSell, "150", "1.20")

	assert.True(t, position.Quantity.Equal(decimal.NewFromInt(-50)))
	assert.True(t, position.AvgEntryPrice.Equal(decimal.RequireFromString("1.20")),
		"the flipped position's basis is the flip price")
}

func TestReplayMatchesIncrementalApplication(t *testing.T) {
	svc, db := newTestService(t)

	recordTrade(t, svc, db, types.SideBuy, "1000", "0.49")
	recordTrade(t, svc, db, types.SideBuy, "250", "0.55")
	recordTrade(t, svc, db, types.SideSell, "600", "0.60")
	recordTrade(t, svc, db, types.SideSell, "900", "0.45")
	recordTrade(t, svc, db, types.SideBuy, "500", "0.40")

	cached, replayed, drifted, err := svc.Drift("WIF-USD", "coinbase")
	require.NoError(t, err)
	assert.False(t, drifted, "cached %s@%s vs replayed %s@%s",
		cached.Quantity, cached.AvgEntryPrice, replayed.Quantity, replayed.AvgEntryPrice)
}

func TestDriftDetectionAndCorrection(t *testing.T) {
	svc, db := newTestService(t)

	recordTrade(t, svc, db, types.SideBuy, "1000", "0.49")

	// Corrupt the cached row behind the service's back.
	require.NoError(t, db.Model(&types.Position{}).
		Where("symbol = ? AND exchange = ?", "WIF-USD", "coinbase").
		Update("quantity", decimal.NewFromInt(900)).Error)

	_, replayed, drifted, err := svc.Drift("WIF-USD", "coinbase")
	require.NoError(t, err)
	require.True(t, drifted)
	assert.True(t, replayed.Quantity.Equal(decimal.NewFromInt(1000)))

	require.NoError(t, svc.Correct(replayed))

	_, _, drifted, err = svc.Drift("WIF-USD", "coinbase")
	require.NoError(t, err)
	assert.False(t, drifted)
}

func TestUnrealizedPnL(t *testing.T) {
	svc, db := newTestService(t)

	position := recordTrade(t, svc, db, types.SideBuy, "1000", "0.49")
	require.NoError(t, svc.RecordMarketPrice("WIF-USD", "coinbase", decimal.RequireFromString("0.55")))

	unrealized, err := svc.UnrealizedPnL(position)
	require.NoError(t, err)
	// (0.55 - 0.49) * 1000
	assert.True(t, unrealized.Equal(decimal.NewFromInt(60)), "got %s", unrealized)
}

func TestUnrealizedPnLWithoutMarketData(t *testing.T) {
	svc, db := newTestService(t)

	position := recordTrade(t, svc, db, types.SideBuy, "1000", "0.49")
	unrealized, err := svc.UnrealizedPnL(position)
	require.NoError(t, err)
	assert.True(t, unrealized.IsZero())
}

package journal

import (
	"testing"

	"github.com/ksred/trading-core/internal/audit"
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
	return NewService(db, audit.NewRecorder(db)), db
}

func buyIntent(clientOrderID string) types.OrderIntent {
	price := decimal.RequireFromString("0.49")
	return types.OrderIntent{
		ClientOrderID: clientOrderID,
		Exchange:      "coinbase",
		Symbol:        "WIF-USD",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeLimit,
		Quantity:      decimal.NewFromInt(1000),
		Price:         &price,
		StrategyTag:   "momentum-v1",
	}
}

func TestJournalPersistsIntent(t *testing.T) {
	svc, db := newTestService(t)

	order, err := svc.Journal(buyIntent("ord-1"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCreated, order.Status)
	assert.Equal(t, "ord-1", order.ClientOrderID)
	assert.True(t, order.FilledQuantity.IsZero())

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestJournalWritesAuditRowAtomically(t *testing.T) {
	svc, db := newTestService(t)

	_, err := svc.Journal(buyIntent("ord-1"))
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&types.AuditLog{}).
		Where("event_type = ? AND reference = ?", audit.EventIntentJournaled, "ord-1").
		Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// A replay returns the existing record and leaves the trail alone.
	_, err = svc.Journal(buyIntent("ord-1"))
	require.NoError(t, err)
	require.NoError(t, db.Model(&types.AuditLog{}).
		Where("event_type = ?", audit.EventIntentJournaled).
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestJournalIdempotentReplay(t *testing.T) {
	svc, db := newTestService(t)

	first, err := svc.Journal(buyIntent("ord-1"))
	require.NoError(t, err)

	second, err := svc.Journal(buyIntent("ord-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "replay must not create a second row")
}

func TestJournalKeyReuseWithDifferentParams(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Journal(buyIntent("ord-1"))
	require.NoError(t, err)

	changed := buyIntent("ord-1")
	changed.Quantity = decimal.NewFromInt(500)
	_, err = svc.Journal(changed)
	assert.ErrorIs(t, err, ErrDuplicateIntent)

	changed = buyIntent("ord-1")
	otherPrice := decimal.RequireFromString("0.50")
	changed.Price = &otherPrice
	_, err = svc.Journal(changed)
	assert.ErrorIs(t, err, ErrDuplicateIntent)
}

func TestJournalValidation(t *testing.T) {
	svc, _ := newTestService(t)

	missing := buyIntent("")
	_, err := svc.Journal(missing)
	assert.ErrorIs(t, err, ErrInvalidIntent)

	badSide := buyIntent("ord-2")
	badSide.Side = "HOLD"
	_, err = svc.Journal(badSide)
	assert.ErrorIs(t, err, ErrInvalidIntent)

	zeroQty := buyIntent("ord-3")
	zeroQty.Quantity = decimal.Zero
	_, err = svc.Journal(zeroQty)
	assert.ErrorIs(t, err, ErrInvalidIntent)

	limitNoPrice := buyIntent("ord-4")
	limitNoPrice.Price = nil
	_, err = svc.Journal(limitNoPrice)
	assert.ErrorIs(t, err, ErrInvalidIntent)
}

func TestOpenOrdersExcludesTerminal(t *testing.T) {
	svc, db := newTestService(t)

	_, err := svc.Journal(buyIntent("ord-open"))
	require.NoError(t, err)
	_, err = svc.Journal(buyIntent("ord-done"))
	require.NoError(t, err)

	require.NoError(t, db.Model(&types.Order{}).
		Where("client_order_id = ?", "ord-done").
		Update("status", types.StatusFilled).Error)

	open, err := svc.OpenOrders()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "ord-open", open[0].ClientOrderID)
}

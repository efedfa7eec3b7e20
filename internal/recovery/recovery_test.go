package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/database"
	"github.com/ksred/trading-core/internal/exchange"
	"github.com/ksred/trading-core/internal/journal"
	"github.com/ksred/trading-core/internal/ledger"
	"github.com/ksred/trading-core/internal/orders"
	"github.com/ksred/trading-core/internal/sysstate"
	"github.com/ksred/trading-core/internal/taxlot"
	"github.com/ksred/trading-core/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// stubAdapter serves canned status reports, standing in for an exchange that
// executed orders while the process was down.
type stubAdapter struct {
	name    string
	reports map[string]*exchange.StatusReport
	err     error
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Submit(ctx context.Context, order *types.Order) (*exchange.Ack, error) {
	return nil, exchange.ErrExchangeUnavailable
}

func (s *stubAdapter) Cancel(ctx context.Context, exchangeOrderID string) (*exchange.Ack, error) {
	return nil, exchange.ErrExchangeUnavailable
}

func (s *stubAdapter) QueryOrder(ctx context.Context, clientOrderID string) (*exchange.StatusReport, error) {
	if s.err != nil {
		return nil, s.err
	}
	report, ok := s.reports[clientOrderID]
	if !ok {
		return nil, exchange.ErrOrderNotFound
	}
	return report, nil
}

func (s *stubAdapter) StreamEvents(ctx context.Context, symbol string) (<-chan exchange.Event, error) {
	ch := make(chan exchange.Event)
	close(ch)
	return ch, nil
}

// testSettler routes replayed trades into the real ledger and lot engine.
type testSettler struct {
	ledger  *ledger.Service
	taxlots *taxlot.Service
}

func (s *testSettler) SettleTrade(trade *types.Trade) error {
	if _, err := s.ledger.ApplyFill(trade); err != nil {
		return err
	}
	if trade.Side == types.SideBuy {
		_, err := s.taxlots.OpenLot(trade)
		return err
	}
	_, err := s.taxlots.MatchSale(trade.Symbol, trade.Exchange,
		trade.Quantity, trade.Price, trade.Fee, trade.ExecutedAt, types.LotMethodFIFO)
	return err
}

type fixture struct {
	db      *gorm.DB
	journal *journal.Service
	orders  *orders.Service
	ledger  *ledger.Service
	taxlots *taxlot.Service
	state   *sysstate.Store
	adapter *stubAdapter
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewTestDatabase()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	auditor := audit.NewRecorder(db)
	state := sysstate.NewStore(db, auditor)
	journalSvc := journal.NewService(db, auditor)
	orderSvc := orders.NewService(db, auditor)
	ledgerSvc := ledger.NewService(db)
	taxlotSvc := taxlot.NewService(db, auditor)

	adapter := &stubAdapter{name: "coinbase", reports: make(map[string]*exchange.StatusReport)}
	settler := &testSettler{ledger: ledgerSvc, taxlots: taxlotSvc}

	manager := NewManager(journalSvc, orderSvc, ledgerSvc, settler, state, auditor,
		exchange.NewRegistry(adapter), 5*time.Second)

	return &fixture{
		db:      db,
		journal: journalSvc,
		orders:  orderSvc,
		ledger:  ledgerSvc,
		taxlots: taxlotSvc,
		state:   state,
		adapter: adapter,
		manager: manager,
	}
}

func (f *fixture) journalSubmitted(t *testing.T, clientOrderID string, quantity int64) {
	t.Helper()
	_, err := f.journal.Journal(types.OrderIntent{
		ClientOrderID: clientOrderID,
		Exchange:      "coinbase",
		Symbol:        "WIF-USD",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(quantity),
	})
	require.NoError(t, err)
	_, err = f.orders.MarkSubmitted(clientOrderID, "cb-"+clientOrderID)
	require.NoError(t, err)
}

func (f *fixture) auditCount(t *testing.T, eventType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&types.AuditLog{}).
		Where("event_type = ?", eventType).
		Count(&count).Error)
	return count
}

func TestRecoveryReplaysMissedFills(t *testing.T) {
	f := newFixture(t)
	f.journalSubmitted(t, "ord-1", 1000)

	// The exchange filled the order while the process was down.
	f.adapter.reports["ord-1"] = &exchange.StatusReport{
		ClientOrderID:   "ord-1",
		ExchangeOrderID: "cb-ord-1",
		Status:          types.StatusFilled,
		FilledQuantity:  decimal.NewFromInt(1000),
		Fills: []exchange.Event{{
			FillID:    "cb-fill-1",
			Quantity:  decimal.NewFromInt(1000),
			Price:     decimal.RequireFromString("0.49"),
			Fee:       decimal.RequireFromString("2.94"),
			Timestamp: time.Now().Add(-time.Minute),
		}},
	}

	require.NoError(t, f.manager.Run(context.Background()))

	order, err := f.orders.GetOrder("ord-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, order.Status)
	assert.True(t, order.FilledQuantity.Equal(decimal.NewFromInt(1000)))

	position, err := f.ledger.GetPosition("WIF-USD", "coinbase")
	require.NoError(t, err)
	assert.True(t, position.Quantity.Equal(decimal.NewFromInt(1000)))

	lots, err := f.taxlots.OpenLots("WIF-USD", "coinbase")
	require.NoError(t, err)
	assert.Len(t, lots, 1)

	enabled, err := f.state.TradingEnabled()
	require.NoError(t, err)
	assert.True(t, enabled, "clean recovery re-enables trading")

	lastRecon, err := f.state.Get(sysstate.KeyLastReconciliation)
	require.NoError(t, err)
	assert.NotEmpty(t, lastRecon)

	assert.Equal(t, int64(1), f.auditCount(t, audit.EventRecoveryCompleted))
}

func TestRecoveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.journalSubmitted(t, "ord-1", 1000)
	f.adapter.reports["ord-1"] = &exchange.StatusReport{
		ClientOrderID:   "ord-1",
		ExchangeOrderID: "cb-ord-1",
		Status:          types.StatusFilled,
		FilledQuantity:  decimal.NewFromInt(1000),
		Fills: []exchange.Event{{
			FillID:   "cb-fill-1",
			Quantity: decimal.NewFromInt(1000),
			Price:    decimal.RequireFromString("0.49"),
		}},
	}

	require.NoError(t, f.manager.Run(context.Background()))
	require.NoError(t, f.manager.Run(context.Background()))

	var tradeCount int64
	require.NoError(t, f.db.Model(&types.Trade{}).Count(&tradeCount).Error)
	assert.Equal(t, int64(1), tradeCount, "a second pass must not duplicate the trade")
}

func TestRecoveryFailureLeavesTradingDisabled(t *testing.T) {
	f := newFixture(t)
	f.journalSubmitted(t, "ord-1", 1000)
	f.adapter.err = exchange.ErrExchangeUnavailable

	err := f.manager.Run(context.Background())
	assert.ErrorIs(t, err, ErrRecoveryIncomplete)

	enabled, stateErr := f.state.TradingEnabled()
	require.NoError(t, stateErr)
	assert.False(t, enabled, "failed recovery must not re-enable trading")

	assert.Equal(t, int64(1), f.auditCount(t, audit.EventRecoveryIncomplete))
	assert.Equal(t, int64(0), f.auditCount(t, audit.EventRecoveryCompleted))
}

func TestRecoveryRejectsOrdersThatNeverReachedExchange(t *testing.T) {
	f := newFixture(t)
	_, err := f.journal.Journal(types.OrderIntent{
		ClientOrderID: "ord-created",
		Exchange:      "coinbase",
		Symbol:        "WIF-USD",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.Run(context.Background()))

	order, err := f.orders.GetOrder("ord-created")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, order.Status)
}

func TestRecoveryAcksOrderCrashedBeforeSubmittedMark(t *testing.T) {
	f := newFixture(t)

	// Journaled but never marked SUBMITTED: the process died between the
	// submit call and the local status write, while the exchange executed.
	_, err := f.journal.Journal(types.OrderIntent{
		ClientOrderID: "ord-1",
		Exchange:      "coinbase",
		Symbol:        "WIF-USD",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(1000),
	})
	require.NoError(t, err)

	f.adapter.reports["ord-1"] = &exchange.StatusReport{
		ClientOrderID:   "ord-1",
		ExchangeOrderID: "cb-ord-1",
		Status:          types.StatusFilled,
		FilledQuantity:  decimal.NewFromInt(1000),
		Fills: []exchange.Event{{
			FillID:    "cb-fill-1",
			Quantity:  decimal.NewFromInt(1000),
			Price:     decimal.RequireFromString("0.49"),
			Timestamp: time.Now().Add(-time.Minute),
		}},
	}

	require.NoError(t, f.manager.Run(context.Background()))

	order, err := f.orders.GetOrder("ord-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, order.Status)
	assert.Equal(t, "cb-ord-1", order.ExchangeOrderID)
	assert.True(t, order.FilledQuantity.Equal(decimal.NewFromInt(1000)))

	enabled, err := f.state.TradingEnabled()
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestRecoveryFailsOnFilledReportWithoutFillDetail(t *testing.T) {
	f := newFixture(t)
	f.journalSubmitted(t, "ord-1", 1000)

	// Terminal report with truncated fill detail: the order cannot be
	// converged, so the pass must not complete.
	f.adapter.reports["ord-1"] = &exchange.StatusReport{
		ClientOrderID:   "ord-1",
		ExchangeOrderID: "cb-ord-1",
		Status:          types.StatusFilled,
		FilledQuantity:  decimal.NewFromInt(1000),
	}

	err := f.manager.Run(context.Background())
	assert.ErrorIs(t, err, ErrRecoveryIncomplete)

	order, getErr := f.orders.GetOrder("ord-1")
	require.NoError(t, getErr)
	assert.Equal(t, types.StatusSubmitted, order.Status)

	enabled, stateErr := f.state.TradingEnabled()
	require.NoError(t, stateErr)
	assert.False(t, enabled, "an unconverged order must keep trading disabled")
}

func TestRecoveryConvergesCancelledOrders(t *testing.T) {
	f := newFixture(t)
	f.journalSubmitted(t, "ord-1", 1000)
	f.adapter.reports["ord-1"] = &exchange.StatusReport{
		ClientOrderID:   "ord-1",
		ExchangeOrderID: "cb-ord-1",
		Status:          types.StatusCancelled,
	}

	require.NoError(t, f.manager.Run(context.Background()))

	order, err := f.orders.GetOrder("ord-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, order.Status)
}

func TestRecoveryCorrectsPositionDrift(t *testing.T) {
	f := newFixture(t)

	// Build a position from a persisted trade, then corrupt the cached row.
	trade := &types.Trade{
		TradeID:        "TRD_drift",
		ClientOrderID:  "ord-1",
		ExchangeFillID: "fill-drift",
		Exchange:       "coinbase",
		Symbol:         "WIF-USD",
		Side:           types.SideBuy,
		Quantity:       decimal.NewFromInt(1000),
		Price:          decimal.RequireFromString("0.49"),
		ExecutedAt:     time.Now(),
	}
	require.NoError(t, f.db.Create(trade).Error)
	_, err := f.ledger.ApplyFill(trade)
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&types.Position{}).
		Where("symbol = ? AND exchange = ?", "WIF-USD", "coinbase").
		Update("quantity", decimal.NewFromInt(700)).Error)

	require.NoError(t, f.manager.Run(context.Background()))

	position, err := f.ledger.GetPosition("WIF-USD", "coinbase")
	require.NoError(t, err)
	assert.True(t, position.Quantity.Equal(decimal.NewFromInt(1000)),
		fmt.Sprintf("got %s", position.Quantity))

	assert.Equal(t, int64(1), f.auditCount(t, audit.EventPositionDriftCorrected))
}

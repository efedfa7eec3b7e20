package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/exchange"
	"github.com/ksred/trading-core/internal/journal"
	"github.com/ksred/trading-core/internal/ledger"
	"github.com/ksred/trading-core/internal/orders"
	"github.com/ksred/trading-core/internal/sysstate"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
)

// ErrRecoveryIncomplete means at least one order or position could not be
// reconciled. Trading stays disabled until a later run completes cleanly.
var ErrRecoveryIncomplete = errors.New("recovery incomplete")

// TradeSettler folds a replayed trade into the position ledger and tax lot
// engine. The trading engine implements this; recovery stays decoupled from
// the live event loops.
type TradeSettler interface {
	SettleTrade(trade *types.Trade) error
}

// Manager reconciles persisted state with exchange truth after a restart or
// a stale-order signal. While it runs, trading is disabled; it re-enables
// trading only when every order and position reconciled cleanly.
type Manager struct {
	journal  *journal.Service
	orders   *orders.Service
	ledger   *ledger.Service
	settler  TradeSettler
	state    *sysstate.Store
	audit    *audit.Recorder
	registry *exchange.Registry
	timeout  time.Duration
}

// NewManager creates a recovery manager. timeout bounds each exchange query.
func NewManager(
	journalSvc *journal.Service,
	ordersSvc *orders.Service,
	ledgerSvc *ledger.Service,
	settler TradeSettler,
	state *sysstate.Store,
	auditor *audit.Recorder,
	registry *exchange.Registry,
	timeout time.Duration,
) *Manager {
	return &Manager{
		journal:  journalSvc,
		orders:   ordersSvc,
		ledger:   ledgerSvc,
		settler:  settler,
		state:    state,
		audit:    auditor,
		registry: registry,
		timeout:  timeout,
	}
}

// Run executes one full recovery pass: disable trading, reconcile every
// non-terminal order against its exchange, replay missed fills, correct
// position drift, then re-enable trading. Any failure leaves trading
// disabled and returns ErrRecoveryIncomplete.
func (m *Manager) Run(ctx context.Context) error {
	start := time.Now()
	log.Info().Str("service", "recovery").Msg("recovery pass starting")

	if err := m.state.SetTradingEnabled(false, "recovery in progress"); err != nil {
		return fmt.Errorf("failed to disable trading: %w", err)
	}

	open, err := m.journal.OpenOrders()
	if err != nil {
		return fmt.Errorf("failed to load non-terminal orders: %w", err)
	}

	failures := 0
	for i := range open {
		if err := m.reconcileOrder(ctx, &open[i]); err != nil {
			failures++
			log.Error().
				Err(err).
				Str("client_order_id", open[i].ClientOrderID).
				Str("exchange", open[i].Exchange).
				Str("service", "recovery").
				Msg("order reconciliation failed")
		}
	}

	driftFailures, err := m.correctDrift()
	if err != nil {
		failures++
		log.Error().Err(err).Str("service", "recovery").Msg("drift pass failed")
	}
	failures += driftFailures

	if err := m.state.Touch(sysstate.KeyLastReconciliation); err != nil {
		log.Error().Err(err).Str("service", "recovery").Msg("failed to record reconciliation time")
	}

	if failures > 0 {
		m.audit.Record(audit.Entry{
			EventType: audit.EventRecoveryIncomplete,
			Reason:    fmt.Sprintf("%d of %d orders unreconciled", failures, len(open)),
		})
		return fmt.Errorf("%w: %d failures across %d open orders", ErrRecoveryIncomplete, failures, len(open))
	}

	if err := m.state.SetTradingEnabled(true, "recovery completed"); err != nil {
		return fmt.Errorf("failed to re-enable trading: %w", err)
	}
	m.audit.Record(audit.Entry{
		EventType: audit.EventRecoveryCompleted,
		Reason:    fmt.Sprintf("%d orders reconciled in %s", len(open), time.Since(start).Round(time.Millisecond)),
	})
	log.Info().
		Int("orders_reconciled", len(open)).
		Dur("elapsed", time.Since(start)).
		Str("service", "recovery").
		Msg("recovery pass completed")
	return nil
}

// reconcileOrder queries the exchange for one non-terminal order and replays
// whatever the process missed: fills first, then the terminal or submitted
// status the exchange reports. Fill dedupe makes the replay idempotent.
func (m *Manager) reconcileOrder(ctx context.Context, order *types.Order) error {
	adapter, err := m.registry.Get(order.Exchange)
	if err != nil {
		return err
	}

	qctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	report, err := adapter.QueryOrder(qctx, order.ClientOrderID)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		if order.Status == types.StatusCreated {
			// Journaled but never reached the exchange: safe to reject
			// locally, nothing was ever at risk of executing.
			_, _, applyErr := m.orders.Apply(exchange.Event{
				Type:          exchange.EventReject,
				Exchange:      order.Exchange,
				ClientOrderID: order.ClientOrderID,
				Reason:        "order never reached the exchange",
				Timestamp:     time.Now(),
			})
			return applyErr
		}
		return fmt.Errorf("exchange has no record of order %s in status %s", order.ClientOrderID, order.Status)
	}
	if err != nil {
		return fmt.Errorf("failed to query order %s: %w", order.ClientOrderID, err)
	}

	if order.Status == types.StatusCreated {
		// The crash landed between the submit call and the local SUBMITTED
		// mark. The exchange report proves the order was accepted, so the
		// missed acknowledgement is applied before any fills.
		if _, _, err := m.orders.Apply(exchange.Event{
			Type:            exchange.EventAck,
			Exchange:        order.Exchange,
			ClientOrderID:   order.ClientOrderID,
			ExchangeOrderID: report.ExchangeOrderID,
			Reason:          "acknowledgement recovered from exchange report",
			Timestamp:       time.Now(),
		}); err != nil {
			return fmt.Errorf("failed to recover acknowledgement for %s: %w", order.ClientOrderID, err)
		}
	}

	for _, fill := range report.Fills {
		fill.Type = exchange.EventFill
		fill.Exchange = order.Exchange
		fill.ClientOrderID = order.ClientOrderID

		_, trade, err := m.orders.Apply(fill)
		if err != nil {
			return fmt.Errorf("failed to replay fill %s: %w", fill.FillID, err)
		}
		if trade == nil {
			continue // already applied before the restart
		}
		log.Info().
			Str("client_order_id", order.ClientOrderID).
			Str("fill_id", fill.FillID).
			Str("quantity", trade.Quantity.String()).
			Str("service", "recovery").
			Msg("missed fill replayed")
		if err := m.settler.SettleTrade(trade); err != nil {
			return fmt.Errorf("failed to settle replayed trade %s: %w", trade.TradeID, err)
		}
	}

	return m.convergeStatus(order.ClientOrderID, report)
}

// convergeStatus brings the local order status in line with the exchange
// report once all fills have been replayed.
func (m *Manager) convergeStatus(clientOrderID string, report *exchange.StatusReport) error {
	current, err := m.orders.GetOrder(clientOrderID)
	if err != nil {
		return err
	}
	if current == nil || types.IsTerminalStatus(current.Status) {
		return nil
	}

	var eventType exchange.EventType
	switch report.Status {
	case types.StatusCancelled:
		eventType = exchange.EventCancel
	case types.StatusRejected:
		eventType = exchange.EventReject
	case types.StatusFilled:
		// Replaying the report's fills should have driven the order
		// terminal. A FILLED report with missing fill detail cannot be
		// converged safely; the pass must count it as unreconciled.
		return fmt.Errorf("exchange reports order %s FILLED but replayed fills leave it %s",
			clientOrderID, current.Status)
	case types.StatusSubmitted, types.StatusPartiallyFilled:
		// The order is still live on the exchange. A stale or just-created
		// order gets its missed acknowledgement.
		if current.Status != types.StatusCreated && current.Status != types.StatusStaleSubmitted {
			return nil
		}
		eventType = exchange.EventAck
	default:
		return nil
	}

	_, _, err = m.orders.Apply(exchange.Event{
		Type:            eventType,
		Exchange:        current.Exchange,
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: report.ExchangeOrderID,
		Reason:          "reconciled from exchange status",
		Timestamp:       time.Now(),
	})
	return err
}

// correctDrift replays the trade log for every traded key and overwrites any
// cached position that disagrees, auditing the delta first.
func (m *Manager) correctDrift() (int, error) {
	keys, err := m.ledger.TradedKeys()
	if err != nil {
		return 0, err
	}

	failures := 0
	for _, key := range keys {
		cached, replayed, drifted, err := m.ledger.Drift(key.Symbol, key.Exchange)
		if err != nil {
			failures++
			log.Error().
				Err(err).
				Str("symbol", key.Symbol).
				Str("exchange", key.Exchange).
				Str("service", "recovery").
				Msg("drift check failed")
			continue
		}
		if !drifted {
			continue
		}

		delta := replayed.Quantity.Sub(cached.Quantity)
		m.audit.Record(audit.Entry{
			EventType: audit.EventPositionDriftCorrected,
			Symbol:    key.Symbol,
			Exchange:  key.Exchange,
			Amount:    &delta,
			Reason: fmt.Sprintf("cached %s@%s, replayed %s@%s",
				cached.Quantity, cached.AvgEntryPrice, replayed.Quantity, replayed.AvgEntryPrice),
		})
		if err := m.ledger.Correct(replayed); err != nil {
			failures++
			log.Error().
				Err(err).
				Str("symbol", key.Symbol).
				Str("exchange", key.Exchange).
				Str("service", "recovery").
				Msg("drift correction failed")
			continue
		}
		log.Warn().
			Str("symbol", key.Symbol).
			Str("exchange", key.Exchange).
			Str("delta", delta.String()).
			Str("service", "recovery").
			Msg("position drift corrected")
	}

	return failures, nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/trading-core/internal/config"
	"github.com/ksred/trading-core/internal/exchange"
	"github.com/ksred/trading-core/internal/journal"
	"github.com/ksred/trading-core/internal/ledger"
	"github.com/ksred/trading-core/internal/orders"
	"github.com/ksred/trading-core/internal/risk"
	"github.com/ksred/trading-core/internal/taxlot"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrAdmissionDenied means the risk enforcer rejected the intent. The denial
// reason and detail ride on the wrapped message.
var ErrAdmissionDenied = errors.New("order intent denied by risk checks")

// Engine ties the core services into the live trading path: admit, journal,
// submit, then consume exchange events into the order state machine, the
// position ledger and the tax lot engine.
type Engine struct {
	cfg      *config.Config
	journal  *journal.Service
	orders   *orders.Service
	ledger   *ledger.Service
	taxlots  *taxlot.Service
	risk     *risk.Enforcer
	registry *exchange.Registry

	triggerRecovery func()
}

// New creates a trading engine over the given services.
func New(
	cfg *config.Config,
	journalSvc *journal.Service,
	ordersSvc *orders.Service,
	ledgerSvc *ledger.Service,
	taxlotSvc *taxlot.Service,
	enforcer *risk.Enforcer,
	registry *exchange.Registry,
) *Engine {
	return &Engine{
		cfg:             cfg,
		journal:         journalSvc,
		orders:          ordersSvc,
		ledger:          ledgerSvc,
		taxlots:         taxlotSvc,
		risk:            enforcer,
		registry:        registry,
		triggerRecovery: func() {},
	}
}

// SetRecoveryTrigger installs the hook that requests a reconciliation pass.
// Wired after construction to keep the engine and recovery loop decoupled.
func (e *Engine) SetRecoveryTrigger(fn func()) {
	if fn != nil {
		e.triggerRecovery = fn
	}
}

// PlaceOrder runs the full admission path for one intent: risk checks, then
// the durable journal write, then the exchange submit. The journal write
// lands before any network call, so a crash mid-flight can never double
// submit. Re-calling with the same idempotency key is safe.
func (e *Engine) PlaceOrder(ctx context.Context, intent types.OrderIntent) (*types.Order, error) {
	logger := log.With().
		Str("client_order_id", intent.ClientOrderID).
		Str("symbol", intent.Symbol).
		Str("exchange", intent.Exchange).
		Str("service", "engine").
		Logger()

	position, err := e.ledger.GetPosition(intent.Symbol, intent.Exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	dailyPnL, err := e.dailyPnL()
	if err != nil {
		return nil, fmt.Errorf("failed to compute daily pnl: %w", err)
	}

	decision := e.risk.Admit(intent, position, dailyPnL)
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s (%s)", ErrAdmissionDenied, decision.Reason, decision.Detail)
	}

	order, err := e.journal.Journal(intent)
	if err != nil {
		return nil, err
	}
	if order.Status != types.StatusCreated {
		// Idempotent replay of an intent that already went out. The current
		// record is the answer; submitting again would double the order.
		logger.Debug().Str("status", order.Status).Msg("intent already in flight, returning journaled order")
		return order, nil
	}

	adapter, err := e.registry.Get(intent.Exchange)
	if err != nil {
		return nil, err
	}

	ack, err := adapter.Submit(ctx, order)
	if err != nil {
		// Outcome unknown: the order may or may not exist on the exchange.
		// Leave it journaled and let reconciliation resolve it.
		logger.Error().Err(err).Msg("submit outcome unknown, scheduling reconciliation")
		e.triggerRecovery()
		return order, fmt.Errorf("submit failed for order %s: %w", order.ClientOrderID, err)
	}

	if !ack.Accepted {
		updated, _, applyErr := e.orders.Apply(exchange.Event{
			Type:          exchange.EventReject,
			Exchange:      order.Exchange,
			ClientOrderID: order.ClientOrderID,
			Reason:        ack.Reason,
			Timestamp:     time.Now(),
		})
		if applyErr != nil {
			return nil, applyErr
		}
		logger.Info().Str("reason", ack.Reason).Msg("order rejected at submit")
		return updated, nil
	}

	submitted, err := e.orders.MarkSubmitted(order.ClientOrderID, ack.ExchangeOrderID)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("exchange_order_id", ack.ExchangeOrderID).Msg("order submitted")
	return submitted, nil
}

// CancelOrder asks the exchange to cancel a live order. The actual state
// transition happens when the cancel event comes back on the stream.
func (e *Engine) CancelOrder(ctx context.Context, clientOrderID string) error {
	order, err := e.orders.GetOrder(clientOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return orders.ErrUnknownOrder
	}
	if types.IsTerminalStatus(order.Status) {
		return fmt.Errorf("order %s is already %s", clientOrderID, order.Status)
	}
	if order.ExchangeOrderID == "" {
		return fmt.Errorf("order %s has no exchange order id to cancel", clientOrderID)
	}

	adapter, err := e.registry.Get(order.Exchange)
	if err != nil {
		return err
	}
	ack, err := adapter.Cancel(ctx, order.ExchangeOrderID)
	if err != nil {
		return fmt.Errorf("cancel failed for order %s: %w", clientOrderID, err)
	}
	if !ack.Accepted {
		return fmt.Errorf("exchange declined cancel for order %s: %s", clientOrderID, ack.Reason)
	}
	return nil
}

// SettleTrade folds one confirmed trade into the position ledger and the tax
// lot engine. Buys open lots; sells match against them. Both the live event
// loop and recovery replay route trades through here.
func (e *Engine) SettleTrade(trade *types.Trade) error {
	if _, err := e.ledger.ApplyFill(trade); err != nil {
		return fmt.Errorf("failed to apply fill to ledger: %w", err)
	}
	if err := e.ledger.RecordMarketPrice(trade.Symbol, trade.Exchange, trade.Price); err != nil {
		log.Error().Err(err).Str("symbol", trade.Symbol).Str("service", "engine").Msg("failed to record market price")
	}

	if trade.Side == types.SideBuy {
		_, err := e.taxlots.OpenLot(trade)
		return err
	}

	result, err := e.taxlots.MatchSale(
		trade.Symbol, trade.Exchange,
		trade.Quantity, trade.Price, trade.Fee,
		trade.ExecutedAt, e.cfg.TaxLots.Method,
	)
	if err != nil {
		if errors.Is(err, taxlot.ErrInsufficientLotQuantity) {
			// The lot table disagrees with the trade log. Accounting for this
			// sale cannot proceed until reconciliation restores consistency.
			e.triggerRecovery()
		}
		return err
	}

	volume := trade.Quantity.Mul(trade.Price)
	if err := e.taxlots.RecordRealizedPnL(trade.TradeID, result, trade.Symbol, volume, trade.Fee, trade.ExecutedAt); err != nil {
		return fmt.Errorf("failed to record realized pnl: %w", err)
	}

	log.Info().
		Str("trade_id", trade.TradeID).
		Str("symbol", trade.Symbol).
		Str("realized_pnl", result.RealizedPnL.String()).
		Str("service", "engine").
		Msg("sale settled against tax lots")
	return nil
}

// Start launches the event consumers for every configured exchange and
// symbol plus the stale order scanner. Runs until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	for _, adapter := range e.registry.All() {
		for _, symbol := range e.cfg.Exchanges.PrimaryPairs {
			go e.consumeEvents(ctx, adapter, symbol)
		}
	}
	go e.staleScanLoop(ctx)
}

// consumeEvents drains one exchange event stream into the state machine.
func (e *Engine) consumeEvents(ctx context.Context, adapter exchange.Adapter, symbol string) {
	logger := log.With().
		Str("exchange", adapter.Name()).
		Str("symbol", symbol).
		Str("service", "engine").
		Logger()

	events, err := adapter.StreamEvents(ctx, symbol)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open event stream")
		return
	}
	logger.Info().Msg("event stream opened")

	for event := range events {
		order, trade, err := e.orders.Apply(event)
		if err != nil {
			if errors.Is(err, orders.ErrUnknownOrder) {
				continue // not ours, or journaled by another process
			}
			logger.Error().
				Err(err).
				Str("client_order_id", event.ClientOrderID).
				Str("event_type", string(event.Type)).
				Msg("failed to apply exchange event")
			continue
		}
		if trade == nil {
			continue
		}
		if err := e.SettleTrade(trade); err != nil {
			logger.Error().
				Err(err).
				Str("trade_id", trade.TradeID).
				Str("client_order_id", order.ClientOrderID).
				Msg("failed to settle trade")
		}
	}
	logger.Info().Msg("event stream closed")
}

// staleScanLoop periodically sweeps SUBMITTED orders past the ack timeout
// into STALE_SUBMITTED and hands them to reconciliation.
func (e *Engine) staleScanLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Orders.StaleScanPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := e.orders.MarkStale(e.cfg.Orders.AckTimeout)
			if err != nil {
				log.Error().Err(err).Str("service", "engine").Msg("stale order scan failed")
				continue
			}
			if len(stale) > 0 {
				log.Warn().Int("count", len(stale)).Str("service", "engine").Msg("stale orders found, scheduling reconciliation")
				e.triggerRecovery()
			}
		}
	}
}

// dailyPnL sums today's realized pnl from closed lots with the unrealized
// pnl across all cached positions. The risk enforcer's daily loss limit
// reads exactly this figure.
func (e *Engine) dailyPnL() (decimal.Decimal, error) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	realized, err := e.taxlots.RealizedPnLSince(dayStart)
	if err != nil {
		return decimal.Zero, err
	}

	positions, err := e.ledger.AllPositions()
	if err != nil {
		return decimal.Zero, err
	}

	total := realized
	for i := range positions {
		unrealized, err := e.ledger.UnrealizedPnL(&positions[i])
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(unrealized)
	}
	return total, nil
}

package orders

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/exchange"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	// ErrUnknownOrder means an exchange event referenced an order the
	// journal has no record of.
	ErrUnknownOrder = errors.New("event references unknown order")

	// ErrInvalidTransition means the event would move the order to a status
	// the transition table does not allow.
	ErrInvalidTransition = errors.New("invalid order state transition")

	// ErrOverfill means a fill would push the filled quantity past the
	// requested quantity.
	ErrOverfill = errors.New("fill exceeds requested order quantity")
)

// transitions is the explicit order lifecycle table. Any transition not
// listed here is rejected; statuses are never mutated ad hoc.
var transitions = map[string][]string{
	types.StatusCreated:         {types.StatusSubmitted, types.StatusRejected, types.StatusCancelled},
	types.StatusSubmitted:       {types.StatusPartiallyFilled, types.StatusFilled, types.StatusCancelled, types.StatusRejected, types.StatusStaleSubmitted},
	types.StatusStaleSubmitted:  {types.StatusSubmitted, types.StatusPartiallyFilled, types.StatusFilled, types.StatusCancelled, types.StatusRejected},
	types.StatusPartiallyFilled: {types.StatusPartiallyFilled, types.StatusFilled, types.StatusCancelled, types.StatusRejected},
	types.StatusFilled:          {},
	types.StatusCancelled:       {},
	types.StatusRejected:        {},
}

func transitionAllowed(from, to string) bool {
	if from == to && !types.IsTerminalStatus(from) {
		// Re-applying the current status is a no-op, not a violation;
		// exchanges repeat acks.
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Service is the order state machine. It owns "what the exchange currently
// reports" for every order: transitions happen only in response to
// exchange-delivered events, applied in arrival order per order.
type Service struct {
	db    *Database
	audit *audit.Recorder

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per client order ID
}

// NewService creates a new order state machine service.
func NewService(gormDB *gorm.DB, auditor *audit.Recorder) *Service {
	return &Service{
		db:    NewDatabase(gormDB),
		audit: auditor,
		locks: make(map[string]*sync.Mutex),
	}
}

// orderLock serializes event application for a single order. Events for
// different orders proceed in parallel.
func (s *Service) orderLock(clientOrderID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[clientOrderID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[clientOrderID] = lock
	}
	return lock
}

// MarkSubmitted transitions a journaled order to SUBMITTED after the
// exchange accepted it, recording the exchange-assigned identifier.
func (s *Service) MarkSubmitted(clientOrderID, exchangeOrderID string) (*types.Order, error) {
	lock := s.orderLock(clientOrderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.db.GetOrderByClientID(clientOrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrUnknownOrder
	}
	if !transitionAllowed(order.Status, types.StatusSubmitted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, types.StatusSubmitted)
	}

	order.Status = types.StatusSubmitted
	order.ExchangeOrderID = exchangeOrderID
	order.UpdatedAt = time.Now()
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// Apply consumes one exchange-reported event and returns the updated order
// plus the Trade row a fill produced, if any. Duplicate fills (same exchange
// fill ID) are logged and ignored, not errors; events for unknown orders are
// rejected with ErrUnknownOrder.
func (s *Service) Apply(event exchange.Event) (*types.Order, *types.Trade, error) {
	logger := log.With().
		Str("client_order_id", event.ClientOrderID).
		Str("event_type", string(event.Type)).
		Str("exchange", event.Exchange).
		Str("service", "orders").
		Logger()

	lock := s.orderLock(event.ClientOrderID)
	lock.Lock()
	defer lock.Unlock()

	order, err := s.db.GetOrderByClientID(event.ClientOrderID)
	if err != nil {
		return nil, nil, err
	}
	if order == nil {
		logger.Warn().Msg("event references unknown order")
		return nil, nil, ErrUnknownOrder
	}

	switch event.Type {
	case exchange.EventAck:
		updated, err := s.applyAck(order, event)
		return updated, nil, err
	case exchange.EventFill:
		return s.applyFill(order, event, logger)
	case exchange.EventCancel:
		updated, err := s.applyTerminal(order, types.StatusCancelled, event)
		return updated, nil, err
	case exchange.EventReject:
		updated, err := s.applyTerminal(order, types.StatusRejected, event)
		return updated, nil, err
	default:
		return nil, nil, fmt.Errorf("unrecognized event type %q", event.Type)
	}
}

func (s *Service) applyAck(order *types.Order, event exchange.Event) (*types.Order, error) {
	// An ack while partially filled carries no state change; fills already
	// prove the exchange accepted the order.
	if order.Status == types.StatusPartiallyFilled {
		return order, nil
	}
	if !transitionAllowed(order.Status, types.StatusSubmitted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, types.StatusSubmitted)
	}
	order.Status = types.StatusSubmitted
	if event.ExchangeOrderID != "" {
		order.ExchangeOrderID = event.ExchangeOrderID
	}
	order.UpdatedAt = time.Now()
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Service) applyFill(order *types.Order, event exchange.Event, logger zerolog.Logger) (*types.Order, *types.Trade, error) {
	if event.FillID == "" {
		return nil, nil, fmt.Errorf("fill event for order %s carries no fill id", order.ClientOrderID)
	}

	seen, err := s.db.FillExists(event.FillID)
	if err != nil {
		return nil, nil, err
	}
	if seen {
		logger.Warn().Str("fill_id", event.FillID).Msg("duplicate fill ignored")
		s.audit.Record(audit.Entry{
			EventType: audit.EventDuplicateFillIgnored,
			Symbol:    order.Symbol,
			Exchange:  order.Exchange,
			Reference: order.ClientOrderID,
			Reason:    fmt.Sprintf("exchange fill id %s replayed", event.FillID),
		})
		return order, nil, nil
	}

	if !event.Quantity.IsPositive() {
		return nil, nil, fmt.Errorf("fill %s has non-positive quantity", event.FillID)
	}

	newFilled := order.FilledQuantity.Add(event.Quantity)
	if newFilled.GreaterThan(order.Quantity) {
		return nil, nil, fmt.Errorf("%w: order %s filled %s of %s, fill adds %s",
			ErrOverfill, order.ClientOrderID, order.FilledQuantity, order.Quantity, event.Quantity)
	}

	nextStatus := types.StatusPartiallyFilled
	if newFilled.Equal(order.Quantity) {
		nextStatus = types.StatusFilled
	}
	if !transitionAllowed(order.Status, nextStatus) {
		return nil, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, nextStatus)
	}

	// new_avg = (old_avg*old_qty + fill_price*fill_qty) / (old_qty+fill_qty)
	notional := order.FilledAvgPrice.Mul(order.FilledQuantity).Add(event.Price.Mul(event.Quantity))
	order.FilledAvgPrice = notional.DivRound(newFilled, 8)
	order.FilledQuantity = newFilled
	order.Fee = order.Fee.Add(event.Fee)
	if event.FeeCurrency != "" {
		order.FeeCurrency = event.FeeCurrency
	}
	order.Status = nextStatus
	if event.ExchangeOrderID != "" {
		order.ExchangeOrderID = event.ExchangeOrderID
	}
	order.UpdatedAt = time.Now()

	executedAt := event.Timestamp
	if executedAt.IsZero() {
		executedAt = time.Now()
	}
	trade := &types.Trade{
		TradeID:        "TRD_" + uuid.New().String(),
		ClientOrderID:  order.ClientOrderID,
		ExchangeFillID: event.FillID,
		Exchange:       order.Exchange,
		Symbol:         order.Symbol,
		Side:           order.Side,
		Quantity:       event.Quantity,
		Price:          event.Price,
		Fee:            event.Fee,
		FeeCurrency:    event.FeeCurrency,
		StrategyTag:    order.StrategyTag,
		ExecutedAt:     executedAt,
	}

	if err := s.db.SaveFill(order, trade); err != nil {
		return nil, nil, fmt.Errorf("failed to persist fill: %w", err)
	}

	logger.Info().
		Str("fill_id", event.FillID).
		Str("status", order.Status).
		Str("filled_quantity", order.FilledQuantity.String()).
		Str("filled_avg_price", order.FilledAvgPrice.String()).
		Msg("fill applied")

	return order, trade, nil
}

func (s *Service) applyTerminal(order *types.Order, status string, event exchange.Event) (*types.Order, error) {
	if !transitionAllowed(order.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, status)
	}
	order.Status = status
	if event.ExchangeOrderID != "" {
		order.ExchangeOrderID = event.ExchangeOrderID
	}
	order.UpdatedAt = time.Now()
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// MarkStale finds SUBMITTED orders whose last update is older than the ack
// timeout and moves them to STALE_SUBMITTED. Stale orders are never retried
// automatically; the returned set is handed to reconciliation.
func (s *Service) MarkStale(ackTimeout time.Duration) ([]types.Order, error) {
	cutoff := time.Now().Add(-ackTimeout)
	candidates, err := s.db.GetSubmittedBefore(cutoff)
	if err != nil {
		return nil, err
	}

	var stale []types.Order
	for i := range candidates {
		order := &candidates[i]

		lock := s.orderLock(order.ClientOrderID)
		lock.Lock()
		current, err := s.db.GetOrderByClientID(order.ClientOrderID)
		if err != nil || current == nil || current.Status != types.StatusSubmitted || current.UpdatedAt.After(cutoff) {
			lock.Unlock()
			continue
		}
		current.Status = types.StatusStaleSubmitted
		current.UpdatedAt = time.Now()
		err = s.db.UpdateOrder(current)
		lock.Unlock()
		if err != nil {
			return stale, err
		}

		s.audit.Record(audit.Entry{
			EventType: audit.EventOrderStale,
			Symbol:    current.Symbol,
			Exchange:  current.Exchange,
			Reference: current.ClientOrderID,
			Reason:    fmt.Sprintf("no acknowledgement within %s", ackTimeout),
		})
		stale = append(stale, *current)
	}

	return stale, nil
}

// GetOrder retrieves the current state-machine view of an order.
func (s *Service) GetOrder(clientOrderID string) (*types.Order, error) {
	return s.db.GetOrderByClientID(clientOrderID)
}

// TradesForOrder returns the immutable trade rows backing an order's fills.
func (s *Service) TradesForOrder(clientOrderID string) ([]types.Trade, error) {
	return s.db.GetTradesByOrder(clientOrderID)
}

package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateIntent means an idempotency key was reused with different
	// order parameters. That is a logic error upstream and must never
	// silently overwrite the journaled intent.
	ErrDuplicateIntent = errors.New("idempotency key reused with different order parameters")

	// ErrInvalidIntent means the intent failed basic validation before any
	// durable write.
	ErrInvalidIntent = errors.New("invalid order intent")
)

// Service is the durable order journal. Every intent is persisted here,
// keyed by the caller's idempotency key, before any network call is made.
// This is the single mechanism preventing double submission across restarts.
type Service struct {
	db    *Database
	audit *audit.Recorder
}

// NewService creates a new journal service with the given database connection
func NewService(gormDB *gorm.DB, auditor *audit.Recorder) *Service {
	return &Service{
		db:    NewDatabase(gormDB),
		audit: auditor,
	}
}

// Journal persists an order intent and returns the journaled order. The
// write is durable before Journal returns. Re-journaling an already-seen key
// with identical parameters returns the existing record unchanged; the same
// key with different parameters fails with ErrDuplicateIntent.
func (s *Service) Journal(intent types.OrderIntent) (*types.Order, error) {
	logger := log.With().
		Str("client_order_id", intent.ClientOrderID).
		Str("symbol", intent.Symbol).
		Str("exchange", intent.Exchange).
		Str("side", intent.Side).
		Str("service", "journal").
		Logger()

	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	existing, err := s.db.GetOrderByClientID(intent.ClientOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if existing != nil {
		if !matchesIntent(existing, intent) {
			logger.Error().Msg("idempotency key reused with different parameters")
			return nil, ErrDuplicateIntent
		}
		logger.Debug().Msg("intent already journaled, returning existing record")
		return existing, nil
	}

	order := &types.Order{
		ClientOrderID:  intent.ClientOrderID,
		Exchange:       intent.Exchange,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		OrderType:      intent.OrderType,
		Quantity:       intent.Quantity,
		Price:          intent.Price,
		Status:         types.StatusCreated,
		FilledQuantity: decimal.Zero,
		FilledAvgPrice: decimal.Zero,
		Fee:            decimal.Zero,
		StrategyTag:    intent.StrategyTag,
		Metadata:       intent.Metadata,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	// The intent row and its audit entry commit together: a journaled
	// intent with no trail, or a trail with no intent, must be impossible.
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		notional := intent.Quantity
		if intent.Price != nil {
			notional = intent.Quantity.Mul(*intent.Price)
		}
		return s.audit.RecordTx(tx, audit.Entry{
			EventType: audit.EventIntentJournaled,
			Symbol:    intent.Symbol,
			Exchange:  intent.Exchange,
			Reference: intent.ClientOrderID,
			Amount:    &notional,
			Reason:    fmt.Sprintf("%s %s %s", intent.Side, intent.Quantity, intent.Symbol),
		})
	})
	if err != nil {
		// A concurrent journaler may have won the unique-index race on the
		// same key. Re-read and apply the same idempotency rules.
		raced, lookupErr := s.db.GetOrderByClientID(intent.ClientOrderID)
		if lookupErr == nil && raced != nil {
			if !matchesIntent(raced, intent) {
				return nil, ErrDuplicateIntent
			}
			return raced, nil
		}
		return nil, fmt.Errorf("failed to journal order intent: %w", err)
	}

	logger.Info().Str("status", order.Status).Msg("order intent journaled")
	return order, nil
}

// GetOrder retrieves a journaled order by its idempotency key.
func (s *Service) GetOrder(clientOrderID string) (*types.Order, error) {
	return s.db.GetOrderByClientID(clientOrderID)
}

// OpenOrders returns every journaled order not in a terminal state. The
// recovery manager reconciles exactly this set before trading resumes.
func (s *Service) OpenOrders() ([]types.Order, error) {
	return s.db.GetNonTerminalOrders()
}

// OrderHistory returns recent orders for the query surface, newest first.
func (s *Service) OrderHistory(symbol string, limit int) ([]types.Order, error) {
	return s.db.GetOrderHistory(symbol, limit)
}

func validateIntent(intent types.OrderIntent) error {
	if intent.ClientOrderID == "" {
		return fmt.Errorf("%w: client order id is required", ErrInvalidIntent)
	}
	if intent.Exchange == "" || intent.Symbol == "" {
		return fmt.Errorf("%w: exchange and symbol are required", ErrInvalidIntent)
	}
	if intent.Side != types.SideBuy && intent.Side != types.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidIntent)
	}
	if intent.OrderType != types.OrderTypeMarket && intent.OrderType != types.OrderTypeLimit {
		return fmt.Errorf("%w: order type must be MARKET or LIMIT", ErrInvalidIntent)
	}
	if !intent.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidIntent)
	}
	if intent.OrderType == types.OrderTypeLimit && (intent.Price == nil || !intent.Price.IsPositive()) {
		return fmt.Errorf("%w: limit orders require a positive price", ErrInvalidIntent)
	}
	return nil
}

// matchesIntent compares the parameters that define an intent. Status and
// fill fields are lifecycle state, not identity, and are ignored.
func matchesIntent(order *types.Order, intent types.OrderIntent) bool {
	if order.Exchange != intent.Exchange ||
		order.Symbol != intent.Symbol ||
		order.Side != intent.Side ||
		order.OrderType != intent.OrderType ||
		!order.Quantity.Equal(intent.Quantity) {
		return false
	}
	switch {
	case order.Price == nil && intent.Price == nil:
		return true
	case order.Price == nil || intent.Price == nil:
		return false
	default:
		return order.Price.Equal(*intent.Price)
	}
}

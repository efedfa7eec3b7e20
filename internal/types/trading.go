package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Order lifecycle statuses. STALE_SUBMITTED is non-terminal: it marks an
// order whose acknowledgement timed out and which must be reconciled against
// the exchange before anything else happens to it.
const (
	StatusCreated         = "CREATED"
	StatusSubmitted       = "SUBMITTED"
	StatusStaleSubmitted  = "STALE_SUBMITTED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELLED"
	StatusRejected        = "REJECTED"
)

// IsTerminalStatus reports whether an order in the given status can never
// transition again.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Order is the journaled record of an order intent plus the exchange-reported
// view of its lifecycle. ClientOrderID is the caller-supplied idempotency key
// and is never reused; ExchangeOrderID stays empty until the exchange
// acknowledges the order.
type Order struct {
	gorm.Model      `json:"-"`
	ClientOrderID   string           `gorm:"uniqueIndex" json:"client_order_id"`
	ExchangeOrderID string           `gorm:"index" json:"exchange_order_id,omitempty"`
	Exchange        string           `gorm:"index" json:"exchange"`
	Symbol          string           `gorm:"index" json:"symbol"`
	Side            string           `json:"side"`       // BUY or SELL
	OrderType       string           `json:"order_type"` // MARKET or LIMIT
	Quantity        decimal.Decimal  `gorm:"type:decimal(20,8)" json:"quantity"`
	Price           *decimal.Decimal `gorm:"type:decimal(20,8)" json:"price,omitempty"`
	Status          string           `gorm:"index" json:"status"`
	FilledQuantity  decimal.Decimal  `gorm:"type:decimal(20,8)" json:"filled_quantity"`
	FilledAvgPrice  decimal.Decimal  `gorm:"type:decimal(20,8)" json:"filled_avg_price"`
	Fee             decimal.Decimal  `gorm:"type:decimal(20,8)" json:"fee"`
	FeeCurrency     string           `json:"fee_currency"`
	StrategyTag     string           `gorm:"index" json:"strategy_tag"`
	Metadata        string           `json:"metadata,omitempty"` // free-form JSON
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// OrderIntent is what a strategy hands to the core. The core never calls back
// into strategy code; this is the whole contract.
type OrderIntent struct {
	ClientOrderID string           `json:"client_order_id" binding:"required"`
	Exchange      string           `json:"exchange" binding:"required"`
	Symbol        string           `json:"symbol" binding:"required"`
	Side          string           `json:"side" binding:"required"`
	OrderType     string           `json:"order_type" binding:"required"`
	Quantity      decimal.Decimal  `json:"quantity" binding:"required"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	StrategyTag   string           `json:"strategy_tag"`
	Metadata      string           `json:"metadata,omitempty"`
}

// Trade is an immutable execution record. ExchangeFillID carries the
// exchange's own fill identifier and is unique, which is what makes replayed
// fill events detectable. RealizedPnL stays nil until the tax lot engine
// matches the trade.
type Trade struct {
	gorm.Model     `json:"-"`
	TradeID        string           `gorm:"uniqueIndex" json:"trade_id"`
	ClientOrderID  string           `gorm:"index" json:"client_order_id"`
	ExchangeFillID string           `gorm:"uniqueIndex" json:"exchange_fill_id"`
	Exchange       string           `gorm:"index" json:"exchange"`
	Symbol         string           `gorm:"index" json:"symbol"`
	Side           string           `json:"side"`
	Quantity       decimal.Decimal  `gorm:"type:decimal(20,8)" json:"quantity"`
	Price          decimal.Decimal  `gorm:"type:decimal(20,8)" json:"price"`
	Fee            decimal.Decimal  `gorm:"type:decimal(20,8)" json:"fee"`
	FeeCurrency    string           `json:"fee_currency"`
	RealizedPnL    *decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,8)" json:"realized_pnl,omitempty"`
	StrategyTag    string           `json:"strategy_tag"`
	ExecutedAt     time.Time        `gorm:"index" json:"executed_at"`
}

package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Tax lot statuses
const (
	LotStatusOpen   = "OPEN"
	LotStatusClosed = "CLOSED"
)

// Holding period classifications
const (
	HoldingPeriodShort = "short"
	HoldingPeriodLong  = "long"
)

// Lot matching methods
const (
	LotMethodFIFO = "FIFO"
	LotMethodLIFO = "LIFO"
)

// Position is the cached net position per (symbol, exchange). It is a derived
// projection: quantity and average price must always equal a replay of the
// confirmed trade log from empty, and recovery corrects it when they do not.
type Position struct {
	gorm.Model    `json:"-"`
	Symbol        string          `gorm:"uniqueIndex:idx_positions_symbol_exchange" json:"symbol"`
	Exchange      string          `gorm:"uniqueIndex:idx_positions_symbol_exchange" json:"exchange"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,8)" json:"quantity"`
	AvgEntryPrice decimal.Decimal `gorm:"type:decimal(20,8)" json:"avg_entry_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TaxLot tracks a discrete purchased quantity for cost-basis accounting.
// RemainingQuantity only ever decreases; once it reaches zero the lot is
// CLOSED and immutable. A partially consumed lot is split: the consumed
// portion is written as a new CLOSED row pointing back via ParentLotID, while
// this row keeps its original purchase date and price.
type TaxLot struct {
	gorm.Model        `json:"-"`
	LotID             string           `gorm:"uniqueIndex" json:"lot_id"`
	ParentLotID       string           `gorm:"index" json:"parent_lot_id,omitempty"`
	TradeID           string           `gorm:"index" json:"trade_id"`
	Symbol            string           `gorm:"index" json:"symbol"`
	Exchange          string           `gorm:"index" json:"exchange"`
	Quantity          decimal.Decimal  `gorm:"type:decimal(20,8)" json:"quantity"`
	RemainingQuantity decimal.Decimal  `gorm:"type:decimal(20,8)" json:"remaining_quantity"`
	PurchasePrice     decimal.Decimal  `gorm:"type:decimal(20,8)" json:"purchase_price"`
	PurchaseFee       decimal.Decimal  `gorm:"type:decimal(20,8)" json:"purchase_fee"`
	PurchaseDate      time.Time        `gorm:"index" json:"purchase_date"`
	Status            string           `gorm:"index" json:"status"` // OPEN or CLOSED
	SalePrice         *decimal.Decimal `gorm:"type:decimal(20,8)" json:"sale_price,omitempty"`
	SaleFee           *decimal.Decimal `gorm:"type:decimal(20,8)" json:"sale_fee,omitempty"`
	SaleDate          *time.Time       `json:"sale_date,omitempty"`
	CostBasis         *decimal.Decimal `gorm:"type:decimal(20,8)" json:"cost_basis,omitempty"`
	Proceeds          *decimal.Decimal `gorm:"type:decimal(20,8)" json:"proceeds,omitempty"`
	RealizedPnL       *decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,8)" json:"realized_pnl,omitempty"`
	HoldingPeriod     string           `json:"holding_period,omitempty"` // short or long
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// SystemState is a key-value row of process-wide recovery checkpoints. It is
// the only cross-restart mutable state outside the journal and ledger tables.
type SystemState struct {
	gorm.Model `json:"-"`
	Key        string    `gorm:"uniqueIndex" json:"key"`
	Value      string    `json:"value"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MarketData caches the last reported price per (symbol, exchange). Used only
// for derived values (unrealized pnl); never an input to position accounting.
type MarketData struct {
	gorm.Model `json:"-"`
	Symbol     string          `gorm:"uniqueIndex:idx_market_data_symbol_exchange" json:"symbol"`
	Exchange   string          `gorm:"uniqueIndex:idx_market_data_symbol_exchange" json:"exchange"`
	LastPrice  decimal.Decimal `gorm:"type:decimal(20,8)" json:"last_price"`
	BidPrice   decimal.Decimal `gorm:"type:decimal(20,8)" json:"bid_price"`
	AskPrice   decimal.Decimal `gorm:"type:decimal(20,8)" json:"ask_price"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PerformanceMetric is a daily per-symbol snapshot written after tax lot
// matching. Reporting reads it; nothing in the core depends on it.
type PerformanceMetric struct {
	gorm.Model    `json:"-"`
	MetricDate    time.Time       `gorm:"uniqueIndex:idx_perf_date_symbol" json:"metric_date"`
	Symbol        string          `gorm:"uniqueIndex:idx_perf_date_symbol" json:"symbol"`
	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,8)" json:"realized_pnl"`
	TradeCount    int             `json:"trade_count"`
	VolumeTraded  decimal.Decimal `gorm:"type:decimal(20,8)" json:"volume_traded"`
	FeesPaid      decimal.Decimal `gorm:"type:decimal(20,8)" json:"fees_paid"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AuditLog records every decision an operator may need to reconstruct after
// the fact: admission denials, breaker trips and resets, duplicate fills,
// drift corrections, recovery halts.
type AuditLog struct {
	gorm.Model `json:"-"`
	EventType  string           `gorm:"index" json:"event_type"`
	Symbol     string           `gorm:"index" json:"symbol,omitempty"`
	Exchange   string           `json:"exchange,omitempty"`
	Reference  string           `gorm:"index" json:"reference,omitempty"` // order, trade or lot ID
	Amount     *decimal.Decimal `gorm:"type:decimal(20,8)" json:"amount,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Detail     string           `json:"detail,omitempty"`
	CreatedAt  time.Time        `gorm:"index" json:"created_at"`
}

package taxlot

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/trading-core/internal/audit"
	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const longHoldingPeriod = 365 * 24 * time.Hour

var (
	// ErrInsufficientLotQuantity means open lots sum to less than the sale
	// quantity. The lot table and position ledger have diverged; the caller
	// must trigger reconciliation, never a partial match.
	ErrInsufficientLotQuantity = errors.New("open tax lots cover less than the sale quantity")

	// ErrUnknownMethod means the lot matching method is neither FIFO nor LIFO.
	ErrUnknownMethod = errors.New("unknown lot matching method")
)

// Service derives realized tax lots from confirmed trades. Buy fills open
// lots; sell fills consume them under FIFO or LIFO ordering.
type Service struct {
	db    *Database
	audit *audit.Recorder

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per (symbol, exchange)
}

// NewService creates a new tax lot service.
func NewService(gormDB *gorm.DB, auditor *audit.Recorder) *Service {
	return &Service{
		db:    NewDatabase(gormDB),
		audit: auditor,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) keyLock(symbol, exchange string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := symbol + "|" + exchange
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// OpenLot records a new open lot from a confirmed buy trade. Idempotent per
// trade: a replayed trade never opens a second lot.
func (s *Service) OpenLot(trade *types.Trade) (*types.TaxLot, error) {
	if trade.Side != types.SideBuy {
		return nil, fmt.Errorf("lot can only be opened from a buy trade, got %s", trade.Side)
	}

	lock := s.keyLock(trade.Symbol, trade.Exchange)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.db.GetLotByTrade(trade.TradeID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	lot := &types.TaxLot{
		LotID:             "LOT_" + uuid.New().String(),
		TradeID:           trade.TradeID,
		Symbol:            trade.Symbol,
		Exchange:          trade.Exchange,
		Quantity:          trade.Quantity,
		RemainingQuantity: trade.Quantity,
		PurchasePrice:     trade.Price,
		PurchaseFee:       trade.Fee,
		PurchaseDate:      trade.ExecutedAt,
		Status:            types.LotStatusOpen,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}

	if err := s.db.CreateLot(lot); err != nil {
		return nil, fmt.Errorf("failed to open tax lot: %w", err)
	}

	log.Debug().
		Str("lot_id", lot.LotID).
		Str("symbol", lot.Symbol).
		Str("quantity", lot.Quantity.String()).
		Str("purchase_price", lot.PurchasePrice.String()).
		Str("service", "taxlot").
		Msg("tax lot opened")

	return lot, nil
}

// MatchResult is the outcome of matching one sale against open lots.
type MatchResult struct {
	RealizedPnL  decimal.Decimal
	CostBasis    decimal.Decimal
	Proceeds     decimal.Decimal
	ConsumedLots []types.TaxLot
}

// MatchSale consumes open lots for the sale under the given method. Lots are
// taken in purchase-date order (FIFO ascending, LIFO descending); a
// partially consumed lot splits into an immutable closed sub-record while
// the open remainder keeps its original purchase date and price. The whole
// match commits in one transaction.
func (s *Service) MatchSale(symbol, exchange string, quantity, price, fee decimal.Decimal, saleDate time.Time, method string) (*MatchResult, error) {
	logger := log.With().
		Str("symbol", symbol).
		Str("exchange", exchange).
		Str("quantity", quantity.String()).
		Str("method", method).
		Str("service", "taxlot").
		Logger()

	if method != types.LotMethodFIFO && method != types.LotMethodLIFO {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("sale quantity must be positive, got %s", quantity)
	}

	lock := s.keyLock(symbol, exchange)
	lock.Lock()
	defer lock.Unlock()

	lots, err := s.db.GetOpenLots(symbol, exchange, method)
	if err != nil {
		return nil, err
	}

	available := decimal.Zero
	for i := range lots {
		available = available.Add(lots[i].RemainingQuantity)
	}
	if available.LessThan(quantity) {
		logger.Error().
			Str("available", available.String()).
			Msg("open lots cover less than sale quantity")
		s.audit.Record(audit.Entry{
			EventType: audit.EventLedgerDivergence,
			Symbol:    symbol,
			Exchange:  exchange,
			Amount:    &quantity,
			Reason:    fmt.Sprintf("open lots cover %s of sale %s", available, quantity),
		})
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientLotQuantity, available, quantity)
	}

	result := &MatchResult{
		RealizedPnL: decimal.Zero,
		CostBasis:   decimal.Zero,
		Proceeds:    decimal.Zero,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		remaining := quantity
		for i := range lots {
			if !remaining.IsPositive() {
				break
			}
			lot := &lots[i]

			consumed := decimal.Min(remaining, lot.RemainingQuantity)
			saleFeeShare := fee.Mul(consumed).DivRound(quantity, 8)

			closed, err := s.consumeLot(tx, lot, consumed, price, saleFeeShare, saleDate)
			if err != nil {
				return err
			}

			result.ConsumedLots = append(result.ConsumedLots, *closed)
			result.CostBasis = result.CostBasis.Add(*closed.CostBasis)
			result.Proceeds = result.Proceeds.Add(*closed.Proceeds)
			result.RealizedPnL = result.RealizedPnL.Add(*closed.RealizedPnL)
			remaining = remaining.Sub(consumed)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to match sale: %w", err)
	}

	logger.Info().
		Str("realized_pnl", result.RealizedPnL.String()).
		Str("cost_basis", result.CostBasis.String()).
		Str("proceeds", result.Proceeds.String()).
		Int("lots_consumed", len(result.ConsumedLots)).
		Msg("sale matched against open lots")

	return result, nil
}

// consumeLot closes the consumed portion of a lot inside the transaction.
// Full consumption closes the row itself; partial consumption writes a
// closed sub-record and shrinks the parent proportionally.
func (s *Service) consumeLot(tx *gorm.DB, lot *types.TaxLot, consumed, salePrice, saleFee decimal.Decimal, saleDate time.Time) (*types.TaxLot, error) {
	feeShare := lot.PurchaseFee
	if !lot.Quantity.IsZero() && !consumed.Equal(lot.RemainingQuantity) {
		feeShare = lot.PurchaseFee.Mul(consumed).DivRound(lot.RemainingQuantity, 8)
	}

	costBasis := consumed.Mul(lot.PurchasePrice).Add(feeShare).Round(8)
	proceeds := consumed.Mul(salePrice).Sub(saleFee).Round(8)
	realized := proceeds.Sub(costBasis)
	holding := types.HoldingPeriodShort
	if saleDate.Sub(lot.PurchaseDate) >= longHoldingPeriod {
		holding = types.HoldingPeriodLong
	}

	if consumed.Equal(lot.RemainingQuantity) {
		lot.RemainingQuantity = decimal.Zero
		lot.Status = types.LotStatusClosed
		lot.SalePrice = &salePrice
		lot.SaleFee = &saleFee
		lot.SaleDate = &saleDate
		lot.CostBasis = &costBasis
		lot.Proceeds = &proceeds
		lot.RealizedPnL = &realized
		lot.HoldingPeriod = holding
		lot.UpdatedAt = time.Now()
		if err := tx.Save(lot).Error; err != nil {
			return nil, err
		}
		return lot, nil
	}

	sub := &types.TaxLot{
		LotID:             "LOT_" + uuid.New().String(),
		ParentLotID:       lot.LotID,
		TradeID:           lot.TradeID,
		Symbol:            lot.Symbol,
		Exchange:          lot.Exchange,
		Quantity:          consumed,
		RemainingQuantity: decimal.Zero,
		PurchasePrice:     lot.PurchasePrice,
		PurchaseFee:       feeShare,
		PurchaseDate:      lot.PurchaseDate,
		Status:            types.LotStatusClosed,
		SalePrice:         &salePrice,
		SaleFee:           &saleFee,
		SaleDate:          &saleDate,
		CostBasis:         &costBasis,
		Proceeds:          &proceeds,
		RealizedPnL:       &realized,
		HoldingPeriod:     holding,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	if err := tx.Create(sub).Error; err != nil {
		return nil, err
	}

	lot.Quantity = lot.Quantity.Sub(consumed)
	lot.RemainingQuantity = lot.RemainingQuantity.Sub(consumed)
	lot.PurchaseFee = lot.PurchaseFee.Sub(feeShare)
	lot.UpdatedAt = time.Now()
	if err := tx.Save(lot).Error; err != nil {
		return nil, err
	}

	return sub, nil
}

// RecordRealizedPnL writes the realized pnl back to the matched sell trade
// and folds it into the daily performance metric for the symbol.
func (s *Service) RecordRealizedPnL(tradeID string, result *MatchResult, symbol string, volume decimal.Decimal, fees decimal.Decimal, day time.Time) error {
	if err := s.db.SetTradeRealizedPnL(tradeID, result.RealizedPnL); err != nil {
		return err
	}
	return s.db.UpsertPerformanceMetric(day, symbol, result.RealizedPnL, volume, fees)
}

// OpenLots returns the open lots for a symbol in purchase-date order.
func (s *Service) OpenLots(symbol, exchange string) ([]types.TaxLot, error) {
	return s.db.GetOpenLots(symbol, exchange, types.LotMethodFIFO)
}

// ClosedLots returns the closed lots for a symbol, newest sale first.
func (s *Service) ClosedLots(symbol, exchange string) ([]types.TaxLot, error) {
	return s.db.GetClosedLots(symbol, exchange)
}

// OpenQuantity sums remaining quantity across open lots for a key.
func (s *Service) OpenQuantity(symbol, exchange string) (decimal.Decimal, error) {
	lots, err := s.db.GetOpenLots(symbol, exchange, types.LotMethodFIFO)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := range lots {
		total = total.Add(lots[i].RemainingQuantity)
	}
	return total, nil
}

// RealizedPnLSince sums realized pnl across lots closed at or after the
// given time. The risk enforcer reads today's realized losses through this.
func (s *Service) RealizedPnLSince(since time.Time) (decimal.Decimal, error) {
	return s.db.SumRealizedPnLSince(since)
}

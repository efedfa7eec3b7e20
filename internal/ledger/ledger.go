package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/ksred/trading-core/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service maintains the cached net position per (symbol, exchange). The
// cache is never authoritative: quantity and average entry price must equal
// a replay of the confirmed trade log, and Reconstruct performs exactly that
// replay for drift checks.
type Service struct {
	db *Database

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per (symbol, exchange) key
}

// NewService creates a new position ledger service.
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:    NewDatabase(gormDB),
		locks: make(map[string]*sync.Mutex),
	}
}

func positionKey(symbol, exchange string) string {
	return symbol + "|" + exchange
}

// keyLock returns the single-writer lock for one (symbol, exchange) key.
// Different keys update fully in parallel.
func (s *Service) keyLock(symbol, exchange string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey(symbol, exchange)
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// ApplyFill folds one confirmed trade into the cached position row and
// returns the updated position. Only Trades ever reach here; pending orders
// never touch the ledger.
func (s *Service) ApplyFill(trade *types.Trade) (*types.Position, error) {
	lock := s.keyLock(trade.Symbol, trade.Exchange)
	lock.Lock()
	defer lock.Unlock()

	position, err := s.db.GetPosition(trade.Symbol, trade.Exchange)
	if err != nil {
		return nil, err
	}
	if position == nil {
		position = &types.Position{
			Symbol:        trade.Symbol,
			Exchange:      trade.Exchange,
			Quantity:      decimal.Zero,
			AvgEntryPrice: decimal.Zero,
		}
	}

	quantity, avgPrice := applyTrade(position.Quantity, position.AvgEntryPrice, trade)
	position.Quantity = quantity
	position.AvgEntryPrice = avgPrice
	position.UpdatedAt = time.Now()

	if err := s.db.UpsertPosition(position); err != nil {
		return nil, fmt.Errorf("failed to persist position: %w", err)
	}

	log.Debug().
		Str("symbol", trade.Symbol).
		Str("exchange", trade.Exchange).
		Str("quantity", position.Quantity.String()).
		Str("avg_entry_price", position.AvgEntryPrice.String()).
		Str("service", "ledger").
		Msg("position updated from fill")

	return position, nil
}

// applyTrade is the pure position step function. ApplyFill and Reconstruct
// both fold trades through it, which is what makes the cached row and the
// replay provably agree when no drift has occurred.
func applyTrade(quantity, avgPrice decimal.Decimal, trade *types.Trade) (decimal.Decimal, decimal.Decimal) {
	signed := trade.Quantity
	if trade.Side == types.SideSell {
		signed = signed.Neg()
	}

	switch {
	case quantity.IsZero():
		return signed, trade.Price

	case quantity.Sign() == signed.Sign():
		// Same direction: volume-weighted average entry price.
		oldAbs := quantity.Abs()
		newAbs := oldAbs.Add(trade.Quantity)
		newAvg := avgPrice.Mul(oldAbs).Add(trade.Price.Mul(trade.Quantity)).DivRound(newAbs, 8)
		return quantity.Add(signed), newAvg

	case trade.Quantity.LessThanOrEqual(quantity.Abs()):
		// Reducing fill: proportional cost reduction leaves the average
		// entry price of the remainder unchanged.
		next := quantity.Add(signed)
		if next.IsZero() {
			return decimal.Zero, decimal.Zero
		}
		return next, avgPrice

	default:
		// Sign flip: the old basis closes at the flip point and a new basis
		// opens at the flip price for the excess quantity.
		return quantity.Add(signed), trade.Price
	}
}

// Reconstruct replays every confirmed trade for the key from an empty state
// and returns the resulting position without touching the cached row.
func (s *Service) Reconstruct(symbol, exchange string) (*types.Position, error) {
	trades, err := s.db.GetTrades(symbol, exchange)
	if err != nil {
		return nil, err
	}

	quantity := decimal.Zero
	avgPrice := decimal.Zero
	var lastUpdate time.Time
	for i := range trades {
		quantity, avgPrice = applyTrade(quantity, avgPrice, &trades[i])
		lastUpdate = trades[i].ExecutedAt
	}

	return &types.Position{
		Symbol:        symbol,
		Exchange:      exchange,
		Quantity:      quantity,
		AvgEntryPrice: avgPrice,
		UpdatedAt:     lastUpdate,
	}, nil
}

// Drift compares the cached row with a replay. It returns the cached and
// reconstructed positions plus whether they diverge.
func (s *Service) Drift(symbol, exchange string) (cached, replayed *types.Position, drifted bool, err error) {
	lock := s.keyLock(symbol, exchange)
	lock.Lock()
	defer lock.Unlock()

	replayed, err = s.Reconstruct(symbol, exchange)
	if err != nil {
		return nil, nil, false, err
	}

	cached, err = s.db.GetPosition(symbol, exchange)
	if err != nil {
		return nil, nil, false, err
	}
	if cached == nil {
		cached = &types.Position{
			Symbol:        symbol,
			Exchange:      exchange,
			Quantity:      decimal.Zero,
			AvgEntryPrice: decimal.Zero,
		}
	}

	drifted = !cached.Quantity.Equal(replayed.Quantity) || !cached.AvgEntryPrice.Equal(replayed.AvgEntryPrice)
	return cached, replayed, drifted, nil
}

// Correct overwrites the cached row with the replayed truth. Recovery calls
// this after auditing the delta.
func (s *Service) Correct(replayed *types.Position) error {
	lock := s.keyLock(replayed.Symbol, replayed.Exchange)
	lock.Lock()
	defer lock.Unlock()

	position, err := s.db.GetPosition(replayed.Symbol, replayed.Exchange)
	if err != nil {
		return err
	}
	if position == nil {
		position = &types.Position{Symbol: replayed.Symbol, Exchange: replayed.Exchange}
	}
	position.Quantity = replayed.Quantity
	position.AvgEntryPrice = replayed.AvgEntryPrice
	position.UpdatedAt = time.Now()
	return s.db.UpsertPosition(position)
}

// GetPosition returns the cached position for a key, zero-valued when the
// key has never traded.
func (s *Service) GetPosition(symbol, exchange string) (*types.Position, error) {
	position, err := s.db.GetPosition(symbol, exchange)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return &types.Position{
			Symbol:        symbol,
			Exchange:      exchange,
			Quantity:      decimal.Zero,
			AvgEntryPrice: decimal.Zero,
		}, nil
	}
	return position, nil
}

// AllPositions returns every cached position row.
func (s *Service) AllPositions() ([]types.Position, error) {
	return s.db.GetAllPositions()
}

// TradedKeys returns every (symbol, exchange) pair present in the trade log.
func (s *Service) TradedKeys() ([]types.Position, error) {
	return s.db.GetTradedKeys()
}

// RecordMarketPrice caches the last observed price for a key. Used only for
// derived unrealized pnl, never for accounting.
func (s *Service) RecordMarketPrice(symbol, exchange string, price decimal.Decimal) error {
	return s.db.UpsertMarketPrice(symbol, exchange, price)
}

// UnrealizedPnL derives (last price − avg entry) × quantity from the cached
// market data. Returns zero when no price has been observed.
func (s *Service) UnrealizedPnL(position *types.Position) (decimal.Decimal, error) {
	price, err := s.db.GetMarketPrice(position.Symbol, position.Exchange)
	if err != nil {
		return decimal.Zero, err
	}
	if price == nil || position.Quantity.IsZero() {
		return decimal.Zero, nil
	}
	return price.Sub(position.AvgEntryPrice).Mul(position.Quantity).Round(8), nil
}

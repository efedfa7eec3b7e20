package ledger

import (
	"errors"
	"time"

	"github.com/ksred/trading-core/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetPosition(symbol, exchange string) (*types.Position, error) {
	var position types.Position
	if err := d.db.Where("symbol = ? AND exchange = ?", symbol, exchange).First(&position).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}

func (d *Database) UpsertPosition(position *types.Position) error {
	if position.ID != 0 {
		return d.db.Save(position).Error
	}
	return d.db.Create(position).Error
}

func (d *Database) GetAllPositions() ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.Order("symbol, exchange").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// GetTrades returns the confirmed trade log for a key in execution order.
// Ties on timestamp break on insertion order so replay is deterministic.
func (d *Database) GetTrades(symbol, exchange string) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.
		Where("symbol = ? AND exchange = ?", symbol, exchange).
		Order("executed_at ASC, id ASC").
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// GetTradedKeys returns the distinct (symbol, exchange) pairs in the trade
// log as bare position keys.
func (d *Database) GetTradedKeys() ([]types.Position, error) {
	var keys []types.Position
	err := d.db.Model(&types.Trade{}).
		Distinct("symbol", "exchange").
		Find(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (d *Database) UpsertMarketPrice(symbol, exchange string, price decimal.Decimal) error {
	var row types.MarketData
	err := d.db.Where("symbol = ? AND exchange = ?", symbol, exchange).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = types.MarketData{
			Symbol:    symbol,
			Exchange:  exchange,
			LastPrice: price,
			UpdatedAt: time.Now(),
		}
		return d.db.Create(&row).Error
	case err != nil:
		return err
	}
	row.LastPrice = price
	row.UpdatedAt = time.Now()
	return d.db.Save(&row).Error
}

func (d *Database) GetMarketPrice(symbol, exchange string) (*decimal.Decimal, error) {
	var row types.MarketData
	if err := d.db.Where("symbol = ? AND exchange = ?", symbol, exchange).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row.LastPrice, nil
}

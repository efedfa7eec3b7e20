package orders

import (
	"errors"
	"time"

	"github.com/ksred/trading-core/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetOrderByClientID(clientOrderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("client_order_id = ?", clientOrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

func (d *Database) FillExists(exchangeFillID string) (bool, error) {
	var count int64
	if err := d.db.Model(&types.Trade{}).Where("exchange_fill_id = ?", exchangeFillID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// SaveFill persists a trade row and the updated order state in a transaction,
// so an accepted fill either fully lands or not at all.
func (d *Database) SaveFill(order *types.Order, trade *types.Trade) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(trade).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Save(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (d *Database) GetSubmittedBefore(cutoff time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("status = ? AND updated_at < ?", types.StatusSubmitted, cutoff).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) GetTradesByOrder(clientOrderID string) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.
		Where("client_order_id = ?", clientOrderID).
		Order("executed_at ASC").
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

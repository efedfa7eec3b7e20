package journal

import (
	"errors"

	"github.com/ksred/trading-core/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Transaction runs fn inside a database transaction, for writes that must
// commit atomically with their audit row.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
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

func (d *Database) GetNonTerminalOrders() ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("status NOT IN ?", []string{types.StatusFilled, types.StatusCancelled, types.StatusRejected}).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) GetOrderHistory(symbol string, limit int) ([]types.Order, error) {
	query := d.db.Order("created_at DESC")
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var orders []types.Order
	if err := query.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

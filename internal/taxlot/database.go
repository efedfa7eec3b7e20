package taxlot

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

func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}

func (d *Database) CreateLot(lot *types.TaxLot) error {
	return d.db.Create(lot).Error
}

func (d *Database) GetLotByTrade(tradeID string) (*types.TaxLot, error) {
	var lot types.TaxLot
	err := d.db.Where("trade_id = ? AND parent_lot_id = ?", tradeID, "").First(&lot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lot, nil
}

// GetOpenLots returns open lots ordered for consumption: purchase date
// ascending for FIFO, descending for LIFO, with insertion order breaking
// ties either way.
func (d *Database) GetOpenLots(symbol, exchange, method string) ([]types.TaxLot, error) {
	order := "purchase_date ASC, id ASC"
	if method == types.LotMethodLIFO {
		order = "purchase_date DESC, id DESC"
	}

	var lots []types.TaxLot
	err := d.db.
		Where("symbol = ? AND exchange = ? AND status = ?", symbol, exchange, types.LotStatusOpen).
		Order(order).
		Find(&lots).Error
	if err != nil {
		return nil, err
	}
	return lots, nil
}

func (d *Database) GetClosedLots(symbol, exchange string) ([]types.TaxLot, error) {
	var lots []types.TaxLot
	err := d.db.
		Where("symbol = ? AND exchange = ? AND status = ?", symbol, exchange, types.LotStatusClosed).
		Order("sale_date DESC, id DESC").
		Find(&lots).Error
	if err != nil {
		return nil, err
	}
	return lots, nil
}

func (d *Database) SetTradeRealizedPnL(tradeID string, pnl decimal.Decimal) error {
	return d.db.Model(&types.Trade{}).
		Where("trade_id = ?", tradeID).
		Update("realized_pnl", pnl).Error
}

func (d *Database) SumRealizedPnLSince(since time.Time) (decimal.Decimal, error) {
	var rows []types.TaxLot
	err := d.db.
		Where("status = ? AND sale_date >= ?", types.LotStatusClosed, since).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for i := range rows {
		if rows[i].RealizedPnL != nil {
			total = total.Add(*rows[i].RealizedPnL)
		}
	}
	return total, nil
}

func (d *Database) UpsertPerformanceMetric(day time.Time, symbol string, realized, volume, fees decimal.Decimal) error {
	date := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	var metric types.PerformanceMetric
	err := d.db.Where("metric_date = ? AND symbol = ?", date, symbol).First(&metric).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		metric = types.PerformanceMetric{
			MetricDate:   date,
			Symbol:       symbol,
			RealizedPnL:  realized,
			TradeCount:   1,
			VolumeTraded: volume,
			FeesPaid:     fees,
			UpdatedAt:    time.Now(),
		}
		return d.db.Create(&metric).Error
	case err != nil:
		return err
	}

	metric.RealizedPnL = metric.RealizedPnL.Add(realized)
	metric.TradeCount++
	metric.VolumeTraded = metric.VolumeTraded.Add(volume)
	metric.FeesPaid = metric.FeesPaid.Add(fees)
	metric.UpdatedAt = time.Now()
	return d.db.Save(&metric).Error
}

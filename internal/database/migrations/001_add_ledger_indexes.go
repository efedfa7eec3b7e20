package migrations

import (
	"github.com/ksred/trading-core/internal/types"
	"gorm.io/gorm"
)

// AddLedgerIndexes creates the trade and tax lot tables ahead of the general
// auto-migration so their unique indexes exist before anything writes fills.
func AddLedgerIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Trade{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.TaxLot{}); err != nil {
		return err
	}

	return nil
}

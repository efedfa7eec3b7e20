package database

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/ksred/trading-core/internal/database/migrations"
	"github.com/ksred/trading-core/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// NewTestDatabase opens a uniquely named in-memory database with the full
// schema, for tests and the simulation binary. The shared cache keeps the
// schema visible across pooled connections.
func NewTestDatabase() (*gorm.DB, error) {
	name := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	return NewDatabase(name)
}

// Migrate applies the full schema to an open connection.
func Migrate(db *gorm.DB) error {
	// Run versioned migrations first
	if err := migrations.AddLedgerIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate remaining schemas
	err := db.AutoMigrate(
		&types.Order{},
		&types.Trade{},
		&types.Position{},
		&types.TaxLot{},
		&types.SystemState{},
		&types.MarketData{},
		&types.PerformanceMetric{},
		&types.AuditLog{},
	)
	if err != nil {
		return err
	}

	return nil
}

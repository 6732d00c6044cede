package database

import (
	"fmt"

	"mt5-trade-agent-go/internal/config"
	"mt5-trade-agent-go/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the schema. Rows are never dropped: trade
// ideas and positions form the audit trail the daily risk budget is derived
// from.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.TradeIdea{}, &models.Position{}, &models.EventLog{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

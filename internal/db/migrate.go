package db

import (
	"fmt"

	"github.com/zulandar/roundtable/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the GORM models managed by AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&models.SessionRecord{},
		&models.InsightRecord{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

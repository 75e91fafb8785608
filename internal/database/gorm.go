package database

import (
	"fmt"

	"whatsapp-platform/internal/config"
	"whatsapp-platform/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database and runs auto-migration for the
// engine entities.
func Open(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate runs gorm auto-migration for all engine entities.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Account{},
		&models.PhoneNumber{},
		&models.Audience{},
		&models.Recipient{},
		&models.Campaign{},
		&models.Message{},
		&models.Automation{},
	)
	if err != nil {
		return fmt.Errorf("auto-migration: %w", err)
	}
	return nil
}

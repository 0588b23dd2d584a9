// Package database provides gorm connection constructors and migration.
package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/models"
)

// NewPostgresDB opens a pooled postgres connection.
func NewPostgresDB(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	return db, nil
}

// NewSQLiteDB opens an in-memory sqlite connection, used by tests.
func NewSQLiteDB() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the schema for all vault models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.CollateralAsset{},
		&models.VaultPosition{},
		&models.VaultState{},
		&models.NavRecord{},
		&models.NavUpdater{},
		&models.NavSetting{},
		&models.VaultEvent{},
		&models.RedemptionRequest{},
	)
}

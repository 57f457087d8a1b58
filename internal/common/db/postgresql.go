package db

import (
	"fmt"
	"log"
	"time"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database is a wrapper around gorm.DB
type Database struct {
	*gorm.DB
}

// NewPostgresDB creates a new database connection
func NewPostgresDB(cfg *config.DatabaseConfig) (*Database, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Host, cfg.Username, cfg.Password, cfg.DBName, cfg.Port)

	newLogger := logger.New(
		log.Default(),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Set connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	return &Database{db}, nil
}

// MigrateSchema creates or updates the database schema
func (db *Database) MigrateSchema() error {
	return db.AutoMigrate(
		&models.Product{},
		&models.ProductMetrics{},
		&models.Listing{},
		&models.ListingMetrics{},
		&models.ABTest{},
		&models.CompetitorAnalysis{},
		&models.ActionLog{},
	)
}

// Session returns a fresh session scope for a job run so that statements
// issued by concurrent jobs do not share statement state.
func (db *Database) Session() *Database {
	return &Database{db.DB.Session(&gorm.Session{NewDB: true})}
}

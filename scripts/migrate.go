package main

import (
	"log"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/db"
)

func Initmigrate() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database connection
	database, err := db.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Run migrations
	log.Println("Starting database migration...")
	if err := database.MigrateSchema(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("Migration completed successfully")
}

package main

import (
	"log"
	"time"

	"gorm.io/datatypes"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/db"
	"github.com/sellforge/platform/internal/common/models"
)

func main() {
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

	// Seed database with sample data
	log.Println("Starting database seeding...")

	// Create sample products at different lifecycle stages
	publishedItemID := "MLM2001234567"
	publishedAt := time.Now().AddDate(0, 0, -21)

	products := []models.Product{
		{
			SKU:                   "BT-SPK-001",
			Name:                  "Bocina Bluetooth Portatil 20W",
			Description:           "Bocina inalambrica resistente al agua con bateria de 12 horas.",
			BaseCost:              320,
			Stock:                 45,
			Category:              "Audio",
			MarketplaceCategoryID: "MLM1055",
			Status:                models.StatusPending,
			Images:                datatypes.JSON(`["https://example.com/bt-spk-001-1.jpg"]`),
		},
		{
			SKU:                  "USB-HUB-004",
			Name:                 "Hub USB-C 7 en 1 con HDMI 4K",
			Description:          "Adaptador multipuerto para laptop con carga PD de 100W.",
			BaseCost:             210,
			Stock:                60,
			Category:             "Computacion",
			Status:               models.StatusApproved,
			Score:                72,
			CalculatedPrice:      529.55,
			FinalPrice:           482.28,
			MarginPercentage:     35.49,
			CommissionPercentage: cfg.Rules.CommissionPercentage,
		},
		{
			SKU:                  "LED-STR-010",
			Name:                 "Tira LED RGB 5m con Control Remoto",
			Description:          "Tira de luces adhesiva con 16 colores y 4 modos.",
			BaseCost:             150,
			Stock:                120,
			Category:             "Iluminacion",
			StorefrontProductID:  "8801234567890",
			MarketplaceItemID:    &publishedItemID,
			Permalink:            "https://articulo.mercadolibre.com.mx/MLM-2001234567",
			Status:               models.StatusPublished,
			Score:                84,
			AutoApproved:         true,
			CalculatedPrice:      378.25,
			FinalPrice:           344.49,
			MarginPercentage:     35.49,
			CommissionPercentage: cfg.Rules.CommissionPercentage,
			PublishedAt:          &publishedAt,
		},
	}

	for i := range products {
		if err := database.Create(&products[i]).Error; err != nil {
			log.Printf("Error creating product: %v", err)
		}
	}
	log.Printf("Created %d products", len(products))

	// Create metrics rows for each product
	lastSale := time.Now().AddDate(0, 0, -2)
	metrics := []models.ProductMetrics{
		{ProductID: products[0].ID},
		{ProductID: products[1].ID},
		{
			ProductID:      products[2].ID,
			TotalVisits:    860,
			TotalSales:     31,
			TotalRevenue:   10679.19,
			CTR:            1.9,
			ConversionRate: 3.6,
			LastSaleDate:   &lastSale,
		},
	}

	for i := range metrics {
		if err := database.Create(&metrics[i]).Error; err != nil {
			log.Printf("Error creating product metrics: %v", err)
		}
	}
	log.Printf("Created %d metrics rows", len(metrics))

	// Create the live listing for the published product
	listing := models.Listing{
		ProductID:         products[2].ID,
		MarketplaceItemID: publishedItemID,
		Title:             products[2].Name,
		Description:       products[2].Description,
		Price:             products[2].FinalPrice,
		Status:            models.ListingActive,
	}
	if err := database.Create(&listing).Error; err != nil {
		log.Printf("Error creating listing: %v", err)
	}

	// Create daily listing metrics for the last week
	for day := 7; day >= 1; day-- {
		entry := models.ListingMetrics{
			ListingID: listing.ID,
			Date:      time.Now().AddDate(0, 0, -day),
			Visits:    40 + day*3,
			Sales:     1 + day%3,
			Revenue:   float64(1+day%3) * listing.Price,
		}
		if err := database.Create(&entry).Error; err != nil {
			log.Printf("Error creating listing metrics: %v", err)
		}
	}
	log.Println("Created 7 days of listing metrics")

	// Create a competitor analysis snapshot
	analysis := models.CompetitorAnalysis{
		ProductID:              products[2].ID,
		Keyword:                "tira led rgb 5m",
		AvgPrice:               365.40,
		MinPrice:               249.00,
		MaxPrice:               520.00,
		CompetitionLevel:       models.CompetitionMedium,
		FreeShippingPercentage: 60,
		TopCompetitors:         datatypes.JSON(`[{"id":"MLM987654321","title":"Tira Led Rgb 5 Metros","price":349,"sold_quantity":120}]`),
	}
	if err := database.Create(&analysis).Error; err != nil {
		log.Printf("Error creating competitor analysis: %v", err)
	}

	// Create a few audit trail entries
	actions := []models.ActionLog{
		{
			ProductID:  &products[2].ID,
			ActionType: "publish",
			Reason:     "auto-approved with score 84",
			NewValue:   publishedItemID,
		},
		{
			ProductID:  &products[1].ID,
			ActionType: "evaluate",
			Reason:     "score 72 requires manual approval",
			NewValue:   "72",
		},
	}

	for i := range actions {
		if err := database.Create(&actions[i]).Error; err != nil {
			log.Printf("Error creating action log: %v", err)
		}
	}
	log.Printf("Created %d action logs", len(actions))

	log.Println("Database seeding completed successfully")
}

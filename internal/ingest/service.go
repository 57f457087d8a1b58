package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/messaging"
	"github.com/sellforge/platform/internal/common/models"
)

// MetricsEvent is one per-listing, per-period performance report published
// to the metrics topic by the marketplace poller
type MetricsEvent struct {
	MarketplaceItemID string    `json:"marketplace_item_id"`
	Date              time.Time `json:"date"`
	Visits            int       `json:"visits"`
	Sales             int       `json:"sales"`
	Revenue           float64   `json:"revenue"`
	AdSpend           float64   `json:"ad_spend"`
	AdImpressions     int       `json:"ad_impressions"`
	AdClicks          int       `json:"ad_clicks"`
}

// Service consumes listing metrics and folds them into the per-product
// cumulative counters
type Service struct {
	db    *gorm.DB
	kafka *messaging.KafkaClient
	topic string
}

// NewService creates a metrics ingestion service
func NewService(db *gorm.DB, kafka *messaging.KafkaClient, cfg config.KafkaConfig) *Service {
	return &Service{db: db, kafka: kafka, topic: cfg.MetricsTopic}
}

// Start begins consuming the metrics topic until the context is cancelled
func (s *Service) Start(ctx context.Context) error {
	if err := s.kafka.CreateConsumer(s.topic); err != nil {
		return fmt.Errorf("failed to create metrics consumer: %w", err)
	}

	go s.kafka.ConsumeMessages(ctx, s.topic, func(message []byte) error {
		var event MetricsEvent
		if err := json.Unmarshal(message, &event); err != nil {
			// A malformed event is dropped, not retried
			log.Printf("Dropping malformed metrics event: %v", err)
			return nil
		}
		if err := s.Apply(event); err != nil {
			log.Printf("Failed to apply metrics event for %s: %v", event.MarketplaceItemID, err)
		}
		return nil
	})

	return nil
}

// Apply appends one listing metrics snapshot and updates the owning
// product's cumulative counters in a single transaction
func (s *Service) Apply(event MetricsEvent) error {
	var listing models.Listing
	err := s.db.Where("marketplace_item_id = ?", event.MarketplaceItemID).First(&listing).Error
	if err != nil {
		return fmt.Errorf("no listing for item %s: %w", event.MarketplaceItemID, err)
	}

	date := event.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		snapshot := models.ListingMetrics{
			ListingID:     listing.ID,
			Date:          date,
			Visits:        event.Visits,
			Sales:         event.Sales,
			Revenue:       event.Revenue,
			AdSpend:       event.AdSpend,
			AdImpressions: event.AdImpressions,
			AdClicks:      event.AdClicks,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return err
		}

		var metrics models.ProductMetrics
		err := tx.Where("product_id = ?", listing.ProductID).First(&metrics).Error
		if err != nil {
			if err != gorm.ErrRecordNotFound {
				return err
			}
			metrics = models.ProductMetrics{ProductID: listing.ProductID}
			if err := tx.Create(&metrics).Error; err != nil {
				return err
			}
		}

		metrics.TotalVisits += event.Visits
		metrics.TotalSales += event.Sales
		metrics.TotalRevenue += event.Revenue
		if event.Sales > 0 {
			metrics.LastSaleDate = &date
		}
		if metrics.TotalVisits > 0 {
			metrics.ConversionRate = round2(float64(metrics.TotalSales) / float64(metrics.TotalVisits) * 100)
		}

		return tx.Save(&metrics).Error
	})
}

// RefreshRatios recomputes every product's click-through and conversion
// ratios from the accumulated listing history. Run periodically so the
// ratios survive out-of-order event delivery.
func (s *Service) RefreshRatios(ctx context.Context) error {
	var products []models.Product
	if err := s.db.WithContext(ctx).Find(&products).Error; err != nil {
		return fmt.Errorf("failed to load products: %w", err)
	}

	for i := range products {
		if err := s.refreshProductRatios(products[i].ID); err != nil {
			log.Printf("Failed to refresh ratios for product %d: %v", products[i].ID, err)
		}
	}
	return nil
}

func (s *Service) refreshProductRatios(productID uint) error {
	var totals struct {
		Visits        int
		Sales         int
		Revenue       float64
		AdImpressions int
		AdClicks      int
	}
	err := s.db.Model(&models.ListingMetrics{}).
		Select("COALESCE(SUM(listing_metrics.visits),0) AS visits,"+
			" COALESCE(SUM(listing_metrics.sales),0) AS sales,"+
			" COALESCE(SUM(listing_metrics.revenue),0) AS revenue,"+
			" COALESCE(SUM(listing_metrics.ad_impressions),0) AS ad_impressions,"+
			" COALESCE(SUM(listing_metrics.ad_clicks),0) AS ad_clicks").
		Joins("JOIN listings ON listings.id = listing_metrics.listing_id").
		Where("listings.product_id = ?", productID).
		Scan(&totals).Error
	if err != nil {
		return err
	}

	updates := map[string]interface{}{}
	if totals.Visits > 0 {
		updates["conversion_rate"] = round2(float64(totals.Sales) / float64(totals.Visits) * 100)
	}
	if totals.AdImpressions > 0 {
		updates["ctr"] = round2(float64(totals.AdClicks) / float64(totals.AdImpressions) * 100)
	}
	if len(updates) == 0 {
		return nil
	}

	return s.db.Model(&models.ProductMetrics{}).
		Where("product_id = ?", productID).
		Updates(updates).Error
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

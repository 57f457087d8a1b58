package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Product statuses
const (
	StatusPending       = "pending"
	StatusNeedsApproval = "needs_approval"
	StatusApproved      = "approved"
	StatusRejected      = "rejected"
	StatusPublished     = "published"
	StatusPaused        = "paused"
)

// Listing statuses
const (
	ListingActive = "active"
	ListingPaused = "paused"
	ListingEnded  = "ended"
)

// A/B test statuses and variants
const (
	TestRunning   = "running"
	TestCompleted = "completed"
	TestCancelled = "cancelled"

	VariantA = "A"
	VariantB = "B"
	TestTie  = "tie"
)

// A/B test types
const (
	TestTypePrice       = "price"
	TestTypeTitle       = "title"
	TestTypeDescription = "description"
	TestTypeCombined    = "combined"
)

// Competition levels
const (
	CompetitionLow    = "low"
	CompetitionMedium = "medium"
	CompetitionHigh   = "high"
)

// Product represents a catalog item managed by the engine
type Product struct {
	gorm.Model
	SKU                   string  `json:"sku" gorm:"uniqueIndex;not null"`
	Name                  string  `json:"name" gorm:"not null"`
	Description           string  `json:"description"`
	BaseCost              float64 `json:"base_cost" gorm:"not null"`
	ShippingCost          float64 `json:"shipping_cost" gorm:"default:0"`
	Stock                 int     `json:"stock" gorm:"default:0"`
	Category              string  `json:"category"`
	MarketplaceCategoryID string  `json:"marketplace_category_id"`

	// Storefront
	StorefrontProductID string `json:"storefront_product_id"`
	StorefrontVariantID string `json:"storefront_variant_id"`

	// Marketplace
	MarketplaceItemID *string `json:"marketplace_item_id" gorm:"uniqueIndex"`
	Permalink         string  `json:"permalink"`

	// Pricing
	CalculatedPrice      float64 `json:"calculated_price"`
	FinalPrice           float64 `json:"final_price"`
	MarginPercentage     float64 `json:"margin_percentage"`
	CommissionPercentage float64 `json:"commission_percentage"`

	// Status
	Status       string `json:"status" gorm:"default:pending;index"`
	Score        int    `json:"score" gorm:"default:0"`
	AutoApproved bool   `json:"auto_approved" gorm:"default:false"`
	AdsActive    bool   `json:"ads_active" gorm:"default:false"`

	Images datatypes.JSON `json:"images"`

	PublishedAt *time.Time `json:"published_at"`

	// Relationships
	Metrics  *ProductMetrics      `json:"metrics" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
	Listings []Listing            `json:"listings" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
	Analyses []CompetitorAnalysis `json:"analyses" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
	Actions  []ActionLog          `json:"actions" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
}

// ProductMetrics holds cumulative performance counters for a product
type ProductMetrics struct {
	gorm.Model
	ProductID uint `json:"product_id" gorm:"uniqueIndex;not null"`

	TotalVisits  int     `json:"total_visits" gorm:"default:0"`
	TotalSales   int     `json:"total_sales" gorm:"default:0"`
	TotalRevenue float64 `json:"total_revenue" gorm:"default:0"`
	TotalProfit  float64 `json:"total_profit" gorm:"default:0"`

	CTR            float64 `json:"ctr" gorm:"default:0"`
	ConversionRate float64 `json:"conversion_rate" gorm:"default:0"`

	LastSaleDate *time.Time `json:"last_sale_date"`
}

// Listing represents a published variant of a product
type Listing struct {
	gorm.Model
	ProductID uint `json:"product_id" gorm:"not null;index"`

	MarketplaceItemID string  `json:"marketplace_item_id" gorm:"uniqueIndex;not null"`
	Title             string  `json:"title" gorm:"not null"`
	Description       string  `json:"description" gorm:"type:text"`
	Price             float64 `json:"price" gorm:"not null"`
	ListingTypeID     string  `json:"listing_type_id" gorm:"default:gold_special"`

	IsABTest  bool   `json:"is_ab_test" gorm:"default:false"`
	ABVariant string `json:"ab_variant"`
	ABTestID  *uint  `json:"ab_test_id"`

	Status  string     `json:"status" gorm:"default:active;index"`
	EndedAt *time.Time `json:"ended_at"`

	Metrics []ListingMetrics `json:"metrics" gorm:"foreignKey:ListingID;constraint:OnDelete:CASCADE"`
}

// ListingMetrics is an append-only per-period snapshot for a listing
type ListingMetrics struct {
	gorm.Model
	ListingID uint      `json:"listing_id" gorm:"not null;index"`
	Date      time.Time `json:"date" gorm:"index"`

	Visits  int     `json:"visits" gorm:"default:0"`
	Sales   int     `json:"sales" gorm:"default:0"`
	Revenue float64 `json:"revenue" gorm:"default:0"`

	AdSpend       float64 `json:"ad_spend" gorm:"default:0"`
	AdImpressions int     `json:"ad_impressions" gorm:"default:0"`
	AdClicks      int     `json:"ad_clicks" gorm:"default:0"`
}

// ABTest pairs two listing variants under simultaneous test
type ABTest struct {
	gorm.Model
	ProductID uint `json:"product_id" gorm:"not null;index"`

	TestType   string `json:"test_type" gorm:"not null"`
	VariantAID uint   `json:"variant_a_id" gorm:"not null"`
	VariantBID uint   `json:"variant_b_id" gorm:"not null"`

	Status string `json:"status" gorm:"default:running;index"`
	Winner string `json:"winner"`

	Results datatypes.JSON `json:"results"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

// CompetitorAnalysis is an append-only snapshot of a keyword's competition
type CompetitorAnalysis struct {
	gorm.Model
	ProductID uint   `json:"product_id" gorm:"not null;index"`
	Keyword   string `json:"keyword" gorm:"not null"`

	AvgPrice         float64 `json:"avg_price"`
	MinPrice         float64 `json:"min_price"`
	MaxPrice         float64 `json:"max_price"`
	CompetitionLevel string  `json:"competition_level"`

	TopCompetitors         datatypes.JSON `json:"top_competitors"`
	FreeShippingPercentage float64        `json:"free_shipping_percentage"`
}

// ActionLog is the append-only audit trail of everything the engine did.
// ProductID is nil for system-wide actions such as job runs.
type ActionLog struct {
	gorm.Model
	ProductID *uint `json:"product_id" gorm:"index"`

	ActionType string `json:"action_type" gorm:"not null;index"`
	Reason     string `json:"reason"`
	OldValue   string `json:"old_value"`
	NewValue   string `json:"new_value"`

	Success      bool   `json:"success" gorm:"default:true"`
	ErrorMessage string `json:"error_message" gorm:"type:text"`

	JobRunID string `json:"job_run_id"`
}

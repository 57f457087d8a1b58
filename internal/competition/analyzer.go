package competition

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"

	"gorm.io/gorm"

	"github.com/sellforge/platform/internal/common/models"
	"github.com/sellforge/platform/internal/marketplace"
)

const (
	searchLimit   = 20
	topSampleSize = 10

	freeShippingThreshold = 70.0
)

// Searcher is the slice of the marketplace client the analyzer needs
type Searcher interface {
	Search(ctx context.Context, keyword string, limit int) ([]marketplace.SearchItem, error)
}

// Summary is the outcome of one competitor analysis
type Summary struct {
	Keyword                 string                   `json:"keyword"`
	TotalResults            int                      `json:"total_results"`
	AvgPrice                float64                  `json:"avg_price"`
	MinPrice                float64                  `json:"min_price"`
	MaxPrice                float64                  `json:"max_price"`
	CompetitionLevel        string                   `json:"competition_level"`
	FreeShippingPercentage  float64                  `json:"free_shipping_percentage"`
	ShouldOfferFreeShipping bool                     `json:"should_offer_free_shipping"`
	TopCompetitors          []marketplace.SearchItem `json:"top_competitors"`
}

// Analyzer classifies how crowded a product's keyword is on the marketplace
type Analyzer struct {
	db       *gorm.DB
	searcher Searcher
}

// NewAnalyzer creates a competitor analyzer
func NewAnalyzer(db *gorm.DB, searcher Searcher) *Analyzer {
	return &Analyzer{db: db, searcher: searcher}
}

// Analyze searches the marketplace for the keyword, derives price statistics
// and a competition level, and persists an analysis snapshot for the product.
// It fails when the search yields no results or no usable prices.
func (a *Analyzer) Analyze(ctx context.Context, productID uint, keyword string) (*Summary, error) {
	items, err := a.searcher.Search(ctx, keyword, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("competitor search failed for %q: %w", keyword, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no competitors found for %q", keyword)
	}

	// Free shipping ratio is computed over the full result set
	freeCount := 0
	for _, item := range items {
		if item.FreeShipping {
			freeCount++
		}
	}
	freeShippingPct := float64(freeCount) / float64(len(items)) * 100

	// Price statistics use only the top results by relevance order
	top := items
	if len(top) > topSampleSize {
		top = top[:topSampleSize]
	}

	prices := make([]float64, 0, len(top))
	for _, item := range top {
		if item.Price > 0 {
			prices = append(prices, item.Price)
		}
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("no priced competitors found for %q", keyword)
	}

	min := prices[0]
	max := prices[0]
	sum := 0.0
	for _, p := range prices {
		sum += p
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
	}
	avg := sum / float64(len(prices))

	level := classify(len(items), prices, avg)

	summary := &Summary{
		Keyword:                 keyword,
		TotalResults:            len(items),
		AvgPrice:                round2(avg),
		MinPrice:                min,
		MaxPrice:                max,
		CompetitionLevel:        level,
		FreeShippingPercentage:  round2(freeShippingPct),
		ShouldOfferFreeShipping: freeShippingPct > freeShippingThreshold,
		TopCompetitors:          top,
	}

	if err := a.persist(productID, summary); err != nil {
		// The summary is still usable for scoring even when the snapshot
		// write fails
		log.Printf("Failed to persist competitor analysis for product %d: %v", productID, err)
	}

	return summary, nil
}

// Latest returns the most recent persisted analysis for a product, or nil
// when none exists
func (a *Analyzer) Latest(productID uint) (*models.CompetitorAnalysis, error) {
	var analysis models.CompetitorAnalysis
	err := a.db.Where("product_id = ?", productID).
		Order("created_at DESC").
		First(&analysis).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &analysis, nil
}

func (a *Analyzer) persist(productID uint, summary *Summary) error {
	competitors, err := json.Marshal(summary.TopCompetitors)
	if err != nil {
		return fmt.Errorf("failed to marshal competitors: %w", err)
	}

	analysis := models.CompetitorAnalysis{
		ProductID:              productID,
		Keyword:                summary.Keyword,
		AvgPrice:               summary.AvgPrice,
		MinPrice:               summary.MinPrice,
		MaxPrice:               summary.MaxPrice,
		CompetitionLevel:       summary.CompetitionLevel,
		TopCompetitors:         competitors,
		FreeShippingPercentage: summary.FreeShippingPercentage,
	}
	return a.db.Create(&analysis).Error
}

// classify maps result volume and price dispersion to a competition level.
// Few results means an open niche; a mid-sized result set with widely spread
// prices still leaves room; everything else is crowded.
func classify(totalResults int, prices []float64, avg float64) string {
	if totalResults < 10 {
		return models.CompetitionLow
	}
	if totalResults < 50 && coefficientOfVariation(prices, avg) > 20 {
		return models.CompetitionMedium
	}
	return models.CompetitionHigh
}

func coefficientOfVariation(prices []float64, mean float64) float64 {
	if len(prices) < 2 || mean <= 0 {
		return 0
	}
	var sumSquares float64
	for _, p := range prices {
		diff := p - mean
		sumSquares += diff * diff
	}
	stdev := math.Sqrt(sumSquares / float64(len(prices)))
	return stdev / mean * 100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"gorm.io/gorm"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/models"
	"github.com/sellforge/platform/internal/competition"
	"github.com/sellforge/platform/internal/marketplace"
	"github.com/sellforge/platform/internal/pricing"
	"github.com/sellforge/platform/internal/scoring"
)

const maxTitleLength = 60

// ErrNotApproved is returned when publishing is attempted from any state
// other than approved
var ErrNotApproved = errors.New("only approved products can be published")

// Publisher is the slice of the marketplace client publishing needs
type Publisher interface {
	CreateListing(ctx context.Context, spec marketplace.ItemSpec) (*marketplace.CreatedItem, error)
}

// Notifier receives lifecycle events. Implemented by the notification
// service; nil-safe wrappers keep it optional in tests.
type Notifier interface {
	ProductPublished(name, sku, permalink string, price float64)
	SystemError(component string, err error)
}

// Outcome is the structured result of an evaluation or publish attempt.
// Expected business conditions (deferral, rejection) are reported here, not
// as errors.
type Outcome struct {
	ProductID uint   `json:"product_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Score     int    `json:"score"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
}

// CreateInput carries the fields needed to register a product
type CreateInput struct {
	SKU                   string   `json:"sku"`
	Name                  string   `json:"name"`
	Description           string   `json:"description"`
	BaseCost              float64  `json:"base_cost"`
	ShippingCost          float64  `json:"shipping_cost"`
	Stock                 int      `json:"stock"`
	Category              string   `json:"category"`
	MarketplaceCategoryID string   `json:"marketplace_category_id"`
	StorefrontProductID   string   `json:"storefront_product_id"`
	StorefrontVariantID   string   `json:"storefront_variant_id"`
	Images                []string `json:"images"`
}

// Manager owns product state transitions: intake, evaluation and publishing
type Manager struct {
	db        *gorm.DB
	analyzer  *competition.Analyzer
	publisher Publisher
	notifier  Notifier
	trend     scoring.TrendProvider
	rules     config.BusinessRules
}

// NewManager creates a lifecycle manager
func NewManager(db *gorm.DB, analyzer *competition.Analyzer, publisher Publisher, notifier Notifier, rules config.BusinessRules) *Manager {
	return &Manager{
		db:        db,
		analyzer:  analyzer,
		publisher: publisher,
		notifier:  notifier,
		trend:     scoring.NoTrend{},
		rules:     rules,
	}
}

// SetTrendProvider swaps the demand-trend signal source
func (m *Manager) SetTrendProvider(p scoring.TrendProvider) {
	if p != nil {
		m.trend = p
	}
}

// CreateProduct registers a product with an empty metrics row in one
// transaction. A duplicate SKU returns the existing product unchanged.
func (m *Manager) CreateProduct(in CreateInput) (*models.Product, error) {
	if in.SKU == "" || in.Name == "" {
		return nil, errors.New("sku and name are required")
	}
	if in.BaseCost <= 0 {
		return nil, pricing.ErrNonPositiveCost
	}

	var existing models.Product
	err := m.db.Where("sku = ?", in.SKU).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up sku %s: %w", in.SKU, err)
	}

	var images []byte
	if len(in.Images) > 0 {
		images, err = json.Marshal(in.Images)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal images: %w", err)
		}
	}

	product := models.Product{
		SKU:                   in.SKU,
		Name:                  in.Name,
		Description:           in.Description,
		BaseCost:              in.BaseCost,
		ShippingCost:          in.ShippingCost,
		Stock:                 in.Stock,
		Category:              in.Category,
		MarketplaceCategoryID: in.MarketplaceCategoryID,
		StorefrontProductID:   in.StorefrontProductID,
		StorefrontVariantID:   in.StorefrontVariantID,
		Images:                images,
		Status:                models.StatusPending,
	}

	err = m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&product).Error; err != nil {
			return err
		}
		metrics := models.ProductMetrics{ProductID: product.ID}
		return tx.Create(&metrics).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create product %s: %w", in.SKU, err)
	}

	m.logAction(&product.ID, "product_created", "intake", "", product.SKU, true, "")
	return &product, nil
}

// EvaluateProduct runs the pricing and scoring pair for one product and
// applies the score-gated transition. Published and paused products are
// never moved by evaluation; publishing is a separate explicit step.
func (m *Manager) EvaluateProduct(ctx context.Context, productID uint) (*Outcome, error) {
	var product models.Product
	if err := m.db.First(&product, productID).Error; err != nil {
		return nil, fmt.Errorf("product %d not found: %w", productID, err)
	}

	outcome := &Outcome{ProductID: product.ID, OldStatus: product.Status}

	if product.Status == models.StatusPublished || product.Status == models.StatusPaused {
		outcome.NewStatus = product.Status
		outcome.Score = product.Score
		outcome.Action = "deferred"
		outcome.Reason = "live products are only changed by explicit transitions"
		return outcome, nil
	}

	priceResult, err := pricing.CalculateOptimalPrice(product.BaseCost, product.ShippingCost, m.rules)
	if err != nil {
		m.logAction(&product.ID, "evaluate", "pricing failed", product.Status, product.Status, false, err.Error())
		return nil, fmt.Errorf("pricing failed for product %d: %w", productID, err)
	}

	scoreInput := scoring.Input{
		MarginPercentage: priceResult.MarginPercentage,
		CompetitivePrice: priceResult.CompetitivePrice,
		OptimalPrice:     priceResult.OptimalPrice,
	}

	if analysis, err := m.analyzer.Latest(product.ID); err != nil {
		log.Printf("Failed to load competitor analysis for product %d: %v", product.ID, err)
	} else if analysis != nil {
		scoreInput.CompetitionLevel = analysis.CompetitionLevel
	}

	if trend, ok := m.trend.TrendScore(ctx, product.Name); ok {
		scoreInput.Trend = &trend
	}

	scoreResult := scoring.Score(scoreInput, m.rules)

	newStatus := models.StatusRejected
	autoApproved := false
	switch {
	case scoring.AutoPublish(scoreResult.TotalScore, m.rules):
		newStatus = models.StatusApproved
		autoApproved = true
	case scoring.NeedsApproval(scoreResult.TotalScore, m.rules):
		newStatus = models.StatusNeedsApproval
	}

	updates := map[string]interface{}{
		"status":                newStatus,
		"score":                 scoreResult.TotalScore,
		"auto_approved":         autoApproved,
		"calculated_price":      priceResult.OptimalPrice,
		"final_price":           priceResult.CompetitivePrice,
		"margin_percentage":     priceResult.MarginPercentage,
		"commission_percentage": priceResult.CommissionPercentage,
	}
	if err := m.db.Model(&product).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to persist evaluation for product %d: %w", productID, err)
	}

	m.logAction(&product.ID, "evaluate",
		fmt.Sprintf("score %d", scoreResult.TotalScore),
		outcome.OldStatus, newStatus, true, "")

	outcome.NewStatus = newStatus
	outcome.Score = scoreResult.TotalScore
	outcome.Action = "evaluated"
	return outcome, nil
}

// PublishProduct creates the marketplace listing for an approved product
// and moves it to published. On remote failure nothing changes locally
// except a failed action log entry.
func (m *Manager) PublishProduct(ctx context.Context, productID uint) (*Outcome, error) {
	var product models.Product
	if err := m.db.First(&product, productID).Error; err != nil {
		return nil, fmt.Errorf("product %d not found: %w", productID, err)
	}

	outcome := &Outcome{ProductID: product.ID, OldStatus: product.Status, Score: product.Score}

	if product.Status != models.StatusApproved {
		outcome.NewStatus = product.Status
		outcome.Action = "deferred"
		outcome.Reason = fmt.Sprintf("cannot publish from status %s", product.Status)
		return outcome, ErrNotApproved
	}

	title := m.OptimizeTitle(&product)

	var pictures []string
	if len(product.Images) > 0 {
		if err := json.Unmarshal(product.Images, &pictures); err != nil {
			log.Printf("Failed to decode images for product %d: %v", product.ID, err)
		}
	}

	created, err := m.publisher.CreateListing(ctx, marketplace.ItemSpec{
		Title:             title,
		CategoryID:        product.MarketplaceCategoryID,
		Price:             product.FinalPrice,
		CurrencyID:        "MXN",
		AvailableQuantity: product.Stock,
		BuyingMode:        "buy_it_now",
		ListingTypeID:     "gold_special",
		Condition:         "new",
		Description:       product.Description,
		Pictures:          pictures,
		FreeShipping:      product.ShippingCost == 0,
	})
	if err != nil {
		m.logAction(&product.ID, "publish_failed", "remote listing creation failed",
			product.Status, product.Status, false, err.Error())
		if m.notifier != nil {
			m.notifier.SystemError("publish", err)
		}
		return nil, fmt.Errorf("failed to publish product %d: %w", productID, err)
	}

	err = m.db.Transaction(func(tx *gorm.DB) error {
		now := tx.NowFunc()
		updates := map[string]interface{}{
			"status":              models.StatusPublished,
			"marketplace_item_id": created.ID,
			"permalink":           created.Permalink,
			"published_at":        now,
		}
		if err := tx.Model(&product).Updates(updates).Error; err != nil {
			return err
		}

		listing := models.Listing{
			ProductID:         product.ID,
			MarketplaceItemID: created.ID,
			Title:             title,
			Description:       product.Description,
			Price:             product.FinalPrice,
			Status:            models.ListingActive,
		}
		return tx.Create(&listing).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist published product %d: %w", productID, err)
	}

	m.logAction(&product.ID, "publish", "listing created",
		models.StatusApproved, models.StatusPublished, true, created.ID)
	if m.notifier != nil {
		m.notifier.ProductPublished(product.Name, product.SKU, created.Permalink, product.FinalPrice)
	}

	outcome.NewStatus = models.StatusPublished
	outcome.Action = "published"
	return outcome, nil
}

// ApproveProduct moves a needs_approval product to approved (manual review)
func (m *Manager) ApproveProduct(productID uint) (*Outcome, error) {
	var product models.Product
	if err := m.db.First(&product, productID).Error; err != nil {
		return nil, fmt.Errorf("product %d not found: %w", productID, err)
	}

	outcome := &Outcome{ProductID: product.ID, OldStatus: product.Status, Score: product.Score}
	if product.Status != models.StatusNeedsApproval {
		outcome.NewStatus = product.Status
		outcome.Action = "deferred"
		outcome.Reason = fmt.Sprintf("cannot approve from status %s", product.Status)
		return outcome, nil
	}

	if err := m.db.Model(&product).Update("status", models.StatusApproved).Error; err != nil {
		return nil, fmt.Errorf("failed to approve product %d: %w", productID, err)
	}

	m.logAction(&product.ID, "approve", "manual review",
		models.StatusNeedsApproval, models.StatusApproved, true, "")
	outcome.NewStatus = models.StatusApproved
	outcome.Action = "approved"
	return outcome, nil
}

// RemoveProduct deletes a product; metrics, listings, analyses and action
// history cascade with it
func (m *Manager) RemoveProduct(productID uint) error {
	result := m.db.Select("Metrics", "Listings", "Analyses", "Actions").
		Delete(&models.Product{Model: gorm.Model{ID: productID}})
	if result.Error != nil {
		return fmt.Errorf("failed to remove product %d: %w", productID, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Title stop words that add no search value
var titleStopWords = map[string]bool{
	"de": true, "la": true, "el": true, "los": true, "las": true,
	"para": true, "con": true, "the": true, "a": true, "of": true,
	"and": true, "y": true, "un": true, "una": true,
}

// OptimizeTitle builds a marketplace title from the product name, category
// and high-performing competitor keywords, capped at the marketplace's
// title limit
func (m *Manager) OptimizeTitle(product *models.Product) string {
	title := strings.TrimSpace(product.Name)

	seen := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(title)) {
		seen[word] = true
	}

	appendWords := func(source string) {
		for _, word := range strings.Fields(source) {
			lower := strings.ToLower(word)
			if seen[lower] || titleStopWords[lower] || len(word) < 3 {
				continue
			}
			candidate := title + " " + word
			if len(candidate) > maxTitleLength {
				return
			}
			title = candidate
			seen[lower] = true
		}
	}

	if product.Category != "" {
		appendWords(product.Category)
	}

	if analysis, err := m.analyzer.Latest(product.ID); err == nil && analysis != nil {
		var competitors []marketplace.SearchItem
		if err := json.Unmarshal(analysis.TopCompetitors, &competitors); err == nil {
			for _, item := range competitors {
				appendWords(item.Title)
			}
		}
	}

	if len(title) > maxTitleLength {
		title = strings.TrimSpace(title[:maxTitleLength])
	}
	return title
}

func (m *Manager) logAction(productID *uint, actionType, reason, oldValue, newValue string, success bool, errMsg string) {
	entry := models.ActionLog{
		ProductID:    productID,
		ActionType:   actionType,
		Reason:       reason,
		OldValue:     oldValue,
		NewValue:     newValue,
		Success:      success,
		ErrorMessage: errMsg,
	}
	if err := m.db.Create(&entry).Error; err != nil {
		log.Printf("Failed to write action log (%s): %v", actionType, err)
	}
}

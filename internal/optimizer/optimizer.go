package optimizer

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/models"
	"github.com/sellforge/platform/internal/pricing"
)

// Updater is the slice of the marketplace client the optimizer needs
type Updater interface {
	UpdateListing(ctx context.Context, itemID string, fields map[string]interface{}) error
}

// Notifier receives optimization events
type Notifier interface {
	OptimizationApplied(name, action, reason string)
}

// ActionResult records one rule's decision for one product
type ActionResult struct {
	Action  string `json:"action"`
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Outcome is the full result of one optimization pass over one product
type Outcome struct {
	ProductID uint           `json:"product_id"`
	Paused    bool           `json:"paused"`
	Actions   []ActionResult `json:"actions"`
}

// recentWindow aggregates the last seven days of listing metrics
type recentWindow struct {
	Sales   int
	Visits  int
	Revenue float64
	AdSpend float64
}

func (w recentWindow) roas() (float64, bool) {
	if w.AdSpend <= 0 {
		return 0, false
	}
	return w.Revenue / w.AdSpend, true
}

// evalState is everything a rule may inspect for one product
type evalState struct {
	product *models.Product
	metrics *models.ProductMetrics
	recent  recentWindow
	now     time.Time
}

// rule is one optimization predicate with its action. Rules run in
// registration order; a rule with stopsPass set ends the product's pass
// once applied. apply reports whether the action actually took effect
// (a guarded price reduction may decline without erroring).
type rule struct {
	name      string
	stopsPass bool
	check     func(*Optimizer, *evalState) (bool, string)
	apply     func(*Optimizer, context.Context, *evalState, string) (bool, error)
}

// Optimizer sweeps published products and applies corrective actions
type Optimizer struct {
	db       *gorm.DB
	updater  Updater
	notifier Notifier
	rules    config.BusinessRules
	ruleSet  []rule

	// Injectable clock so sweeps are deterministic in tests
	Now func() time.Time
}

// New creates an optimizer with the standard rule set
func New(db *gorm.DB, updater Updater, notifier Notifier, rules config.BusinessRules) *Optimizer {
	o := &Optimizer{
		db:       db,
		updater:  updater,
		notifier: notifier,
		rules:    rules,
		Now:      time.Now,
	}
	o.ruleSet = []rule{
		{name: "pause", stopsPass: true, check: (*Optimizer).shouldPause, apply: (*Optimizer).applyPause},
		{name: "reduce_price", check: (*Optimizer).shouldReducePrice, apply: (*Optimizer).applyPriceReduction},
		{name: "activate_ads", check: (*Optimizer).shouldActivateAds, apply: (*Optimizer).applyActivateAds},
		{name: "pause_ads", check: (*Optimizer).shouldPauseAds, apply: (*Optimizer).applyPauseAds},
		{name: "scale", check: (*Optimizer).shouldScale, apply: (*Optimizer).applyScale},
	}
	return o
}

// OptimizeAll sweeps every published product. One product's failure is
// logged and does not abort the sweep.
func (o *Optimizer) OptimizeAll(ctx context.Context) ([]Outcome, error) {
	var products []models.Product
	if err := o.db.Where("status = ?", models.StatusPublished).
		Order("id").Find(&products).Error; err != nil {
		return nil, fmt.Errorf("failed to load published products: %w", err)
	}

	outcomes := make([]Outcome, 0, len(products))
	for i := range products {
		outcome, err := o.OptimizeProduct(ctx, products[i].ID)
		if err != nil {
			log.Printf("Optimization failed for product %d: %v", products[i].ID, err)
			continue
		}
		outcomes = append(outcomes, *outcome)
	}
	return outcomes, nil
}

// OptimizeProduct runs the rule set against one product. Only published
// products are optimized; anything else is a no-op outcome.
func (o *Optimizer) OptimizeProduct(ctx context.Context, productID uint) (*Outcome, error) {
	var product models.Product
	if err := o.db.Preload("Metrics").First(&product, productID).Error; err != nil {
		return nil, fmt.Errorf("product %d not found: %w", productID, err)
	}

	outcome := &Outcome{ProductID: product.ID}
	if product.Status != models.StatusPublished {
		outcome.Actions = append(outcome.Actions, ActionResult{
			Action: "noop",
			Reason: fmt.Sprintf("status %s is not optimizable", product.Status),
		})
		return outcome, nil
	}

	metrics := product.Metrics
	if metrics == nil {
		metrics = &models.ProductMetrics{ProductID: product.ID}
	}

	state := &evalState{
		product: &product,
		metrics: metrics,
		recent:  o.loadRecentWindow(product.ID),
		now:     o.Now(),
	}

	for _, r := range o.ruleSet {
		fires, reason := r.check(o, state)
		if !fires {
			continue
		}

		result := ActionResult{Action: r.name, Reason: reason}
		applied, err := r.apply(o, ctx, state, reason)
		if err != nil {
			result.Error = err.Error()
			o.logAction(product.ID, r.name, reason, false, err.Error(), "", "")
			outcome.Actions = append(outcome.Actions, result)
			// A failed action never blocks the remaining predicates
			continue
		}

		result.Applied = applied
		outcome.Actions = append(outcome.Actions, result)
		if !applied {
			continue
		}
		if o.notifier != nil {
			o.notifier.OptimizationApplied(product.Name, r.name, reason)
		}
		if r.stopsPass {
			outcome.Paused = true
			break
		}
	}

	return outcome, nil
}

// loadRecentWindow sums the last seven days of listing metrics across the
// product's listings
func (o *Optimizer) loadRecentWindow(productID uint) recentWindow {
	cutoff := o.Now().AddDate(0, 0, -7)

	var window recentWindow
	err := o.db.Model(&models.ListingMetrics{}).
		Select("COALESCE(SUM(listing_metrics.sales),0) AS sales,"+
			" COALESCE(SUM(listing_metrics.visits),0) AS visits,"+
			" COALESCE(SUM(listing_metrics.revenue),0) AS revenue,"+
			" COALESCE(SUM(listing_metrics.ad_spend),0) AS ad_spend").
		Joins("JOIN listings ON listings.id = listing_metrics.listing_id").
		Where("listings.product_id = ? AND listing_metrics.date >= ?", productID, cutoff).
		Scan(&window).Error
	if err != nil {
		log.Printf("Failed to load recent metrics for product %d: %v", productID, err)
	}
	return window
}

// -- pause ------------------------------------------------------------------

func (o *Optimizer) shouldPause(s *evalState) (bool, string) {
	m := s.metrics

	if days, known := o.daysSinceLastSale(s); known &&
		days >= o.rules.PauseNoSalesDays && m.TotalVisits < o.rules.PauseMinVisits {
		return true, fmt.Sprintf("no sales in %d days with only %d visits", days, m.TotalVisits)
	}
	if m.TotalVisits > 100 && m.CTR < o.rules.PauseMinCTR {
		return true, fmt.Sprintf("ctr %.2f%% below %.2f%% after %d visits", m.CTR, o.rules.PauseMinCTR, m.TotalVisits)
	}
	if s.product.MarginPercentage < o.rules.MinMarginPercentage {
		return true, fmt.Sprintf("margin %.2f%% below minimum %.2f%%", s.product.MarginPercentage, o.rules.MinMarginPercentage)
	}
	return false, ""
}

// daysSinceLastSale falls back to the publish date when the product has
// never sold; known is false when neither date exists
func (o *Optimizer) daysSinceLastSale(s *evalState) (int, bool) {
	reference := s.metrics.LastSaleDate
	if reference == nil {
		reference = s.product.PublishedAt
	}
	if reference == nil {
		return 0, false
	}
	return int(s.now.Sub(*reference).Hours() / 24), true
}

func (o *Optimizer) applyPause(ctx context.Context, s *evalState, reason string) (bool, error) {
	if err := o.remoteUpdate(ctx, s.product, map[string]interface{}{"status": "paused"}); err != nil {
		return false, err
	}

	err := o.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(s.product).Update("status", models.StatusPaused).Error; err != nil {
			return err
		}
		return tx.Model(&models.Listing{}).
			Where("product_id = ? AND status = ?", s.product.ID, models.ListingActive).
			Update("status", models.ListingPaused).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to persist pause: %w", err)
	}

	o.logAction(s.product.ID, "pause", reason, true, "",
		models.StatusPublished, models.StatusPaused)
	return true, nil
}

// -- price reduction --------------------------------------------------------

func (o *Optimizer) shouldReducePrice(s *evalState) (bool, string) {
	m := s.metrics
	if m.TotalVisits > 50 && m.CTR < 1.0 {
		return true, fmt.Sprintf("ctr %.2f%% below 1%% after %d visits", m.CTR, m.TotalVisits)
	}
	if m.TotalVisits > 200 && m.ConversionRate < 1.0 {
		return true, fmt.Sprintf("conversion %.2f%% below 1%% after %d visits", m.ConversionRate, m.TotalVisits)
	}
	return false, ""
}

func (o *Optimizer) applyPriceReduction(ctx context.Context, s *evalState, reason string) (bool, error) {
	product := s.product
	oldPrice := product.FinalPrice
	newPrice := round2(oldPrice * (1 - o.rules.PriceReductionPercentage/100))

	newMargin, err := pricing.Margin(newPrice, product.BaseCost, product.CommissionPercentage, product.ShippingCost, o.rules)
	if err != nil {
		return false, fmt.Errorf("failed to recompute margin: %w", err)
	}
	if newMargin < o.rules.MinMarginPercentage {
		// Guardrail: never price below the minimum margin
		log.Printf("Skipping price reduction for product %d: margin %.2f%% would fall below %.2f%%",
			product.ID, newMargin, o.rules.MinMarginPercentage)
		o.logAction(product.ID, "reduce_price_skipped",
			fmt.Sprintf("new margin %.2f%% below minimum", newMargin), true, "",
			formatPrice(oldPrice), formatPrice(newPrice))
		return false, nil
	}

	if err := o.remoteUpdate(ctx, product, map[string]interface{}{"price": newPrice}); err != nil {
		return false, err
	}

	updates := map[string]interface{}{
		"final_price":       newPrice,
		"margin_percentage": newMargin,
	}
	if err := o.db.Model(product).Updates(updates).Error; err != nil {
		return false, fmt.Errorf("failed to persist price reduction: %w", err)
	}
	product.FinalPrice = newPrice
	product.MarginPercentage = newMargin

	o.logAction(product.ID, "reduce_price", reason, true, "",
		formatPrice(oldPrice), formatPrice(newPrice))
	return true, nil
}

// -- ads --------------------------------------------------------------------

func (o *Optimizer) shouldActivateAds(s *evalState) (bool, string) {
	if s.product.AdsActive {
		return false, ""
	}
	m := s.metrics
	if m.TotalSales >= o.rules.AdsMinSales &&
		s.product.MarginPercentage >= o.rules.AdsMinMargin &&
		m.CTR >= o.rules.AdsMinCTR {
		return true, fmt.Sprintf("%d sales at %.2f%% margin and %.2f%% ctr", m.TotalSales, s.product.MarginPercentage, m.CTR)
	}
	return false, ""
}

func (o *Optimizer) applyActivateAds(_ context.Context, s *evalState, reason string) (bool, error) {
	if err := o.db.Model(s.product).Update("ads_active", true).Error; err != nil {
		return false, fmt.Errorf("failed to activate ads: %w", err)
	}
	s.product.AdsActive = true
	o.logAction(s.product.ID, "activate_ads", reason, true, "", "off", "on")
	return true, nil
}

// shouldPauseAds requires a seven-day ROAS figure; without ad spend data
// the predicate is inert
func (o *Optimizer) shouldPauseAds(s *evalState) (bool, string) {
	if !s.product.AdsActive {
		return false, ""
	}
	roas, ok := s.recent.roas()
	if !ok {
		return false, ""
	}
	if roas < o.rules.AdsMinROAS {
		return true, fmt.Sprintf("roas %.2f below %.2f", roas, o.rules.AdsMinROAS)
	}
	return false, ""
}

func (o *Optimizer) applyPauseAds(_ context.Context, s *evalState, reason string) (bool, error) {
	if err := o.db.Model(s.product).Update("ads_active", false).Error; err != nil {
		return false, fmt.Errorf("failed to pause ads: %w", err)
	}
	s.product.AdsActive = false
	o.logAction(s.product.ID, "pause_ads", reason, true, "", "on", "off")
	return true, nil
}

// -- scale ------------------------------------------------------------------

func (o *Optimizer) shouldScale(s *evalState) (bool, string) {
	if s.recent.Sales < o.rules.ScaleMinSales7Days {
		return false, ""
	}
	if s.metrics.ConversionRate < o.rules.ScaleMinConversion {
		return false, ""
	}
	if s.product.MarginPercentage < o.rules.MinMarginPercentage+5 {
		return false, ""
	}
	if s.product.Stock < o.rules.ScaleMinStock {
		return false, ""
	}
	return true, fmt.Sprintf("%d sales in 7 days at %.2f%% conversion", s.recent.Sales, s.metrics.ConversionRate)
}

// applyScale pushes the full remaining stock to the marketplace so a
// winner never caps its own exposure
func (o *Optimizer) applyScale(ctx context.Context, s *evalState, reason string) (bool, error) {
	if err := o.remoteUpdate(ctx, s.product, map[string]interface{}{
		"available_quantity": s.product.Stock,
	}); err != nil {
		return false, err
	}
	o.logAction(s.product.ID, "scale", reason, true, "", "", fmt.Sprintf("%d units", s.product.Stock))
	return true, nil
}

// -- helpers ----------------------------------------------------------------

func (o *Optimizer) remoteUpdate(ctx context.Context, product *models.Product, fields map[string]interface{}) error {
	if product.MarketplaceItemID == nil || *product.MarketplaceItemID == "" {
		return fmt.Errorf("product %d has no marketplace item", product.ID)
	}
	if err := o.updater.UpdateListing(ctx, *product.MarketplaceItemID, fields); err != nil {
		return fmt.Errorf("remote update failed: %w", err)
	}
	return nil
}

func (o *Optimizer) logAction(productID uint, actionType, reason string, success bool, errMsg, oldValue, newValue string) {
	entry := models.ActionLog{
		ProductID:    &productID,
		ActionType:   actionType,
		Reason:       reason,
		OldValue:     oldValue,
		NewValue:     newValue,
		Success:      success,
		ErrorMessage: errMsg,
	}
	if err := o.db.Create(&entry).Error; err != nil {
		log.Printf("Failed to write action log (%s): %v", actionType, err)
	}
}

func formatPrice(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

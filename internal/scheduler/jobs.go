package scheduler

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/sellforge/platform/internal/abtest"
	"github.com/sellforge/platform/internal/common/models"
	"github.com/sellforge/platform/internal/lifecycle"
	"github.com/sellforge/platform/internal/optimizer"
	"github.com/sellforge/platform/internal/storefront"
)

// TokenRefresher refreshes marketplace credentials
type TokenRefresher interface {
	RefreshAuth(ctx context.Context) error
}

// ListingUpdater pushes field changes to a live marketplace listing
type ListingUpdater interface {
	UpdateListing(ctx context.Context, itemID string, fields map[string]interface{}) error
}

// InventoryReader reads storefront stock levels
type InventoryReader interface {
	GetProduct(ctx context.Context, productID string) (*storefront.ShopProduct, error)
}

// RatioRefresher recomputes derived metric ratios
type RatioRefresher interface {
	RefreshRatios(ctx context.Context) error
}

// MirrorRunner writes the spreadsheet snapshot
type MirrorRunner interface {
	Run(ctx context.Context) error
}

// Notifier receives operator alerts for job-level failures
type Notifier interface {
	SystemError(component string, err error)
}

// Deps bundles everything the standard job registry needs
type Deps struct {
	DB          *gorm.DB
	Marketplace TokenRefresher
	Updater     ListingUpdater
	Storefront  InventoryReader
	Lifecycle   *lifecycle.Manager
	Optimizer   *optimizer.Optimizer
	ABTests     *abtest.Evaluator
	Ingest      RatioRefresher
	Mirror      MirrorRunner
	Notifier    Notifier
}

// BuildJobs assembles the standard job registry. Schedules are fixed: the
// heavy sweeps run nightly off-peak, reconciliation jobs run on short
// intervals.
func BuildJobs(deps Deps) []Job {
	return []Job{
		{Name: "refresh_token", Spec: "@every 5h", Run: deps.refreshToken},
		{Name: "sync_stock", Spec: "@every 15m", Run: deps.syncStock},
		{Name: "refresh_metrics", Spec: "@every 6h", Run: deps.refreshMetrics},
		{Name: "optimize", Spec: "0 3 * * *", Run: deps.optimizeAll},
		{Name: "ab_evaluate", Spec: "0 2 * * *", Run: deps.evaluateTests},
		{Name: "mirror", Spec: "@every 1h", Run: deps.runMirror},
		{Name: "publish_approved", Spec: "@every 30m", Run: deps.publishApproved},
	}
}

// refreshToken renews marketplace credentials. On failure the operator is
// notified and the next tick is the retry.
func (d Deps) refreshToken(ctx context.Context) error {
	if err := d.Marketplace.RefreshAuth(ctx); err != nil {
		if d.Notifier != nil {
			d.Notifier.SystemError("token_refresh", err)
		}
		return err
	}
	return nil
}

// syncStock reconciles storefront inventory into the catalog and pushes
// the corrected quantity to live marketplace listings. One product's
// failure does not abort the run.
func (d Deps) syncStock(ctx context.Context) error {
	var products []models.Product
	err := d.DB.WithContext(ctx).
		Where("storefront_product_id <> ''").
		Order("id").Find(&products).Error
	if err != nil {
		return fmt.Errorf("failed to load storefront-linked products: %w", err)
	}

	for i := range products {
		if err := d.syncProductStock(ctx, &products[i]); err != nil {
			log.Printf("Stock sync failed for product %d: %v", products[i].ID, err)
		}
	}
	return nil
}

func (d Deps) syncProductStock(ctx context.Context, product *models.Product) error {
	shopProduct, err := d.Storefront.GetProduct(ctx, product.StorefrontProductID)
	if err != nil {
		return fmt.Errorf("storefront fetch failed: %w", err)
	}

	total := 0
	for _, variant := range shopProduct.Variants {
		total += variant.InventoryQuantity
	}
	if total < 0 {
		total = 0
	}
	if total == product.Stock {
		return nil
	}

	oldStock := product.Stock
	if err := d.DB.Model(product).Update("stock", total).Error; err != nil {
		return fmt.Errorf("failed to persist stock: %w", err)
	}

	if product.Status == models.StatusPublished &&
		product.MarketplaceItemID != nil && *product.MarketplaceItemID != "" {
		if err := d.Updater.UpdateListing(ctx, *product.MarketplaceItemID,
			map[string]interface{}{"available_quantity": total}); err != nil {
			return fmt.Errorf("failed to push stock to marketplace: %w", err)
		}
	}

	entry := models.ActionLog{
		ProductID:  &product.ID,
		ActionType: "stock_sync",
		Reason:     "storefront reconciliation",
		OldValue:   fmt.Sprintf("%d", oldStock),
		NewValue:   fmt.Sprintf("%d", total),
		Success:    true,
	}
	if err := d.DB.Create(&entry).Error; err != nil {
		log.Printf("Failed to write stock sync log: %v", err)
	}
	return nil
}

func (d Deps) refreshMetrics(ctx context.Context) error {
	return d.Ingest.RefreshRatios(ctx)
}

func (d Deps) optimizeAll(ctx context.Context) error {
	_, err := d.Optimizer.OptimizeAll(ctx)
	return err
}

func (d Deps) evaluateTests(ctx context.Context) error {
	_, err := d.ABTests.EvaluateAll(ctx)
	return err
}

func (d Deps) runMirror(ctx context.Context) error {
	return d.Mirror.Run(ctx)
}

// publishApproved pushes auto-approved products live. Manually approved
// products are published through the API, not this sweep.
func (d Deps) publishApproved(ctx context.Context) error {
	var products []models.Product
	err := d.DB.WithContext(ctx).
		Where("status = ? AND auto_approved = ?", models.StatusApproved, true).
		Order("id").Find(&products).Error
	if err != nil {
		return fmt.Errorf("failed to load approved products: %w", err)
	}

	for i := range products {
		if _, err := d.Lifecycle.PublishProduct(ctx, products[i].ID); err != nil {
			log.Printf("Auto-publish failed for product %d: %v", products[i].ID, err)
		}
	}
	return nil
}

package optimizer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/models"
)

type remoteCall struct {
	itemID string
	fields map[string]interface{}
}

type fakeUpdater struct {
	calls []remoteCall
	err   error
}

func (f *fakeUpdater) UpdateListing(_ context.Context, itemID string, fields map[string]interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, remoteCall{itemID: itemID, fields: fields})
	return nil
}

type fakeNotifier struct {
	actions []string
}

func (f *fakeNotifier) OptimizationApplied(_, action, _ string) {
	f.actions = append(f.actions, action)
}

func testRules() config.BusinessRules {
	return config.BusinessRules{
		CommissionPercentage:  13.0,
		IVAPercentage:         16.0,
		ISRPercentage:         1.0,
		MinMarginPercentage:   30.0,
		IdealMarginPercentage: 40.0,

		PauseNoSalesDays: 14,
		PauseMinVisits:   50,
		PauseMinCTR:      0.5,

		PriceReductionPercentage: 5.0,

		AdsMinSales:  5,
		AdsMinMargin: 35.0,
		AdsMinCTR:    1.5,
		AdsMinROAS:   3.0,

		ScaleMinSales7Days: 10,
		ScaleMinConversion: 2.5,
		ScaleMinStock:      20,
	}
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Product{}, &models.ProductMetrics{}, &models.Listing{},
		&models.ListingMetrics{}, &models.ActionLog{},
	))
	return db
}

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func daysAgo(days int) *time.Time {
	d := fixedNow.AddDate(0, 0, -days)
	return &d
}

// healthyProduct is published, selling and above every floor. Ads start
// active so the activate rule stays quiet in baseline scenarios.
func healthyProduct(t *testing.T, db *gorm.DB, mutate func(*models.Product, *models.ProductMetrics)) *models.Product {
	t.Helper()

	itemID := "MLM-TEST-1"
	product := models.Product{
		SKU:                  "SKU-OPT",
		Name:                 "Mouse Inalambrico",
		BaseCost:             100,
		Stock:                25,
		Status:               models.StatusPublished,
		MarketplaceItemID:    &itemID,
		FinalPrice:           229.66,
		CalculatedPrice:      252.17,
		MarginPercentage:     35.49,
		CommissionPercentage: 13.0,
		AdsActive:            true,
		PublishedAt:          daysAgo(30),
	}
	metrics := models.ProductMetrics{
		TotalVisits:    500,
		TotalSales:     20,
		TotalRevenue:   4593.2,
		CTR:            2.0,
		ConversionRate: 4.0,
		LastSaleDate:   daysAgo(1),
	}
	if mutate != nil {
		mutate(&product, &metrics)
	}

	require.NoError(t, db.Create(&product).Error)
	metrics.ProductID = product.ID
	require.NoError(t, db.Create(&metrics).Error)

	listing := models.Listing{
		ProductID:         product.ID,
		MarketplaceItemID: *product.MarketplaceItemID,
		Title:             product.Name,
		Price:             product.FinalPrice,
		Status:            models.ListingActive,
	}
	require.NoError(t, db.Create(&listing).Error)

	return &product
}

func testOptimizer(t *testing.T, db *gorm.DB, updater *fakeUpdater, notifier Notifier) *Optimizer {
	t.Helper()
	o := New(db, updater, notifier, testRules())
	o.Now = func() time.Time { return fixedNow }
	return o
}

func TestHealthyProductGetsNoActions(t *testing.T) {
	db := testDB(t)
	updater := &fakeUpdater{}
	product := healthyProduct(t, db, nil)

	outcome, err := testOptimizer(t, db, updater, nil).OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)

	assert.Empty(t, outcome.Actions)
	assert.Empty(t, updater.calls)
}

func TestPauseOnStaleNoSales(t *testing.T) {
	db := testDB(t)
	updater := &fakeUpdater{}
	product := healthyProduct(t, db, func(p *models.Product, m *models.ProductMetrics) {
		m.LastSaleDate = daysAgo(20)
		m.TotalVisits = 30
	})

	outcome, err := testOptimizer(t, db, updater, nil).OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)

	assert.True(t, outcome.Paused)
	require.Len(t, updater.calls, 1)
	assert.Equal(t, "paused", updater.calls[0].fields["status"])

	var updated models.Product
	require.NoError(t, db.First(&updated, product.ID).Error)
	assert.Equal(t, models.StatusPaused, updated.Status)

	var listing models.Listing
	require.NoError(t, db.Where("product_id = ?", product.ID).First(&listing).Error)
	assert.Equal(t, models.ListingPaused, listing.Status)
}

func TestPauseOnLowCTRAfterTraffic(t *testing.T) {
	db := testDB(t)
	updater := &fakeUpdater{}
	product := healthyProduct(t, db, func(p *models.Product, m *models.ProductMetrics) {
		m.TotalVisits = 150
		m.CTR = 0.3
	})

	outcome, err := testOptimizer(t, db, updater, nil).OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Paused)
}

func TestPauseTakesPrecedenceOverPriceReduction(t *testing.T) {
	db := testDB(t)
	updater := &fakeUpdater{}
	product := healthyProduct(t, db, func(p *models.Product, m *models.ProductMetrics) {
		p.MarginPercentage = 25 // pause: below minimum margin
		m.TotalVisits = 60     // reduce_price would also fire
		m.CTR = 0.6
	})

	outcome, err := testOptimizer(t, db, updater, nil).OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)

	assert.True(t, outcome.Paused)
	require.Len(t, outcome.Actions, 1)
	assert.Equal(t, "pause", outcome.Actions[0].Action)

	// No price update was pushed after the pause
	require.Len(t, updater.calls, 1)
	assert.NotContains(t, updater.calls[0].fields, "price")

	var updated models.Product
	require.NoError(t, db.First(&updated, product.ID).Error)
	assert.Equal(t, 229.66, updated.FinalPrice)
}

func TestPriceReductionKeepsMarginAboveFloor(t *testing.T) {
	db := testDB(t)
	updater := &fakeUpdater{}
	notifier := &fakeNotifier{}
	product := healthyProduct(t, db, func(p *models.Product, m *models.ProductMetrics) {
		m.TotalVisits = 60
		m.CTR = 0.6
	})

	outcome, err := testOptimizer(t, db, updater, notifier).OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)

	require.Len(t, outcome.Actions, 1)
	assert.Equal(t, "reduce_price", outcome.Actions[0].Action)
	assert.True(t, outcome.Actions[0].Applied)

	require.Len(t, updater.calls, 1)
	assert.Equal(t, 218.18, updater.calls[0].fields["price"])

	var updated models.Product
	require.NoError(t, db.First(&updated, product.ID).Error)
	assert.Equal(t, 218.18, updated.FinalPrice)
	assert.InDelta(t, 32.8, updated.MarginPercentage, 0.1)
	assert.Equal(t, []string{"reduce_price"}, notifier.actions)
}

func TestPriceReductionAbortsBelowMinimumMargin(t *testing.T) {
	db := testDB(t)
	updater := &fakeUpdater{}
	product := healthyProduct(t, db, func(p *models.Product, m *models.ProductMetrics) {
		p.FinalPrice = 210 // one cut away from dropping under the minimum
		m.TotalVisits = 60
		m.CTR = 0.6
	})

	outcome, err := testOptimizer(t, db, updater, nil).OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)

	require.Len(t, outcome.Actions, 1)
	assert.False(t, outcome.Actions[0].Applied)
	assert.Empty(t, updater.calls)

	var updated models.Product
	require.NoError(t, db.First(&updated, product.ID).Error)
	assert.Equal(t, 210.0, updated.FinalPrice)

	var skipped models.ActionLog
	require.NoError(t, db.Where("action_type = ?", "reduce_price_skipped").First(&skipped).Error)
	assert.True(t, skipped.Success)
}

func TestActivateAdsOnceForProvenSellers(t *testing.T) {
	db := testDB(t)
	updater := &fakeUpdater{}
	product := healthyProduct(t, db, func(p *models.Product, m *models.ProductMetrics) {
		p.AdsActive = false
	})

	o := testOptimizer(t, db, updater, nil)
	outcome, err := o.OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)

	require.Len(t, outcome.Actions, 1)
	assert.Equal(t, "activate_ads", outcome.Actions[0].Action)

	var updated models.Product
	require.NoError(t, db.First(&updated, product.ID).Error)
	assert.True(t, updated.AdsActive)

	// Second pass is idempotent
	outcome, err = o.OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Empty(t, outcome.Actions)
}

func TestPauseAdsOnLowROAS(t *testing.T) {
	db := testDB(t)
	updater := &fakeUpdater{}
	product := healthyProduct(t, db, nil)

	var listing models.Listing
	require.NoError(t, db.Where("product_id = ?", product.ID).First(&listing).Error)
	require.NoError(t, db.Create(&models.ListingMetrics{
		ListingID: listing.ID,
		Date:      fixedNow.AddDate(0, 0, -2),
		Revenue:   100,
		AdSpend:   50, // ROAS 2.0, below the 3.0 floor
	}).Error)

	outcome, err := testOptimizer(t, db, updater, nil).OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)

	require.Len(t, outcome.Actions, 1)
	assert.Equal(t, "pause_ads", outcome.Actions[0].Action)

	var updated models.Product
	require.NoError(t, db.First(&updated, product.ID).Error)
	assert.False(t, updated.AdsActive)
}

func TestPauseAdsInertWithoutSpendData(t *testing.T) {
	db := testDB(t)
	product := healthyProduct(t, db, nil)

	outcome, err := testOptimizer(t, db, &fakeUpdater{}, nil).OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Empty(t, outcome.Actions)
}

func TestScalePushesFullStock(t *testing.T) {
	db := testDB(t)
	updater := &fakeUpdater{}
	product := healthyProduct(t, db, func(p *models.Product, m *models.ProductMetrics) {
		m.CTR = 1.0 // keep ads rules quiet
		p.AdsActive = false
		m.ConversionRate = 3.0
		m.TotalVisits = 300
	})

	var listing models.Listing
	require.NoError(t, db.Where("product_id = ?", product.ID).First(&listing).Error)
	require.NoError(t, db.Create(&models.ListingMetrics{
		ListingID: listing.ID,
		Date:      fixedNow.AddDate(0, 0, -3),
		Sales:     12,
		Visits:    400,
		Revenue:   2755.92,
	}).Error)

	outcome, err := testOptimizer(t, db, updater, nil).OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)

	require.Len(t, outcome.Actions, 1)
	assert.Equal(t, "scale", outcome.Actions[0].Action)
	require.Len(t, updater.calls, 1)
	assert.Equal(t, 25, updater.calls[0].fields["available_quantity"])
}

func TestScaleIgnoresSalesOutsideWindow(t *testing.T) {
	db := testDB(t)
	product := healthyProduct(t, db, func(p *models.Product, m *models.ProductMetrics) {
		m.CTR = 1.0
		p.AdsActive = false
		m.ConversionRate = 3.0
		m.TotalVisits = 300
	})

	var listing models.Listing
	require.NoError(t, db.Where("product_id = ?", product.ID).First(&listing).Error)
	require.NoError(t, db.Create(&models.ListingMetrics{
		ListingID: listing.ID,
		Date:      fixedNow.AddDate(0, 0, -10),
		Sales:     50,
	}).Error)

	outcome, err := testOptimizer(t, db, &fakeUpdater{}, nil).OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Empty(t, outcome.Actions)
}

func TestNonPublishedProductIsNoop(t *testing.T) {
	db := testDB(t)
	product := healthyProduct(t, db, func(p *models.Product, m *models.ProductMetrics) {
		p.Status = models.StatusApproved
	})

	outcome, err := testOptimizer(t, db, &fakeUpdater{}, nil).OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)
	require.Len(t, outcome.Actions, 1)
	assert.Equal(t, "noop", outcome.Actions[0].Action)
	assert.False(t, outcome.Actions[0].Applied)
}

func TestRemoteFailureDoesNotBlockNextPredicate(t *testing.T) {
	db := testDB(t)
	updater := &fakeUpdater{err: errors.New("api down")}
	product := healthyProduct(t, db, func(p *models.Product, m *models.ProductMetrics) {
		p.MarginPercentage = 25 // pause fires but the remote call fails
		p.AdsActive = true
	})

	outcome, err := testOptimizer(t, db, updater, nil).OptimizeProduct(context.Background(), product.ID)
	require.NoError(t, err)

	require.NotEmpty(t, outcome.Actions)
	assert.Equal(t, "pause", outcome.Actions[0].Action)
	assert.False(t, outcome.Actions[0].Applied)
	assert.NotEmpty(t, outcome.Actions[0].Error)
	assert.False(t, outcome.Paused)

	var updated models.Product
	require.NoError(t, db.First(&updated, product.ID).Error)
	assert.Equal(t, models.StatusPublished, updated.Status)

	var failure models.ActionLog
	require.NoError(t, db.Where("action_type = ? AND success = ?", "pause", false).First(&failure).Error)
	assert.Contains(t, failure.ErrorMessage, "api down")
}

func TestOptimizeAllIsolatesFailures(t *testing.T) {
	db := testDB(t)
	updater := &fakeUpdater{}
	healthyProduct(t, db, nil)

	second := healthyProduct(t, db, func(p *models.Product, m *models.ProductMetrics) {
		p.SKU = "SKU-OPT-2"
		id := "MLM-TEST-2"
		p.MarketplaceItemID = &id
	})
	// Second product's listing row conflicts are avoided by the distinct item ID
	require.NotNil(t, second)

	outcomes, err := testOptimizer(t, db, updater, nil).OptimizeAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/models"
	"github.com/sellforge/platform/internal/competition"
	"github.com/sellforge/platform/internal/lifecycle"
	"github.com/sellforge/platform/internal/marketplace"
	"github.com/sellforge/platform/internal/storefront"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Product{}, &models.ProductMetrics{}, &models.Listing{},
		&models.CompetitorAnalysis{}, &models.ActionLog{},
	))
	return db
}

type fakeRefresher struct{ err error }

func (f *fakeRefresher) RefreshAuth(context.Context) error { return f.err }

type fakeUpdater struct {
	calls []string
	err   error
}

func (f *fakeUpdater) UpdateListing(_ context.Context, itemID string, _ map[string]interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, itemID)
	return nil
}

type fakeInventory struct {
	products map[string]*storefront.ShopProduct
	err      error
}

func (f *fakeInventory) GetProduct(_ context.Context, id string) (*storefront.ShopProduct, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.products[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return p, nil
}

type fakeNotifier struct{ components []string }

func (f *fakeNotifier) SystemError(component string, _ error) {
	f.components = append(f.components, component)
}

type fakePublisher struct{ nextID int }

func (f *fakePublisher) CreateListing(context.Context, marketplace.ItemSpec) (*marketplace.CreatedItem, error) {
	f.nextID++
	return &marketplace.CreatedItem{ID: fmt.Sprintf("MLM-JOB-%d", f.nextID)}, nil
}

type fakeSearcher struct{}

func (fakeSearcher) Search(context.Context, string, int) ([]marketplace.SearchItem, error) {
	return nil, nil
}

func TestRegisterValidatesJobs(t *testing.T) {
	s := New(testDB(t))

	assert.Error(t, s.Register(Job{Spec: "@every 1h", Run: func(context.Context) error { return nil }}))
	assert.Error(t, s.Register(Job{Name: "bad_spec", Spec: "not a spec", Run: func(context.Context) error { return nil }}))
	assert.NoError(t, s.Register(Job{Name: "ok", Spec: "@every 1h", Run: func(context.Context) error { return nil }}))
}

func TestRunJobRecordsOutcome(t *testing.T) {
	db := testDB(t)
	s := New(db)

	s.runJob(Job{Name: "demo", Run: func(context.Context) error { return nil }})
	s.runJob(Job{Name: "demo", Run: func(context.Context) error { return errors.New("boom") }})

	var entries []models.ActionLog
	require.NoError(t, db.Where("action_type = ?", "job_demo").Order("id").Find(&entries).Error)
	require.Len(t, entries, 2)

	assert.True(t, entries[0].Success)
	assert.NotEmpty(t, entries[0].JobRunID)
	assert.False(t, entries[1].Success)
	assert.Contains(t, entries[1].ErrorMessage, "boom")
	assert.NotEqual(t, entries[0].JobRunID, entries[1].JobRunID)
}

func TestBuildJobsRegistry(t *testing.T) {
	jobs := BuildJobs(Deps{})

	specs := make(map[string]string, len(jobs))
	for _, job := range jobs {
		specs[job.Name] = job.Spec
		assert.NotNil(t, job.Run, job.Name)
	}

	assert.Equal(t, map[string]string{
		"refresh_token":    "@every 5h",
		"sync_stock":       "@every 15m",
		"refresh_metrics":  "@every 6h",
		"optimize":         "0 3 * * *",
		"ab_evaluate":      "0 2 * * *",
		"mirror":           "@every 1h",
		"publish_approved": "@every 30m",
	}, specs)
}

func TestRefreshTokenNotifiesOnFailure(t *testing.T) {
	notifier := &fakeNotifier{}
	deps := Deps{Marketplace: &fakeRefresher{err: errors.New("denied")}, Notifier: notifier}

	err := deps.refreshToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"token_refresh"}, notifier.components)

	deps = Deps{Marketplace: &fakeRefresher{}, Notifier: notifier}
	assert.NoError(t, deps.refreshToken(context.Background()))
	assert.Len(t, notifier.components, 1)
}

func TestSyncStockReconcilesAndPushes(t *testing.T) {
	db := testDB(t)
	itemID := "MLM-STOCK-1"
	product := models.Product{
		SKU:                 "SKU-ST",
		Name:                "Funda Tablet",
		Status:              models.StatusPublished,
		Stock:               5,
		StorefrontProductID: "sf-1",
		MarketplaceItemID:   &itemID,
	}
	require.NoError(t, db.Create(&product).Error)

	updater := &fakeUpdater{}
	deps := Deps{
		DB:      db,
		Updater: updater,
		Storefront: &fakeInventory{products: map[string]*storefront.ShopProduct{
			"sf-1": {Variants: []storefront.Variant{
				{InventoryQuantity: 7},
				{InventoryQuantity: 5},
			}},
		}},
	}

	require.NoError(t, deps.syncStock(context.Background()))

	var updated models.Product
	require.NoError(t, db.First(&updated, product.ID).Error)
	assert.Equal(t, 12, updated.Stock)
	assert.Equal(t, []string{itemID}, updater.calls)

	var entry models.ActionLog
	require.NoError(t, db.Where("action_type = ?", "stock_sync").First(&entry).Error)
	assert.Equal(t, "5", entry.OldValue)
	assert.Equal(t, "12", entry.NewValue)
}

func TestSyncStockSkipsMatchingQuantities(t *testing.T) {
	db := testDB(t)
	product := models.Product{
		SKU: "SKU-EQ", Name: "X", Status: models.StatusPublished,
		Stock: 12, StorefrontProductID: "sf-1",
	}
	require.NoError(t, db.Create(&product).Error)

	updater := &fakeUpdater{}
	deps := Deps{
		DB:      db,
		Updater: updater,
		Storefront: &fakeInventory{products: map[string]*storefront.ShopProduct{
			"sf-1": {Variants: []storefront.Variant{{InventoryQuantity: 12}}},
		}},
	}

	require.NoError(t, deps.syncStock(context.Background()))
	assert.Empty(t, updater.calls)

	var count int64
	require.NoError(t, db.Model(&models.ActionLog{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSyncStockIsolatesPerProductFailures(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.Create(&models.Product{
		SKU: "SKU-A", Name: "A", StorefrontProductID: "missing",
	}).Error)
	good := models.Product{SKU: "SKU-B", Name: "B", StorefrontProductID: "sf-2", Stock: 1}
	require.NoError(t, db.Create(&good).Error)

	deps := Deps{
		DB:      db,
		Updater: &fakeUpdater{},
		Storefront: &fakeInventory{products: map[string]*storefront.ShopProduct{
			"sf-2": {Variants: []storefront.Variant{{InventoryQuantity: 9}}},
		}},
	}

	require.NoError(t, deps.syncStock(context.Background()))

	var updated models.Product
	require.NoError(t, db.First(&updated, good.ID).Error)
	assert.Equal(t, 9, updated.Stock)
}

func TestPublishApprovedSweepsAutoApprovedOnly(t *testing.T) {
	db := testDB(t)
	rules := config.BusinessRules{ScoreAutoPublish: 80, ScoreNeedsApproval: 50}
	manager := lifecycle.NewManager(db, competition.NewAnalyzer(db, fakeSearcher{}), &fakePublisher{}, nil, rules)

	auto := models.Product{SKU: "AUTO", Name: "Auto", BaseCost: 100, Status: models.StatusApproved, AutoApproved: true}
	manual := models.Product{SKU: "MANUAL", Name: "Manual", BaseCost: 100, Status: models.StatusApproved}
	require.NoError(t, db.Create(&auto).Error)
	require.NoError(t, db.Create(&manual).Error)

	deps := Deps{DB: db, Lifecycle: manager}
	require.NoError(t, deps.publishApproved(context.Background()))

	var published models.Product
	require.NoError(t, db.First(&published, auto.ID).Error)
	assert.Equal(t, models.StatusPublished, published.Status)

	var untouched models.Product
	require.NoError(t, db.First(&untouched, manual.ID).Error)
	assert.Equal(t, models.StatusApproved, untouched.Status)
}

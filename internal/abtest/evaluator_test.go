package abtest

import (
	"context"
	"encoding/json"
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
	"github.com/sellforge/platform/internal/marketplace"
)

type fakeClient struct {
	nextID    int
	createErr map[int]error // call index -> error
	updates   []string
	updateErr error
}

func (f *fakeClient) CreateListing(_ context.Context, spec marketplace.ItemSpec) (*marketplace.CreatedItem, error) {
	call := f.nextID
	f.nextID++
	if err := f.createErr[call]; err != nil {
		return nil, err
	}
	return &marketplace.CreatedItem{
		ID:        fmt.Sprintf("MLM-AB-%d", call),
		Permalink: fmt.Sprintf("https://example.com/MLM-AB-%d", call),
	}, nil
}

func (f *fakeClient) UpdateListing(_ context.Context, itemID string, _ map[string]interface{}) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, itemID)
	return nil
}

type fakeNotifier struct {
	completed []string
}

func (f *fakeNotifier) TestCompleted(_ string, _ uint, winner string) {
	f.completed = append(f.completed, winner)
}

func testRules() config.BusinessRules {
	return config.BusinessRules{
		ABTestMinDuration: 7 * 24 * time.Hour,
		ABTestMinVisits:   100,
		ABTestMinSales:    5,
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
		&models.Product{}, &models.Listing{}, &models.ListingMetrics{},
		&models.ABTest{}, &models.ActionLog{},
	))
	return db
}

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func testEvaluator(t *testing.T, db *gorm.DB, client Client, notifier Notifier) *Evaluator {
	t.Helper()
	e := NewEvaluator(db, client, notifier, testRules())
	e.Now = func() time.Time { return fixedNow }
	return e
}

func createPublishedProduct(t *testing.T, db *gorm.DB) *models.Product {
	t.Helper()
	product := models.Product{
		SKU:    "SKU-AB",
		Name:   "Audifonos Bluetooth",
		Status: models.StatusPublished,
		Stock:  10,
	}
	require.NoError(t, db.Create(&product).Error)
	return &product
}

// startedTest seeds a running price test that started ten days ago
func startedTest(t *testing.T, db *gorm.DB, e *Evaluator) *models.ABTest {
	t.Helper()
	product := createPublishedProduct(t, db)

	started := fixedNow.AddDate(0, 0, -10)
	test, err := e.CreateTest(context.Background(), product.ID, models.TestTypePrice,
		VariantSpec{Title: "Audifonos BT", Price: 399},
		VariantSpec{Title: "Audifonos BT Pro", Price: 449},
	)
	require.NoError(t, err)
	require.NoError(t, db.Model(test).Update("started_at", started).Error)
	test.StartedAt = started
	return test
}

func addMetrics(t *testing.T, db *gorm.DB, listingID uint, visits, sales int, revenue float64) {
	t.Helper()
	require.NoError(t, db.Create(&models.ListingMetrics{
		ListingID: listingID,
		Date:      fixedNow.AddDate(0, 0, -2),
		Visits:    visits,
		Sales:     sales,
		Revenue:   revenue,
	}).Error)
}

func TestDetermineWinnerCascade(t *testing.T) {
	cases := []struct {
		name      string
		a, b      VariantStats
		winner    string
		decidedBy string
	}{
		{
			name:      "conversion rate decides",
			a:         VariantStats{Visits: 1000, Sales: 50, ConversionRate: 5},
			b:         VariantStats{Visits: 1000, Sales: 30, ConversionRate: 3},
			winner:    models.VariantA,
			decidedBy: "conversion_rate",
		},
		{
			name:      "close conversion falls through to sales",
			a:         VariantStats{Sales: 50, ConversionRate: 5.0, Revenue: 100},
			b:         VariantStats{Sales: 30, ConversionRate: 4.8, Revenue: 100},
			winner:    models.VariantA,
			decidedBy: "sales",
		},
		{
			name:      "close sales fall through to revenue",
			a:         VariantStats{Sales: 50, ConversionRate: 5.0, Revenue: 1000},
			b:         VariantStats{Sales: 48, ConversionRate: 4.9, Revenue: 2000},
			winner:    models.VariantB,
			decidedBy: "revenue",
		},
		{
			name:      "nothing decisive is a tie",
			a:         VariantStats{Sales: 50, ConversionRate: 5.0, Revenue: 1000},
			b:         VariantStats{Sales: 48, ConversionRate: 4.9, Revenue: 1050},
			winner:    models.TestTie,
			decidedBy: "tie",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			winner, decidedBy := DetermineWinner(tc.a, tc.b)
			assert.Equal(t, tc.winner, winner)
			assert.Equal(t, tc.decidedBy, decidedBy)
		})
	}
}

func TestDetermineWinnerIsSymmetric(t *testing.T) {
	a := VariantStats{Visits: 1000, Sales: 50, Revenue: 5000, ConversionRate: 5}
	b := VariantStats{Visits: 1000, Sales: 30, Revenue: 3000, ConversionRate: 3}

	winner, _ := DetermineWinner(a, b)
	swapped, _ := DetermineWinner(b, a)
	assert.Equal(t, models.VariantA, winner)
	assert.Equal(t, models.VariantB, swapped)

	tieA := VariantStats{Sales: 50, Revenue: 1000, ConversionRate: 5.0}
	tieB := VariantStats{Sales: 48, Revenue: 1050, ConversionRate: 4.9}
	winner, _ = DetermineWinner(tieA, tieB)
	swapped, _ = DetermineWinner(tieB, tieA)
	assert.Equal(t, models.TestTie, winner)
	assert.Equal(t, models.TestTie, swapped)
}

func TestCreateTestPersistsBothVariants(t *testing.T) {
	db := testDB(t)
	client := &fakeClient{}
	e := testEvaluator(t, db, client, nil)
	product := createPublishedProduct(t, db)

	test, err := e.CreateTest(context.Background(), product.ID, models.TestTypeTitle,
		VariantSpec{Title: "Variant A"},
		VariantSpec{Title: "Variant B"},
	)
	require.NoError(t, err)
	assert.Equal(t, models.TestRunning, test.Status)

	var listings []models.Listing
	require.NoError(t, db.Where("product_id = ?", product.ID).Order("id").Find(&listings).Error)
	require.Len(t, listings, 2)
	assert.Equal(t, models.VariantA, listings[0].ABVariant)
	assert.Equal(t, models.VariantB, listings[1].ABVariant)
	assert.True(t, listings[0].IsABTest)
	require.NotNil(t, listings[0].ABTestID)
	assert.Equal(t, test.ID, *listings[0].ABTestID)
	assert.Equal(t, listings[0].ID, test.VariantAID)
	assert.Equal(t, listings[1].ID, test.VariantBID)
}

func TestCreateTestRollsBackOnSecondRemoteFailure(t *testing.T) {
	db := testDB(t)
	client := &fakeClient{createErr: map[int]error{1: errors.New("quota exceeded")}}
	e := testEvaluator(t, db, client, nil)
	product := createPublishedProduct(t, db)

	_, err := e.CreateTest(context.Background(), product.ID, models.TestTypePrice,
		VariantSpec{Price: 100}, VariantSpec{Price: 120})
	require.Error(t, err)

	// The orphan variant A listing was paused remotely
	assert.Equal(t, []string{"MLM-AB-0"}, client.updates)

	var count int64
	require.NoError(t, db.Model(&models.Listing{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, db.Model(&models.ABTest{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateTestRejectsPendingProducts(t *testing.T) {
	db := testDB(t)
	e := testEvaluator(t, db, &fakeClient{}, nil)

	product := models.Product{SKU: "PENDING", Name: "X", Status: models.StatusPending}
	require.NoError(t, db.Create(&product).Error)

	_, err := e.CreateTest(context.Background(), product.ID, models.TestTypePrice,
		VariantSpec{}, VariantSpec{})
	assert.Error(t, err)
}

func TestEvaluateDefersBeforeMinimumDuration(t *testing.T) {
	db := testDB(t)
	e := testEvaluator(t, db, &fakeClient{}, nil)
	test := startedTest(t, db, e)
	require.NoError(t, db.Model(test).Update("started_at", fixedNow.AddDate(0, 0, -3)).Error)

	outcome, err := e.EvaluateTest(context.Background(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, "deferred", outcome.Action)
	assert.Equal(t, models.TestRunning, outcome.Status)
}

func TestEvaluateDefersBelowVisitThreshold(t *testing.T) {
	db := testDB(t)
	e := testEvaluator(t, db, &fakeClient{}, nil)
	test := startedTest(t, db, e)

	addMetrics(t, db, test.VariantAID, 500, 50, 5000)
	addMetrics(t, db, test.VariantBID, 40, 30, 3000) // B below 100 visits

	outcome, err := e.EvaluateTest(context.Background(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, "deferred", outcome.Action)

	var stored models.ABTest
	require.NoError(t, db.First(&stored, test.ID).Error)
	assert.Equal(t, models.TestRunning, stored.Status)
}

func TestEvaluateDefersWithoutMinimumSales(t *testing.T) {
	db := testDB(t)
	e := testEvaluator(t, db, &fakeClient{}, nil)
	test := startedTest(t, db, e)

	addMetrics(t, db, test.VariantAID, 500, 2, 200)
	addMetrics(t, db, test.VariantBID, 500, 1, 100)

	outcome, err := e.EvaluateTest(context.Background(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, "deferred", outcome.Action)
}

func TestEvaluateCompletesAndPausesLoser(t *testing.T) {
	db := testDB(t)
	client := &fakeClient{}
	notifier := &fakeNotifier{}
	e := testEvaluator(t, db, client, notifier)
	test := startedTest(t, db, e)

	addMetrics(t, db, test.VariantAID, 1000, 50, 19950)
	addMetrics(t, db, test.VariantBID, 1000, 30, 13470)

	outcome, err := e.EvaluateTest(context.Background(), test.ID)
	require.NoError(t, err)

	assert.Equal(t, "completed", outcome.Action)
	assert.Equal(t, models.VariantA, outcome.Winner)

	var stored models.ABTest
	require.NoError(t, db.First(&stored, test.ID).Error)
	assert.Equal(t, models.TestCompleted, stored.Status)
	assert.Equal(t, models.VariantA, stored.Winner)
	assert.NotNil(t, stored.EndedAt)

	var results Results
	require.NoError(t, json.Unmarshal(stored.Results, &results))
	assert.Equal(t, 50, results.VariantA.Sales)
	assert.Equal(t, models.VariantA, results.Winner)
	assert.Equal(t, "conversion_rate", results.Decided)

	var loser models.Listing
	require.NoError(t, db.First(&loser, test.VariantBID).Error)
	assert.Equal(t, models.ListingPaused, loser.Status)
	assert.NotNil(t, loser.EndedAt)

	var winnerListing models.Listing
	require.NoError(t, db.First(&winnerListing, test.VariantAID).Error)
	assert.Equal(t, models.ListingActive, winnerListing.Status)

	assert.Len(t, client.updates, 1)
	assert.Equal(t, []string{models.VariantA}, notifier.completed)
}

func TestEvaluateTiePausesNeitherVariant(t *testing.T) {
	db := testDB(t)
	client := &fakeClient{}
	e := testEvaluator(t, db, client, nil)
	test := startedTest(t, db, e)

	addMetrics(t, db, test.VariantAID, 1000, 50, 5000)
	addMetrics(t, db, test.VariantBID, 1000, 48, 5100)

	outcome, err := e.EvaluateTest(context.Background(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TestTie, outcome.Winner)

	var listings []models.Listing
	require.NoError(t, db.Where("ab_test_id = ?", test.ID).Find(&listings).Error)
	for _, l := range listings {
		assert.Equal(t, models.ListingActive, l.Status)
	}
	assert.Empty(t, client.updates)
}

func TestEvaluateNeverReopensCompletedTests(t *testing.T) {
	db := testDB(t)
	e := testEvaluator(t, db, &fakeClient{}, nil)
	test := startedTest(t, db, e)
	require.NoError(t, db.Model(test).Updates(map[string]interface{}{
		"status": models.TestCompleted,
		"winner": models.VariantB,
	}).Error)

	outcome, err := e.EvaluateTest(context.Background(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, "no-op", outcome.Action)
	assert.Equal(t, models.VariantB, outcome.Winner)
}

func TestEvaluateRemotePauseFailureKeepsTestRunning(t *testing.T) {
	db := testDB(t)
	client := &fakeClient{updateErr: errors.New("api down")}
	e := testEvaluator(t, db, client, nil)
	test := startedTest(t, db, e)

	addMetrics(t, db, test.VariantAID, 1000, 50, 19950)
	addMetrics(t, db, test.VariantBID, 1000, 30, 13470)

	_, err := e.EvaluateTest(context.Background(), test.ID)
	require.Error(t, err)

	var stored models.ABTest
	require.NoError(t, db.First(&stored, test.ID).Error)
	assert.Equal(t, models.TestRunning, stored.Status)
}

func TestEvaluateAllSweepsRunningTests(t *testing.T) {
	db := testDB(t)
	e := testEvaluator(t, db, &fakeClient{}, nil)
	test := startedTest(t, db, e)
	addMetrics(t, db, test.VariantAID, 1000, 50, 19950)
	addMetrics(t, db, test.VariantBID, 1000, 30, 13470)

	outcomes, err := e.EvaluateAll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "completed", outcomes[0].Action)
}

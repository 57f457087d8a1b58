package abtest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/models"
	"github.com/sellforge/platform/internal/marketplace"
)

// A variant needs a 10% relative advantage on a criterion to win it
const winnerAdvantage = 1.10

// Client is the slice of the marketplace client tests need: creating the
// variant listings and pausing the loser
type Client interface {
	CreateListing(ctx context.Context, spec marketplace.ItemSpec) (*marketplace.CreatedItem, error)
	UpdateListing(ctx context.Context, itemID string, fields map[string]interface{}) error
}

// Notifier receives test completion events
type Notifier interface {
	TestCompleted(name string, testID uint, winner string)
}

// VariantSpec describes one side of a new test
type VariantSpec struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
}

// VariantStats aggregates a variant's accumulated listing metrics
type VariantStats struct {
	Visits         int     `json:"visits"`
	Sales          int     `json:"sales"`
	Revenue        float64 `json:"revenue"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Results is the structured summary persisted on completion
type Results struct {
	VariantA VariantStats `json:"variant_a"`
	VariantB VariantStats `json:"variant_b"`
	Winner   string       `json:"winner"`
	Decided  string       `json:"decided_by"`
}

// Outcome reports what one evaluation did
type Outcome struct {
	TestID uint   `json:"test_id"`
	Status string `json:"status"`
	Winner string `json:"winner,omitempty"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Evaluator manages paired listing variants
type Evaluator struct {
	db       *gorm.DB
	client   Client
	notifier Notifier
	rules    config.BusinessRules

	// Injectable clock for deterministic duration gates
	Now func() time.Time
}

// NewEvaluator creates an A/B test evaluator
func NewEvaluator(db *gorm.DB, client Client, notifier Notifier, rules config.BusinessRules) *Evaluator {
	return &Evaluator{
		db:       db,
		client:   client,
		notifier: notifier,
		rules:    rules,
		Now:      time.Now,
	}
}

// CreateTest publishes both variant listings and registers the test. If the
// second remote creation fails the first listing is paused best-effort and
// nothing persists locally.
func (e *Evaluator) CreateTest(ctx context.Context, productID uint, testType string, variantA, variantB VariantSpec) (*models.ABTest, error) {
	var product models.Product
	if err := e.db.First(&product, productID).Error; err != nil {
		return nil, fmt.Errorf("product %d not found: %w", productID, err)
	}
	if product.Status != models.StatusPublished && product.Status != models.StatusApproved {
		return nil, fmt.Errorf("product %d is %s, tests need an approved or published product", productID, product.Status)
	}

	switch testType {
	case models.TestTypePrice, models.TestTypeTitle, models.TestTypeDescription, models.TestTypeCombined:
	default:
		return nil, fmt.Errorf("unknown test type %q", testType)
	}

	createdA, err := e.client.CreateListing(ctx, e.itemSpec(&product, variantA))
	if err != nil {
		return nil, fmt.Errorf("failed to create variant A listing: %w", err)
	}

	createdB, err := e.client.CreateListing(ctx, e.itemSpec(&product, variantB))
	if err != nil {
		// Roll back the remote half that did succeed
		if pauseErr := e.client.UpdateListing(ctx, createdA.ID, map[string]interface{}{"status": "paused"}); pauseErr != nil {
			log.Printf("Failed to pause orphan variant listing %s: %v", createdA.ID, pauseErr)
		}
		return nil, fmt.Errorf("failed to create variant B listing: %w", err)
	}

	test := &models.ABTest{
		ProductID: productID,
		TestType:  testType,
		Status:    models.TestRunning,
		StartedAt: e.Now(),
	}

	err = e.db.Transaction(func(tx *gorm.DB) error {
		listingA := models.Listing{
			ProductID:         productID,
			MarketplaceItemID: createdA.ID,
			Title:             variantA.Title,
			Description:       variantA.Description,
			Price:             variantA.Price,
			IsABTest:          true,
			ABVariant:         models.VariantA,
			Status:            models.ListingActive,
		}
		if err := tx.Create(&listingA).Error; err != nil {
			return err
		}

		listingB := models.Listing{
			ProductID:         productID,
			MarketplaceItemID: createdB.ID,
			Title:             variantB.Title,
			Description:       variantB.Description,
			Price:             variantB.Price,
			IsABTest:          true,
			ABVariant:         models.VariantB,
			Status:            models.ListingActive,
		}
		if err := tx.Create(&listingB).Error; err != nil {
			return err
		}

		test.VariantAID = listingA.ID
		test.VariantBID = listingB.ID
		if err := tx.Create(test).Error; err != nil {
			return err
		}

		return tx.Model(&models.Listing{}).
			Where("id IN ?", []uint{listingA.ID, listingB.ID}).
			Update("ab_test_id", test.ID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist test for product %d: %w", productID, err)
	}

	e.logAction(productID, "ab_test_created", testType, true, "", fmt.Sprintf("test %d", test.ID))
	return test, nil
}

func (e *Evaluator) itemSpec(product *models.Product, v VariantSpec) marketplace.ItemSpec {
	return marketplace.ItemSpec{
		Title:             v.Title,
		CategoryID:        product.MarketplaceCategoryID,
		Price:             v.Price,
		CurrencyID:        "MXN",
		AvailableQuantity: product.Stock,
		BuyingMode:        "buy_it_now",
		ListingTypeID:     "gold_special",
		Condition:         "new",
		Description:       v.Description,
		FreeShipping:      product.ShippingCost == 0,
	}
}

// EvaluateAll sweeps every running test; one test's failure does not abort
// the sweep
func (e *Evaluator) EvaluateAll(ctx context.Context) ([]Outcome, error) {
	var tests []models.ABTest
	if err := e.db.Where("status = ?", models.TestRunning).
		Order("id").Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("failed to load running tests: %w", err)
	}

	outcomes := make([]Outcome, 0, len(tests))
	for i := range tests {
		outcome, err := e.EvaluateTest(ctx, tests[i].ID)
		if err != nil {
			log.Printf("Evaluation failed for test %d: %v", tests[i].ID, err)
			continue
		}
		outcomes = append(outcomes, *outcome)
	}
	return outcomes, nil
}

// EvaluateTest checks one test's readiness and completes it when a decision
// can be made. Completed and cancelled tests are never re-evaluated.
func (e *Evaluator) EvaluateTest(ctx context.Context, testID uint) (*Outcome, error) {
	var test models.ABTest
	if err := e.db.First(&test, testID).Error; err != nil {
		return nil, fmt.Errorf("test %d not found: %w", testID, err)
	}

	outcome := &Outcome{TestID: test.ID, Status: test.Status}

	if test.Status != models.TestRunning {
		outcome.Action = "no-op"
		outcome.Reason = fmt.Sprintf("test is %s", test.Status)
		outcome.Winner = test.Winner
		return outcome, nil
	}

	if elapsed := e.Now().Sub(test.StartedAt); elapsed < e.rules.ABTestMinDuration {
		outcome.Action = "deferred"
		outcome.Reason = fmt.Sprintf("running for %s of minimum %s", elapsed.Round(time.Hour), e.rules.ABTestMinDuration)
		return outcome, nil
	}

	statsA, err := e.variantStats(test.VariantAID)
	if err != nil {
		return nil, err
	}
	statsB, err := e.variantStats(test.VariantBID)
	if err != nil {
		return nil, err
	}

	if statsA.Visits < e.rules.ABTestMinVisits || statsB.Visits < e.rules.ABTestMinVisits {
		outcome.Action = "deferred"
		outcome.Reason = "both variants need the minimum visit count"
		return outcome, nil
	}
	if statsA.Sales < e.rules.ABTestMinSales && statsB.Sales < e.rules.ABTestMinSales {
		outcome.Action = "deferred"
		outcome.Reason = "neither variant reached the minimum sale count"
		return outcome, nil
	}

	winner, decidedBy := DetermineWinner(statsA, statsB)

	if err := e.complete(ctx, &test, statsA, statsB, winner, decidedBy); err != nil {
		return nil, err
	}

	outcome.Status = models.TestCompleted
	outcome.Winner = winner
	outcome.Action = "completed"
	outcome.Reason = fmt.Sprintf("decided by %s", decidedBy)
	return outcome, nil
}

// DetermineWinner applies the cascading comparison: conversion rate, then
// sales, then revenue, each requiring a 10% relative advantage. It is pure
// and symmetric in its arguments.
func DetermineWinner(a, b VariantStats) (winner, decidedBy string) {
	if better := compare(a.ConversionRate, b.ConversionRate); better != "" {
		return better, "conversion_rate"
	}
	if better := compare(float64(a.Sales), float64(b.Sales)); better != "" {
		return better, "sales"
	}
	if better := compare(a.Revenue, b.Revenue); better != "" {
		return better, "revenue"
	}
	return models.TestTie, "tie"
}

func compare(a, b float64) string {
	if a > b*winnerAdvantage {
		return models.VariantA
	}
	if b > a*winnerAdvantage {
		return models.VariantB
	}
	return ""
}

func (e *Evaluator) variantStats(listingID uint) (VariantStats, error) {
	var stats VariantStats
	err := e.db.Model(&models.ListingMetrics{}).
		Select("COALESCE(SUM(visits),0) AS visits,"+
			" COALESCE(SUM(sales),0) AS sales,"+
			" COALESCE(SUM(revenue),0) AS revenue").
		Where("listing_id = ?", listingID).
		Scan(&stats).Error
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate metrics for listing %d: %w", listingID, err)
	}
	if stats.Visits > 0 {
		stats.ConversionRate = float64(stats.Sales) / float64(stats.Visits) * 100
	}
	return stats, nil
}

// complete persists the decision and retires the losing variant. The remote
// pause is attempted first so a remote failure leaves the test running for
// the next sweep.
func (e *Evaluator) complete(ctx context.Context, test *models.ABTest, statsA, statsB VariantStats, winner, decidedBy string) error {
	var loserID uint
	switch winner {
	case models.VariantA:
		loserID = test.VariantBID
	case models.VariantB:
		loserID = test.VariantAID
	}

	now := e.Now()

	if loserID != 0 {
		var loser models.Listing
		if err := e.db.First(&loser, loserID).Error; err != nil {
			return fmt.Errorf("loser listing %d not found: %w", loserID, err)
		}
		if err := e.client.UpdateListing(ctx, loser.MarketplaceItemID, map[string]interface{}{"status": "paused"}); err != nil {
			e.logAction(test.ProductID, "ab_test_complete", "remote pause of losing variant failed", false, err.Error(), "")
			return fmt.Errorf("failed to pause losing variant remotely: %w", err)
		}
	}

	results, err := json.Marshal(Results{
		VariantA: statsA,
		VariantB: statsB,
		Winner:   winner,
		Decided:  decidedBy,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	err = e.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":   models.TestCompleted,
			"winner":   winner,
			"results":  results,
			"ended_at": now,
		}
		if err := tx.Model(test).Updates(updates).Error; err != nil {
			return err
		}

		if loserID != 0 {
			return tx.Model(&models.Listing{}).
				Where("id = ?", loserID).
				Updates(map[string]interface{}{
					"status":   models.ListingPaused,
					"ended_at": now,
				}).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist test completion: %w", err)
	}

	e.logAction(test.ProductID, "ab_test_complete",
		fmt.Sprintf("winner %s by %s", winner, decidedBy), true, "", winner)

	if e.notifier != nil {
		var product models.Product
		name := fmt.Sprintf("product %d", test.ProductID)
		if err := e.db.First(&product, test.ProductID).Error; err == nil {
			name = product.Name
		}
		e.notifier.TestCompleted(name, test.ID, winner)
	}
	return nil
}

func (e *Evaluator) logAction(productID uint, actionType, reason string, success bool, errMsg, newValue string) {
	entry := models.ActionLog{
		ProductID:    &productID,
		ActionType:   actionType,
		Reason:       reason,
		NewValue:     newValue,
		Success:      success,
		ErrorMessage: errMsg,
	}
	if err := e.db.Create(&entry).Error; err != nil {
		log.Printf("Failed to write action log (%s): %v", actionType, err)
	}
}

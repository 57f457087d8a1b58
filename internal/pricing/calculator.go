package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/sellforge/platform/internal/common/config"
)

// ErrNonPositiveCost is returned when a price cannot be derived from the input
var ErrNonPositiveCost = errors.New("base cost must be positive")

// Result is the full price ladder for a product. All monetary values are
// tax-inclusive and rounded to two decimal places.
type Result struct {
	BaseCost             float64 `json:"base_cost"`
	CommissionPercentage float64 `json:"commission_percentage"`
	CommissionAmount     float64 `json:"commission_amount"`
	ShippingCost         float64 `json:"shipping_cost"`
	IVAPercentage        float64 `json:"iva_percentage"`
	ISRPercentage        float64 `json:"isr_percentage"`

	// Ladder: breakeven < minimum margin < ideal margin
	MinPrice        float64 `json:"min_price"`
	MinMarginPrice  float64 `json:"min_margin_price"`
	OptimalPrice    float64 `json:"optimal_price"`
	CompetitivePrice float64 `json:"competitive_price"`

	// Realized economics at the competitive price
	MarginPercentage float64 `json:"margin_percentage"`
	Profit           float64 `json:"profit"`
}

// CalculateOptimalPrice derives the price ladder for a base cost. Commission
// and ISR are treated as a combined rate on tax-exclusive revenue; IVA is
// applied on top of each rung. The competitive price is the midpoint of the
// minimum-margin and ideal-margin prices, and the realized margin is
// recomputed at that price.
func CalculateOptimalPrice(baseCost, shippingCost float64, rules config.BusinessRules) (*Result, error) {
	if baseCost <= 0 {
		return nil, ErrNonPositiveCost
	}

	commission := rules.CommissionPercentage
	costRate := commission + rules.ISRPercentage

	minPrice, err := grossUp(baseCost, costRate)
	if err != nil {
		return nil, err
	}
	minMarginPrice, err := grossUp(baseCost, costRate+rules.MinMarginPercentage)
	if err != nil {
		return nil, err
	}
	idealMarginPrice, err := grossUp(baseCost, costRate+rules.IdealMarginPercentage)
	if err != nil {
		return nil, err
	}

	ivaFactor := 1 + rules.IVAPercentage/100
	minWithIVA := minPrice * ivaFactor
	minMarginWithIVA := minMarginPrice * ivaFactor
	idealWithIVA := idealMarginPrice * ivaFactor

	competitive := (minMarginWithIVA + idealWithIVA) / 2

	// Realized margin at the competitive price
	revenue := competitive / ivaFactor
	commissionAmount := commission / 100 * revenue
	costs := costRate/100*revenue + shippingCost
	profit := revenue - baseCost - costs
	margin := profit / revenue * 100

	if !isFinite(minWithIVA, minMarginWithIVA, idealWithIVA, competitive, margin) {
		return nil, fmt.Errorf("pricing produced a non-finite value for base cost %.2f", baseCost)
	}

	return &Result{
		BaseCost:             round2(baseCost),
		CommissionPercentage: commission,
		CommissionAmount:     round2(commissionAmount),
		ShippingCost:         shippingCost,
		IVAPercentage:        rules.IVAPercentage,
		ISRPercentage:        rules.ISRPercentage,
		MinPrice:             round2(minWithIVA),
		MinMarginPrice:       round2(minMarginWithIVA),
		OptimalPrice:         round2(idealWithIVA),
		CompetitivePrice:     round2(competitive),
		MarginPercentage:     round2(margin),
		Profit:               round2(profit),
	}, nil
}

// Margin computes the profit margin percentage at a tax-inclusive price.
// Margin is profit over tax-exclusive revenue.
func Margin(price, baseCost, commissionPercentage, shippingCost float64, rules config.BusinessRules) (float64, error) {
	if price <= 0 {
		return 0, errors.New("price must be positive")
	}

	revenue := price / (1 + rules.IVAPercentage/100)
	commission := commissionPercentage / 100 * revenue
	isr := rules.ISRPercentage / 100 * revenue
	profit := revenue - baseCost - commission - isr - shippingCost
	margin := profit / revenue * 100

	if math.IsNaN(margin) || math.IsInf(margin, 0) {
		return 0, fmt.Errorf("margin is not finite at price %.2f", price)
	}
	return round2(margin), nil
}

// grossUp returns the tax-exclusive price at which costRate percent of
// revenue plus the base cost leaves exactly zero
func grossUp(baseCost, costRate float64) (float64, error) {
	denom := 1 - costRate/100
	if denom <= 0 {
		return 0, fmt.Errorf("cost rate %.2f%% leaves no revenue", costRate)
	}
	return baseCost / denom, nil
}

func isFinite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package scoring

import (
	"context"
	"math"

	"github.com/sellforge/platform/internal/common/config"
	"github.com/sellforge/platform/internal/common/models"
)

// Point budgets per factor
const (
	marginMaxPoints      = 40
	competitionMaxPoints = 25
	priceMaxPoints       = 20
	trendMaxPoints       = 15

	defaultPricePoints = 10
	defaultTrendPoints = 10
)

// Input carries the four signals the score is derived from. Trend is nil
// when no trend signal is available; the documented mid-value is used then.
type Input struct {
	MarginPercentage float64
	CompetitionLevel string
	CompetitivePrice float64
	OptimalPrice     float64
	Trend            *int
}

// Result is the 0-100 quality score with its labeled breakdown
type Result struct {
	TotalScore int            `json:"total_score"`
	Breakdown  map[string]int `json:"breakdown"`
}

// TrendProvider supplies an external demand-trend signal for a keyword.
// ok is false when the signal is unavailable.
type TrendProvider interface {
	TrendScore(ctx context.Context, keyword string) (score int, ok bool)
}

// NoTrend is the default provider: the trend signal stays unavailable and
// scoring falls back to the documented mid-value.
type NoTrend struct{}

// TrendScore always reports the signal as unavailable
func (NoTrend) TrendScore(context.Context, string) (int, bool) { return 0, false }

// Score computes the product quality score. It is pure and deterministic
// given its inputs.
func Score(in Input, rules config.BusinessRules) Result {
	breakdown := map[string]int{
		"margin":      marginPoints(in.MarginPercentage, rules),
		"competition": competitionPoints(in.CompetitionLevel),
		"price":       pricePoints(in.CompetitivePrice, in.OptimalPrice),
		"trend":       trendPoints(in.Trend),
	}

	total := 0
	for _, points := range breakdown {
		total += points
	}
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}

	return Result{TotalScore: total, Breakdown: breakdown}
}

// marginPoints interpolates linearly between the minimum margin (20 points)
// and the ideal margin (40 points); below the minimum the factor scores zero
func marginPoints(margin float64, rules config.BusinessRules) int {
	switch {
	case margin >= rules.IdealMarginPercentage:
		return marginMaxPoints
	case margin >= rules.MinMarginPercentage:
		span := rules.IdealMarginPercentage - rules.MinMarginPercentage
		if span <= 0 {
			return marginMaxPoints
		}
		fraction := (margin - rules.MinMarginPercentage) / span
		return int(20 + 20*fraction)
	default:
		return 0
	}
}

func competitionPoints(level string) int {
	switch level {
	case models.CompetitionLow:
		return competitionMaxPoints
	case models.CompetitionHigh:
		return 5
	default:
		// medium, or unknown when no analysis exists yet
		return 15
	}
}

func pricePoints(competitive, optimal float64) int {
	if competitive <= 0 || optimal <= 0 {
		return defaultPricePoints
	}
	gap := math.Abs(competitive-optimal) / optimal * 100
	switch {
	case gap <= 5:
		return priceMaxPoints
	case gap <= 10:
		return 15
	case gap <= 15:
		return 10
	default:
		return 5
	}
}

func trendPoints(trend *int) int {
	if trend == nil {
		return defaultTrendPoints
	}
	points := *trend
	if points < 0 {
		return 0
	}
	if points > trendMaxPoints {
		return trendMaxPoints
	}
	return points
}

// AutoPublish reports whether the score clears the auto-publish threshold
func AutoPublish(score int, rules config.BusinessRules) bool {
	return score >= rules.ScoreAutoPublish
}

// NeedsApproval reports whether the score requires manual review
func NeedsApproval(score int, rules config.BusinessRules) bool {
	return score >= rules.ScoreNeedsApproval && score < rules.ScoreAutoPublish
}

// Reject reports whether the score is below the approval floor
func Reject(score int, rules config.BusinessRules) bool {
	return score < rules.ScoreNeedsApproval
}

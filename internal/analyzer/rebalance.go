package analyzer

import (
	"fmt"

	"github.com/shopspring/decimal"

	"moexadvisor/pkg/models"
)

// maxWeightStep is the largest single-run allocation change the rebalancer
// proposes. The actual delta scales with the verdict's confidence.
var maxWeightStep = decimal.NewFromFloat(0.05)

// Rebalancer derives allocation guidance from the per-ticker results and the
// portfolio's current value weights.
type Rebalancer struct{}

// NewRebalancer creates a rebalancer.
func NewRebalancer() *Rebalancer {
	return &Rebalancer{}
}

// Advise computes per-ticker rebalancing advice. Weights are computed over
// positions with a known price only; positions without price evidence get
// advice flagged WeightKnown=false and no proposed delta.
func (r *Rebalancer) Advise(positions []models.PortfolioPosition, results []models.AnalysisResult) map[string]models.RebalanceAdvice {
	quantities := make(map[string]int, len(positions))
	for _, p := range positions {
		quantities[p.Ticker()] = p.Quantity()
	}

	total := decimal.Zero
	values := make(map[string]decimal.Decimal, len(results))
	for _, res := range results {
		if !res.PriceKnown {
			continue
		}
		qty, ok := quantities[res.Ticker]
		if !ok {
			continue
		}
		value := res.LastPrice.Mul(decimal.NewFromInt(int64(qty)))
		values[res.Ticker] = value
		total = total.Add(value)
	}

	advice := make(map[string]models.RebalanceAdvice, len(results))
	for _, res := range results {
		a := models.RebalanceAdvice{Ticker: res.Ticker}

		value, priced := values[res.Ticker]
		if !priced || total.IsZero() {
			a.Note = "no price evidence; position weight unknown, no change proposed"
			advice[res.Ticker] = a
			continue
		}

		a.WeightKnown = true
		a.CurrentWeight = value.Div(total).Round(4)
		a.WeightDelta = proposedDelta(res)
		a.Note = adviceNote(res, a.WeightDelta)
		advice[res.Ticker] = a
	}
	return advice
}

// RiskNote summarizes the book-level tilt of a result set.
func (r *Rebalancer) RiskNote(summary models.PortfolioSummary) string {
	half := summary.TotalPositions / 2
	switch {
	case summary.TotalPositions == 0:
		return "empty portfolio"
	case summary.SellCount > half:
		return "majority of positions flagged for sale; consider de-risking the book"
	case summary.BuyCount > half:
		return "majority of positions flagged for accumulation; growth tilt, watch concentration"
	case summary.DegradedCount == summary.TotalPositions:
		return "every result degraded; treat this run as advisory only"
	default:
		return "balanced recommendations; no portfolio-level action required"
	}
}

// proposedDelta sizes the weight change by the verdict and its confidence.
// HOLD proposes nothing.
func proposedDelta(res models.AnalysisResult) decimal.Decimal {
	conf := decimal.NewFromFloat(res.Confidence)
	switch res.Recommendation {
	case models.Buy:
		return maxWeightStep.Mul(conf).Round(4)
	case models.Sell:
		return maxWeightStep.Mul(conf).Neg().Round(4)
	default:
		return decimal.Zero
	}
}

func adviceNote(res models.AnalysisResult, delta decimal.Decimal) string {
	conviction := confidenceLabel(res.Confidence)
	switch {
	case delta.IsPositive():
		return fmt.Sprintf("increase allocation (%s conviction)", conviction)
	case delta.IsNegative():
		return fmt.Sprintf("reduce allocation (%s conviction)", conviction)
	default:
		return fmt.Sprintf("keep current allocation (%s conviction)", conviction)
	}
}

func confidenceLabel(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return "high"
	case confidence >= 0.6:
		return "medium"
	case confidence >= 0.4:
		return "low"
	default:
		return "insufficient"
	}
}

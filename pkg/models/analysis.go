package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recommendation is the fixed trading-action vocabulary.
type Recommendation string

const (
	Buy  Recommendation = "BUY"
	Hold Recommendation = "HOLD"
	Sell Recommendation = "SELL"
)

// AnalysisResult is the outcome of analyzing one ticker. It is created once
// per ticker per run and not mutated afterwards.
type AnalysisResult struct {
	Ticker         string            `json:"ticker"`
	Recommendation Recommendation    `json:"recommendation"`
	Confidence     float64           `json:"confidence"` // in [0, 1]
	AnalysisData   map[string]string `json:"analysis_data"`

	// Degraded is set when one or more evidence sources were unavailable
	// or when the result is a defensive fallback.
	Degraded bool `json:"degraded"`

	// LastPrice is the most recent close seen in the market evidence.
	// PriceKnown is false when no price evidence was available.
	LastPrice  decimal.Decimal `json:"last_price"`
	PriceKnown bool            `json:"price_known"`

	Timestamp time.Time `json:"timestamp"`
}

// RebalanceAdvice is the per-ticker allocation guidance derived from an
// AnalysisResult and the position's weight in the portfolio.
type RebalanceAdvice struct {
	Ticker        string          `json:"ticker"`
	CurrentWeight decimal.Decimal `json:"current_weight"` // fraction of total value
	WeightDelta   decimal.Decimal `json:"weight_delta"`   // proposed change, signed
	WeightKnown   bool            `json:"weight_known"`
	Note          string          `json:"note"`
}

// PortfolioSummary aggregates recommendation counts across the book.
type PortfolioSummary struct {
	TotalPositions int     `json:"total_positions"`
	BuyCount       int     `json:"buy_count"`
	SellCount      int     `json:"sell_count"`
	HoldCount      int     `json:"hold_count"`
	AvgConfidence  float64 `json:"avg_confidence"`
	DegradedCount  int     `json:"degraded_count"`
}

// PortfolioReport is the terminal artifact of one analysis run: one result
// per input position, in portfolio order, plus rebalancing guidance.
type PortfolioReport struct {
	Results     []AnalysisResult           `json:"results"`
	Rebalancing map[string]RebalanceAdvice `json:"rebalancing"`
	Summary     PortfolioSummary           `json:"summary"`
	RiskNote    string                     `json:"risk_note"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// Result returns the analysis result for a ticker, if present.
func (r *PortfolioReport) Result(ticker string) (AnalysisResult, bool) {
	for _, res := range r.Results {
		if res.Ticker == ticker {
			return res, true
		}
	}
	return AnalysisResult{}, false
}

// Summarize computes the aggregate summary for a set of results.
func Summarize(results []AnalysisResult) PortfolioSummary {
	s := PortfolioSummary{TotalPositions: len(results)}
	if len(results) == 0 {
		return s
	}
	var confSum float64
	for _, r := range results {
		switch r.Recommendation {
		case Buy:
			s.BuyCount++
		case Sell:
			s.SellCount++
		default:
			s.HoldCount++
		}
		if r.Degraded {
			s.DegradedCount++
		}
		confSum += r.Confidence
	}
	s.AvgConfidence = confSum / float64(len(results))
	return s
}

// Package analyzer orchestrates per-ticker analysis: it fans out to the
// evidence sources, fuses what came back into a bounded digest, obtains a
// model verdict through the advisor gateway, and assembles the portfolio
// report with rebalancing guidance.
package analyzer

import (
	"github.com/shopspring/decimal"
)

// SourceStatus classifies what one evidence source contributed.
type SourceStatus string

const (
	// StatusOK means the source returned usable content.
	StatusOK SourceStatus = "ok"

	// StatusNoData means the source was reachable but held nothing for the
	// ticker. Not a failure.
	StatusNoData SourceStatus = "no_data"

	// StatusUnavailable means the fetch failed after retries.
	StatusUnavailable SourceStatus = "unavailable"
)

// Evidence is one source's contribution to a ticker's analysis.
type Evidence struct {
	Source  string
	Status  SourceStatus
	Content string
	Reason  string // failure description when unavailable

	LastPrice  decimal.Decimal
	PriceKnown bool
}

// EvidenceBundle is everything gathered for one ticker, in source order.
type EvidenceBundle struct {
	Ticker string
	Items  []Evidence
}

// Available returns the number of sources that contributed content.
func (b *EvidenceBundle) Available() int {
	n := 0
	for _, e := range b.Items {
		if e.Status == StatusOK {
			n++
		}
	}
	return n
}

// AllUnavailable reports whether every source failed outright.
func (b *EvidenceBundle) AllUnavailable() bool {
	if len(b.Items) == 0 {
		return true
	}
	for _, e := range b.Items {
		if e.Status != StatusUnavailable {
			return false
		}
	}
	return true
}

// Degraded reports whether any source fell short of a full contribution.
func (b *EvidenceBundle) Degraded() bool {
	for _, e := range b.Items {
		if e.Status != StatusOK {
			return true
		}
	}
	return false
}

// LastPrice returns the most recent close carried by the evidence, if any.
func (b *EvidenceBundle) LastPrice() (decimal.Decimal, bool) {
	for _, e := range b.Items {
		if e.PriceKnown {
			return e.LastPrice, true
		}
	}
	return decimal.Decimal{}, false
}

// Package models defines the core domain types for portfolio analysis:
// validated portfolio positions, per-ticker analysis results, and the
// terminal portfolio report.
package models

import (
	"fmt"
	"sort"
	"strings"
)

// MinTickerLength is the minimum accepted ticker length after normalization.
const MinTickerLength = 3

// ValidationError reports malformed portfolio input. It is returned before
// any network activity takes place.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// PortfolioPosition is a single holding: a normalized ticker and a positive
// quantity. Construct via NewPosition; the zero value is not a valid position.
type PortfolioPosition struct {
	ticker   string
	quantity int
}

// NewPosition validates and normalizes a ticker/quantity pair. The ticker is
// trimmed and uppercased; short tickers and non-positive quantities are
// rejected with a ValidationError.
func NewPosition(ticker string, quantity int) (PortfolioPosition, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if len(t) < MinTickerLength {
		return PortfolioPosition{}, &ValidationError{
			Field:  "ticker",
			Reason: fmt.Sprintf("%q must be at least %d characters", ticker, MinTickerLength),
		}
	}
	if quantity <= 0 {
		return PortfolioPosition{}, &ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("%d must be positive", quantity),
		}
	}
	return PortfolioPosition{ticker: t, quantity: quantity}, nil
}

// Ticker returns the normalized ticker symbol.
func (p PortfolioPosition) Ticker() string { return p.ticker }

// Quantity returns the position size.
func (p PortfolioPosition) Quantity() int { return p.quantity }

// Portfolio is an ordered sequence of unique positions. The position order
// is the portfolio order: every report produced from this portfolio lists
// tickers in exactly this order.
type Portfolio struct {
	positions []PortfolioPosition
}

// NewPortfolio builds a portfolio from a ticker→quantity mapping. Positions
// are ordered by normalized ticker so runs over the same input are
// deterministic. Empty input, invalid positions, and tickers that collide
// after normalization are rejected.
func NewPortfolio(input map[string]int) (*Portfolio, error) {
	if len(input) == 0 {
		return nil, &ValidationError{Field: "portfolio", Reason: "must contain at least one position"}
	}

	positions := make([]PortfolioPosition, 0, len(input))
	seen := make(map[string]string, len(input))
	for ticker, qty := range input {
		pos, err := NewPosition(ticker, qty)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[pos.Ticker()]; ok {
			return nil, &ValidationError{
				Field:  "ticker",
				Reason: fmt.Sprintf("%q and %q normalize to the same symbol", prev, ticker),
			}
		}
		seen[pos.Ticker()] = ticker
		positions = append(positions, pos)
	}

	sort.Slice(positions, func(i, j int) bool {
		return positions[i].ticker < positions[j].ticker
	})

	return &Portfolio{positions: positions}, nil
}

// Positions returns a copy of the positions in portfolio order.
func (p *Portfolio) Positions() []PortfolioPosition {
	out := make([]PortfolioPosition, len(p.positions))
	copy(out, p.positions)
	return out
}

// Size returns the number of positions.
func (p *Portfolio) Size() int { return len(p.positions) }

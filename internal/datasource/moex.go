package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"moexadvisor/internal/infra"
	"moexadvisor/internal/retry"
)

const moexBaseURL = "https://iss.moex.com"

// moexMaxRows bounds the history table handed downstream. The model reads a
// recent slice, not the full lookback window.
const moexMaxRows = 30

// MOEX fetches daily trading history from the Moscow Exchange ISS API.
type MOEX struct {
	baseURL string
	client  *http.Client
	limiter *infra.RateLimiter
	now     func() time.Time
}

// MOEXOption configures the MOEX adapter.
type MOEXOption func(*MOEX)

// WithMOEXBaseURL sets a custom ISS endpoint (used by tests).
func WithMOEXBaseURL(url string) MOEXOption {
	return func(m *MOEX) { m.baseURL = strings.TrimRight(url, "/") }
}

// WithMOEXHTTPClient sets a custom HTTP client.
func WithMOEXHTTPClient(client *http.Client) MOEXOption {
	return func(m *MOEX) { m.client = client }
}

// NewMOEX creates a MOEX history adapter with the given request rate cap.
func NewMOEX(ratePerSec int, opts ...MOEXOption) *MOEX {
	m := &MOEX{
		baseURL: moexBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: infra.NewRateLimiter(ratePerSec, time.Second),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the evidence-source identifier.
func (m *MOEX) Name() string { return "moex_history" }

// moexHistoryResponse mirrors the ISS history JSON envelope.
type moexHistoryResponse struct {
	History struct {
		Columns []string            `json:"columns"`
		Data    [][]json.RawMessage `json:"data"`
	} `json:"history"`
}

// Fetch returns daily TRADEDATE/CLOSE/VOLUME/VALUE history for the ticker
// over the lookback window, rendered as a bounded text table. The most
// recent close is surfaced separately for portfolio weighting.
func (m *MOEX) Fetch(ctx context.Context, ticker string, lookbackDays int) (*RawEvidence, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	end := m.now()
	start := end.AddDate(0, 0, -lookbackDays)
	url := fmt.Sprintf(
		"%s/iss/history/engines/stock/markets/shares/securities/%s.json?from=%s&till=%s&iss.meta=off&history.columns=TRADEDATE,CLOSE,VOLUME,VALUE",
		m.baseURL, ticker, start.Format("2006-01-02"), end.Format("2006-01-02"),
	)

	body, err := doGet(ctx, m.client, url, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp moexHistoryResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("moex: decode history for %s: %w", ticker, err))
	}

	rows := resp.History.Data
	if len(rows) == 0 {
		return nil, retry.ErrNoData
	}
	if len(rows) > moexMaxRows {
		rows = rows[len(rows)-moexMaxRows:]
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(resp.History.Columns, "\t"))
	sb.WriteByte('\n')

	var lastPrice decimal.Decimal
	priceKnown := false
	closeIdx := columnIndex(resp.History.Columns, "CLOSE")

	for _, row := range rows {
		cells := make([]string, len(row))
		for i, raw := range row {
			cells[i] = renderCell(raw)
		}
		sb.WriteString(strings.Join(cells, "\t"))
		sb.WriteByte('\n')

		if closeIdx >= 0 && closeIdx < len(row) {
			if price, ok := parsePrice(row[closeIdx]); ok {
				lastPrice = price
				priceKnown = true
			}
		}
	}

	return &RawEvidence{
		Source:     m.Name(),
		Ticker:     ticker,
		Content:    strings.TrimRight(sb.String(), "\n"),
		LastPrice:  lastPrice,
		PriceKnown: priceKnown,
		FetchedAt:  m.now(),
	}, nil
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

// renderCell formats a raw ISS JSON cell (string, number, or null) as text.
func renderCell(raw json.RawMessage) string {
	s := string(raw)
	if s == "null" {
		return "-"
	}
	return strings.Trim(s, `"`)
}

func parsePrice(raw json.RawMessage) (decimal.Decimal, bool) {
	s := string(raw)
	if s == "null" {
		return decimal.Decimal{}, false
	}
	price, err := decimal.NewFromString(strings.Trim(s, `"`))
	if err != nil || price.IsZero() {
		return decimal.Decimal{}, false
	}
	return price, true
}

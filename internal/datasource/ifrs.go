package datasource

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"moexadvisor/internal/infra"
	"moexadvisor/internal/retry"
)

const ifrsBaseURL = "https://smart-lab.ru"

// IFRS scrapes yearly IFRS financial statement tables from smart-lab.ru.
// Statements change at most yearly so the lookback window is ignored; the
// daily evidence cache keeps repeat fetches off the site anyway.
type IFRS struct {
	baseURL          string
	client           *http.Client
	limiter          *infra.RateLimiter
	maxContentLength int
	now              func() time.Time
}

// IFRSOption configures the IFRS adapter.
type IFRSOption func(*IFRS)

// WithIFRSBaseURL sets a custom site root (used by tests).
func WithIFRSBaseURL(url string) IFRSOption {
	return func(f *IFRS) { f.baseURL = strings.TrimRight(url, "/") }
}

// WithIFRSHTTPClient sets a custom HTTP client.
func WithIFRSHTTPClient(client *http.Client) IFRSOption {
	return func(f *IFRS) { f.client = client }
}

// NewIFRS creates an IFRS statement adapter. Scraped table text is truncated
// to maxContentLength runes before leaving the adapter.
func NewIFRS(maxContentLength, ratePerSec int, opts ...IFRSOption) *IFRS {
	f := &IFRS{
		baseURL:          ifrsBaseURL,
		client:           &http.Client{Timeout: 30 * time.Second},
		limiter:          infra.NewRateLimiter(ratePerSec, time.Second),
		maxContentLength: maxContentLength,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name returns the evidence-source identifier.
func (f *IFRS) Name() string { return "ifrs" }

// Fetch scrapes the yearly IFRS table for the ticker and renders it as
// tab-separated text. A page without a statement table means the ticker has
// no published financials, reported as retry.ErrNoData.
func (f *IFRS) Fetch(ctx context.Context, ticker string, _ int) (*RawEvidence, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/q/%s/f/y/", f.baseURL, strings.ToUpper(ticker))
	body, err := doGet(ctx, f.client, url, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("ifrs: parse page for %s: %w", ticker, err))
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, retry.ErrNoData
	}

	text := renderTable(table)
	if text == "" {
		return nil, retry.ErrNoData
	}

	return &RawEvidence{
		Source:    f.Name(),
		Ticker:    ticker,
		Content:   Truncate(text, f.maxContentLength),
		FetchedAt: f.now(),
	}, nil
}

// renderTable flattens an HTML table into tab-separated rows, skipping rows
// with no cell text.
func renderTable(table *goquery.Selection) string {
	var sb strings.Builder
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		var cells []string
		hasText := false
		row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			text := strings.Join(strings.Fields(cell.Text()), " ")
			if text != "" {
				hasText = true
			}
			cells = append(cells, text)
		})
		if hasText {
			sb.WriteString(strings.Join(cells, "\t"))
			sb.WriteByte('\n')
		}
	})
	return strings.TrimRight(sb.String(), "\n")
}

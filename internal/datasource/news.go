package datasource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"moexadvisor/internal/infra"
	"moexadvisor/internal/retry"
)

// defaultNewsFeedURL is the market news RSS feed.
const defaultNewsFeedURL = "https://lenta.ru/rss/news"

// newsScanLimit bounds how many feed entries are examined per fetch.
const newsScanLimit = 100

// News fetches recent market news from an RSS feed. Ticker-scoped fetches
// filter headlines by symbol and company-name keywords; Market returns the
// unfiltered market digest shared across all tickers in a run.
type News struct {
	feedURL  string
	maxItems int
	parser   *gofeed.Parser
	limiter  *infra.RateLimiter
	keywords map[string][]string
	now      func() time.Time
}

// NewsOption configures the news adapter.
type NewsOption func(*News)

// WithNewsFeedURL sets a custom RSS feed (used by tests).
func WithNewsFeedURL(url string) NewsOption {
	return func(n *News) { n.feedURL = url }
}

// WithNewsKeywords adds ticker→keyword mappings for headline matching.
func WithNewsKeywords(keywords map[string][]string) NewsOption {
	return func(n *News) {
		for k, v := range keywords {
			n.keywords[strings.ToUpper(k)] = v
		}
	}
}

// NewNews creates a news adapter capped at maxItems entries per fetch.
func NewNews(maxItems, ratePerSec int, opts ...NewsOption) *News {
	n := &News{
		feedURL:  defaultNewsFeedURL,
		maxItems: maxItems,
		parser:   gofeed.NewParser(),
		limiter:  infra.NewRateLimiter(ratePerSec, time.Second),
		keywords: defaultTickerKeywords(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name returns the evidence-source identifier.
func (n *News) Name() string { return "news" }

// Fetch returns recent headlines mentioning the ticker, newest first,
// capped at the configured item count. retry.ErrNoData means the window
// held no matching entries — the feed itself was reachable.
func (n *News) Fetch(ctx context.Context, ticker string, lookbackDays int) (*RawEvidence, error) {
	entries, err := n.recentEntries(ctx, lookbackDays)
	if err != nil {
		return nil, err
	}

	keywords := n.tickerKeywords(ticker)
	var matched []string
	for _, e := range entries {
		if matchesAny(e, keywords) {
			matched = append(matched, e)
		}
		if len(matched) >= n.maxItems {
			break
		}
	}
	if len(matched) == 0 {
		return nil, retry.ErrNoData
	}

	return &RawEvidence{
		Source:    n.Name(),
		Ticker:    ticker,
		Content:   strings.Join(matched, "\n"),
		FetchedAt: n.now(),
	}, nil
}

// Market returns the market-wide news digest: the newest headlines in the
// window regardless of ticker. It is fetched once per portfolio run and
// shared as prompt context by every ticker unit.
func (n *News) Market(ctx context.Context, lookbackDays int) (string, error) {
	entries, err := n.recentEntries(ctx, lookbackDays)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", retry.ErrNoData
	}
	if len(entries) > n.maxItems {
		entries = entries[:n.maxItems]
	}
	return strings.Join(entries, "\n"), nil
}

// recentEntries parses the feed and returns "title: summary" lines newer
// than the lookback cutoff, in feed order.
func (n *News) recentEntries(ctx context.Context, lookbackDays int) ([]string, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	feed, err := n.parser.ParseURLWithContext(n.feedURL, ctx)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("parse RSS %s: %w", n.feedURL, err))
	}

	cutoff := n.now().Add(-time.Duration(lookbackDays) * 24 * time.Hour)

	var entries []string
	for i, item := range feed.Items {
		if i >= newsScanLimit {
			break
		}
		if item.PublishedParsed == nil || !item.PublishedParsed.After(cutoff) {
			continue
		}
		line := item.Title
		if summary := cleanHTML(item.Description); summary != "" {
			line += ": " + summary
		}
		entries = append(entries, line)
	}
	return entries, nil
}

func (n *News) tickerKeywords(ticker string) []string {
	t := strings.ToUpper(ticker)
	keywords := []string{strings.ToLower(t)}
	if extra, ok := n.keywords[t]; ok {
		keywords = append(keywords, extra...)
	}
	return keywords
}

// matchesAny checks if text contains any of the keywords (case-insensitive).
func matchesAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// cleanHTML strips HTML tags from a string using goquery.
func cleanHTML(s string) string {
	if s == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + s + "</body>"))
	if err != nil {
		return s
	}
	return strings.TrimSpace(doc.Text())
}

// defaultTickerKeywords maps MOEX tickers to company-name keywords used for
// headline matching.
func defaultTickerKeywords() map[string][]string {
	return map[string][]string{
		"SBER":  {"сбербанк", "сбер", "sberbank"},
		"GAZP":  {"газпром", "gazprom"},
		"LKOH":  {"лукойл", "lukoil"},
		"ROSN":  {"роснефть", "rosneft"},
		"GMKN":  {"норникель", "норильский никель", "nornickel"},
		"MGNT":  {"магнит", "magnit"},
		"YNDX":  {"яндекс", "yandex"},
		"VTBR":  {"втб", "vtb"},
		"TRNFP": {"транснефть", "transneft"},
		"NVTK":  {"новатэк", "novatek"},
		"PLZL":  {"полюс", "polyus"},
		"MTSS":  {"мтс", "mts"},
	}
}

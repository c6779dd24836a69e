// Package datasource fetches per-ticker evidence from external market,
// news, and financial-statement sources behind a uniform Adapter interface.
// Adapters are composed with retry and caching middleware so the analysis
// pipeline never talks to an unguarded source.
package datasource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"moexadvisor/internal/infra"
	"moexadvisor/internal/monitor"
	"moexadvisor/internal/retry"
)

// RawEvidence is one adapter's bounded output for a ticker. Content is
// always truncated to the adapter's configured cap before it leaves the
// adapter: downstream the evidence feeds a size-constrained model prompt.
type RawEvidence struct {
	Source  string
	Ticker  string
	Content string

	// LastPrice is the most recent close when the source carries prices.
	LastPrice  decimal.Decimal
	PriceKnown bool

	FetchedAt time.Time
}

// Adapter is the uniform fetch capability over one external source.
type Adapter interface {
	// Name returns the evidence-source identifier (e.g. "moex_history").
	Name() string

	// Fetch returns evidence for a ticker over a lookback window in days.
	// It returns retry.ErrNoData when the source legitimately has nothing
	// for the ticker; that is distinct from a fetch failure.
	Fetch(ctx context.Context, ticker string, lookbackDays int) (*RawEvidence, error)
}

// ErrHTTP wraps an HTTP error with its status code.
type ErrHTTP struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Status, e.Body)
}

// DefaultUserAgent is the user agent string used for HTTP requests.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// doGet performs a GET request, returning the response body. Failures are
// pre-classified: network errors and 5xx/429 responses are transient, other
// HTTP errors permanent. The caller closes the returned ReadCloser.
func doGet(ctx context.Context, client *http.Client, url string, headers map[string]string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json, text/html, */*")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("GET %s: %w", url, err))
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		httpErr := &ErrHTTP{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, retry.Transient(httpErr)
		}
		return nil, retry.Permanent(httpErr)
	}

	return resp.Body, nil
}

// Truncate cuts s to at most max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// --- Middleware ---

// retryAdapter wraps an adapter so every fetch runs under the retry
// executor, one performance sample per attempt.
type retryAdapter struct {
	inner    Adapter
	executor *retry.Executor
	timeout  time.Duration
}

// WithRetry wraps adapter with the retry executor and a per-call timeout
// budget. A timed-out call counts as a transient failure and is retried.
func WithRetry(adapter Adapter, executor *retry.Executor, timeout time.Duration) Adapter {
	return &retryAdapter{inner: adapter, executor: executor, timeout: timeout}
}

func (r *retryAdapter) Name() string { return r.inner.Name() }

func (r *retryAdapter) Fetch(ctx context.Context, ticker string, lookbackDays int) (*RawEvidence, error) {
	var evidence *RawEvidence
	err := r.executor.Do(ctx, r.inner.Name(), func(ctx context.Context) error {
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		ev, err := r.inner.Fetch(callCtx, ticker, lookbackDays)
		if err != nil {
			return err
		}
		evidence = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evidence, nil
}

// cachedAdapter memoizes fetch results per (adapter, ticker, lookback, day).
type cachedAdapter struct {
	inner Adapter
	cache *infra.Cache
	mon   *monitor.Monitor
	now   func() time.Time
}

// WithCache wraps adapter with the process-wide write-once evidence cache.
// A hit bypasses the network call and the retry logic entirely; it emits a
// dedicated cache-hit sample instead of a fetch sample.
func WithCache(adapter Adapter, cache *infra.Cache, mon *monitor.Monitor) Adapter {
	return &cachedAdapter{inner: adapter, cache: cache, mon: mon, now: time.Now}
}

func (c *cachedAdapter) Name() string { return c.inner.Name() }

func (c *cachedAdapter) Fetch(ctx context.Context, ticker string, lookbackDays int) (*RawEvidence, error) {
	key := fmt.Sprintf("%s:%s:%d:%s", c.inner.Name(), ticker, lookbackDays, infra.DayKey(c.now()))
	if cached, ok := c.cache.Get(key); ok {
		if c.mon != nil {
			c.mon.Record(c.inner.Name()+".cache_hit", 0, monitor.OutcomeSuccess)
		}
		log.Debug().Str("source", c.inner.Name()).Str("ticker", ticker).Msg("evidence cache hit")
		return cached.(*RawEvidence), nil
	}

	evidence, err := c.inner.Fetch(ctx, ticker, lookbackDays)
	if err != nil {
		return nil, err
	}

	// First writer wins; a racing writer's value is the one we return.
	stored, _ := c.cache.SetOnce(key, evidence)
	return stored.(*RawEvidence), nil
}

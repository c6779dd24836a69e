package analyzer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"moexadvisor/internal/advisor"
	"moexadvisor/internal/config"
	"moexadvisor/internal/datasource"
	"moexadvisor/internal/infra"
	"moexadvisor/internal/llm"
	"moexadvisor/internal/monitor"
	"moexadvisor/internal/retry"
	"moexadvisor/pkg/models"
)

// MarketNewsFunc fetches the run-wide market news digest. It is called once
// per Analyze run; its failure degrades the run, never aborts it.
type MarketNewsFunc func(ctx context.Context) (string, error)

// PortfolioAnalyzer orchestrates a full portfolio run: input validation,
// shared market context, the bounded per-ticker fan-out, and report
// assembly.
type PortfolioAnalyzer struct {
	tickers    *TickerAnalyzer
	rebalancer *Rebalancer
	marketNews MarketNewsFunc
	mon        *monitor.Monitor

	maxConcurrent int
	newsLookback  int
	now           func() time.Time
}

// NewPortfolioAnalyzer creates the orchestrator. maxConcurrent bounds how
// many tickers are analyzed at once; values below one are clamped to one.
func NewPortfolioAnalyzer(tickers *TickerAnalyzer, rebalancer *Rebalancer, mon *monitor.Monitor, maxConcurrent int) *PortfolioAnalyzer {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &PortfolioAnalyzer{
		tickers:       tickers,
		rebalancer:    rebalancer,
		mon:           mon,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// WithMarketNews attaches the shared market-context fetcher.
func (p *PortfolioAnalyzer) WithMarketNews(fn MarketNewsFunc, lookbackDays int) *PortfolioAnalyzer {
	p.marketNews = fn
	p.newsLookback = lookbackDays
	return p
}

// Analyze validates the input and runs the analysis pipeline over every
// position. Validation failures return before any network activity. The
// report lists results in portfolio order regardless of completion order.
func (p *PortfolioAnalyzer) Analyze(ctx context.Context, input map[string]int) (*models.PortfolioReport, error) {
	portfolio, err := models.NewPortfolio(input)
	if err != nil {
		return nil, err
	}

	runStart := p.now()
	positions := portfolio.Positions()
	log.Info().Int("positions", len(positions)).Int("max_concurrent", p.maxConcurrent).Msg("portfolio run started")

	marketNews := p.fetchMarketNews(ctx)

	results := make([]models.AnalysisResult, len(positions))
	sem := semaphore.NewWeighted(int64(p.maxConcurrent))
	var wg sync.WaitGroup

	for i, pos := range positions {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled mid-run: unstarted tickers get the defensive result.
			for j := i; j < len(positions); j++ {
				results[j] = cancelledResult(positions[j].Ticker(), p.now())
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = p.tickers.Analyze(ctx, pos.Ticker(), marketNews)
		}()
	}
	wg.Wait()

	summary := models.Summarize(results)
	report := &models.PortfolioReport{
		Results:     results,
		Rebalancing: p.rebalancer.Advise(positions, results),
		Summary:     summary,
		RiskNote:    p.rebalancer.RiskNote(summary),
		GeneratedAt: p.now(),
	}

	if p.mon != nil {
		p.mon.Record("portfolio_analysis", p.now().Sub(runStart), monitor.OutcomeSuccess)
	}
	log.Info().
		Int("buy", summary.BuyCount).
		Int("hold", summary.HoldCount).
		Int("sell", summary.SellCount).
		Int("degraded", summary.DegradedCount).
		Dur("elapsed", p.now().Sub(runStart)).
		Msg("portfolio run finished")

	return report, nil
}

// PerformanceSummary exposes the run's per-operation statistics.
func (p *PortfolioAnalyzer) PerformanceSummary() map[string]monitor.OperationStats {
	if p.mon == nil {
		return nil
	}
	return p.mon.Summary()
}

// PerformanceReport renders the human-readable performance report.
func (p *PortfolioAnalyzer) PerformanceReport() string {
	if p.mon == nil {
		return ""
	}
	return p.mon.Report()
}

func (p *PortfolioAnalyzer) fetchMarketNews(ctx context.Context) string {
	if p.marketNews == nil {
		return ""
	}
	news, err := p.marketNews(ctx)
	if err != nil {
		if errors.Is(err, retry.ErrNoData) {
			log.Debug().Msg("no market news in the lookback window")
		} else {
			log.Warn().Err(err).Msg("market news unavailable, continuing without market context")
		}
		return ""
	}
	return news
}

func cancelledResult(ticker string, now time.Time) models.AnalysisResult {
	return models.AnalysisResult{
		Ticker:         ticker,
		Recommendation: models.Hold,
		AnalysisData:   map[string]string{"decision": "defensive hold: run cancelled before analysis"},
		Degraded:       true,
		Timestamp:      now,
	}
}

// FromConfig wires the full pipeline from configuration: adapters behind
// cache and retry middleware, the DeepSeek gateway, and the orchestrator.
func FromConfig(cfg *config.Config, mon *monitor.Monitor) (*PortfolioAnalyzer, error) {
	provider, err := llm.NewDeepSeek(cfg.DeepSeek.APIKey,
		llm.WithBaseURL(cfg.DeepSeek.BaseURL),
		llm.WithModel(cfg.DeepSeek.Model),
	)
	if err != nil {
		return nil, err
	}

	a := cfg.Analysis
	executor := retry.NewExecutor(a.MaxRetries, a.BaseDelay(), mon)
	cache := infra.NewCache(a.CacheMaxEntries)

	news := datasource.NewNews(a.MaxNewsItems, a.AdapterRatePerSec)
	moex := datasource.NewMOEX(a.AdapterRatePerSec)
	ifrs := datasource.NewIFRS(a.MaxIFRSContentLength, a.AdapterRatePerSec)

	guard := func(ad datasource.Adapter) datasource.Adapter {
		return datasource.WithCache(datasource.WithRetry(ad, executor, a.APITimeout()), cache, mon)
	}

	sources := []SourceSpec{
		{Adapter: guard(moex), LookbackDays: a.MOEXDaysLookback},
		{Adapter: guard(news), LookbackDays: a.NewsDaysLookback},
		{Adapter: guard(ifrs), LookbackDays: a.NewsDaysLookback},
	}

	gateway := advisor.NewGateway(provider, executor, a.MaxConcurrentModelCalls,
		advisor.WithChatModel(cfg.DeepSeek.Model),
		advisor.WithTemperature(cfg.DeepSeek.Temperature),
		advisor.WithMaxTokens(cfg.DeepSeek.MaxTokens),
	)

	tickers := NewTickerAnalyzer(sources, gateway, a.MaxDigestLength)

	marketNews := func(ctx context.Context) (string, error) {
		return news.Market(ctx, a.NewsDaysLookback)
	}

	// More in-flight tickers than the adapters admit per second just queues
	// goroutines on the rate limiters.
	maxTickers := a.MaxConcurrentTickers
	if ceiling := a.AdapterRatePerSec * len(sources); maxTickers > ceiling {
		log.Debug().Int("configured", maxTickers).Int("ceiling", ceiling).Msg("clamping ticker concurrency to adapter throughput")
		maxTickers = ceiling
	}

	return NewPortfolioAnalyzer(tickers, NewRebalancer(), mon, maxTickers).
		WithMarketNews(marketNews, a.NewsDaysLookback), nil
}

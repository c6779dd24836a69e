package analyzer

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"moexadvisor/internal/advisor"
	"moexadvisor/internal/datasource"
	"moexadvisor/internal/llm"
	"moexadvisor/internal/monitor"
	"moexadvisor/internal/retry"
	"moexadvisor/pkg/models"
)

// stubAdapter is a scriptable evidence adapter.
type stubAdapter struct {
	name      string
	fetchFunc func(ctx context.Context, ticker string, lookbackDays int) (*datasource.RawEvidence, error)
	calls     atomic.Int32
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Fetch(ctx context.Context, ticker string, lookbackDays int) (*datasource.RawEvidence, error) {
	s.calls.Add(1)
	return s.fetchFunc(ctx, ticker, lookbackDays)
}

func okAdapter(name, content string) *stubAdapter {
	s := &stubAdapter{name: name}
	s.fetchFunc = func(ctx context.Context, ticker string, _ int) (*datasource.RawEvidence, error) {
		return &datasource.RawEvidence{Source: name, Ticker: ticker, Content: content}, nil
	}
	return s
}

func priceAdapter(name string, price string) *stubAdapter {
	s := &stubAdapter{name: name}
	s.fetchFunc = func(ctx context.Context, ticker string, _ int) (*datasource.RawEvidence, error) {
		return &datasource.RawEvidence{
			Source: name, Ticker: ticker, Content: "history",
			LastPrice: decimal.RequireFromString(price), PriceKnown: true,
		}, nil
	}
	return s
}

// mockProvider is a scriptable llm.Provider.
type mockProvider struct {
	chatFunc func(ctx context.Context, messages []llm.Message, opts *llm.ChatOptions) (*llm.Response, error)
	calls    atomic.Int32
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Chat(ctx context.Context, messages []llm.Message, opts *llm.ChatOptions) (*llm.Response, error) {
	m.calls.Add(1)
	return m.chatFunc(ctx, messages, opts)
}

func (m *mockProvider) Ping(ctx context.Context) error { return nil }

func fixedReply(content string) *mockProvider {
	return &mockProvider{
		chatFunc: func(ctx context.Context, _ []llm.Message, _ *llm.ChatOptions) (*llm.Response, error) {
			return &llm.Response{Content: content, Model: "mock"}, nil
		},
	}
}

func newGateway(p llm.Provider, mon *monitor.Monitor) *advisor.Gateway {
	e := retry.NewExecutor(3, time.Second, mon)
	e.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return advisor.NewGateway(p, e, 3)
}

func specs(adapters ...datasource.Adapter) []SourceSpec {
	out := make([]SourceSpec, len(adapters))
	for i, a := range adapters {
		out[i] = SourceSpec{Adapter: a, LookbackDays: 7}
	}
	return out
}

// ════════════════════════════════════════════════════════════════════
// ticker.go — per-ticker pipeline
// ════════════════════════════════════════════════════════════════════

func TestAnalyzeHappyPath(t *testing.T) {
	ta := NewTickerAnalyzer(
		specs(priceAdapter("moex_history", "310.25"), okAdapter("news", "headline")),
		newGateway(fixedReply("BUY\nConfidence: 0.9\nUndervalued."), nil),
		6000,
	)

	res := ta.Analyze(context.Background(), "SBER", "")
	if res.Recommendation != models.Buy || res.Confidence != 0.9 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Degraded {
		t.Fatal("full evidence must not be degraded")
	}
	if !res.PriceKnown || res.LastPrice.String() != "310.25" {
		t.Fatalf("price evidence lost: %s known=%v", res.LastPrice, res.PriceKnown)
	}
	if !strings.Contains(res.AnalysisData["decision"], "Undervalued") {
		t.Fatalf("decision rationale missing: %+v", res.AnalysisData)
	}
}

func TestAnalyzeDegradedWhenSourceFails(t *testing.T) {
	failing := &stubAdapter{name: "news"}
	failing.fetchFunc = func(ctx context.Context, _ string, _ int) (*datasource.RawEvidence, error) {
		return nil, retry.Transient(errors.New("feed down"))
	}
	ta := NewTickerAnalyzer(
		specs(okAdapter("moex_history", "history"), failing),
		newGateway(fixedReply("HOLD\nConfidence: 0.6"), nil),
		6000,
	)

	res := ta.Analyze(context.Background(), "GAZP", "")
	if !res.Degraded {
		t.Fatal("result with a failed source must be degraded")
	}
	if res.Recommendation != models.Hold {
		t.Fatalf("unexpected recommendation: %s", res.Recommendation)
	}
	if !strings.Contains(res.AnalysisData["news"], "unavailable") {
		t.Fatalf("failed source must be noted: %+v", res.AnalysisData)
	}
}

func TestAnalyzeNoDataStillCallsModel(t *testing.T) {
	empty := &stubAdapter{name: "news"}
	empty.fetchFunc = func(ctx context.Context, _ string, _ int) (*datasource.RawEvidence, error) {
		return nil, retry.ErrNoData
	}
	p := fixedReply("HOLD")
	ta := NewTickerAnalyzer(
		specs(okAdapter("moex_history", "history"), empty),
		newGateway(p, nil),
		6000,
	)

	res := ta.Analyze(context.Background(), "MGNT", "")
	if p.calls.Load() != 1 {
		t.Fatalf("no-data evidence must still reach the model, calls=%d", p.calls.Load())
	}
	if !res.Degraded {
		t.Fatal("partial evidence must be degraded")
	}
	if res.AnalysisData["news"] != "no data" {
		t.Fatalf("no-data source must be noted: %+v", res.AnalysisData)
	}
}

func TestAnalyzeAllNoDataStillCallsModel(t *testing.T) {
	empty := func(name string) *stubAdapter {
		s := &stubAdapter{name: name}
		s.fetchFunc = func(ctx context.Context, _ string, _ int) (*datasource.RawEvidence, error) {
			return nil, retry.ErrNoData
		}
		return s
	}
	p := fixedReply("HOLD\nConfidence: 0.5")
	ta := NewTickerAnalyzer(specs(empty("moex_history"), empty("news")), newGateway(p, nil), 6000)

	res := ta.Analyze(context.Background(), "OZON", "")
	if p.calls.Load() != 1 {
		t.Fatalf("all-no-data is not a failure, the model must still be asked, calls=%d", p.calls.Load())
	}
	if !res.Degraded || res.Recommendation != models.Hold {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAnalyzeAllSourcesDownSkipsModel(t *testing.T) {
	down := func(name string) *stubAdapter {
		s := &stubAdapter{name: name}
		s.fetchFunc = func(ctx context.Context, _ string, _ int) (*datasource.RawEvidence, error) {
			return nil, retry.Transient(errors.New("down"))
		}
		return s
	}
	p := fixedReply("BUY")
	ta := NewTickerAnalyzer(specs(down("moex_history"), down("news")), newGateway(p, nil), 6000)

	res := ta.Analyze(context.Background(), "SBER", "")
	if p.calls.Load() != 0 {
		t.Fatalf("model must not be called with zero evidence, calls=%d", p.calls.Load())
	}
	if res.Recommendation != models.Hold || res.Confidence != 0 || !res.Degraded {
		t.Fatalf("expected defensive HOLD, got %+v", res)
	}
	if !strings.Contains(res.AnalysisData["decision"], "defensive hold") {
		t.Fatalf("fallback must be explained: %+v", res.AnalysisData)
	}
}

func TestAnalyzeModelFailureFallsBack(t *testing.T) {
	p := &mockProvider{
		chatFunc: func(ctx context.Context, _ []llm.Message, _ *llm.ChatOptions) (*llm.Response, error) {
			return nil, llm.ErrProviderDown
		},
	}
	ta := NewTickerAnalyzer(
		specs(priceAdapter("moex_history", "100")),
		newGateway(p, nil),
		6000,
	)

	res := ta.Analyze(context.Background(), "SBER", "")
	if res.Recommendation != models.Hold || res.Confidence != 0 || !res.Degraded {
		t.Fatalf("expected defensive HOLD after model failure, got %+v", res)
	}
	// The price evidence survives into the fallback result.
	if !res.PriceKnown || res.LastPrice.String() != "100" {
		t.Fatalf("price lost in fallback: %+v", res)
	}
}

// ════════════════════════════════════════════════════════════════════
// portfolio.go — orchestration
// ════════════════════════════════════════════════════════════════════

func newPortfolioAnalyzer(reply string, adapters ...datasource.Adapter) *PortfolioAnalyzer {
	ta := NewTickerAnalyzer(specs(adapters...), newGateway(fixedReply(reply), nil), 6000)
	return NewPortfolioAnalyzer(ta, NewRebalancer(), monitor.New(), 3)
}

func TestPortfolioAnalyzeValidatesBeforeFetching(t *testing.T) {
	adapter := okAdapter("moex_history", "history")
	pa := newPortfolioAnalyzer("BUY", adapter)

	_, err := pa.Analyze(context.Background(), map[string]int{"AB": 10})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if adapter.calls.Load() != 0 {
		t.Fatalf("validation failure must precede fetching, calls=%d", adapter.calls.Load())
	}
}

func TestPortfolioAnalyzeOrdersResults(t *testing.T) {
	pa := newPortfolioAnalyzer("HOLD", okAdapter("moex_history", "history"))
	report, err := pa.Analyze(context.Background(), map[string]int{"SBER": 100, "GAZP": 50, "LKOH": 5})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	want := []string{"GAZP", "LKOH", "SBER"}
	if len(report.Results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(report.Results))
	}
	for i, ticker := range want {
		if report.Results[i].Ticker != ticker {
			t.Fatalf("result %d: expected %s, got %s", i, ticker, report.Results[i].Ticker)
		}
	}
	if report.Summary.TotalPositions != 3 || report.Summary.HoldCount != 3 {
		t.Fatalf("unexpected summary: %+v", report.Summary)
	}
	if report.GeneratedAt.IsZero() {
		t.Fatal("GeneratedAt must be set")
	}
}

func TestPortfolioAnalyzeIsolatesTickerFailures(t *testing.T) {
	// News fails only for GAZP; SBER must be unaffected.
	news := &stubAdapter{name: "news"}
	news.fetchFunc = func(ctx context.Context, ticker string, _ int) (*datasource.RawEvidence, error) {
		if ticker == "GAZP" {
			return nil, retry.Transient(errors.New("feed down"))
		}
		return &datasource.RawEvidence{Source: "news", Ticker: ticker, Content: "headline"}, nil
	}
	pa := newPortfolioAnalyzer("HOLD\nConfidence: 0.6", okAdapter("moex_history", "history"), news)

	report, err := pa.Analyze(context.Background(), map[string]int{"SBER": 100, "GAZP": 50})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	sber, _ := report.Result("SBER")
	gazp, _ := report.Result("GAZP")
	if sber.Degraded {
		t.Fatal("healthy ticker must not be degraded by a sibling's failure")
	}
	if !gazp.Degraded {
		t.Fatal("ticker with a failed source must be degraded")
	}
	if report.Summary.DegradedCount != 1 {
		t.Fatalf("unexpected summary: %+v", report.Summary)
	}
}

func TestPortfolioAnalyzeMarketNewsSharedOnce(t *testing.T) {
	var marketCalls atomic.Int32
	ta := NewTickerAnalyzer(specs(okAdapter("moex_history", "history")), newGateway(fixedReply("HOLD"), nil), 6000)
	pa := NewPortfolioAnalyzer(ta, NewRebalancer(), nil, 3).
		WithMarketNews(func(ctx context.Context) (string, error) {
			marketCalls.Add(1)
			return "market headline", nil
		}, 1)

	_, err := pa.Analyze(context.Background(), map[string]int{"SBER": 1, "GAZP": 1, "LKOH": 1})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if marketCalls.Load() != 1 {
		t.Fatalf("market news must be fetched once per run, got %d", marketCalls.Load())
	}
}

func TestPortfolioAnalyzeMarketNewsFailureDegradesGracefully(t *testing.T) {
	ta := NewTickerAnalyzer(specs(okAdapter("moex_history", "history")), newGateway(fixedReply("HOLD"), nil), 6000)
	pa := NewPortfolioAnalyzer(ta, NewRebalancer(), nil, 3).
		WithMarketNews(func(ctx context.Context) (string, error) {
			return "", errors.New("feed down")
		}, 1)

	report, err := pa.Analyze(context.Background(), map[string]int{"SBER": 1})
	if err != nil {
		t.Fatalf("market news failure must not abort the run: %v", err)
	}
	if len(report.Results) != 1 {
		t.Fatalf("expected one result, got %d", len(report.Results))
	}
}

func TestPortfolioAnalyzeRecordsRunSample(t *testing.T) {
	mon := monitor.New()
	ta := NewTickerAnalyzer(specs(okAdapter("moex_history", "history")), newGateway(fixedReply("HOLD"), nil), 6000)
	pa := NewPortfolioAnalyzer(ta, NewRebalancer(), mon, 3)

	if _, err := pa.Analyze(context.Background(), map[string]int{"SBER": 1}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if s := mon.Summary()["portfolio_analysis"]; s.Count != 1 {
		t.Fatalf("expected one run sample, got %+v", s)
	}
	if !strings.Contains(pa.PerformanceReport(), "portfolio_analysis") {
		t.Fatal("performance report must mention the run")
	}
}

// ════════════════════════════════════════════════════════════════════
// rebalance.go — allocation guidance
// ════════════════════════════════════════════════════════════════════

func TestRebalancerWeightsAndDeltas(t *testing.T) {
	positions := mustPositions(t, map[string]int{"SBER": 10, "GAZP": 10})
	results := []models.AnalysisResult{
		{Ticker: "GAZP", Recommendation: models.Sell, Confidence: 1.0,
			LastPrice: decimal.NewFromInt(100), PriceKnown: true},
		{Ticker: "SBER", Recommendation: models.Buy, Confidence: 0.8,
			LastPrice: decimal.NewFromInt(300), PriceKnown: true},
	}

	advice := NewRebalancer().Advise(positions, results)

	sber := advice["SBER"]
	if !sber.WeightKnown {
		t.Fatal("SBER weight must be known")
	}
	// 3000 of 4000 total.
	if sber.CurrentWeight.String() != "0.75" {
		t.Fatalf("expected weight 0.75, got %s", sber.CurrentWeight)
	}
	// BUY at 0.8 confidence: +0.05 * 0.8 = +0.04.
	if sber.WeightDelta.String() != "0.04" {
		t.Fatalf("expected delta 0.04, got %s", sber.WeightDelta)
	}

	gazp := advice["GAZP"]
	if gazp.CurrentWeight.String() != "0.25" {
		t.Fatalf("expected weight 0.25, got %s", gazp.CurrentWeight)
	}
	if gazp.WeightDelta.String() != "-0.05" {
		t.Fatalf("expected delta -0.05, got %s", gazp.WeightDelta)
	}
}

func TestRebalancerUnknownPrice(t *testing.T) {
	positions := mustPositions(t, map[string]int{"SBER": 10, "YNDX": 5})
	results := []models.AnalysisResult{
		{Ticker: "SBER", Recommendation: models.Buy, Confidence: 0.9,
			LastPrice: decimal.NewFromInt(300), PriceKnown: true},
		{Ticker: "YNDX", Recommendation: models.Buy, Confidence: 0.9},
	}

	advice := NewRebalancer().Advise(positions, results)

	yndx := advice["YNDX"]
	if yndx.WeightKnown {
		t.Fatal("unpriced position must have unknown weight")
	}
	if !yndx.WeightDelta.IsZero() {
		t.Fatalf("unpriced position must get no delta, got %s", yndx.WeightDelta)
	}
	if !strings.Contains(yndx.Note, "no price evidence") {
		t.Fatalf("missing flag note: %q", yndx.Note)
	}
	// SBER is the only priced position: full weight.
	if advice["SBER"].CurrentWeight.String() != "1" {
		t.Fatalf("expected weight 1, got %s", advice["SBER"].CurrentWeight)
	}
}

func TestRebalancerHoldProposesNothing(t *testing.T) {
	positions := mustPositions(t, map[string]int{"SBER": 10})
	results := []models.AnalysisResult{
		{Ticker: "SBER", Recommendation: models.Hold, Confidence: 0.9,
			LastPrice: decimal.NewFromInt(300), PriceKnown: true},
	}
	advice := NewRebalancer().Advise(positions, results)
	if !advice["SBER"].WeightDelta.IsZero() {
		t.Fatalf("HOLD must propose no change, got %s", advice["SBER"].WeightDelta)
	}
}

func TestRiskNote(t *testing.T) {
	r := NewRebalancer()
	cases := []struct {
		summary models.PortfolioSummary
		want    string
	}{
		{models.PortfolioSummary{TotalPositions: 3, SellCount: 2}, "de-risking"},
		{models.PortfolioSummary{TotalPositions: 3, BuyCount: 2}, "growth tilt"},
		{models.PortfolioSummary{TotalPositions: 2, DegradedCount: 2}, "advisory only"},
		{models.PortfolioSummary{TotalPositions: 3, BuyCount: 1, SellCount: 1, HoldCount: 1}, "balanced"},
		{models.PortfolioSummary{}, "empty"},
	}
	for _, tc := range cases {
		if note := r.RiskNote(tc.summary); !strings.Contains(note, tc.want) {
			t.Fatalf("summary %+v: note %q does not mention %q", tc.summary, note, tc.want)
		}
	}
}

func mustPositions(t *testing.T, input map[string]int) []models.PortfolioPosition {
	t.Helper()
	p, err := models.NewPortfolio(input)
	if err != nil {
		t.Fatalf("NewPortfolio: %v", err)
	}
	return p.Positions()
}

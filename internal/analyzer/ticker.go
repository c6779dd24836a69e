package analyzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"moexadvisor/internal/advisor"
	"moexadvisor/internal/datasource"
	"moexadvisor/internal/retry"
	"moexadvisor/pkg/models"
)

// State tracks a ticker unit through its analysis lifecycle. Transitions are
// strictly forward; a unit never re-enters an earlier state.
type State string

const (
	StatePending      State = "pending"
	StateFetching     State = "fetching"
	StateDigesting    State = "digesting"
	StateRecommending State = "recommending"
	StateDone         State = "done"
	StateDegraded     State = "degraded_done"
	StateFailed       State = "failed"
)

// excerptLen bounds the per-source excerpt carried in the result's
// AnalysisData map. The full content lives only in the digest.
const excerptLen = 200

// SourceSpec binds an evidence adapter to its lookback window.
type SourceSpec struct {
	Adapter      datasource.Adapter
	LookbackDays int
}

// TickerAnalyzer runs the full pipeline for one ticker: parallel evidence
// fan-out, digest fusion, and the gated model call. It never returns an
// error: every failure mode degrades into a defensive HOLD result so one bad
// ticker cannot sink a portfolio run.
type TickerAnalyzer struct {
	sources      []SourceSpec
	gateway      *advisor.Gateway
	maxDigestLen int
	now          func() time.Time
}

// NewTickerAnalyzer creates a per-ticker analyzer over the given sources.
func NewTickerAnalyzer(sources []SourceSpec, gateway *advisor.Gateway, maxDigestLen int) *TickerAnalyzer {
	return &TickerAnalyzer{
		sources:      sources,
		gateway:      gateway,
		maxDigestLen: maxDigestLen,
		now:          time.Now,
	}
}

// Analyze produces the analysis result for one ticker. marketNews is the
// run-wide market digest shared by every ticker; it may be empty.
func (t *TickerAnalyzer) Analyze(ctx context.Context, ticker, marketNews string) models.AnalysisResult {
	state := StatePending
	logger := log.With().Str("ticker", ticker).Logger()
	logger.Debug().Str("state", string(state)).Msg("ticker unit created")

	state = StateFetching
	logger.Debug().Str("state", string(state)).Int("sources", len(t.sources)).Msg("gathering evidence")
	bundle := t.gather(ctx, ticker)

	data := make(map[string]string, len(bundle.Items)+1)
	for _, e := range bundle.Items {
		switch e.Status {
		case StatusOK:
			data[e.Source] = datasource.Truncate(e.Content, excerptLen)
		case StatusNoData:
			data[e.Source] = "no data"
		case StatusUnavailable:
			data[e.Source] = "unavailable: " + e.Reason
		}
	}

	lastPrice, priceKnown := bundle.LastPrice()

	// With every source down there is nothing to reason over. Skip the
	// model call and emit the defensive fallback directly.
	if bundle.AllUnavailable() {
		state = StateFailed
		logger.Warn().Str("state", string(state)).Msg("all evidence sources unavailable")
		data["decision"] = "defensive hold: no evidence source was reachable"
		return t.fallback(ticker, data, lastPrice, priceKnown)
	}

	state = StateDigesting
	logger.Debug().Str("state", string(state)).Int("sources_ok", bundle.Available()).Msg("fusing digest")
	digest := BuildDigest(bundle, t.maxDigestLen)
	prompt := advisor.BuildPrompt(ticker, digest, marketNews)

	state = StateRecommending
	logger.Debug().Str("state", string(state)).Msg("requesting model verdict")
	judgment, err := t.gateway.Recommend(ctx, advisor.SystemPrompt, prompt)
	if err != nil {
		state = StateFailed
		logger.Warn().Str("state", string(state)).Err(err).Msg("model verdict unavailable")
		data["decision"] = fmt.Sprintf("defensive hold: model verdict unavailable (%v)", err)
		return t.fallback(ticker, data, lastPrice, priceKnown)
	}

	degraded := bundle.Degraded()
	if degraded {
		state = StateDegraded
	} else {
		state = StateDone
	}
	logger.Info().
		Str("state", string(state)).
		Str("recommendation", string(judgment.Recommendation)).
		Float64("confidence", judgment.Confidence).
		Int("sources_ok", bundle.Available()).
		Msg("ticker analyzed")

	data["decision"] = datasource.Truncate(judgment.Rationale, 2*excerptLen)

	return models.AnalysisResult{
		Ticker:         ticker,
		Recommendation: judgment.Recommendation,
		Confidence:     judgment.Confidence,
		AnalysisData:   data,
		Degraded:       degraded,
		LastPrice:      lastPrice,
		PriceKnown:     priceKnown,
		Timestamp:      t.now(),
	}
}

// gather fans out to every source concurrently and collects the bundle in
// source order. Fetch failures become unavailable evidence, never errors.
func (t *TickerAnalyzer) gather(ctx context.Context, ticker string) *EvidenceBundle {
	items := make([]Evidence, len(t.sources))

	g, ctx := errgroup.WithContext(ctx)
	for i, spec := range t.sources {
		g.Go(func() error {
			items[i] = t.fetchOne(ctx, spec, ticker)
			return nil
		})
	}
	// Fetch goroutines never return errors; failures degrade in place.
	_ = g.Wait()

	return &EvidenceBundle{Ticker: ticker, Items: items}
}

func (t *TickerAnalyzer) fetchOne(ctx context.Context, spec SourceSpec, ticker string) Evidence {
	name := spec.Adapter.Name()
	ev, err := spec.Adapter.Fetch(ctx, ticker, spec.LookbackDays)
	switch {
	case err == nil:
		return Evidence{
			Source:     name,
			Status:     StatusOK,
			Content:    ev.Content,
			LastPrice:  ev.LastPrice,
			PriceKnown: ev.PriceKnown,
		}
	case isNoData(err):
		return Evidence{Source: name, Status: StatusNoData}
	default:
		log.Warn().Str("ticker", ticker).Str("source", name).Err(err).Msg("evidence source unavailable")
		return Evidence{Source: name, Status: StatusUnavailable, Reason: err.Error()}
	}
}

// fallback builds the defensive result emitted when the unit cannot reach a
// real verdict.
func (t *TickerAnalyzer) fallback(ticker string, data map[string]string, lastPrice decimal.Decimal, priceKnown bool) models.AnalysisResult {
	return models.AnalysisResult{
		Ticker:         ticker,
		Recommendation: models.Hold,
		Confidence:     0,
		AnalysisData:   data,
		Degraded:       true,
		LastPrice:      lastPrice,
		PriceKnown:     priceKnown,
		Timestamp:      t.now(),
	}
}

func isNoData(err error) bool {
	return errors.Is(err, retry.ErrNoData)
}

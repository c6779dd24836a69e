// Package advisor turns an evidence digest into a BUY/HOLD/SELL judgment by
// calling the recommendation model through a concurrency-gated, retried
// gateway and parsing the free-text verdict.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"moexadvisor/internal/llm"
	"moexadvisor/internal/retry"
	"moexadvisor/pkg/models"
)

// DefaultConfidence is assumed when the model states a verdict without a
// confidence figure.
const DefaultConfidence = 0.8

// Judgment is the parsed model verdict for one ticker.
type Judgment struct {
	Recommendation models.Recommendation
	Confidence     float64
	Rationale      string
}

// Gateway serializes model access: at most maxConcurrent chat calls run at
// once across the whole process, each under the retry executor.
type Gateway struct {
	provider    llm.Provider
	executor    *retry.Executor
	gate        *semaphore.Weighted
	model       string
	temperature float64
	maxTokens   int
}

// GatewayOption configures the gateway.
type GatewayOption func(*Gateway)

// WithChatModel overrides the provider's default model.
func WithChatModel(model string) GatewayOption {
	return func(g *Gateway) { g.model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) GatewayOption {
	return func(g *Gateway) { g.temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) GatewayOption {
	return func(g *Gateway) { g.maxTokens = n }
}

// NewGateway creates a model gateway bounded to maxConcurrent in-flight
// chat calls.
func NewGateway(provider llm.Provider, executor *retry.Executor, maxConcurrent int, opts ...GatewayOption) *Gateway {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	g := &Gateway{
		provider: provider,
		executor: executor,
		gate:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Recommend sends the evidence digest to the model and parses the verdict.
// Acquiring a slot blocks until a concurrent call finishes or the context
// is cancelled. An unparseable reply is a permanent failure: retrying the
// same digest would burn quota without changing the model's answer class.
func (g *Gateway) Recommend(ctx context.Context, systemPrompt, digest string) (*Judgment, error) {
	if err := g.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.gate.Release(1)

	messages := []llm.Message{
		llm.SystemMessage(systemPrompt),
		llm.UserMessage(digest),
	}
	opts := &llm.ChatOptions{
		Model:       g.model,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}

	var judgment *Judgment
	err := g.executor.Do(ctx, "deepseek_chat", func(ctx context.Context) error {
		resp, err := g.provider.Chat(ctx, messages, opts)
		if err != nil {
			return classify(err)
		}
		j, err := ParseJudgment(resp.Content)
		if err != nil {
			return retry.Permanent(err)
		}
		log.Debug().
			Str("model", resp.Model).
			Int("tokens", resp.Usage.TotalTokens).
			Dur("latency", resp.Latency).
			Str("verdict", string(j.Recommendation)).
			Msg("model verdict parsed")
		judgment = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return judgment, nil
}

// classify maps provider errors onto the retry taxonomy. Rate limits and
// outages pass with time; auth and quota problems do not.
func classify(err error) error {
	switch {
	case errors.Is(err, llm.ErrRateLimit),
		errors.Is(err, llm.ErrProviderDown),
		errors.Is(err, llm.ErrEmptyResponse):
		return retry.Transient(err)
	case errors.Is(err, llm.ErrNoAPIKey),
		errors.Is(err, llm.ErrQuotaExceeded):
		return retry.Permanent(err)
	}
	return err
}

// ── Verdict parsing ──

// verdict synonym tables, English and Russian. Matching is by earliest
// occurrence in the reply so a sentence like "do not buy, sell instead"
// resolves by whichever verb the model led with.
var (
	buyWords  = []string{"strong buy", "покупать", "купить", "accumulate", "buy"}
	sellWords = []string{"strong sell", "продавать", "продать", "reduce", "sell"}
	holdWords = []string{"держать", "neutral", "hold", "keep"}
)

var confidenceRe = regexp.MustCompile(`(?i)(?:confidence|уверенность)[:\s]+([0-9]*\.?[0-9]+)`)

// ParseJudgment extracts the recommendation and confidence from a free-text
// model reply. The earliest verdict keyword wins; a reply with no verdict
// keyword at all is an error.
func ParseJudgment(content string) (*Judgment, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, fmt.Errorf("parse verdict: empty reply")
	}
	lower := strings.ToLower(trimmed)

	rec, found := earliestVerdict(lower)
	if !found {
		return nil, fmt.Errorf("parse verdict: no recommendation keyword in reply %q", snippet(trimmed))
	}

	return &Judgment{
		Recommendation: rec,
		Confidence:     parseConfidence(lower),
		Rationale:      trimmed,
	}, nil
}

// earliestVerdict finds the verdict keyword with the smallest index in the
// lower-cased reply.
func earliestVerdict(lower string) (models.Recommendation, bool) {
	best := -1
	var rec models.Recommendation
	check := func(words []string, r models.Recommendation) {
		for _, w := range words {
			if idx := strings.Index(lower, w); idx >= 0 && (best < 0 || idx < best) {
				best = idx
				rec = r
			}
		}
	}
	check(buyWords, models.Buy)
	check(sellWords, models.Sell)
	check(holdWords, models.Hold)
	return rec, best >= 0
}

// parseConfidence extracts a confidence figure, accepting both fractional
// (0.85) and percentage (85) forms, clamped to [0, 1]. Absent or malformed
// figures fall back to the default.
func parseConfidence(lower string) float64 {
	m := confidenceRe.FindStringSubmatch(lower)
	if m == nil {
		return DefaultConfidence
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return DefaultConfidence
	}
	if v > 1 && v <= 100 {
		v /= 100
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func snippet(s string) string {
	runes := []rune(s)
	if len(runes) > 80 {
		return string(runes[:80]) + "..."
	}
	return s
}

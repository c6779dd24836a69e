package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProviderDeepSeek is the provider identifier for the DeepSeek backend.
const ProviderDeepSeek = "deepseek"

// DeepSeekProvider implements Provider for DeepSeek's OpenAI-compatible
// Chat Completions API.
type DeepSeekProvider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// DeepSeekOption configures the DeepSeek provider.
type DeepSeekOption func(*DeepSeekProvider)

// WithBaseURL sets a custom base URL (e.g., for proxies or test servers).
func WithBaseURL(url string) DeepSeekOption {
	return func(p *DeepSeekProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithModel sets the default model.
func WithModel(model string) DeepSeekOption {
	return func(p *DeepSeekProvider) { p.model = model }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) DeepSeekOption {
	return func(p *DeepSeekProvider) { p.client = client }
}

// NewDeepSeek creates a DeepSeek provider.
func NewDeepSeek(apiKey string, opts ...DeepSeekOption) (*DeepSeekProvider, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	p := &DeepSeekProvider{
		apiKey:  apiKey,
		baseURL: "https://api.deepseek.com",
		model:   "deepseek-chat",
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *DeepSeekProvider) Name() string { return ProviderDeepSeek }

// Ping verifies the API key by listing models.
func (p *DeepSeekProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: invalid API key", ErrNoAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrProviderDown, resp.StatusCode)
	}
	return nil
}

// Chat sends a chat completion request to DeepSeek.
func (p *DeepSeekProvider) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error) {
	start := time.Now()
	model := p.resolveModel(opts)

	body := deepSeekChatRequest{
		Model:    model,
		Messages: messages,
	}
	if opts != nil {
		if opts.Temperature > 0 {
			body.Temperature = &opts.Temperature
		}
		if opts.MaxTokens > 0 {
			body.MaxTokens = &opts.MaxTokens
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("deepseek: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderDown, err)
	}
	defer resp.Body.Close()

	if err := p.checkError(resp); err != nil {
		return nil, err
	}

	var result deepSeekChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("deepseek: decode response: %w", err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return nil, ErrEmptyResponse
	}

	return &Response{
		Content: result.Choices[0].Message.Content,
		Model:   result.Model,
		Latency: time.Since(start),
		Usage: Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
	}, nil
}

// ── Internal Types ──

type deepSeekChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type deepSeekChatResponse struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Choices []deepSeekChoice `json:"choices"`
	Usage   deepSeekUsage    `json:"usage"`
}

type deepSeekChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type deepSeekUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type deepSeekErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ── Helpers ──

func (p *DeepSeekProvider) resolveModel(opts *ChatOptions) string {
	if opts != nil && opts.Model != "" {
		return opts.Model
	}
	return p.model
}

func (p *DeepSeekProvider) checkError(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr deepSeekErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrNoAPIKey, apiErr.Error.Message)
		case http.StatusPaymentRequired:
			// DeepSeek signals insufficient balance with 402.
			return fmt.Errorf("%w: %s", ErrQuotaExceeded, apiErr.Error.Message)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimit, apiErr.Error.Message)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s", ErrProviderDown, apiErr.Error.Message)
		}
		return fmt.Errorf("deepseek: API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrNoAPIKey, resp.StatusCode)
	case resp.StatusCode == http.StatusPaymentRequired:
		return fmt.Errorf("%w: HTTP %d", ErrQuotaExceeded, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimit, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrProviderDown, resp.StatusCode)
	}
	return fmt.Errorf("deepseek: HTTP %d: %s", resp.StatusCode, string(body))
}

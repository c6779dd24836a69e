// Package llm provides the chat interface to the recommendation model
// backend. The advisor layer talks to the Provider interface only; the
// DeepSeek client is the production implementation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by model providers. The advisor maps these onto
// its retry classification.
var (
	ErrNoAPIKey      = errors.New("llm: API key not configured")
	ErrQuotaExceeded = errors.New("llm: account quota exceeded")
	ErrRateLimit     = errors.New("llm: rate limit exceeded")
	ErrProviderDown  = errors.New("llm: provider unavailable")
	ErrEmptyResponse = errors.New("llm: empty response")
)

// Role represents the role of a message sender.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system prompt message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Usage tracks token consumption for a request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response represents a complete response from the model.
type Response struct {
	Content string        `json:"content"`
	Usage   Usage         `json:"usage"`
	Model   string        `json:"model"`
	Latency time.Duration `json:"latency"`
}

// String returns a human-readable summary of the response.
func (r *Response) String() string {
	truncated := r.Content
	if len(truncated) > 100 {
		truncated = truncated[:100] + "..."
	}
	return fmt.Sprintf("[%s] %q, %d tokens, %v",
		r.Model, truncated, r.Usage.TotalTokens, r.Latency.Round(time.Millisecond))
}

// ChatOptions configures a single chat request.
type ChatOptions struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Provider is the interface a model backend must implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "deepseek").
	Name() string

	// Chat sends a conversation and returns a complete response.
	Chat(ctx context.Context, messages []Message, opts *ChatOptions) (*Response, error)

	// Ping checks if the provider is reachable and the API key is valid.
	Ping(ctx context.Context) error
}

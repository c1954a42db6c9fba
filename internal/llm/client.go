// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/capitalize-ai/caddy-supervisor/pkg/metrics"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
)

// Keys holds the API keys for each provider.
type Keys struct {
	Anthropic string
	OpenAI    string
	Gemini    string
}

// NewClient creates a new LLM client based on provider.
func NewClient(ctx context.Context, provider Provider, keys Keys) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(keys.Anthropic)
	case ProviderOpenAI:
		return NewOpenAIClient(keys.OpenAI)
	case ProviderGemini:
		return NewGeminiClient(ctx, keys.Gemini)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}

// Instrumented records latency and token metrics for every call.
type Instrumented struct {
	Client
	Purpose string
}

// Instrument wraps c so its calls are labelled with purpose.
func Instrument(c Client, purpose string) *Instrumented {
	return &Instrumented{Client: c, Purpose: purpose}
}

// Complete forwards to the wrapped client.
func (i *Instrumented) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	resp, err := i.Client.Complete(ctx, req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordLLM(i.Name(), i.Purpose, "error", elapsed, 0, 0)
		return nil, err
	}
	metrics.RecordLLM(i.Name(), i.Purpose, "ok", elapsed, resp.TokensIn, resp.TokensOut)
	return resp, nil
}

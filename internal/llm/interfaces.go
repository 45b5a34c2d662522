// Package llm is the external LLM transport collaborator (spec §6): a
// best-effort "prompt -> text" contract. Each provider's GenerateResponse
// retries its own transport call through internal/retry, bounded and
// consulting ClassifyError's retryability before waiting out a backoff, so
// callers (internal/intent, internal/formatter) see one already-resilient
// call rather than re-implementing transport retry themselves. Two concrete
// providers are wired behind the same contract (OpenAI-compatible endpoints
// and Anthropic's Messages API); a deterministic mock substitutes for both
// when the configured API key equals MockAPIKeySentinel.
package llm

import (
	"context"
)

// MockAPIKeySentinel, when set as ProviderConfig.APIKey, causes NewClient to return
// a deterministic mock instead of a network-backed client.
const MockAPIKeySentinel = "dummy-api-key"

// GenerateResponseResult contains the response content and usage metadata.
type GenerateResponseResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// LLMClient defines the interface for LLM chat completion.
// Use this interface for dependency injection to enable mocking in tests.
type LLMClient interface {
	// GenerateResponse generates a chat completion response with usage stats.
	// Set thinking=true to request chain-of-thought reasoning from models that
	// support it; providers that don't support the toggle ignore it.
	GenerateResponse(ctx context.Context, prompt string, systemMessage string, temperature float64, thinking bool) (*GenerateResponseResult, error)

	// GetModel returns the configured model name.
	GetModel() string

	// GetEndpoint returns the configured endpoint.
	GetEndpoint() string
}

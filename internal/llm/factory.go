package llm

import (
	"fmt"

	"go.uber.org/zap"
)

// Provider selects which backend NewClient dispatches to.
type Provider string

const (
	ProviderOpenAICompatible Provider = "openai"
	ProviderAnthropic        Provider = "anthropic"
)

// ProviderConfig is the provider-agnostic configuration accepted by
// NewClient. Endpoint is ignored by the Anthropic provider, which always
// talks to api.anthropic.com.
type ProviderConfig struct {
	Provider Provider
	Endpoint string
	Model    string
	APIKey   string
}

// NewClient builds the LLMClient for cfg.Provider. If cfg.APIKey equals
// MockAPIKeySentinel, a deterministic mock is returned regardless of
// provider, so the full pipeline can run offline in tests and demos.
func NewClient(cfg ProviderConfig, logger *zap.Logger) (LLMClient, error) {
	if cfg.APIKey == MockAPIKeySentinel {
		return NewFixtureClient(DefaultFixtures(), DefaultFixtureResponse), nil
	}

	switch cfg.Provider {
	case ProviderAnthropic:
		return NewAnthropicClient(&AnthropicConfig{
			Model:  cfg.Model,
			APIKey: cfg.APIKey,
		}, logger)
	case ProviderOpenAICompatible, "":
		return NewOpenAIClient(&Config{
			Endpoint: cfg.Endpoint,
			Model:    cfg.Model,
			APIKey:   cfg.APIKey,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

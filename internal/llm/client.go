// Package llm provides OpenAI-compatible LLM client functionality.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/reconcilio/rcaengine/internal/logging"
	"github.com/reconcilio/rcaengine/internal/retry"
)

// Client provides access to OpenAI-compatible LLM endpoints.
type Client struct {
	client   *openai.Client
	endpoint string
	model    string
	logger   *zap.Logger
}

var _ LLMClient = (*Client)(nil)

// Config holds configuration for creating an OpenAI-compatible LLM client.
type Config struct {
	Endpoint string // Base URL, e.g., "https://api.openai.com/v1"
	Model    string // Model name, e.g., "gpt-4o"
	APIKey   string // Optional for local endpoints
}

// NewOpenAIClient creates a new OpenAI-compatible LLM client.
func NewOpenAIClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")

	return &Client{
		client:   openai.NewClientWithConfig(clientConfig),
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		logger:   logger.Named("llm.openai"),
	}, nil
}

// GenerateResponse generates a chat completion response with usage stats.
// Set thinking=true to enable chain-of-thought reasoning, false to disable it.
// Uses chat_template_kwargs for vLLM/Nemotron/Qwen models that support it.
func (c *Client) GenerateResponse(
	ctx context.Context,
	prompt string,
	systemMessage string,
	temperature float64,
	thinking bool,
) (*GenerateResponseResult, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemMessage},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}

	c.logger.Debug("LLM request",
		zap.String("model", c.model),
		zap.Int("prompt_len", len(prompt)),
		zap.Float64("temperature", temperature),
		zap.Bool("thinking", thinking))

	start := time.Now()
	attempts := 0

	var result *GenerateResponseResult
	err := retry.DoIfRetryable(ctx, retryConfig(), func() error {
		attempts++
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    messages,
			Temperature: float32(temperature),
			// Control thinking/reasoning mode via chat_template_kwargs
			// Works with vLLM, Nemotron, Qwen3 and other models that support it
			ChatTemplateKwargs: map[string]any{
				"enable_thinking": thinking,
			},
		})
		if err != nil {
			return c.parseError(err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("no choices in response")
		}

		result = &GenerateResponseResult{
			Content:          resp.Choices[0].Message.Content,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		return nil
	})

	elapsed := time.Since(start)
	if err != nil {
		c.logger.Error("LLM request failed",
			zap.Int("attempts", attempts),
			zap.Duration("elapsed", elapsed),
			zap.String("error", logging.SanitizeError(err)))
		return nil, err
	}

	c.logger.Info("LLM request completed",
		zap.Int("attempts", attempts),
		zap.Int("prompt_tokens", result.PromptTokens),
		zap.Int("completion_tokens", result.CompletionTokens),
		zap.Duration("elapsed", elapsed))

	return result, nil
}

// GetModel returns the configured model name.
func (c *Client) GetModel() string {
	return c.model
}

// GetEndpoint returns the configured endpoint.
func (c *Client) GetEndpoint() string {
	return c.endpoint
}

// parseError categorizes OpenAI API errors using the structured Error type.
func (c *Client) parseError(err error) error {
	return ClassifyError(err)
}

// retryConfig bounds transport-level retries for one LLM call, per spec.md
// §7: "retries are bounded and applied only to LLM calls". Shorter than
// retry.DefaultConfig's database-tuned delays since a stuck LLM endpoint
// should fail a request quickly rather than hold it open for seconds.
func retryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:       2,
		InitialDelay:     250 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 3,
	}
}

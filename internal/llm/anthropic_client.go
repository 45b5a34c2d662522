package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"

	"github.com/reconcilio/rcaengine/internal/logging"
	"github.com/reconcilio/rcaengine/internal/retry"
)

// defaultMaxTokens bounds Anthropic completions when the caller has no
// stronger opinion. Intent compilation and formatting prompts are both
// short-output by design, so this is generous rather than tight.
const defaultMaxTokens = 4096

// AnthropicClient provides access to Anthropic's Messages API.
type AnthropicClient struct {
	client   *anthropic.Client
	endpoint string
	model    string
	logger   *zap.Logger
}

var _ LLMClient = (*AnthropicClient)(nil)

// AnthropicConfig holds configuration for creating an Anthropic LLM client.
type AnthropicConfig struct {
	Model  string // e.g. "claude-sonnet-4-5-20250929"
	APIKey string
}

// NewAnthropicClient creates a new Anthropic-backed LLM client.
func NewAnthropicClient(cfg *AnthropicConfig, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	return &AnthropicClient{
		client:   anthropic.NewClient(cfg.APIKey),
		endpoint: "https://api.anthropic.com",
		model:    cfg.Model,
		logger:   logger.Named("llm.anthropic"),
	}, nil
}

// GenerateResponse generates a chat completion response with usage stats.
// thinking is accepted for interface parity but Anthropic's extended
// thinking mode requires a dedicated request shape this client does not yet
// opt into; the flag is logged and otherwise ignored.
func (c *AnthropicClient) GenerateResponse(
	ctx context.Context,
	prompt string,
	systemMessage string,
	temperature float64,
	thinking bool,
) (*GenerateResponseResult, error) {
	c.logger.Debug("LLM request",
		zap.String("model", c.model),
		zap.Int("prompt_len", len(prompt)),
		zap.Float64("temperature", temperature),
		zap.Bool("thinking_requested", thinking))

	start := time.Now()
	attempts := 0

	var result *GenerateResponseResult
	err := retry.DoIfRetryable(ctx, retryConfig(), func() error {
		attempts++
		resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
			Model:       c.model,
			MaxTokens:   defaultMaxTokens,
			System:      systemMessage,
			Temperature: floatPtr(temperature),
			Messages: []anthropic.Message{
				{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
					{Type: "text", Text: &prompt},
				}},
			},
		})
		if err != nil {
			return c.parseError(err)
		}

		result = &GenerateResponseResult{
			Content:          extractAnthropicText(resp),
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
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

// extractAnthropicText concatenates the text blocks of a Messages response.
// A response may contain multiple text blocks; reconciliation prompts never
// request tool use, so those are the only block type expected here.
func extractAnthropicText(resp anthropic.MessagesResponse) string {
	var out string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			out += *block.Text
		}
	}
	return out
}

// GetModel returns the configured model name.
func (c *AnthropicClient) GetModel() string {
	return c.model
}

// GetEndpoint returns the configured endpoint.
func (c *AnthropicClient) GetEndpoint() string {
	return c.endpoint
}

// parseError categorizes Anthropic API errors using the structured Error type.
func (c *AnthropicClient) parseError(err error) error {
	return ClassifyError(err)
}

func floatPtr(f float64) *float32 {
	v := float32(f)
	return &v
}

// Package config loads the engine's run configuration from config.yaml
// with environment variable overrides, using cleanenv's two-step
// ReadConfig/ReadEnv pattern (github.com/ilyakaznacheev/cleanenv): secrets
// (the LLM API key) come only from the environment (yaml:"-"), everything
// else may be set in YAML and overridden by env vars.
package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds every input spec.md §6 names for a CLI invocation:
// metadata directory path, data directory path, LLM API key, LLM model,
// LLM base URL, and execution tuning knobs.
type Config struct {
	// MetadataDir is the directory of entity/table/metric/rule/lineage/
	// identity/time-rule/business-label/exception documents (C1).
	MetadataDir string `yaml:"metadata_dir" env:"RCA_METADATA_DIR" env-default:"./metadata"`

	// DataDir is the directory columnar and delimited source files are
	// read from, relative to each table's declared path.
	DataDir string `yaml:"data_dir" env:"RCA_DATA_DIR" env-default:"./data"`

	// LLMProvider selects which C3/formatter adapter to construct:
	// "openai" (OpenAI-compatible endpoints, including local/vLLM) or
	// "anthropic".
	LLMProvider string `yaml:"llm_provider" env:"RCA_LLM_PROVIDER" env-default:"openai"`

	// LLMAPIKey is a secret: never read from YAML. The sentinel value
	// "dummy-api-key" switches the engine to mock mode (spec.md §6).
	LLMAPIKey string `yaml:"-" env:"RCA_LLM_API_KEY"`

	// LLMModel is the model identifier passed to the provider client.
	LLMModel string `yaml:"llm_model" env:"RCA_LLM_MODEL" env-default:"gpt-4o-mini"`

	// LLMBaseURL overrides the provider's default endpoint, e.g. to
	// point an OpenAI-compatible client at a local vLLM server. Resolved
	// through ResolveURLForDocker so a containerized engine can still
	// reach an LLM served on the host machine.
	LLMBaseURL string `yaml:"llm_base_url" env:"RCA_LLM_BASE_URL" env-default:""`

	// ExecutionMode selects the default execution budget (Fast, Deep,
	// Forensic) per spec.md §4.6, when not overridden per-request.
	ExecutionMode string `yaml:"execution_mode" env:"RCA_EXECUTION_MODE" env-default:"fast"`

	// TopK bounds how many grain differences the diff engine and result
	// assembler carry forward (spec.md §4.7/§4.10).
	TopK int `yaml:"top_k" env:"RCA_TOP_K" env-default:"20"`

	// CaseSensitiveStrings configures the SQL compiler's (C12) string
	// literal comparisons (spec.md §9); default false.
	CaseSensitiveStrings bool `yaml:"case_sensitive_strings" env:"RCA_CASE_SENSITIVE_STRINGS" env-default:"false"`
}

// Load reads config.yaml (if present) with environment variable overrides,
// then resolves the LLM base URL for Docker networking.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		path = "config.yaml"
	}
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
	}
	cfg.LLMBaseURL = ResolveURLForDocker(cfg.LLMBaseURL)
	return cfg, nil
}

// IsMockMode reports whether the configured API key is the sentinel value
// that substitutes deterministic fixtures for LLM calls (spec.md §6).
func (c *Config) IsMockMode() bool {
	return c.LLMAPIKey == "dummy-api-key"
}

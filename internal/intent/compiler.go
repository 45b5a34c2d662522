package intent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/reconcilio/rcaengine/internal/apperrors"
	"github.com/reconcilio/rcaengine/internal/llm"
)

// Config tunes the compiler's fail-fast gate and extraction retry budget.
type Config struct {
	// ConfidenceThreshold below which the gate returns NeedsClarification
	// instead of attempting extraction (spec.md §4.3 default 0.7).
	ConfidenceThreshold float64
	// MaxRetries bounds schema-extraction attempts before Failed.
	MaxRetries int
}

// DefaultConfig matches spec.md §4.3's stated defaults.
func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 0.7, MaxRetries: 3}
}

// Compiler implements compile_with_clarification / compile_with_answer.
type Compiler struct {
	client llm.LLMClient
	cfg    Config
	logger *zap.Logger
}

// New constructs a Compiler. logger may be nil, in which case a no-op
// logger is used.
func New(client llm.LLMClient, cfg Config, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{client: client, cfg: cfg, logger: logger}
}

// CompileWithClarification runs the fail-fast gate first; only on a pass
// does it attempt schema-constrained extraction.
func (c *Compiler) CompileWithClarification(ctx context.Context, nlQuery string) (Result, error) {
	return c.compile(ctx, nlQuery, "", true)
}

// CompileWithAnswer concatenates the user's answer to a prior
// ClarificationRequest as context and bypasses the gate entirely, per
// spec.md §4.3: "compile_with_answer(original, answer) concatenates
// context and bypasses the gate."
func (c *Compiler) CompileWithAnswer(ctx context.Context, original string, answer string) (Result, error) {
	priorContext := fmt.Sprintf("Clarifying answer: %s", answer)
	return c.compile(ctx, original, priorContext, false)
}

// compileLegacy skips the fail-fast gate and attempts extraction directly.
// Kept only for backward compatibility with callers written against the
// source engine's original ungated compiler; new callers must use
// CompileWithClarification.
//
// Deprecated: use CompileWithClarification.
func (c *Compiler) compileLegacy(ctx context.Context, nlQuery string) (Result, error) {
	return c.compile(ctx, nlQuery, "", false)
}

func (c *Compiler) compile(ctx context.Context, nlQuery string, priorContext string, gated bool) (Result, error) {
	if gated {
		assessment, err := c.assessGate(ctx, nlQuery, priorContext)
		if err != nil {
			return Result{}, apperrors.New(apperrors.KindIntentUncompilable, "gate assessment", err)
		}
		if assessment.Confidence < c.cfg.ConfidenceThreshold {
			return Result{Clarification: consolidate(nlQuery, assessment)}, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		feedback := ""
		if lastErr != nil {
			feedback = lastErr.Error()
		}

		prompt := buildExtractionPrompt(nlQuery, priorContext, attempt, feedback)
		resp, err := c.client.GenerateResponse(ctx, prompt, buildExtractionSystemMessage(), 0, false)
		if err != nil {
			lastErr = err
			c.logger.Warn("intent extraction call failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		spec, err := llm.ParseJSONResponse[IntentSpec](resp.Content)
		if err != nil {
			lastErr = fmt.Errorf("parse response: %w", err)
			c.logger.Warn("intent extraction parse failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if err := validate(spec); err != nil {
			lastErr = err
			c.logger.Warn("intent extraction validation failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		warnSuspiciousGrain(c.logger, spec)
		return Result{Spec: &spec}, nil
	}

	reason := "exhausted retries"
	if lastErr != nil {
		reason = fmt.Sprintf("exhausted retries: %v", lastErr)
	}
	return Result{FailedReason: reason}, nil
}

func (c *Compiler) assessGate(ctx context.Context, nlQuery string, priorContext string) (gateAssessment, error) {
	prompt := buildGatePrompt(nlQuery, priorContext)
	resp, err := c.client.GenerateResponse(ctx, prompt, buildGateSystemMessage(), 0, false)
	if err != nil {
		return gateAssessment{}, err
	}
	return llm.ParseJSONResponse[gateAssessment](resp.Content)
}

// consolidate builds one clarification question covering every Required and
// Helpful missing piece, per spec.md §4.3.
func consolidate(nlQuery string, a gateAssessment) *ClarificationRequest {
	var required, helpful []string
	for _, mp := range a.MissingPieces {
		switch mp.Importance {
		case ImportanceRequired:
			required = append(required, mp.Description)
		default:
			helpful = append(helpful, mp.Description)
		}
	}

	var b strings.Builder
	b.WriteString("To compile this request I need a bit more information. ")
	if len(required) > 0 {
		b.WriteString(strings.Join(required, " "))
	}
	if len(helpful) > 0 {
		if len(required) > 0 {
			b.WriteString(" It would also help to know: ")
		}
		b.WriteString(strings.Join(helpful, " "))
	}

	return &ClarificationRequest{
		Question:      b.String(),
		MissingPieces: a.MissingPieces,
		PartialIntent: a.PartialIntent,
		Confidence:    a.Confidence,
		OriginalQuery: nlQuery,
	}
}

// validate enforces spec.md §4.3's schema-extraction invariants.
func validate(spec IntentSpec) error {
	switch spec.TaskType {
	case TaskRCA:
		if len(spec.Systems) == 0 {
			return fmt.Errorf("RCA requires at least one system")
		}
		if len(spec.TargetMetrics) == 0 {
			return fmt.Errorf("RCA requires at least one target metric")
		}
	case TaskDV:
		if spec.ValidationConstraint == nil {
			return fmt.Errorf("DV requires a validation_constraint")
		}
	default:
		return fmt.Errorf("task_type must be RCA or DV, got %q", spec.TaskType)
	}

	if len(spec.Grain) == 0 {
		return fmt.Errorf("grain must be non-empty")
	}

	return nil
}

// warnSuspiciousGrain logs (does not fail) when a constraint's filter
// column also appears in grain — spec.md §4.3's heuristic warning that
// values mentioned as filters must not appear as grain.
func warnSuspiciousGrain(logger *zap.Logger, spec IntentSpec) {
	grainSet := make(map[string]bool, len(spec.Grain))
	for _, g := range spec.Grain {
		grainSet[strings.ToLower(g)] = true
	}
	for _, c := range spec.Constraints {
		if c.Column != "" && grainSet[strings.ToLower(c.Column)] {
			logger.Warn("constraint column also appears in grain; may indicate a filter value was mistaken for an entity key",
				zap.String("column", c.Column),
				zap.String("value", c.StringValue()))
		}
	}
}

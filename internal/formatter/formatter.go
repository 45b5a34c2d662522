// Package formatter is the external formatter contract plus a
// deterministic fallback template (spec.md §6): it asks an LLM to narrate
// a published RCAResult and rejects any response that doesn't meet the
// contract's shape, falling back to a template when it does, grounded on
// the same prompt/parse/validate/retry loop internal/intent's Compiler
// uses for C3.
package formatter

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/reconcilio/rcaengine/internal/apperrors"
	"github.com/reconcilio/rcaengine/internal/llm"
	"github.com/reconcilio/rcaengine/internal/result"
)

// DisplayFormat names the three shapes the contract allows.
type DisplayFormat string

const (
	FormatSummary     DisplayFormat = "summary"
	FormatNarrative   DisplayFormat = "narrative"
	FormatGrainFocused DisplayFormat = "grain_focused"
)

// Output is the formatter contract's required shape (spec.md §6):
// `{display_format, display_content, key_grain_units, reasoning?}`.
type Output struct {
	DisplayFormat DisplayFormat `json:"display_format"`
	DisplayContent string       `json:"display_content"`
	KeyGrainUnits []string      `json:"key_grain_units,omitempty"`
	Reasoning     string        `json:"reasoning,omitempty"`
}

// Formatter produces a human-facing Output for an RCAResult, falling back
// to a deterministic template when the LLM response violates the
// contract (spec.md §6, §7 FormatterContractError: "Recoverable: fall
// back to deterministic template").
type Formatter struct {
	client llm.LLMClient
	logger *zap.Logger
}

// New constructs a Formatter. A nil client disables the LLM path and
// always uses the deterministic template.
func New(client llm.LLMClient, logger *zap.Logger) *Formatter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Formatter{client: client, logger: logger}
}

// Format produces an Output for res, optionally in answer to
// userQuestion. On any contract violation or LLM failure it falls back
// to the deterministic template and returns a recoverable
// apperrors.KindFormatterContract alongside the fallback Output so the
// caller can record the degradation without aborting.
func (f *Formatter) Format(ctx context.Context, res result.RCAResult, userQuestion string) (Output, error) {
	if f.client == nil {
		return deterministicTemplate(res), nil
	}

	prompt := buildPrompt(res, userQuestion)
	resp, err := f.client.GenerateResponse(ctx, prompt, systemMessage(), 0.2, false)
	if err != nil {
		f.logger.Warn("formatter LLM call failed, falling back", zap.Error(err))
		return deterministicTemplate(res), apperrors.NewRecoverable(apperrors.KindFormatterContract, "llm call failed", err)
	}

	out, err := llm.ParseJSONResponse[Output](resp.Content)
	if err != nil {
		f.logger.Warn("formatter response parse failed, falling back", zap.Error(err))
		return deterministicTemplate(res), apperrors.NewRecoverable(apperrors.KindFormatterContract, "parse failed", err)
	}

	if err := validate(out); err != nil {
		f.logger.Warn("formatter response rejected, falling back", zap.Error(err))
		return deterministicTemplate(res), apperrors.NewRecoverable(apperrors.KindFormatterContract, "contract violation", err)
	}

	return out, nil
}

// validate enforces spec.md §6's output constraints: display_content at
// least 10 characters (50 for narrative), key_grain_units non-empty with
// no empty elements for grain_focused.
func validate(out Output) error {
	switch out.DisplayFormat {
	case FormatSummary, FormatNarrative, FormatGrainFocused:
	default:
		return fmt.Errorf("unrecognized display_format %q", out.DisplayFormat)
	}

	minLen := 10
	if out.DisplayFormat == FormatNarrative {
		minLen = 50
	}
	if len(strings.TrimSpace(out.DisplayContent)) < minLen {
		return fmt.Errorf("display_content too short for %s: need >= %d chars", out.DisplayFormat, minLen)
	}

	if out.DisplayFormat == FormatGrainFocused {
		if len(out.KeyGrainUnits) == 0 {
			return fmt.Errorf("key_grain_units must be non-empty for grain_focused")
		}
		for _, u := range out.KeyGrainUnits {
			if strings.TrimSpace(u) == "" {
				return fmt.Errorf("key_grain_units must not contain empty elements")
			}
		}
	}

	return nil
}

// deterministicTemplate is the contract's fallback: always valid,
// built directly from RCAResult fields with no LLM involvement.
func deterministicTemplate(res result.RCAResult) Output {
	var b strings.Builder
	fmt.Fprintf(&b, "Reconciliation over grain %s found %d mismatch(es) and %d missing row(s) ",
		res.GrainKey, res.Summary.MismatchCount, res.Summary.MissingLeftCount+res.Summary.MissingRightCount)
	fmt.Fprintf(&b, "across %d grain unit(s), with an aggregate difference of %.4f. Confidence: %.2f.",
		res.Summary.TotalGrainUnits, res.Summary.AggregateDifference, res.Confidence)
	if res.PartialResult {
		fmt.Fprintf(&b, " This result is partial: %s.", res.DegradedReason)
	}

	units := make([]string, 0, len(res.TopDifferences))
	for _, d := range res.TopDifferences {
		units = append(units, strings.Join(d.GrainValue, "/"))
	}
	if len(units) == 0 {
		units = []string{res.GrainKey}
	}

	return Output{
		DisplayFormat:  FormatSummary,
		DisplayContent: b.String(),
		KeyGrainUnits:  units,
	}
}

func systemMessage() string {
	return "You narrate reconciliation results for a business audience. " +
		"Respond with JSON only, no prose: " +
		`{"display_format": "summary"|"narrative"|"grain_focused", "display_content": "...", ` +
		`"key_grain_units": ["..."], "reasoning": "..."}`
}

func buildPrompt(res result.RCAResult, userQuestion string) string {
	var p strings.Builder
	p.WriteString("# Reconciliation Result\n\n")
	p.WriteString("## RENDER\n\n")
	if userQuestion != "" {
		fmt.Fprintf(&p, "Original question: %s\n\n", userQuestion)
	}
	fmt.Fprintf(&p, "Grain: %s\n", res.GrainKey)
	fmt.Fprintf(&p, "Summary: %+v\n", res.Summary)
	fmt.Fprintf(&p, "Confidence: %.2f\n", res.Confidence)
	fmt.Fprintf(&p, "Top differences: %d\n", len(res.TopDifferences))
	for i, d := range res.TopDifferences {
		if i >= 10 {
			break
		}
		fmt.Fprintf(&p, "  - %v: impact=%.4f\n", d.GrainValue, d.Impact)
	}
	p.WriteString("\nProduce the JSON contract described in the system message.\n")
	return p.String()
}

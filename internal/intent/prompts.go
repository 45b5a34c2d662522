package intent

import (
	"fmt"
	"strings"
)

// buildGateSystemMessage returns the system message for the fail-fast
// confidence assessment, built in the same markdown-sectioned,
// explicit-output-format system-message idiom as the rest of this
// package's prompt builders.
func buildGateSystemMessage() string {
	return `You are a reconciliation intent triage assistant. Your task is to judge whether a ` +
		`question contains enough information to compile a structured reconciliation task, ` +
		`without attempting the compilation yourself.`
}

// buildGatePrompt asks whether nlQuery, plus any prior clarification
// context, carries enough information to proceed to extraction.
func buildGatePrompt(nlQuery string, priorContext string) string {
	var p strings.Builder

	p.WriteString("# Reconciliation Intent Triage\n\n")
	p.WriteString("Assess whether the question below contains enough information to compile a ")
	p.WriteString("reconciliation task. Do not compile the task; only assess confidence and name ")
	p.WriteString("what, if anything, is missing.\n\n")

	p.WriteString("## Question\n\n")
	p.WriteString(nlQuery)
	p.WriteString("\n\n")

	if priorContext != "" {
		p.WriteString("## Additional context from a prior clarification\n\n")
		p.WriteString(priorContext)
		p.WriteString("\n\n")
	}

	p.WriteString("## What a compilable task requires\n\n")
	p.WriteString("- `task_type`: RCA (root-cause metric comparison across systems) or DV (a single ")
	p.WriteString("system's data validated against a declared constraint)\n")
	p.WriteString("- For RCA: at least one `target_metrics` entry and at least two `systems`\n")
	p.WriteString("- For DV: a `validation_constraint`\n")
	p.WriteString("- Ideally, an explicit or inferable `grain` (the entity-level key comparison happens at)\n\n")

	p.WriteString("## GATE ASSESSMENT\n\n")
	p.WriteString("Respond in JSON with:\n")
	p.WriteString("- `confidence`: 0.0-1.0, how confident you are this question can be compiled as-is\n")
	p.WriteString("- `missing_pieces`: array of `{field, description, importance: \"required\"|\"helpful\", suggestions}`\n")
	p.WriteString("- `partial_intent`: whatever of `task_type`, `target_metrics`, `systems`, `entities`, `grain` you can already infer\n\n")
	p.WriteString("Return ONLY the JSON, no additional text.\n")

	return p.String()
}

// buildExtractionSystemMessage returns the system message for schema
// extraction.
func buildExtractionSystemMessage() string {
	return `You are a compiler, not a conversational assistant. You translate a reconciliation ` +
		`question into a single strict JSON object matching the given schema. Never explain your ` +
		`reasoning, never ask questions, never emit anything but the JSON object.`
}

// buildExtractionPrompt asks for a full IntentSpec. attempt is 1-based and
// feedback carries the previous attempt's validation error, if any, so a
// retry can correct itself.
func buildExtractionPrompt(nlQuery string, priorContext string, attempt int, feedback string) string {
	var p strings.Builder

	p.WriteString("# Reconciliation Intent Compilation\n\n")
	p.WriteString("Compile the question below into a JSON object matching the schema exactly.\n\n")

	p.WriteString("## Question\n\n")
	p.WriteString(nlQuery)
	p.WriteString("\n\n")

	if priorContext != "" {
		p.WriteString("## Additional context from a prior clarification\n\n")
		p.WriteString(priorContext)
		p.WriteString("\n\n")
	}

	if attempt > 1 && feedback != "" {
		p.WriteString(fmt.Sprintf("## Previous attempt %d was rejected\n\n", attempt-1))
		p.WriteString(feedback)
		p.WriteString("\n\n")
	}

	p.WriteString("## TASK TYPE\n\n")
	p.WriteString("Schema:\n")
	p.WriteString("- `task_type`: \"RCA\" or \"DV\"\n")
	p.WriteString("- `target_metrics`: array of metric ids (RCA only, required, at least one)\n")
	p.WriteString("- `entities`: array of entity ids involved\n")
	p.WriteString("- `constraints`: array of `{column, operator, value, description}`\n")
	p.WriteString("- `grain`: array of column names the comparison happens at (required, non-empty)\n")
	p.WriteString("- `time_scope`: `{as_of_date, start_date, end_date, time_grain}` or null\n")
	p.WriteString("- `systems`: array of system ids (RCA only, required, at least two)\n")
	p.WriteString("- `validation_constraint`: `{constraint_type, description, details}` or null (DV only, required for DV)\n\n")

	p.WriteString("Rules:\n")
	p.WriteString("- Grain columns must be entity-level keys, never filter values\n")
	p.WriteString("- A value the question uses as a filter must appear in `constraints`, not `grain`\n")
	p.WriteString("- Omit fields that don't apply to the chosen task_type rather than guessing\n\n")

	p.WriteString("Return ONLY the JSON object, no markdown fences, no additional text.\n")

	return p.String()
}

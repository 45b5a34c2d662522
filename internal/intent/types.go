// Package intent is the Intent Compiler (C3): it turns a natural-language
// question into a typed IntentSpec, gated by a fail-fast confidence check
// so a clearly underspecified question produces one consolidated
// clarification request instead of a doomed extraction attempt.
package intent

import (
	"encoding/json"

	"github.com/reconcilio/rcaengine/internal/jsonutil"
)

// TaskType distinguishes the two top-level modes a compiled intent can
// target, per original_source/src/intent_compiler.rs.
type TaskType string

const (
	TaskRCA TaskType = "RCA"
	TaskDV  TaskType = "DV"
)

// Importance classifies how badly a MissingPiece blocks extraction.
type Importance string

const (
	ImportanceRequired Importance = "required"
	ImportanceHelpful  Importance = "helpful"
)

// ConstraintSpec is one filter condition extracted from the question.
// Field names follow original_source/src/intent_compiler.rs's ConstraintSpec.
// Value is kept as raw JSON rather than unmarshaled into a concrete Go type
// because an LLM asked for a filter value routinely drifts across scalar
// JSON types for the same semantic value (a quoted "5000" one response, a
// bare 5000 the next) — StringValue normalizes it on read.
type ConstraintSpec struct {
	Column      string          `json:"column,omitempty"`
	Operator    string          `json:"operator,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description"`
}

// StringValue normalizes Value to its string form regardless of which
// scalar JSON type the LLM emitted it as.
func (c ConstraintSpec) StringValue() string {
	return jsonutil.FlexibleStringValue(c.Value)
}

// TimeScope is the temporal window the question implies.
type TimeScope struct {
	AsOfDate  string `json:"as_of_date,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	TimeGrain string `json:"time_grain,omitempty"`
}

// ValidationConstraintSpec carries a DV-mode declarative constraint.
type ValidationConstraintSpec struct {
	ConstraintType string `json:"constraint_type"`
	Description    string `json:"description"`
	Details        any    `json:"details,omitempty"`
}

// IntentSpec is the fully compiled, typed intent produced once the
// confidence gate passes and schema extraction succeeds.
type IntentSpec struct {
	TaskType             TaskType                  `json:"task_type"`
	TargetMetrics        []string                  `json:"target_metrics,omitempty"`
	Entities             []string                  `json:"entities,omitempty"`
	Constraints          []ConstraintSpec          `json:"constraints,omitempty"`
	Grain                []string                  `json:"grain,omitempty"`
	TimeScope            *TimeScope                `json:"time_scope,omitempty"`
	Systems              []string                  `json:"systems,omitempty"`
	ValidationConstraint *ValidationConstraintSpec `json:"validation_constraint,omitempty"`
}

// MissingPiece names one field the gate assessment found absent or
// ambiguous in the question.
type MissingPiece struct {
	Field       string     `json:"field"`
	Description string     `json:"description"`
	Importance  Importance `json:"importance"`
	Suggestions []string   `json:"suggestions,omitempty"`
}

// PartialIntent is whatever the gate assessment could fill in before
// giving up — carried along in a ClarificationRequest so the caller's
// answer can be appended to context rather than starting over.
type PartialIntent struct {
	TaskType      TaskType `json:"task_type,omitempty"`
	TargetMetrics []string `json:"target_metrics,omitempty"`
	Systems       []string `json:"systems,omitempty"`
	Entities      []string `json:"entities,omitempty"`
	Grain         []string `json:"grain,omitempty"`
}

// ClarificationRequest is returned when the gate's confidence falls below
// threshold: one consolidated question covering every Required and
// Helpful MissingPiece.
type ClarificationRequest struct {
	Question      string          `json:"question"`
	MissingPieces []MissingPiece  `json:"missing_pieces"`
	PartialIntent PartialIntent   `json:"partial_intent"`
	Confidence    float64         `json:"confidence"`
	OriginalQuery string          `json:"original_query"`
}

// gateAssessment is the raw JSON shape the gate prompt asks the LLM for.
type gateAssessment struct {
	Confidence    float64        `json:"confidence"`
	MissingPieces []MissingPiece `json:"missing_pieces"`
	PartialIntent PartialIntent  `json:"partial_intent"`
}

// Result is the tagged outcome of CompileWithClarification /
// CompileWithAnswer: exactly one of Spec or Clarification is set, or
// FailedReason is non-empty.
type Result struct {
	Spec          *IntentSpec
	Clarification *ClarificationRequest
	FailedReason  string
}

// Succeeded reports whether compilation produced a usable IntentSpec.
func (r Result) Succeeded() bool { return r.Spec != nil }

// NeedsClarification reports whether the gate rejected the query outright.
func (r Result) NeedsClarification() bool { return r.Clarification != nil }

// Failed reports whether compilation exhausted its retries without
// producing a valid spec.
func (r Result) Failed() bool { return r.Spec == nil && r.Clarification == nil }

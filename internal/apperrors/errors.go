// Package apperrors defines the error taxonomy shared across every phase of
// the reconciliation pipeline. Each phase wraps its failures in an *Error
// tagged with a Kind so the result assembler (internal/result) can decide,
// without caring which phase failed, whether to abort or fall back to a
// partial result.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies which phase produced an error and how it propagates.
type Kind string

const (
	// KindMetadata covers failures loading or indexing the metadata store (C1).
	// Always fatal: no partial result is possible without metadata.
	KindMetadata Kind = "metadata_error"

	// KindIntentUncompilable covers intent-compiler failures (C3). Surfaced as
	// a clarification request when it occurs under the confidence gate,
	// otherwise fatal.
	KindIntentUncompilable Kind = "intent_uncompilable"

	// KindGrainResolution covers failures to define a common comparison grain (C4).
	// Always fatal.
	KindGrainResolution Kind = "grain_resolution_error"

	// KindRuleCompilation covers failures synthesizing a rule's pipeline (C5).
	// Fatal per side; if only one side fails the whole request fails.
	KindRuleCompilation Kind = "rule_compilation_error"

	// KindExecution covers runtime execution failures (C6). Fatal when caused
	// by a null_policy=error violation; recoverable (partial result, confidence
	// downgrade) when caused by a resource budget being exceeded.
	KindExecution Kind = "execution_error"

	// KindDiff covers grain-diff failures (C7). Always fatal.
	KindDiff Kind = "diff_error"

	// KindAttribution covers attribution failures (C8). Recoverable: the
	// result is still returned with empty attributions and a trace note.
	KindAttribution Kind = "attribution_error"

	// KindFormatterContract covers formatter contract violations (external).
	// Recoverable: falls back to a deterministic template.
	KindFormatterContract Kind = "formatter_contract_error"
)

// Error is the structured error type returned by every public pipeline
// operation. Recoverable indicates whether the caller may continue with a
// degraded/partial result rather than aborting the request.
type Error struct {
	Kind        Kind
	Message     string
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a non-recoverable Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// NewRecoverable constructs a recoverable Error of the given kind.
func NewRecoverable(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Recoverable: true, Err: cause}
}

// KindOf extracts the Kind from err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRecoverable reports whether err is an *Error marked recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

// Sentinel errors for conditions checked structurally rather than by kind.
var (
	// ErrNoJoinPath is returned by the knowledge graph when no lineage path
	// connects two tables.
	ErrNoJoinPath = errors.New("no join path between tables")

	// ErrResourceExceeded marks a recoverable KindExecution error caused by
	// an execution-mode budget (max rows or cost) being exceeded.
	ErrResourceExceeded = errors.New("resource budget exceeded")

	// ErrNullPolicyViolation marks a fatal KindExecution error caused by a
	// null_policy=error metric encountering a null value.
	ErrNullPolicyViolation = errors.New("null value encountered under null_policy=error")

	// ErrDuplicateGrainKey marks a violation of the grain-normalization
	// invariant (spec.md §3's ExecutionResult: "no duplicate grain keys").
	ErrDuplicateGrainKey = errors.New("duplicate grain key in grain-normalized relation")
)

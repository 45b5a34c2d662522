// Package result is the Result Assembler (C10): it builds the immutable
// RCAResult from the diff and attribution outputs and records a trace_id
// pointing into the Trace Store (C11), per spec.md §3 and §4.10.
package result

import (
	"github.com/reconcilio/rcaengine/internal/attribution"
	"github.com/reconcilio/rcaengine/internal/diffengine"
)

// Summary mirrors spec.md §3's RCAResult.summary.
type Summary struct {
	TotalGrainUnits     int     `json:"total_grain_units"`
	MissingLeftCount    int     `json:"missing_left_count"`
	MissingRightCount   int     `json:"missing_right_count"`
	MismatchCount       int     `json:"mismatch_count"`
	AggregateDifference float64 `json:"aggregate_difference"`
	TopK                int     `json:"top_k"`
}

// RCAResult is the immutable, published outcome of one RCA request.
type RCAResult struct {
	Grain            []string                      `json:"grain"`
	GrainKey         string                        `json:"grain_key"`
	Summary          Summary                       `json:"summary"`
	TopDifferences   []diffengine.GrainDifference  `json:"top_differences"`
	Attributions     []attribution.Attribution     `json:"attributions"`
	Confidence       float64                       `json:"confidence"`
	TraceID          string                        `json:"trace_id"`
	PartialResult    bool                          `json:"partial_result,omitempty"`
	DegradedReason   string                        `json:"degraded_reason,omitempty"`
}

// Assembler builds RCAResult values.
type Assembler struct{}

// New constructs an Assembler.
func New() *Assembler { return &Assembler{} }

// Input carries everything the assembler needs to produce one RCAResult.
type Input struct {
	Grain          []string
	DiffResult     *diffengine.Result
	Attributions   []attribution.Attribution
	Confidence     float64
	TraceID        string
	RecoverableErr error // set when a phase returned a recoverable error
}

// Assemble builds the immutable RCAResult from Input, per spec.md §4.10:
// "If any phase returned a recoverable error, the result still populates
// summary stats but marks confidence ≤ 0.5 and includes the error kind in
// the trace."
func (a *Assembler) Assemble(in Input) RCAResult {
	confidence := in.Confidence
	partial := false
	degraded := ""
	if in.RecoverableErr != nil {
		partial = true
		degraded = in.RecoverableErr.Error()
		if confidence > 0.5 {
			confidence = 0.5
		}
	}

	var summary Summary
	var topDiffs []diffengine.GrainDifference
	if in.DiffResult != nil {
		summary = Summary{
			TotalGrainUnits:     in.DiffResult.Summary.TotalGrainUnits,
			MissingLeftCount:    in.DiffResult.Summary.MissingLeftCount,
			MissingRightCount:   in.DiffResult.Summary.MissingRightCount,
			MismatchCount:       in.DiffResult.Summary.MismatchCount,
			AggregateDifference: in.DiffResult.Summary.AggregateDifference,
			TopK:                in.DiffResult.Summary.TopK,
		}
		topDiffs = in.DiffResult.TopDifferences
	}

	return RCAResult{
		Grain:          in.Grain,
		GrainKey:       joinGrain(in.Grain),
		Summary:        summary,
		TopDifferences: topDiffs,
		Attributions:   in.Attributions,
		Confidence:     confidence,
		TraceID:        in.TraceID,
		PartialResult:  partial,
		DegradedReason: degraded,
	}
}

func joinGrain(grain []string) string {
	out := ""
	for i, g := range grain {
		if i > 0 {
			out += ","
		}
		out += g
	}
	return out
}

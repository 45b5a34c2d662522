// Package grounder is the Task Grounder / Grain Resolver (C4): it binds an
// intent.IntentSpec's abstract metric/system/entity references to physical
// tables and rules, and decides the comparison grain — the key at which
// the two sides are eventually diffed.
package grounder

import (
	"github.com/reconcilio/rcaengine/internal/graph"
	"github.com/reconcilio/rcaengine/internal/metadata"
)

// GrainCase is one outcome of the grain resolution matrix (spec.md §4.4).
type GrainCase string

const (
	CaseEqual            GrainCase = "equal"
	CaseFiner            GrainCase = "finer"
	CaseDisjointJoinable GrainCase = "disjoint_joinable"
	CaseCommonSubset     GrainCase = "common_subset"
)

// GroundedSide is one system's half of a grounded comparison.
type GroundedSide struct {
	System      string
	Rule        *metadata.Rule
	SourceTable *metadata.Table
	TargetTable *metadata.Table
	Case        GrainCase
	JoinPath    []graph.Edge
	JoinDepth   int
}

// GroundedTask is the output of grounding: a concrete comparison grain plus
// each side's resolution, ready for the Rule Compiler (C5).
type GroundedTask struct {
	Metric          string
	ComparisonGrain []string
	SideA           GroundedSide
	SideB           GroundedSide
}

// GrainResolutionError is returned when no comparison grain resolves on
// both sides (spec.md §4.4's Coarser / Disjoint-not-joinable failure
// cases).
type GrainResolutionError struct {
	Metric     string
	SystemA    string
	SystemB    string
	Reason     string
	ComponentA []string
	ComponentB []string
}

func (e *GrainResolutionError) Error() string {
	msg := "cannot resolve a comparison grain for metric " + e.Metric +
		" between " + e.SystemA + " and " + e.SystemB + ": " + e.Reason
	if len(e.ComponentA) > 0 || len(e.ComponentB) > 0 {
		msg += " (disconnected components: "
		msg += joinComma(e.ComponentA) + " vs " + joinComma(e.ComponentB) + ")"
	}
	return msg
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

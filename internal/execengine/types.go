// Package execengine is the Execution Engine (C6): it runs a
// rulecompiler.Pipeline step by step against a runtime.Runtime, enforcing
// the execution mode's resource budget via a StopCondition node inserted
// after every step, and records per-step ExecutionMetadata for the trace
// store.
package execengine

import "time"

// Mode selects the row/cost budget a pipeline run is allowed to spend
// (spec.md §4.6's table).
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeDeep     Mode = "deep"
	ModeForensic Mode = "forensic"
)

// Budget bounds one pipeline run. MaxRows of 0 means unbounded.
// SamplingRatio of 0 means no sampling.
type Budget struct {
	MaxRows       int
	SamplingRatio float64
	CostBudget    int
}

// BudgetFor returns mode's budget exactly per spec.md §4.6's table.
func BudgetFor(mode Mode) Budget {
	switch mode {
	case ModeFast:
		return Budget{MaxRows: 1_000_000, SamplingRatio: 0.10, CostBudget: 100}
	case ModeDeep:
		return Budget{MaxRows: 10_000_000, SamplingRatio: 0, CostBudget: 1_000}
	case ModeForensic:
		return Budget{MaxRows: 0, SamplingRatio: 0, CostBudget: 10_000}
	default:
		return BudgetFor(ModeDeep)
	}
}

// ExecutionMetadata records one executed step for the trace store's
// nodes_executed entry (spec.md §4 "ExecutionTrace").
type ExecutionMetadata struct {
	NodeID        string
	NodeType      string
	Start         time.Time
	End           time.Time
	Duration      time.Duration
	RowsProcessed int
	Success       bool
	Error         string
}

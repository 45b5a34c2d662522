package execengine

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/reconcilio/rcaengine/internal/apperrors"
	"github.com/reconcilio/rcaengine/internal/metadata"
	"github.com/reconcilio/rcaengine/internal/rulecompiler"
	"github.com/reconcilio/rcaengine/internal/runtime"
)

// costOf assigns each op a fixed cost toward the mode's cost budget: Join
// and Group are the two ops that can multiply row counts or require a full
// materialization pass, so they cost more than a pass-through Filter/
// Derive/Select.
func costOf(op rulecompiler.Op) int {
	switch op.(type) {
	case rulecompiler.JoinOp:
		return 2
	case rulecompiler.GroupOp:
		return 2
	default:
		return 1
	}
}

// Result is one pipeline run's outcome.
type Result struct {
	Relation  *runtime.Relation
	Metadata  []ExecutionMetadata
	Snapshots map[string]*runtime.Relation
	Budget    Budget
}

// JoinRowCounts returns the relation's row count immediately before the
// first Join step and immediately after the last Join step, for
// confidence.JoinCompleteness (spec.md §4.9: "rows kept after all joins
// divided by rows before"). ok is false when the pipeline had no Join step.
func (r *Result) JoinRowCounts() (before, after int, ok bool) {
	return stepRowCounts(r.Metadata, "Join:")
}

// FilterRowCounts returns the relation's row count immediately before the
// first Filter step and immediately after the last Filter step, for
// confidence.FilterCoverage's selectivity inputs.
func (r *Result) FilterRowCounts() (before, after int, ok bool) {
	return stepRowCounts(r.Metadata, "Filter")
}

func stepRowCounts(meta []ExecutionMetadata, nodeTypePrefix string) (before, after int, ok bool) {
	first, last := -1, -1
	for i, m := range meta {
		if strings.HasPrefix(m.NodeType, nodeTypePrefix) {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	if first == -1 {
		return 0, 0, false
	}
	if first > 0 {
		before = meta[first-1].RowsProcessed
	} else {
		before = meta[first].RowsProcessed
	}
	after = meta[last].RowsProcessed
	return before, after, true
}

// Engine runs a compiled pipeline against a runtime.Runtime.
type Engine struct {
	store *metadata.Store
	rt    runtime.Runtime
	rand  *rand.Rand
}

// New constructs an Engine with a fixed-seed sampler: Fast-mode sampling is
// reproducible across runs against the same fixture data by default. Use
// NewWithRand to inject a different source (e.g. for tests asserting exact
// sample membership, or a production deployment wanting true randomness).
func New(store *metadata.Store, rt runtime.Runtime) *Engine {
	return NewWithRand(store, rt, rand.New(rand.NewSource(1)))
}

// NewWithRand constructs an Engine with an explicit sampling source.
func NewWithRand(store *metadata.Store, rt runtime.Runtime, rng *rand.Rand) *Engine {
	return &Engine{store: store, rt: rt, rand: rng}
}

// Run executes pipeline under mode's budget, returning a partial Result
// alongside a recoverable error when StopCondition trips (spec.md §4.6:
// "C10 still returns a partial result with confidence downgraded").
func (e *Engine) Run(ctx context.Context, pipeline rulecompiler.Pipeline, mode Mode, debug bool) (*Result, error) {
	return e.runWithBudget(ctx, pipeline, BudgetFor(mode), debug)
}

func (e *Engine) runWithBudget(ctx context.Context, pipeline rulecompiler.Pipeline, budget Budget, debug bool) (*Result, error) {
	ec := &ExecutionContext{
		Runtime:   e.rt,
		Store:     e.store,
		Budget:    budget,
		Rand:      e.rand,
		Debug:     debug,
		Snapshots: make(map[string]*runtime.Relation),
	}

	result := &Result{Snapshots: ec.Snapshots, Budget: budget}

	for i, op := range pipeline {
		node, err := nodeFor(op)
		if err != nil {
			return result, apperrors.New(apperrors.KindExecution, "unrecognized pipeline op", err)
		}

		ec.Cost += costOf(op)
		meta := ExecutionMetadata{NodeID: fmt.Sprintf("step-%d", i), NodeType: node.Name(), Start: time.Now()}

		execErr := node.Execute(ctx, ec)

		meta.End = time.Now()
		meta.Duration = meta.End.Sub(meta.Start)
		if execErr != nil {
			meta.Success = false
			meta.Error = execErr.Error()
			result.Metadata = append(result.Metadata, meta)
			return result, apperrors.New(apperrors.KindExecution, fmt.Sprintf("step %d (%s) failed", i, node.Name()), execErr)
		}

		meta.Success = true
		if ec.Relation != nil {
			meta.RowsProcessed = len(ec.Relation.Rows)
		}
		result.Metadata = append(result.Metadata, meta)

		if debug && ec.Relation != nil {
			ec.Snapshots[meta.NodeID] = cloneRelation(ec.Relation)
		}

		var stop StopCondition
		if err := stop.Execute(ctx, ec); err != nil {
			result.Relation = ec.Relation
			return result, err
		}
	}

	result.Relation = ec.Relation
	return result, nil
}

func cloneRelation(rel *runtime.Relation) *runtime.Relation {
	out := &runtime.Relation{Columns: append([]string(nil), rel.Columns...)}
	out.Rows = append([]runtime.Row(nil), rel.Rows...)
	return out
}

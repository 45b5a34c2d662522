package execengine

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/reconcilio/rcaengine/internal/metadata"
	"github.com/reconcilio/rcaengine/internal/rulecompiler"
	"github.com/reconcilio/rcaengine/internal/runtime"
)

// Node is one executable step. Every op type and StopCondition itself
// satisfy this: a small Name()/Execute(ctx, ...) error interface
// generalized from a fixed DAG of discovery steps to a dynamically
// compiled relational pipeline.
type Node interface {
	Name() string
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// ExecutionContext threads the current relation and cumulative resource
// spend through a pipeline run.
type ExecutionContext struct {
	Runtime  runtime.Runtime
	Store    *metadata.Store
	Relation *runtime.Relation
	Budget   Budget
	Cost     int
	Rand     *rand.Rand

	Debug     bool
	Snapshots map[string]*runtime.Relation
}

func nodeFor(op rulecompiler.Op) (Node, error) {
	switch o := op.(type) {
	case rulecompiler.ScanOp:
		return scanNode{o}, nil
	case rulecompiler.FilterOp:
		return filterNode{o}, nil
	case rulecompiler.DeriveOp:
		return deriveNode{o}, nil
	case rulecompiler.JoinOp:
		return joinNode{o}, nil
	case rulecompiler.GroupOp:
		return groupNode{o}, nil
	case rulecompiler.SelectOp:
		return selectNode{o}, nil
	default:
		return nil, fmt.Errorf("unrecognized pipeline op %T", op)
	}
}

func tableSource(ec *ExecutionContext, tableName string) (runtime.TableSource, error) {
	t, ok := ec.Store.TableByName(tableName)
	if !ok {
		return runtime.TableSource{}, fmt.Errorf("table %q not found in metadata", tableName)
	}
	return runtime.TableSource{Table: t.Name, Path: t.Path, TimeColumn: t.TimeColumn}, nil
}

type scanNode struct{ op rulecompiler.ScanOp }

func (n scanNode) Name() string { return "Scan:" + n.op.Table }

func (n scanNode) Execute(ctx context.Context, ec *ExecutionContext) error {
	src, err := tableSource(ec, n.op.Table)
	if err != nil {
		return err
	}
	rel, err := ec.Runtime.Scan(ctx, src)
	if err != nil {
		return fmt.Errorf("scan %s: %w", n.op.Table, err)
	}
	ec.Relation = applySampling(rel, ec)
	return nil
}

type filterNode struct{ op rulecompiler.FilterOp }

func (n filterNode) Name() string { return "Filter" }

func (n filterNode) Execute(ctx context.Context, ec *ExecutionContext) error {
	rel, err := ec.Runtime.Filter(ctx, ec.Relation, n.op.Predicates)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	ec.Relation = rel
	return nil
}

type deriveNode struct{ op rulecompiler.DeriveOp }

func (n deriveNode) Name() string { return "Derive:" + n.op.As }

func (n deriveNode) Execute(ctx context.Context, ec *ExecutionContext) error {
	rel, err := ec.Runtime.Derive(ctx, ec.Relation, n.op.Expr, n.op.As)
	if err != nil {
		return fmt.Errorf("derive %s: %w", n.op.As, err)
	}
	ec.Relation = rel
	return nil
}

type joinNode struct{ op rulecompiler.JoinOp }

func (n joinNode) Name() string { return "Join:" + n.op.Table }

func (n joinNode) Execute(ctx context.Context, ec *ExecutionContext) error {
	src, err := tableSource(ec, n.op.Table)
	if err != nil {
		return err
	}
	right, err := ec.Runtime.Scan(ctx, src)
	if err != nil {
		return fmt.Errorf("join scan %s: %w", n.op.Table, err)
	}
	right = applySampling(right, ec)

	rel, err := ec.Runtime.Join(ctx, ec.Relation, right, n.op.On, n.op.Type)
	if err != nil {
		return fmt.Errorf("join %s: %w", n.op.Table, err)
	}
	ec.Relation = rel
	return nil
}

type groupNode struct{ op rulecompiler.GroupOp }

func (n groupNode) Name() string { return "Group" }

func (n groupNode) Execute(ctx context.Context, ec *ExecutionContext) error {
	rel, err := ec.Runtime.Group(ctx, ec.Relation, n.op.By, n.op.Agg)
	if err != nil {
		return fmt.Errorf("group: %w", err)
	}
	ec.Relation = rel
	return nil
}

type selectNode struct{ op rulecompiler.SelectOp }

func (n selectNode) Name() string { return "Select" }

func (n selectNode) Execute(ctx context.Context, ec *ExecutionContext) error {
	rel, err := ec.Runtime.Select(ctx, ec.Relation, n.op.Columns)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	ec.Relation = rel
	return nil
}

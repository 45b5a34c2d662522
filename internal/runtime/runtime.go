// Package runtime defines the dataframe contract every pipeline operation
// (Scan/Filter/Derive/Join/Group/Select) executes against. It is treated as
// an external collaborator the way a database adapter is: a narrow
// interface the core depends on, with a concrete implementation registered
// separately.
//
// A reference implementation lives in internal/runtime/memruntime: it reads
// delimited snapshot files into memory and executes every op with plain Go,
// tagging each output row with the source rows it derived from so
// internal/attribution can use primary-path row-origin tracing instead of
// its leave-one-table-out fallback.
package runtime

import "context"

// JoinType mirrors spec.md §4.5's Join{type}.
type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
	JoinRight JoinType = "right"
	JoinFull  JoinType = "full"
)

// CompareOp is the set of predicate operators spec.md §4.5 names for Filter.
type CompareOp string

const (
	OpEq      CompareOp = "="
	OpNeq     CompareOp = "!="
	OpLt      CompareOp = "<"
	OpLte     CompareOp = "<="
	OpGt      CompareOp = ">"
	OpGte     CompareOp = ">="
	OpIn      CompareOp = "IN"
	OpLike    CompareOp = "LIKE"
	OpIsNull  CompareOp = "IS NULL"
	OpNotNull CompareOp = "IS NOT NULL"
)

// Predicate is one Filter condition. Value holds a scalar for comparison ops,
// a []any for OpIn, and is ignored for OpIsNull/OpNotNull.
type Predicate struct {
	Column string
	Op     CompareOp
	Value  any
}

// AggFunc is the outer aggregation a Rule formula may name (spec.md §3).
type AggFunc string

const (
	AggSum   AggFunc = "SUM"
	AggAvg   AggFunc = "AVG"
	AggCount AggFunc = "COUNT"
	AggMin   AggFunc = "MIN"
	AggMax   AggFunc = "MAX"
)

// AggExpr is one Group step output column: apply Func over Column (or over
// every row, for COUNT(*), when Column is empty).
type AggExpr struct {
	Func   AggFunc
	Column string
}

// TableSource names a physical scan target: the table's on-disk path and,
// optionally, an as-of filter applied during the scan (spec.md §4.5 step 5).
type TableSource struct {
	Table         string
	Path          string
	TimeColumn    string
	AsOfDate      string // RFC3339 date, empty means "no as-of filter"
}

// RowOrigin tags one contributing source row, table-qualified. A Group
// output row may carry several origins (one per row folded into it); a Join
// output row carries the origins of both sides' matched rows.
type RowOrigin struct {
	Table string
	RowID string
}

// Row is one relation row: column name -> scalar value, plus the row-origin
// tags used by attribution's primary path when Capabilities().RowTagging is
// true. RowID is assigned by Scan (e.g. a 0-based offset or a declared
// primary-key column's string value) and threaded through every subsequent
// op.
type Row struct {
	Values map[string]any
	RowID  string
	Origin []RowOrigin
}

// Relation is a typed, column-homogeneous table: the unit every pipeline op
// consumes and produces.
type Relation struct {
	Columns []string
	Rows    []Row
}

// Capabilities describes what a Runtime implementation can do beyond the
// bare contract, so callers can make informed trade-offs (spec.md §9's
// documented attribution fallback).
type Capabilities struct {
	// RowTagging, when true, means Join/Group preserve RowOrigin so
	// attribution can use its primary (row-origin) path instead of
	// leave-one-table-out.
	RowTagging bool
}

// Runtime is the dataframe contract every PipelineOp executes against.
type Runtime interface {
	Scan(ctx context.Context, src TableSource) (*Relation, error)
	Filter(ctx context.Context, rel *Relation, predicates []Predicate) (*Relation, error)
	Derive(ctx context.Context, rel *Relation, expr Expr, as string) (*Relation, error)
	Join(ctx context.Context, left, right *Relation, on []JoinKey, joinType JoinType) (*Relation, error)
	Group(ctx context.Context, rel *Relation, by []string, agg map[string]AggExpr) (*Relation, error)
	Select(ctx context.Context, rel *Relation, columns []string) (*Relation, error)

	// DistinctValues returns a bounded sample of distinct values in column,
	// for the metadata store's column-feature population (spec.md §4.1).
	DistinctValues(ctx context.Context, src TableSource, column string, cap int) ([]string, error)

	Capabilities() Capabilities
}

// JoinKey is one (left_column, right_column) equality in a Join step.
type JoinKey struct {
	Left  string
	Right string
}

// Package rulecompiler is the Rule Compiler (C5): given a rule and the
// chosen comparison grain, it synthesizes a totally ordered pipeline of
// relational ops the Execution Engine (C6) runs against internal/runtime.
package rulecompiler

import (
	"fmt"
	"strings"

	"github.com/reconcilio/rcaengine/internal/graph"
	"github.com/reconcilio/rcaengine/internal/metadata"
	"github.com/reconcilio/rcaengine/internal/runtime"
)

// Op is one pipeline step. The concrete Scan/Filter/Derive/Join/Group/
// Select types mirror internal/runtime's contract exactly, per spec.md §4.5.
type Op interface{ isOp() }

// ScanOp loads a columnar table.
type ScanOp struct{ Table string }

// FilterOp applies predicates over the current relation.
type FilterOp struct{ Predicates []runtime.Predicate }

// DeriveOp adds a column computed from Expr.
type DeriveOp struct {
	Expr runtime.Expr
	As   string
}

// JoinOp joins in another table.
type JoinOp struct {
	Table string
	On    []runtime.JoinKey
	Type  runtime.JoinType
}

// GroupOp aggregates the current relation.
type GroupOp struct {
	By  []string
	Agg map[string]runtime.AggExpr
}

// SelectOp projects a final column list.
type SelectOp struct{ Columns []string }

func (ScanOp) isOp()   {}
func (FilterOp) isOp() {}
func (DeriveOp) isOp() {}
func (JoinOp) isOp()   {}
func (GroupOp) isOp()  {}
func (SelectOp) isOp() {}

// Pipeline is a totally ordered sequence of ops.
type Pipeline []Op

// Compiler synthesizes a Pipeline from a rule, the metadata store, and the
// knowledge graph built from it.
type Compiler struct {
	store *metadata.Store
	graph *graph.KnowledgeGraph
}

// New constructs a Compiler.
func New(store *metadata.Store, kg *graph.KnowledgeGraph) *Compiler {
	return &Compiler{store: store, graph: kg}
}

// Compile synthesizes rule's pipeline against comparisonGrain, applying an
// as-of-date filter to every scanned table carrying a time_column when
// asOfDate is non-empty. Mirrors spec.md §4.5 steps 1-6.
func (c *Compiler) Compile(rule *metadata.Rule, comparisonGrain []string, asOfDate string) (Pipeline, error) {
	formula, err := parseFormula(rule.Formula)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	entityTables, err := c.entityTableIndex(rule)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	rootTable, err := c.chooseRootTable(rule, entityTables, formula)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	var pipeline Pipeline
	pipeline = append(pipeline, ScanOp{Table: rootTable.Name})
	pipeline = appendAsOfFilter(pipeline, rootTable, asOfDate, c.store)

	visited := map[string]bool{rootTable.Name: true}

	for _, entity := range rule.SourceEntities {
		if entity == rule.TargetEntity {
			continue
		}
		tables := entityTables[entity]
		if len(tables) == 0 {
			return nil, fmt.Errorf("rule %s: no table for source entity %q", rule.ID, entity)
		}

		for _, t := range tables {
			if visited[t.Name] {
				continue
			}

			path, err := c.graph.FindJoinPath(rootTable.Name, t.Name)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
			}

			for _, edge := range path {
				if visited[edge.To.Name] {
					continue
				}

				joinTable, ok := c.store.TableByName(edge.To.Name)
				if !ok {
					return nil, fmt.Errorf("rule %s: join target %q not in metadata", rule.ID, edge.To.Name)
				}

				if tableNeedsAggregation(joinTable, comparisonGrain) {
					aggKey := unionColumns(comparisonGrain, joinKeyColumns(edge.Keys))
					pipeline = append(pipeline, preAggregate(joinTable, aggKey)...)
				}

				pipeline = append(pipeline, JoinOp{
					Table: edge.To.Name,
					On:    joinKeys(edge.Keys),
					Type:  joinTypeFor(edge.Relationship),
				})
				pipeline = appendAsOfFilter(pipeline, joinTable, asOfDate, c.store)

				visited[edge.To.Name] = true
			}
		}
	}

	pipeline = appendComputation(pipeline, rule, comparisonGrain, formula)

	return pipeline, nil
}

func (c *Compiler) entityTableIndex(rule *metadata.Rule) (map[string][]*metadata.Table, error) {
	index := make(map[string][]*metadata.Table)
	for _, entity := range rule.SourceEntities {
		var tables []*metadata.Table
		for _, t := range c.store.TablesByEntity(entity) {
			if t.System == rule.System {
				tables = append(tables, t)
			}
		}
		if len(tables) == 0 {
			return nil, fmt.Errorf("no table found for entity %q in system %q", entity, rule.System)
		}
		index[entity] = tables
	}
	return index, nil
}

// chooseRootTable prefers, among target_entity's tables, one whose columns
// directly satisfy the formula; else the first such table — spec.md §4.5
// step 1.
func (c *Compiler) chooseRootTable(rule *metadata.Rule, entityTables map[string][]*metadata.Table, formula parsedFormula) (*metadata.Table, error) {
	rootTables := entityTables[rule.TargetEntity]
	if len(rootTables) == 0 {
		return nil, fmt.Errorf("no table for target entity %q", rule.TargetEntity)
	}

	needed := collectColumns(formula.Inner)
	for _, t := range rootTables {
		if hasAllColumns(t, needed) {
			return t, nil
		}
	}
	return rootTables[0], nil
}

func hasAllColumns(t *metadata.Table, columns []string) bool {
	for _, c := range columns {
		if !t.HasColumn(c) {
			return false
		}
	}
	return true
}

func collectColumns(e runtime.Expr) []string {
	var out []string
	var walk func(runtime.Expr)
	walk = func(e runtime.Expr) {
		switch n := e.(type) {
		case runtime.ColumnRef:
			out = append(out, n.Column)
		case runtime.BinaryOp:
			walk(n.Left)
			walk(n.Right)
		case runtime.Coalesce:
			for _, a := range n.Args {
				walk(a)
			}
		case runtime.Aggregate:
			walk(n.Arg)
		}
	}
	walk(e)
	return out
}

// tableNeedsAggregation mirrors original_source/src/rule_compiler.rs's
// table_needs_aggregation: a table at a significantly finer grain than the
// comparison grain (2+ more key columns, or 1 more where an extra is
// date-like) is pre-aggregated before joining, to avoid a fan-out
// explosion — SPEC_FULL.md §4.5's pre-aggregation fan-out guard.
func tableNeedsAggregation(t *metadata.Table, grain []string) bool {
	tableGrain := t.PrimaryKey
	if len(tableGrain) >= len(grain)+2 {
		return true
	}
	if len(tableGrain) > len(grain) {
		for _, col := range tableGrain {
			if !containsFold(grain, col) && looksDateLike(col) {
				return true
			}
		}
	}
	return false
}

func looksDateLike(col string) bool {
	lower := strings.ToLower(col)
	return strings.Contains(lower, "date")
}

func containsFold(list []string, needle string) bool {
	for _, s := range list {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

// preAggregate builds the inline Group step that pre-aggregates t to
// aggKey = comparison grain ∪ join keys, summing numeric non-grain columns
// and dropping the rest — spec.md §4.5 step 3, original_source's
// get_aggregation_columns.
func preAggregate(t *metadata.Table, aggKey []string) Pipeline {
	agg := make(map[string]runtime.AggExpr)
	for _, col := range t.Columns {
		if containsFold(aggKey, col.Name) {
			continue
		}
		if isNumericType(col.DataType) {
			agg[col.Name] = runtime.AggExpr{Func: runtime.AggSum, Column: col.Name}
		}
	}
	return Pipeline{GroupOp{By: aggKey, Agg: agg}}
}

func isNumericType(dataType string) bool {
	switch strings.ToLower(dataType) {
	case "float", "integer", "numeric", "double", "int", "bigint":
		return true
	default:
		return false
	}
}

func unionColumns(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		key := strings.ToLower(s)
		if !seen[key] {
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}

func joinKeyColumns(keys map[string]string) []string {
	var out []string
	for k := range keys {
		out = append(out, k)
	}
	return out
}

func joinKeys(keys map[string]string) []runtime.JoinKey {
	var out []runtime.JoinKey
	for left, right := range keys {
		out = append(out, runtime.JoinKey{Left: left, Right: right})
	}
	return out
}

// joinTypeFor derives join_type from the lineage relationship, per
// spec.md §4.5 step 2: one-to-one/one-to-many -> left, many-to-one/
// many-to-many -> inner.
func joinTypeFor(rel metadata.Relationship) runtime.JoinType {
	switch rel {
	case metadata.OneToOne, metadata.OneToMany:
		return runtime.JoinLeft
	case metadata.ManyToOne, metadata.ManyToMany:
		return runtime.JoinInner
	default:
		return runtime.JoinLeft
	}
}

// appendAsOfFilter applies the as-of-date filter to the most recently
// scanned/joined table if it carries a time_column — spec.md §4.5 step 5.
func appendAsOfFilter(pipeline Pipeline, t *metadata.Table, asOfDate string, store *metadata.Store) Pipeline {
	if asOfDate == "" || t.TimeColumn == "" {
		return pipeline
	}

	op := runtime.OpEq
	for _, tr := range store.TimeRules {
		if tr.Table == t.Name && tr.DefaultFilter != "" {
			if parsed, ok := parseCompareOp(tr.DefaultFilter); ok {
				op = parsed
			}
		}
	}

	return append(pipeline, FilterOp{Predicates: []runtime.Predicate{
		{Column: t.TimeColumn, Op: op, Value: asOfDate},
	}})
}

func parseCompareOp(s string) (runtime.CompareOp, bool) {
	switch s {
	case "=", "==":
		return runtime.OpEq, true
	case "!=":
		return runtime.OpNeq, true
	case "<":
		return runtime.OpLt, true
	case "<=":
		return runtime.OpLte, true
	case ">":
		return runtime.OpGt, true
	case ">=":
		return runtime.OpGte, true
	default:
		return runtime.OpEq, false
	}
}

// appendComputation emits spec.md §4.5 step 4: an aggregated formula
// derives an intermediate column then groups by the comparison grain; a
// bare formula is selected directly, optionally preceded by a Group when
// the rule's own aggregation_grain differs from the comparison grain.
func appendComputation(pipeline Pipeline, rule *metadata.Rule, grain []string, formula parsedFormula) Pipeline {
	const intermediateCol = "computed_value"

	if formula.Agg != nil {
		pipeline = append(pipeline, DeriveOp{Expr: formula.Inner, As: intermediateCol})
		pipeline = append(pipeline, GroupOp{
			By: grain,
			Agg: map[string]runtime.AggExpr{
				rule.Metric: {Func: *formula.Agg, Column: intermediateCol},
			},
		})
		return append(pipeline, SelectOp{Columns: unionColumns(grain, []string{rule.Metric})})
	}

	if len(rule.AggregationGrain) > 0 && !setEqualFold(rule.AggregationGrain, grain) {
		pipeline = append(pipeline, GroupOp{
			By: rule.AggregationGrain,
			Agg: map[string]runtime.AggExpr{
				rule.Metric: {Func: runtime.AggSum, Column: firstColumn(formula.Inner)},
			},
		})
	}

	pipeline = append(pipeline, DeriveOp{Expr: formula.Inner, As: rule.Metric})
	return append(pipeline, SelectOp{Columns: unionColumns(grain, []string{rule.Metric})})
}

// CompileContributingRows compiles rule's pipeline exactly as Compile does,
// then strips the final grain-aggregation Group+Select pair so the result
// is the unaggregated contributing rows per row, plus the per-row value
// column and aggregation function the Attribution Engine (C8) needs to
// compute each row's marginal contribution — spec.md §4.8 step 1: "produce
// the unaggregated contributing rows per side". Aggregated is false when
// the rule's formula has no outer aggregation (a bare column/expression
// pipeline already ends at one row per grain unit; attribution treats
// that single row as its own full contributor).
func (c *Compiler) CompileContributingRows(rule *metadata.Rule, comparisonGrain []string, asOfDate string) (pipeline Pipeline, valueColumn string, aggFunc runtime.AggFunc, aggregated bool, err error) {
	full, err := c.Compile(rule, comparisonGrain, asOfDate)
	if err != nil {
		return nil, "", "", false, err
	}
	return stripFinalAggregation(full, rule.Metric, comparisonGrain)
}

// stripFinalAggregation removes a trailing Group{by: grain}/Select pair
// from p when the Group's agg output is metric, returning the pipeline up
// to (and including a replacement Select for) that Group's input rows.
func stripFinalAggregation(p Pipeline, metric string, grain []string) (Pipeline, string, runtime.AggFunc, bool, error) {
	if len(p) < 2 {
		return p, metric, "", false, nil
	}
	last, isSelect := p[len(p)-1].(SelectOp)
	if !isSelect {
		return p, metric, "", false, nil
	}
	group, isGroup := p[len(p)-2].(GroupOp)
	if !isGroup || !setEqualFold(group.By, grain) {
		_ = last
		return p, metric, "", false, nil
	}
	agg, ok := group.Agg[metric]
	if !ok {
		return p, metric, "", false, nil
	}

	pipeline := append(Pipeline{}, p[:len(p)-2]...)
	pipeline = append(pipeline, SelectOp{Columns: unionColumns(grain, []string{agg.Column})})
	return pipeline, agg.Column, agg.Func, true, nil
}

func firstColumn(e runtime.Expr) string {
	cols := collectColumns(e)
	if len(cols) == 0 {
		return ""
	}
	return cols[0]
}

func setEqualFold(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Package dvengine is the Data Validation evaluator for the engine's
// secondary "DV" mode: it turns an intent.ValidationConstraintSpec into a
// SQL Compiler (C12) query for the audit trail, then walks the runtime (C6)
// directly to find the rows that violate it, since this engine has no SQL
// execution backend of its own — only the dataframe contract C6 already
// implements over CSV snapshots.
package dvengine

import (
	"context"
	"fmt"

	"github.com/reconcilio/rcaengine/internal/apperrors"
	"github.com/reconcilio/rcaengine/internal/metadata"
	"github.com/reconcilio/rcaengine/internal/runtime"
	"github.com/reconcilio/rcaengine/internal/sqlcompiler"
)

// Condition is one column/operator/value clause. A ConstraintDetails'
// Conditions describe the violating state directly (e.g. psl_type='MSME'
// AND ledger>5000 for "MSME customers cannot have ledger > 5000"), per the
// design notes' "small, well-defined expression grammar" guidance rather
// than parsing free text into a constraint DSL.
type Condition struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// ConstraintDetails is the decoded shape of
// intent.ValidationConstraintSpec.Details for constraint_type "custom".
// Table selects a table only when it exactly names a registered table;
// otherwise (including when empty) the single table declaring every
// condition column is used.
type ConstraintDetails struct {
	Table      string      `json:"table"`
	Conditions []Condition `json:"conditions"`
}

// Violation is one row that matched every condition, identified by its
// source table's primary key.
type Violation struct {
	PrimaryKey map[string]string
}

// Report is the DV evaluation's published outcome: total_rows_checked,
// violations_count, and a bounded sample of
// violating primary keys, plus the SQL the compiler produced for it.
type Report struct {
	SQL              string
	SQLColumns       []sqlcompiler.ParsedColumn
	TotalRowsChecked int
	ViolationsCount  int
	SampleViolations []Violation
	Warnings         []sqlcompiler.Warning
}

// Violated reports whether any row failed the constraint; the CLI exits
// 1 iff this is true.
func (r *Report) Violated() bool { return r.ViolationsCount > 0 }

// Engine evaluates ConstraintDetails against a metadata.Store-described
// table over a runtime.Runtime.
type Engine struct {
	store *metadata.Store
	rt    runtime.Runtime
	sqlc  *sqlcompiler.Compiler
}

// New constructs an Engine. sqlOpts is forwarded to the SQL compiler so
// the same case-sensitivity and audit logger apply to DV queries as to
// ad-hoc ones.
func New(store *metadata.Store, rt runtime.Runtime, sqlOpts sqlcompiler.Options) *Engine {
	return &Engine{store: store, rt: rt, sqlc: sqlcompiler.New(store, sqlOpts)}
}

// Evaluate resolves details.Table, compiles the equivalent SELECT over the
// primary key for audit/display, then scans and filters the table directly
// to count total rows and collect up to sampleSize violating primary keys.
func (e *Engine) Evaluate(ctx context.Context, details ConstraintDetails, asOfDate, requestID string, sampleSize int) (*Report, error) {
	table, err := e.resolveTable(details.Table, details.Conditions)
	if err != nil {
		return nil, apperrors.New(apperrors.KindMetadata, "dv constraint: "+err.Error(), err)
	}

	sqlResult, sqlColumns, warnings, err := e.compileAuditSQL(table, details, requestID)
	if err != nil {
		return nil, err
	}

	src := runtime.TableSource{Table: table.Name, Path: table.Path, TimeColumn: table.TimeColumn, AsOfDate: asOfDate}
	all, err := e.rt.Scan(ctx, src)
	if err != nil {
		return nil, apperrors.New(apperrors.KindExecution, "dv constraint: scan failed", err)
	}

	predicates, err := conditionsToPredicates(details.Conditions)
	if err != nil {
		return nil, apperrors.New(apperrors.KindMetadata, "dv constraint: "+err.Error(), err)
	}
	violating, err := e.rt.Filter(ctx, all, predicates)
	if err != nil {
		return nil, apperrors.New(apperrors.KindExecution, "dv constraint: filter failed", err)
	}

	sample := make([]Violation, 0, min(sampleSize, len(violating.Rows)))
	for i, row := range violating.Rows {
		if i >= sampleSize {
			break
		}
		pk := make(map[string]string, len(table.PrimaryKey))
		for _, col := range table.PrimaryKey {
			pk[col] = fmt.Sprintf("%v", row.Values[col])
		}
		sample = append(sample, Violation{PrimaryKey: pk})
	}

	return &Report{
		SQL:              sqlResult,
		SQLColumns:       sqlColumns,
		TotalRowsChecked: len(all.Rows),
		ViolationsCount:  len(violating.Rows),
		SampleViolations: sample,
		Warnings:         warnings,
	}, nil
}

func (e *Engine) compileAuditSQL(table *metadata.Table, details ConstraintDetails, requestID string) (string, []sqlcompiler.ParsedColumn, []sqlcompiler.Warning, error) {
	intent := sqlcompiler.QueryIntent{
		Table:   table.Name,
		Columns: selectColumnsFor(table.PrimaryKey),
		Filters: filterSpecsFor(details.Conditions),
	}
	result, err := e.sqlc.Compile(intent, requestID)
	if err != nil {
		return "", nil, nil, err
	}
	return result.SQL, result.ResultColumns, result.Warnings, nil
}

// resolveTable uses details.Table as a hint, falling back to the single
// table in the store that declares every condition's column when Table is
// empty or doesn't resolve directly: e.g. for "customers with psl_type =
// 'MSME' cannot have ledger > 5000", the single table declaring both
// psl_type and ledger is the candidate.
func (e *Engine) resolveTable(hint string, conditions []Condition) (*metadata.Table, error) {
	if t, ok := e.store.TableByName(hint); ok {
		return t, nil
	}

	var candidates []*metadata.Table
	for i := range e.store.Tables {
		t := &e.store.Tables[i]
		if hasAllColumns(t, conditions) {
			candidates = append(candidates, t)
		}
	}
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("no table declares every constraint column")
	case 1:
		return candidates[0], nil
	default:
		return nil, fmt.Errorf("ambiguous constraint: %d candidate tables declare every column", len(candidates))
	}
}

func hasAllColumns(t *metadata.Table, conditions []Condition) bool {
	for _, c := range conditions {
		if !t.HasColumn(c.Column) {
			return false
		}
	}
	return true
}

func selectColumnsFor(cols []string) []sqlcompiler.SelectColumn {
	out := make([]sqlcompiler.SelectColumn, len(cols))
	for i, c := range cols {
		out[i] = sqlcompiler.SelectColumn{Column: c}
	}
	return out
}

func filterSpecsFor(conditions []Condition) []sqlcompiler.FilterSpec {
	out := make([]sqlcompiler.FilterSpec, len(conditions))
	for i, c := range conditions {
		out[i] = sqlcompiler.FilterSpec{Column: c.Column, Operator: c.Operator, Value: c.Value}
	}
	return out
}

func conditionsToPredicates(conditions []Condition) ([]runtime.Predicate, error) {
	out := make([]runtime.Predicate, len(conditions))
	for i, c := range conditions {
		op, ok := compareOp(c.Operator)
		if !ok {
			return nil, fmt.Errorf("unsupported constraint operator %q", c.Operator)
		}
		out[i] = runtime.Predicate{Column: c.Column, Op: op, Value: c.Value}
	}
	return out, nil
}

func compareOp(s string) (runtime.CompareOp, bool) {
	switch s {
	case "=", "!=", "<", "<=", ">", ">=", "IN", "LIKE", "IS NULL", "IS NOT NULL":
		return runtime.CompareOp(s), true
	default:
		return "", false
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

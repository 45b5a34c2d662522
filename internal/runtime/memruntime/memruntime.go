// Package memruntime is the reference runtime.Runtime implementation: it
// reads delimited snapshot files fully into memory and executes every op
// with plain Go slices/maps. It exists to make the engine runnable end to
// end against local fixture data without a database adapter, the way the
// teacher's pkg/adapters/datasource/postgres adapter is one of several
// pluggable SchemaExtractor/SQLExecutor implementations behind a narrow
// interface (pkg/adapters/datasource/interfaces.go) — memruntime is this
// engine's equivalent "one concrete adapter" behind runtime.Runtime.
package memruntime

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/reconcilio/rcaengine/internal/runtime"
)

// Runtime reads CSV snapshot files rooted at a base data directory.
type Runtime struct {
	baseDir string
	cache   map[string]*runtime.Relation
}

// New creates a memruntime.Runtime rooted at baseDir. Scanned tables are
// cached for the lifetime of the Runtime since metadata is immutable after
// load and a table's file never changes mid-process (spec.md §3
// "Lifecycles").
func New(baseDir string) *Runtime {
	return &Runtime{baseDir: baseDir, cache: make(map[string]*runtime.Relation)}
}

func (r *Runtime) Capabilities() runtime.Capabilities {
	return runtime.Capabilities{RowTagging: true}
}

// Scan loads src.Path (resolved relative to baseDir unless already
// absolute), applying an as-of filter on TimeColumn when AsOfDate is set.
func (r *Runtime) Scan(_ context.Context, src runtime.TableSource) (*runtime.Relation, error) {
	cacheKey := src.Table + "|" + src.Path + "|" + src.TimeColumn + "|" + src.AsOfDate
	if cached, ok := r.cache[cacheKey]; ok {
		return cloneRelation(cached), nil
	}

	path := src.Path
	if !strings.HasPrefix(path, "/") {
		path = r.baseDir + "/" + path
	}

	rel, err := readCSV(path, src.Table)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", src.Table, err)
	}

	if src.AsOfDate != "" && src.TimeColumn != "" {
		filtered, err := r.Filter(context.Background(), rel, []runtime.Predicate{
			{Column: src.TimeColumn, Op: runtime.OpEq, Value: src.AsOfDate},
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: as-of filter: %w", src.Table, err)
		}
		rel = filtered
	}

	r.cache[cacheKey] = cloneRelation(rel)
	return rel, nil
}

func readCSV(path, table string) (*runtime.Relation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	rel := &runtime.Relation{Columns: append([]string(nil), header...)}

	rowIdx := 0
	for {
		record, err := reader.Read()
		if err != nil {
			break // io.EOF or malformed trailing line; either ends the scan
		}
		values := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(record) {
				values[col] = parseScalar(record[i])
			}
		}
		rel.Rows = append(rel.Rows, runtime.Row{
			Values: values,
			RowID:  fmt.Sprintf("%d", rowIdx),
			Origin: []runtime.RowOrigin{{Table: table, RowID: fmt.Sprintf("%d", rowIdx)}},
		})
		rowIdx++
	}

	return rel, nil
}

// parseScalar coerces a CSV cell to float64 or bool when possible, falling
// back to string; distinct_values sampling and predicate comparisons both
// rely on this to compare numerics numerically, not lexicographically.
func parseScalar(s string) any {
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func cloneRelation(rel *runtime.Relation) *runtime.Relation {
	out := &runtime.Relation{Columns: append([]string(nil), rel.Columns...)}
	out.Rows = append([]runtime.Row(nil), rel.Rows...)
	return out
}

func (r *Runtime) Filter(_ context.Context, rel *runtime.Relation, predicates []runtime.Predicate) (*runtime.Relation, error) {
	out := &runtime.Relation{Columns: rel.Columns}
	for _, row := range rel.Rows {
		ok := true
		for _, p := range predicates {
			if !matchPredicate(row.Values[p.Column], p) {
				ok = false
				break
			}
		}
		if ok {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func matchPredicate(val any, p runtime.Predicate) bool {
	switch p.Op {
	case runtime.OpIsNull:
		return val == nil
	case runtime.OpNotNull:
		return val != nil
	case runtime.OpIn:
		items, _ := p.Value.([]any)
		for _, item := range items {
			if compareEqual(val, item) {
				return true
			}
		}
		return false
	case runtime.OpLike:
		pattern, _ := p.Value.(string)
		s, _ := val.(string)
		return likeMatch(strings.ToLower(s), strings.ToLower(pattern))
	}

	cmp, ok := compareOrdered(val, p.Value)
	if !ok {
		// Non-comparable types only support equality semantics.
		switch p.Op {
		case runtime.OpEq:
			return compareEqual(val, p.Value)
		case runtime.OpNeq:
			return !compareEqual(val, p.Value)
		default:
			return false
		}
	}

	switch p.Op {
	case runtime.OpEq:
		return cmp == 0
	case runtime.OpNeq:
		return cmp != 0
	case runtime.OpLt:
		return cmp < 0
	case runtime.OpLte:
		return cmp <= 0
	case runtime.OpGt:
		return cmp > 0
	case runtime.OpGte:
		return cmp >= 0
	default:
		return false
	}
}

// compareEqual implements the spec's "all equality comparisons on string
// keys are case-insensitive" rule (spec.md §6).
func compareEqual(a, b any) bool {
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.EqualFold(as, bs)
	}
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	return a == b
}

func compareOrdered(a, b any) (int, bool) {
	af, aOk := toFloat(a)
	bf, bOk := toFloat(b)
	if aOk && bOk {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(strings.ToLower(as), strings.ToLower(bs)), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func likeMatch(s, pattern string) bool {
	// SQL LIKE with % wildcards only; _ single-char wildcard is not needed by
	// any SPEC_FULL constraint shape and is intentionally unsupported.
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}
	idx := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		pos := strings.Index(s[idx:], part)
		if pos < 0 {
			return false
		}
		if i == 0 && pos != 0 {
			return false
		}
		idx += pos + len(part)
	}
	if last := parts[len(parts)-1]; last != "" && !strings.HasSuffix(s, last) {
		return false
	}
	return true
}

func (r *Runtime) Derive(_ context.Context, rel *runtime.Relation, expr runtime.Expr, as string) (*runtime.Relation, error) {
	out := &runtime.Relation{Columns: append(append([]string(nil), rel.Columns...), as)}
	for _, row := range rel.Rows {
		v, err := evalExpr(expr, row.Values)
		if err != nil {
			return nil, err
		}
		newValues := make(map[string]any, len(row.Values)+1)
		for k, val := range row.Values {
			newValues[k] = val
		}
		newValues[as] = v
		out.Rows = append(out.Rows, runtime.Row{Values: newValues, RowID: row.RowID, Origin: row.Origin})
	}
	return out, nil
}

func evalExpr(e runtime.Expr, row map[string]any) (float64, error) {
	switch n := e.(type) {
	case runtime.Literal:
		return n.Value, nil
	case runtime.ColumnRef:
		f, _ := toFloat(row[n.Column])
		return f, nil
	case runtime.BinaryOp:
		l, err := evalExpr(n.Left, row)
		if err != nil {
			return 0, err
		}
		rgt, err := evalExpr(n.Right, row)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case '+':
			return l + rgt, nil
		case '-':
			return l - rgt, nil
		case '*':
			return l * rgt, nil
		case '/':
			if rgt == 0 {
				return 0, nil
			}
			return l / rgt, nil
		default:
			return 0, fmt.Errorf("unknown binary operator %q", n.Op)
		}
	case runtime.Coalesce:
		for _, arg := range n.Args {
			if cr, ok := arg.(runtime.ColumnRef); ok {
				if row[cr.Column] == nil {
					continue
				}
			}
			v, err := evalExpr(arg, row)
			if err != nil {
				return 0, err
			}
			return v, nil
		}
		return 0, nil
	case runtime.Aggregate:
		// Aggregate nodes are not evaluated row-wise; outer aggregations
		// reach Group as AggExpr values instead.
		return 0, fmt.Errorf("aggregate expression cannot be evaluated row-wise")
	default:
		return 0, fmt.Errorf("unknown expression node %T", e)
	}
}

func (r *Runtime) Join(_ context.Context, left, right *runtime.Relation, on []runtime.JoinKey, joinType runtime.JoinType) (*runtime.Relation, error) {
	rightIndex := make(map[string][]runtime.Row)
	for _, row := range right.Rows {
		key := joinKeyValue(row.Values, on, false)
		rightIndex[key] = append(rightIndex[key], row)
	}

	columns := append([]string(nil), left.Columns...)
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		seen[c] = true
	}
	for _, c := range right.Columns {
		if !seen[c] {
			columns = append(columns, c)
			seen[c] = true
		}
	}

	out := &runtime.Relation{Columns: columns}
	matchedRight := make(map[int]bool)

	for _, lrow := range left.Rows {
		key := joinKeyValue(lrow.Values, on, true)
		matches := rightIndex[key]
		if len(matches) == 0 {
			if joinType == runtime.JoinLeft || joinType == runtime.JoinFull {
				out.Rows = append(out.Rows, mergeRow(lrow, runtime.Row{}, columns))
			}
			continue
		}
		for ri, rrow := range right.Rows {
			if joinKeyValue(rrow.Values, on, false) != key {
				continue
			}
			matchedRight[ri] = true
			out.Rows = append(out.Rows, mergeRow(lrow, rrow, columns))
		}
		_ = matches
	}

	if joinType == runtime.JoinRight || joinType == runtime.JoinFull {
		for ri, rrow := range right.Rows {
			if matchedRight[ri] {
				continue
			}
			out.Rows = append(out.Rows, mergeRow(runtime.Row{}, rrow, columns))
		}
	}

	return out, nil
}

func joinKeyValue(values map[string]any, on []runtime.JoinKey, isLeft bool) string {
	var sb strings.Builder
	for _, k := range on {
		col := k.Right
		if isLeft {
			col = k.Left
		}
		v := values[col]
		if s, ok := v.(string); ok {
			sb.WriteString(strings.ToLower(s))
		} else {
			sb.WriteString(fmt.Sprintf("%v", v))
		}
		sb.WriteByte('\x1f')
	}
	return sb.String()
}

func mergeRow(left, right runtime.Row, columns []string) runtime.Row {
	values := make(map[string]any, len(columns))
	for k, v := range left.Values {
		values[k] = v
	}
	for k, v := range right.Values {
		if _, exists := values[k]; !exists {
			values[k] = v
		}
	}
	origin := append(append([]runtime.RowOrigin(nil), left.Origin...), right.Origin...)
	return runtime.Row{Values: values, RowID: left.RowID + "+" + right.RowID, Origin: origin}
}

func (r *Runtime) Group(_ context.Context, rel *runtime.Relation, by []string, agg map[string]runtime.AggExpr) (*runtime.Relation, error) {
	type bucket struct {
		key    []string
		values map[string]any
		nums   map[string][]float64
		origin []runtime.RowOrigin
		count  int
	}
	buckets := make(map[string]*bucket)
	var order []string

	for _, row := range rel.Rows {
		keyParts := make([]string, len(by))
		for i, col := range by {
			keyParts[i] = fmt.Sprintf("%v", row.Values[col])
		}
		key := strings.Join(keyParts, "\x1f")

		b, ok := buckets[key]
		if !ok {
			b = &bucket{key: keyParts, values: make(map[string]any), nums: make(map[string][]float64)}
			for i, col := range by {
				b.values[col] = row.Values[col]
				_ = i
			}
			buckets[key] = b
			order = append(order, key)
		}
		b.count++
		b.origin = append(b.origin, row.Origin...)
		for outCol, expr := range agg {
			if expr.Column == "" {
				continue // COUNT(*) needs no per-column accumulation
			}
			if f, ok := toFloat(row.Values[expr.Column]); ok {
				b.nums[outCol] = append(b.nums[outCol], f)
			}
		}
	}

	columns := append([]string(nil), by...)
	for outCol := range agg {
		columns = append(columns, outCol)
	}
	sort.Strings(columns[len(by):])

	out := &runtime.Relation{Columns: columns}
	for _, key := range order {
		b := buckets[key]
		values := make(map[string]any, len(columns))
		for k, v := range b.values {
			values[k] = v
		}
		for outCol, expr := range agg {
			values[outCol] = applyAgg(expr, b.nums[outCol], b.count)
		}
		out.Rows = append(out.Rows, runtime.Row{
			Values: values,
			RowID:  key,
			Origin: b.origin,
		})
	}
	return out, nil
}

func applyAgg(expr runtime.AggExpr, nums []float64, count int) float64 {
	switch expr.Func {
	case runtime.AggCount:
		return float64(count)
	case runtime.AggSum:
		var s float64
		for _, n := range nums {
			s += n
		}
		return s
	case runtime.AggAvg:
		if len(nums) == 0 {
			return 0
		}
		var s float64
		for _, n := range nums {
			s += n
		}
		return s / float64(len(nums))
	case runtime.AggMin:
		if len(nums) == 0 {
			return 0
		}
		m := nums[0]
		for _, n := range nums[1:] {
			if n < m {
				m = n
			}
		}
		return m
	case runtime.AggMax:
		if len(nums) == 0 {
			return 0
		}
		m := nums[0]
		for _, n := range nums[1:] {
			if n > m {
				m = n
			}
		}
		return m
	default:
		return 0
	}
}

func (r *Runtime) Select(_ context.Context, rel *runtime.Relation, columns []string) (*runtime.Relation, error) {
	out := &runtime.Relation{Columns: append([]string(nil), columns...)}
	for _, row := range rel.Rows {
		values := make(map[string]any, len(columns))
		for _, c := range columns {
			values[c] = row.Values[c]
		}
		out.Rows = append(out.Rows, runtime.Row{Values: values, RowID: row.RowID, Origin: row.Origin})
	}
	return out, nil
}

// DistinctValues returns the first cap distinct non-nil values of a column
// (formatted with %v) in row order. The whole table is read by Scan; only
// the distinct-value loop stops once cap values are collected.
func (r *Runtime) DistinctValues(ctx context.Context, src runtime.TableSource, column string, cap int) ([]string, error) {
	rel, err := r.Scan(ctx, src)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, cap)
	var out []string
	for _, row := range rel.Rows {
		if len(out) >= cap {
			break
		}
		v := row.Values[column]
		if v == nil {
			continue
		}
		s := fmt.Sprintf("%v", v)
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

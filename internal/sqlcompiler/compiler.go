// Package sqlcompiler is the SQL Compiler (C12): it turns a JSON query
// intent (DV constraint checks or ad-hoc exploratory questions) into a
// validated SQL string over the registered tables, resolving partial or
// misnamed table/column references against the Metadata Store the same
// way the Rule Compiler (C5) resolves source entities, per spec.md §4.12.
package sqlcompiler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/reconcilio/rcaengine/internal/apperrors"
	"github.com/reconcilio/rcaengine/internal/metadata"
)

// AggFunc names a SELECT-list aggregation.
type AggFunc string

const (
	AggNone  AggFunc = ""
	AggSum   AggFunc = "SUM"
	AggAvg   AggFunc = "AVG"
	AggCount AggFunc = "COUNT"
	AggMin   AggFunc = "MIN"
	AggMax   AggFunc = "MAX"
)

// SelectColumn is one SELECT-list entry, optionally aggregated.
type SelectColumn struct {
	Column string  `json:"column"`
	Agg    AggFunc `json:"agg,omitempty"`
	Alias  string  `json:"alias,omitempty"`
}

// FilterSpec is one WHERE-clause predicate. Operator is one of
// "=", "!=", "<", "<=", ">", ">=", "IN", "LIKE", "IS NULL" per spec.md
// §4.12.
type FilterSpec struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// JoinSpec is one explicit JOIN clause.
type JoinSpec struct {
	Table       string `json:"table"`
	Type        string `json:"type,omitempty"` // inner (default), left
	LeftColumn  string `json:"left_column"`     // qualified or bare, resolved against the base table
	RightColumn string `json:"right_column"`    // qualified or bare, resolved against Table
}

// OrderSpec is one ORDER BY key.
type OrderSpec struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// DateConstraintKind distinguishes the three temporal-filter shapes
// spec.md §4.12 names.
type DateConstraintKind string

const (
	DateAbsolute DateConstraintKind = "absolute"
	DateRange    DateConstraintKind = "range"
	DateRelative DateConstraintKind = "relative"
)

// Relative date_constraint values recognized in DateRelative mode.
const (
	RelativeEndOfYear   = "end_of_year"
	RelativeStartOfYear = "start_of_year"
	RelativeToday       = "today"
)

// DateConstraint filters a table's time column, per spec.md §4.12.
type DateConstraint struct {
	Column string             `json:"column"`
	Kind   DateConstraintKind `json:"kind"`
	Value  string             `json:"value,omitempty"` // absolute date, or a Relative* keyword
	Start  string             `json:"start,omitempty"` // range
	End    string             `json:"end,omitempty"`   // range
}

// QueryIntent is the JSON shape a DV constraint check or ad-hoc question
// compiles down to before becoming SQL.
type QueryIntent struct {
	Table          string          `json:"table"`
	Columns        []SelectColumn  `json:"columns"`
	Filters        []FilterSpec    `json:"filters,omitempty"`
	Joins          []JoinSpec      `json:"joins,omitempty"`
	GroupBy        []string        `json:"group_by,omitempty"`
	OrderBy        []OrderSpec     `json:"order_by,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	DateConstraint *DateConstraint `json:"date_constraint,omitempty"`
}

// Options configures case sensitivity and the security tooling a Compiler
// runs every compiled query through.
type Options struct {
	// CaseSensitiveStrings controls whether string equality/LIKE literals
	// are emitted verbatim (true) or uppercased, with the column wrapped in
	// UPPER(), for a case-insensitive comparison (false, the default — spec.md §6 "all equality
	// comparisons on string keys are case-insensitive").
	CaseSensitiveStrings bool
	Auditor              *SecurityAuditor
}

// Warning is a non-fatal compilation note (e.g. a dropped ORDER BY).
type Warning struct {
	Message string
}

// CompileResult is the compiled SQL plus whatever got silently adjusted.
type CompileResult struct {
	SQL      string
	Warnings []Warning
	// ResultColumns names the output columns the compiled SELECT produces,
	// in order, parsed back out of SQL rather than threaded separately
	// through compileSelect so it reflects whatever alias/expression form
	// actually made it into the final statement.
	ResultColumns []ParsedColumn
}

// Compiler resolves QueryIntent table/column references against a
// metadata.Store and emits SQL text.
type Compiler struct {
	store *metadata.Store
	opts  Options
}

// New constructs a Compiler. A nil Options.Auditor disables audit logging.
func New(store *metadata.Store, opts Options) *Compiler {
	return &Compiler{store: store, opts: opts}
}

// Compile resolves intent against the metadata store and emits a single
// validated SQL statement. requestID is passed through to the security
// audit log.
func (c *Compiler) Compile(intent QueryIntent, requestID string) (*CompileResult, error) {
	table, err := c.resolveTable(intent.Table)
	if err != nil {
		return nil, apperrors.New(apperrors.KindMetadata, "sql compiler: "+err.Error(), err)
	}

	joinTables := make(map[string]*metadata.Table, len(intent.Joins))
	for _, j := range intent.Joins {
		jt, err := c.resolveTable(j.Table)
		if err != nil {
			return nil, apperrors.New(apperrors.KindMetadata, "sql compiler: "+err.Error(), err)
		}
		joinTables[j.Table] = jt
	}

	var warnings []Warning

	selectSQL, err := c.compileSelect(intent.Columns, table, joinTables)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectSQL)
	b.WriteString("\nFROM ")
	b.WriteString(quoteIdent(table.Name))

	for _, j := range intent.Joins {
		jt := joinTables[j.Table]
		joinType := "INNER JOIN"
		if strings.EqualFold(j.Type, "left") {
			joinType = "LEFT JOIN"
		}
		left, err := c.resolveColumnOn(table, j.LeftColumn)
		if err != nil {
			return nil, apperrors.New(apperrors.KindMetadata, "sql compiler: join: "+err.Error(), err)
		}
		right, err := c.resolveColumnOn(jt, j.RightColumn)
		if err != nil {
			return nil, apperrors.New(apperrors.KindMetadata, "sql compiler: join: "+err.Error(), err)
		}
		fmt.Fprintf(&b, "\n%s %s ON %s.%s = %s.%s", joinType, quoteIdent(jt.Name),
			quoteIdent(table.Name), quoteIdent(left), quoteIdent(jt.Name), quoteIdent(right))
	}

	pa := newParamAccumulator()
	whereParts, templateParts, paramWarnings, err := c.compileFilters(intent.Filters, intent.DateConstraint, table, joinTables, requestID, pa)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, paramWarnings...)
	if len(whereParts) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(whereParts, " AND "))
	}

	groupBy, err := c.resolveColumnList(intent.GroupBy, table, joinTables)
	if err != nil {
		return nil, apperrors.New(apperrors.KindMetadata, "sql compiler: group by: "+err.Error(), err)
	}
	if len(groupBy) > 0 {
		b.WriteString("\nGROUP BY ")
		b.WriteString(strings.Join(quoteAll(groupBy), ", "))
	}

	orderSQL, orderWarnings := c.compileOrderBy(intent.OrderBy, intent.GroupBy, intent.Columns, table, joinTables)
	warnings = append(warnings, orderWarnings...)
	if orderSQL != "" {
		b.WriteString("\nORDER BY ")
		b.WriteString(orderSQL)
	}

	if intent.Limit > 0 {
		fmt.Fprintf(&b, "\nLIMIT %d", intent.Limit)
	}

	result := ValidateAndNormalize(b.String())
	if result.Error != nil {
		return nil, apperrors.New(apperrors.KindMetadata, "sql compiler: "+result.Error.Error(), result.Error)
	}

	if c.opts.Auditor != nil {
		c.opts.Auditor.LogQueryExecution(requestID, table.Name)
	}

	if err := c.auditParameterizedFilters(requestID, table.Name, templateParts, pa); err != nil {
		return nil, err
	}

	resultColumns, err := ParseSelectColumns(result.NormalizedSQL)
	if err != nil {
		return nil, apperrors.New(apperrors.KindMetadata, "sql compiler: parsing result columns: "+err.Error(), err)
	}

	return &CompileResult{SQL: result.NormalizedSQL, Warnings: warnings, ResultColumns: resultColumns}, nil
}

func (c *Compiler) compileSelect(cols []SelectColumn, table *metadata.Table, joinTables map[string]*metadata.Table) (string, error) {
	if len(cols) == 0 {
		return "*", nil
	}
	parts := make([]string, len(cols))
	for i, col := range cols {
		resolved, err := c.resolveColumnAcross(col.Column, table, joinTables)
		if err != nil {
			return "", apperrors.New(apperrors.KindMetadata, "sql compiler: select: "+err.Error(), err)
		}
		expr := quoteIdent(resolved)
		if col.Agg != AggNone {
			if col.Agg == AggCount && (col.Column == "*" || col.Column == "") {
				expr = "COUNT(*)"
			} else {
				expr = fmt.Sprintf("%s(%s)", string(col.Agg), expr)
			}
		}
		if col.Alias != "" {
			expr = fmt.Sprintf("%s AS %s", expr, quoteIdent(col.Alias))
		}
		parts[i] = expr
	}
	return strings.Join(parts, ", "), nil
}

func (c *Compiler) compileFilters(filters []FilterSpec, dc *DateConstraint, table *metadata.Table, joinTables map[string]*metadata.Table, requestID string, pa *paramAccumulator) ([]string, []string, []Warning, error) {
	var parts []string
	var templateParts []string
	var warnings []Warning

	for _, f := range filters {
		if iv := CheckParameterForInjection(f.Column, f.Value); iv != nil {
			if c.opts.Auditor != nil {
				c.opts.Auditor.LogInjectionAttempt(requestID, SQLInjectionDetails{
					ParamName:   iv.ParamName,
					ParamValue:  fmt.Sprintf("%v", iv.ParamValue),
					Fingerprint: iv.Fingerprint,
					QueryName:   table.Name,
				})
			}
			return nil, nil, nil, apperrors.New(apperrors.KindMetadata,
				fmt.Sprintf("sql compiler: rejected filter on %q: sql injection pattern detected (%s)", f.Column, iv.Fingerprint), nil)
		}

		col, err := c.resolveColumnAcross(f.Column, table, joinTables)
		if err != nil {
			if c.opts.Auditor != nil {
				c.opts.Auditor.LogParameterValidation(requestID, err.Error())
			}
			return nil, nil, nil, apperrors.New(apperrors.KindMetadata, "sql compiler: filter: "+err.Error(), err)
		}
		clause, template, err := c.compileFilterClause(col, f.Operator, f.Value, pa)
		if err != nil {
			return nil, nil, nil, apperrors.New(apperrors.KindMetadata, "sql compiler: filter: "+err.Error(), err)
		}
		parts = append(parts, clause)
		templateParts = append(templateParts, template)
	}

	if dc != nil {
		col, err := c.resolveColumnAcross(dc.Column, table, joinTables)
		if err != nil {
			return nil, nil, nil, apperrors.New(apperrors.KindMetadata, "sql compiler: date_constraint: "+err.Error(), err)
		}
		clause, warn := compileDateConstraint(col, dc)
		if warn != "" {
			warnings = append(warnings, Warning{Message: warn})
		} else {
			parts = append(parts, clause)
			templateParts = append(templateParts, clause)
		}
	}

	return parts, templateParts, warnings, nil
}

// compileFilterClause renders one filter twice: clause embeds the literal
// value directly (the form used in the emitted/audited SQL, unchanged
// behavior), template replaces it with a {{name}} placeholder registered in
// pa (fed through the named-parameter path in auditParameterizedFilters for
// a second, independent injection/substitution check on the same value).
func (c *Compiler) compileFilterClause(col, operator string, value any, pa *paramAccumulator) (string, string, error) {
	ident := quoteIdent(col)
	// literal() uppercases string values unless CaseSensitiveStrings is set;
	// the column side is wrapped in UPPER() so both sides compare alike.
	probe := value
	if list, ok := value.([]any); ok && len(list) > 0 {
		probe = list[0]
	}
	if _, isString := probe.(string); isString && !c.opts.CaseSensitiveStrings {
		ident = "UPPER(" + ident + ")"
	}
	op := strings.ToUpper(strings.TrimSpace(operator))
	switch op {
	case "=", "!=", "<", "<=", ">", ">=":
		return fmt.Sprintf("%s %s %s", ident, operator, c.literal(value)),
			fmt.Sprintf("%s %s %s", ident, operator, pa.bind(value)), nil
	case "IN":
		values, ok := value.([]any)
		if !ok {
			return "", "", fmt.Errorf("IN filter on %q requires a list value", col)
		}
		lits := make([]string, len(values))
		tmpl := make([]string, len(values))
		for i, v := range values {
			lits[i] = c.literal(v)
			tmpl[i] = pa.bind(v)
		}
		return fmt.Sprintf("%s IN (%s)", ident, strings.Join(lits, ", ")),
			fmt.Sprintf("%s IN (%s)", ident, strings.Join(tmpl, ", ")), nil
	case "LIKE":
		return fmt.Sprintf("%s LIKE %s", ident, c.literal(value)),
			fmt.Sprintf("%s LIKE %s", ident, pa.bind(value)), nil
	case "IS NULL":
		return fmt.Sprintf("%s IS NULL", ident), fmt.Sprintf("%s IS NULL", ident), nil
	default:
		return "", "", fmt.Errorf("unsupported filter operator %q", operator)
	}
}

// paramAccumulator assigns each filter literal a unique {{name}} so the
// compiled predicate can also be expressed in the named-parameter form
// (parameters.go) instead of only as inline SQL text.
type paramAccumulator struct {
	defs   []QueryParameter
	values map[string]any
	n      int
}

func newParamAccumulator() *paramAccumulator {
	return &paramAccumulator{values: make(map[string]any)}
}

// bind registers value under a fresh parameter name and returns its
// {{name}} placeholder.
func (pa *paramAccumulator) bind(value any) string {
	pa.n++
	name := fmt.Sprintf("filter_value_%d", pa.n)
	pa.defs = append(pa.defs, QueryParameter{Name: name, Required: true, Default: value})
	pa.values[name] = value
	return fmt.Sprintf("{{%s}}", name)
}

// auditParameterizedFilters routes the {{param}}-templated predicate built
// alongside the literal WHERE clause through the named-parameter pipeline:
// a second injection pass over every bound value, a definitions/template
// consistency check, a scan for placeholders that leaked inside a string
// literal, and a positional-SQL substitution logged for SIEM replay. A nil
// Auditor or a query with no filters skips this entirely.
func (c *Compiler) auditParameterizedFilters(requestID, queryName string, templateParts []string, pa *paramAccumulator) error {
	if c.opts.Auditor == nil || len(pa.defs) == 0 {
		return nil
	}

	for _, iv := range CheckAllParameters(pa.values) {
		c.opts.Auditor.LogInjectionAttempt(requestID, SQLInjectionDetails{
			ParamName:   iv.ParamName,
			ParamValue:  fmt.Sprintf("%v", iv.ParamValue),
			Fingerprint: iv.Fingerprint,
			QueryName:   queryName,
		})
	}

	template := strings.Join(templateParts, " AND ")
	if err := ValidateParameterDefinitions(template, pa.defs); err != nil {
		return apperrors.New(apperrors.KindMetadata, "sql compiler: parameter audit: "+err.Error(), err)
	}
	if leaked := FindParametersInStringLiterals(template); len(leaked) > 0 {
		return apperrors.New(apperrors.KindMetadata,
			fmt.Sprintf("sql compiler: parameter(s) %v landed inside a string literal", leaked), nil)
	}
	positionalSQL, _, err := SubstituteParameters(template, pa.defs, pa.values)
	if err != nil {
		return apperrors.New(apperrors.KindMetadata, "sql compiler: substituting parameters: "+err.Error(), err)
	}

	c.opts.Auditor.LogParameterizedQuery(requestID, ParameterizedQueryDetails{
		Template:      template,
		PositionalSQL: positionalSQL,
		ParamCount:    len(ExtractParameters(template)),
	})
	return nil
}

// literal renders a filter value as a SQL literal. String values are
// single-quoted with embedded quotes escaped; non-string values are
// rendered through their Go formatting. Per spec.md §6 string equality is
// case-insensitive unless Options.CaseSensitiveStrings is set, matching
// the source behavior of uppercasing both sides of the comparison.
func (c *Compiler) literal(v any) string {
	s, isString := v.(string)
	if !isString {
		switch t := v.(type) {
		case float64:
			return strconv.FormatFloat(t, 'g', -1, 64)
		case int:
			return strconv.Itoa(t)
		case bool:
			return strconv.FormatBool(t)
		default:
			return fmt.Sprintf("%v", v)
		}
	}
	if !c.opts.CaseSensitiveStrings {
		s = strings.ToUpper(s)
	}
	escaped := strings.ReplaceAll(s, "'", "''")
	return "'" + escaped + "'"
}

func (c *Compiler) compileOrderBy(order []OrderSpec, groupBy []string, selected []SelectColumn, table *metadata.Table, joinTables map[string]*metadata.Table) (string, []Warning) {
	if len(order) == 0 {
		return "", nil
	}
	groupSet := make(map[string]bool, len(groupBy))
	for _, g := range groupBy {
		groupSet[strings.ToLower(g)] = true
	}
	aggAliases := make(map[string]bool)
	for _, s := range selected {
		if s.Agg != AggNone {
			if s.Alias != "" {
				aggAliases[strings.ToLower(s.Alias)] = true
			}
			aggAliases[strings.ToLower(s.Column)] = true
		}
	}

	var warnings []Warning
	var parts []string
	for _, o := range order {
		if len(groupBy) > 0 && !groupSet[strings.ToLower(o.Column)] && !aggAliases[strings.ToLower(o.Column)] {
			warnings = append(warnings, Warning{
				Message: fmt.Sprintf("dropped ORDER BY %q: not a GROUP BY key or aggregation", o.Column),
			})
			continue
		}
		resolved, err := c.resolveColumnAcross(o.Column, table, joinTables)
		if err != nil {
			if aggAliases[strings.ToLower(o.Column)] {
				resolved = o.Column
			} else {
				warnings = append(warnings, Warning{Message: fmt.Sprintf("dropped ORDER BY %q: %v", o.Column, err)})
				continue
			}
		}
		dir := ""
		if o.Descending {
			dir = " DESC"
		}
		parts = append(parts, quoteIdent(resolved)+dir)
	}
	return strings.Join(parts, ", "), warnings
}

func compileDateConstraint(col string, dc *DateConstraint) (string, string) {
	ident := quoteIdent(col)
	switch dc.Kind {
	case DateAbsolute:
		if dc.Value == "" {
			return "", fmt.Sprintf("dropped date_constraint on %q: absolute constraint missing value", col)
		}
		return fmt.Sprintf("%s = DATE '%s'", ident, dc.Value), ""
	case DateRange:
		if dc.Start == "" || dc.End == "" {
			return "", fmt.Sprintf("dropped date_constraint on %q: range constraint missing start/end", col)
		}
		return fmt.Sprintf("%s BETWEEN DATE '%s' AND DATE '%s'", ident, dc.Start, dc.End), ""
	case DateRelative:
		switch dc.Value {
		case RelativeToday:
			return fmt.Sprintf("%s = CURRENT_DATE", ident), ""
		case RelativeStartOfYear:
			return fmt.Sprintf("%s = DATE_TRUNC('year', CURRENT_DATE)", ident), ""
		case RelativeEndOfYear:
			return fmt.Sprintf("%s = (DATE_TRUNC('year', CURRENT_DATE) + INTERVAL '1 year' - INTERVAL '1 day')", ident), ""
		default:
			return "", fmt.Sprintf("dropped date_constraint on %q: unrecognized relative value %q", col, dc.Value)
		}
	default:
		return "", fmt.Sprintf("dropped date_constraint on %q: unrecognized kind %q", col, dc.Kind)
	}
}

// resolveTable resolves a table reference in the order spec.md §4.12
// names: exact match, case-insensitive substring, then entity/system
// scope (a bare entity or system name standing in for its one table).
func (c *Compiler) resolveTable(name string) (*metadata.Table, error) {
	if t, ok := c.store.TableByName(name); ok {
		return t, nil
	}
	lower := strings.ToLower(name)
	var substringMatches []*metadata.Table
	for i := range c.store.Tables {
		t := &c.store.Tables[i]
		if strings.Contains(strings.ToLower(t.Name), lower) {
			substringMatches = append(substringMatches, t)
		}
	}
	if len(substringMatches) == 1 {
		return substringMatches[0], nil
	}
	if len(substringMatches) > 1 {
		sort.Slice(substringMatches, func(i, j int) bool { return substringMatches[i].Name < substringMatches[j].Name })
		return substringMatches[0], nil
	}
	if tables := c.store.TablesByEntity(name); len(tables) > 0 {
		return tables[0], nil
	}
	if tables := c.store.TablesBySystem(name); len(tables) > 0 {
		return tables[0], nil
	}
	return nil, fmt.Errorf("unresolvable table reference %q", name)
}

// resolveColumnOn resolves name against table's own columns, via the same
// four-step order as resolveColumnAcross but scoped to a single table
// (used for JOIN ON clauses, which never span multiple tables per side).
func (c *Compiler) resolveColumnOn(table *metadata.Table, name string) (string, error) {
	return c.resolveColumnAcross(name, table, nil)
}

// resolveColumnAcross resolves a column reference against the base table
// first, then any joined tables, in the order spec.md §4.12 names: exact
// match, case-insensitive substring, identity alias (via
// metadata.Store.CanonicalColumn), entity/system scope.
func (c *Compiler) resolveColumnAcross(name string, table *metadata.Table, joinTables map[string]*metadata.Table) (string, error) {
	candidates := []*metadata.Table{table}
	for _, jt := range joinTables {
		candidates = append(candidates, jt)
	}
	for _, t := range candidates {
		if t.HasColumn(name) {
			return canonicalName(t, name), nil
		}
	}
	lower := strings.ToLower(name)
	for _, t := range candidates {
		for _, col := range t.Columns {
			if strings.Contains(strings.ToLower(col.Name), lower) {
				return col.Name, nil
			}
		}
	}
	for _, t := range candidates {
		canon := c.store.CanonicalColumn(t.Entity, name)
		if canon != name && t.HasColumn(canon) {
			return canonicalName(t, canon), nil
		}
	}
	for _, t := range candidates {
		for _, other := range c.store.TablesByEntity(t.Entity) {
			if other.HasColumn(name) {
				return name, nil
			}
		}
		for _, other := range c.store.TablesBySystem(t.System) {
			if other.HasColumn(name) {
				return name, nil
			}
		}
	}
	return "", fmt.Errorf("unresolvable column reference %q", name)
}

func canonicalName(t *metadata.Table, name string) string {
	for _, col := range t.Columns {
		if strings.EqualFold(col.Name, name) {
			return col.Name
		}
	}
	return name
}

func (c *Compiler) resolveColumnList(names []string, table *metadata.Table, joinTables map[string]*metadata.Table) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, n := range names {
		resolved, err := c.resolveColumnAcross(n, table, joinTables)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

func quoteIdent(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return name
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

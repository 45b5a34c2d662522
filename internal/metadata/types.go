// Package metadata is the Metadata Store (C1): it loads the fixed set of
// YAML documents describing entities, tables, metrics, rules, lineage,
// identity mappings, time rules, business labels, and exceptions, and
// builds the indices every later phase queries. Metadata is loaded once per
// process and is immutable thereafter (spec.md §3 "Lifecycles").
package metadata

// Entity is a logical business concept ("loan", "payment", "customer").
type Entity struct {
	ID         string   `yaml:"id" json:"id"`
	Grain      []string `yaml:"grain" json:"grain"`
	Attributes []string `yaml:"attributes" json:"attributes"`
}

// Column describes one physical table column. DistinctValues is populated
// lazily by PopulateDistinctValues, not by the YAML loader.
type Column struct {
	Name           string   `yaml:"name" json:"name"`
	DataType       string   `yaml:"data_type,omitempty" json:"data_type,omitempty"`
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	DistinctValues []string `yaml:"distinct_values,omitempty" json:"distinct_values,omitempty"`
}

// Table is a physical dataset: exactly one system, one entity.
type Table struct {
	Name       string   `yaml:"name" json:"name"`
	System     string   `yaml:"system" json:"system"`
	Entity     string   `yaml:"entity" json:"entity"`
	PrimaryKey []string `yaml:"primary_key" json:"primary_key"`
	TimeColumn string   `yaml:"time_column,omitempty" json:"time_column,omitempty"`
	Path       string   `yaml:"path" json:"path"`
	Columns    []Column `yaml:"columns" json:"columns"`
}

// ColumnNames returns the table's column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether the table declares column name (case-insensitive,
// per spec.md §6 "all equality comparisons on string keys are
// case-insensitive").
func (t Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if equalFold(c.Name, name) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// NullPolicy governs how a Metric treats null values during diffing.
type NullPolicy string

const (
	NullPolicyZero  NullPolicy = "zero"
	NullPolicySkip  NullPolicy = "skip"
	NullPolicyError NullPolicy = "error"
)

// Metric is the semantic descriptor a Rule computes. Precision defines the
// equality tolerance for diffing: tolerance = 10^(-precision).
type Metric struct {
	ID         string     `yaml:"id" json:"id"`
	Grain      []string   `yaml:"grain" json:"grain"`
	Precision  int        `yaml:"precision" json:"precision"`
	NullPolicy NullPolicy `yaml:"null_policy" json:"null_policy"`
	Unit       string     `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// Tolerance returns 10^(-precision), the maximum |delta| still classified
// as a match (spec.md §8 boundary behavior).
func (m Metric) Tolerance() float64 {
	tol := 1.0
	for i := 0; i < m.Precision; i++ {
		tol /= 10
	}
	return tol
}

// Rule is a declarative metric computation: the source of a Rule Compiler
// pipeline (spec.md §4.5).
type Rule struct {
	ID               string            `yaml:"id" json:"id"`
	System           string            `yaml:"system" json:"system"`
	Metric           string            `yaml:"metric" json:"metric"`
	TargetEntity     string            `yaml:"target_entity" json:"target_entity"`
	TargetGrain      []string          `yaml:"target_grain" json:"target_grain"`
	Formula          string            `yaml:"formula" json:"formula"`
	SourceEntities   []string          `yaml:"source_entities" json:"source_entities"`
	AggregationGrain []string          `yaml:"aggregation_grain" json:"aggregation_grain"`
	SourceTable      string            `yaml:"source_table,omitempty" json:"source_table,omitempty"`
	FilterConditions map[string]string `yaml:"filter_conditions,omitempty" json:"filter_conditions,omitempty"`
}

// Relationship is a LineageEdge's cardinality, which determines default join
// semantics (spec.md §4.5 step 2).
type Relationship string

const (
	OneToOne   Relationship = "one_to_one"
	OneToMany  Relationship = "one_to_many"
	ManyToOne  Relationship = "many_to_one"
	ManyToMany Relationship = "many_to_many"
)

// LineageEdge is a directed table-to-table foreign key relationship.
type LineageEdge struct {
	From         string            `yaml:"from" json:"from"`
	To           string            `yaml:"to" json:"to"`
	Keys         map[string]string `yaml:"keys" json:"keys"`
	Relationship Relationship      `yaml:"relationship" json:"relationship"`
}

// TimeRule governs how as_of_date filtering is applied to a table during
// rule compilation (spec.md §4.5 step 5).
type TimeRule struct {
	Table      string `yaml:"table" json:"table"`
	TimeColumn string `yaml:"time_column" json:"time_column"`
	// DefaultFilter, when non-empty, overrides the default "time_column ==
	// as_of_date" equality filter (e.g. a snapshot table using "<=").
	DefaultFilter string `yaml:"default_filter,omitempty" json:"default_filter,omitempty"`
}

// IdentityMapping is one alternate-key alias for an entity's canonical grain
// column ([EXPANSION], SPEC_FULL.md §3).
type IdentityMapping struct {
	Entity           string `yaml:"entity" json:"entity"`
	AlternateColumn  string `yaml:"alternate_column" json:"alternate_column"`
	CanonicalColumn  string `yaml:"canonical_column" json:"canonical_column"`
}

// BusinessLabels holds system and metric aliases an LLM or a user may use in
// place of canonical ids ([EXPANSION], SPEC_FULL.md §3).
type BusinessLabels struct {
	SystemAliases map[string]string `yaml:"system_aliases" json:"system_aliases"`
	MetricAliases map[string]string `yaml:"metric_aliases" json:"metric_aliases"`
}

// ExceptionRecord is a known, explained grain-value mismatch the Grain Diff
// Engine suppresses from top_differences ([EXPANSION], SPEC_FULL.md §3).
type ExceptionRecord struct {
	Entity    string `yaml:"entity" json:"entity"`
	GrainValue string `yaml:"grain_value" json:"grain_value"`
	Reason    string `yaml:"reason" json:"reason"`
}

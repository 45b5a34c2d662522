package rulecompiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconcilio/rcaengine/internal/graph"
	"github.com/reconcilio/rcaengine/internal/metadata"
	"github.com/reconcilio/rcaengine/internal/runtime"
)

func buildStore(t *testing.T) *metadata.Store {
	t.Helper()

	entities := []metadata.Entity{
		{ID: "loan", Grain: []string{"loan_id"}},
		{ID: "customer", Grain: []string{"customer_id"}},
	}
	tables := []metadata.Table{
		{
			Name: "loans_summary", System: "system_a", Entity: "loan",
			PrimaryKey: []string{"loan_id"}, Path: "loans_summary.csv", TimeColumn: "as_of_date",
			Columns: []metadata.Column{{Name: "loan_id"}, {Name: "customer_id"}, {Name: "amount", DataType: "float"}, {Name: "as_of_date"}},
		},
		{
			Name: "customers", System: "system_a", Entity: "customer",
			PrimaryKey: []string{"customer_id"}, Path: "customers.csv",
			Columns: []metadata.Column{{Name: "customer_id"}, {Name: "region"}},
		},
		{
			Name: "loan_installments", System: "system_a", Entity: "loan",
			PrimaryKey: []string{"loan_id", "installment_no", "due_date"}, Path: "installments.csv",
			Columns: []metadata.Column{{Name: "loan_id"}, {Name: "installment_no"}, {Name: "due_date"}, {Name: "amount", DataType: "float"}},
		},
	}
	metrics := []metadata.Metric{
		{ID: "total_outstanding", Grain: []string{"loan_id"}, Precision: 2, NullPolicy: metadata.NullPolicyZero},
	}
	rules := []metadata.Rule{
		{
			ID: "rule_direct", System: "system_a", Metric: "total_outstanding",
			TargetEntity: "loan", TargetGrain: []string{"loan_id"},
			Formula: "amount", SourceEntities: []string{"loan"}, AggregationGrain: []string{"loan_id"},
		},
		{
			ID: "rule_agg", System: "system_a", Metric: "total_outstanding",
			TargetEntity: "loan", TargetGrain: []string{"loan_id"},
			Formula: "SUM(amount)", SourceEntities: []string{"loan"}, AggregationGrain: []string{"loan_id"},
		},
		{
			ID: "rule_joined", System: "system_a", Metric: "total_outstanding",
			TargetEntity: "loan", TargetGrain: []string{"loan_id"},
			Formula: "COALESCE(amount, 0)", SourceEntities: []string{"loan", "customer"}, AggregationGrain: []string{"loan_id"},
		},
	}
	lineage := []metadata.LineageEdge{
		{From: "loans_summary", To: "customers", Keys: map[string]string{"customer_id": "customer_id"}, Relationship: metadata.ManyToOne},
	}
	timeRules := []metadata.TimeRule{
		{Table: "loans_summary", TimeColumn: "as_of_date"},
	}

	store, err := metadata.NewStoreForTest(entities, tables, metrics, rules, lineage, timeRules, nil, metadata.BusinessLabels{}, nil)
	require.NoError(t, err)
	return store
}

func TestCompile_DirectFormulaNoAggregation(t *testing.T) {
	store := buildStore(t)
	kg := graph.Build(store)
	c := New(store, kg)

	rule, ok := store.RuleByID("rule_direct")
	require.True(t, ok)

	pipeline, err := c.Compile(rule, []string{"loan_id"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, pipeline)

	scan, ok := pipeline[0].(ScanOp)
	require.True(t, ok)
	assert.Equal(t, "loans_summary", scan.Table)

	last, ok := pipeline[len(pipeline)-1].(SelectOp)
	require.True(t, ok)
	assert.Contains(t, last.Columns, "loan_id")
	assert.Contains(t, last.Columns, "total_outstanding")
}

func TestCompile_AggregationFormulaEmitsDeriveThenGroup(t *testing.T) {
	store := buildStore(t)
	kg := graph.Build(store)
	c := New(store, kg)

	rule, ok := store.RuleByID("rule_agg")
	require.True(t, ok)

	pipeline, err := c.Compile(rule, []string{"loan_id"}, "")
	require.NoError(t, err)

	var sawDerive, sawGroup bool
	var groupIdx, deriveIdx int
	for i, op := range pipeline {
		switch o := op.(type) {
		case DeriveOp:
			sawDerive = true
			deriveIdx = i
			assert.Equal(t, "computed_value", o.As)
		case GroupOp:
			sawGroup = true
			groupIdx = i
			agg, ok := o.Agg["total_outstanding"]
			require.True(t, ok)
			assert.Equal(t, runtime.AggSum, agg.Func)
			assert.Equal(t, "computed_value", agg.Column)
		}
	}
	require.True(t, sawDerive, "expected a Derive op for the aggregated formula")
	require.True(t, sawGroup, "expected a Group op after the derive")
	assert.Less(t, deriveIdx, groupIdx)
}

func TestCompile_AsOfDateFiltersTimeColumnTable(t *testing.T) {
	store := buildStore(t)
	kg := graph.Build(store)
	c := New(store, kg)

	rule, ok := store.RuleByID("rule_direct")
	require.True(t, ok)

	pipeline, err := c.Compile(rule, []string{"loan_id"}, "2026-07-30")
	require.NoError(t, err)

	var found bool
	for _, op := range pipeline {
		if f, ok := op.(FilterOp); ok {
			for _, p := range f.Predicates {
				if p.Column == "as_of_date" {
					found = true
					assert.Equal(t, runtime.OpEq, p.Op)
					assert.Equal(t, "2026-07-30", p.Value)
				}
			}
		}
	}
	assert.True(t, found, "expected an as-of-date filter on loans_summary")
}

func TestCompile_JoinedSourceEmitsJoinOp(t *testing.T) {
	store := buildStore(t)
	kg := graph.Build(store)
	c := New(store, kg)

	rule, ok := store.RuleByID("rule_joined")
	require.True(t, ok)

	pipeline, err := c.Compile(rule, []string{"loan_id"}, "")
	require.NoError(t, err)

	var sawJoin bool
	for _, op := range pipeline {
		if j, ok := op.(JoinOp); ok {
			sawJoin = true
			assert.Equal(t, "customers", j.Table)
			assert.Equal(t, runtime.JoinInner, j.Type)
		}
	}
	assert.True(t, sawJoin, "expected a Join op bringing in the customer entity")
}

func TestTableNeedsAggregation_ExtraKeyColumns(t *testing.T) {
	t.Run("two or more extra columns always triggers aggregation", func(t *testing.T) {
		table := &metadata.Table{PrimaryKey: []string{"loan_id", "installment_no", "due_date"}}
		assert.True(t, tableNeedsAggregation(table, []string{"loan_id"}))
	})
	t.Run("one extra date-like column triggers aggregation", func(t *testing.T) {
		table := &metadata.Table{PrimaryKey: []string{"loan_id", "snapshot_date"}}
		assert.True(t, tableNeedsAggregation(table, []string{"loan_id"}))
	})
	t.Run("one extra non-date column does not trigger aggregation", func(t *testing.T) {
		table := &metadata.Table{PrimaryKey: []string{"loan_id", "currency"}}
		assert.False(t, tableNeedsAggregation(table, []string{"loan_id"}))
	})
	t.Run("equal grain never triggers aggregation", func(t *testing.T) {
		table := &metadata.Table{PrimaryKey: []string{"loan_id"}}
		assert.False(t, tableNeedsAggregation(table, []string{"loan_id"}))
	})
}

func TestParseFormula_RejectsDisallowedCall(t *testing.T) {
	_, err := parseFormula("UPPER(region)")
	require.Error(t, err)
}

func TestParseFormula_NestedArithmetic(t *testing.T) {
	pf, err := parseFormula("(amount - fees) * 1.05")
	require.NoError(t, err)
	assert.Nil(t, pf.Agg)
	bin, ok := pf.Inner.(runtime.BinaryOp)
	require.True(t, ok)
	assert.Equal(t, byte('*'), bin.Op)
}

func TestParseFormula_Coalesce(t *testing.T) {
	pf, err := parseFormula("COALESCE(amount, 0)")
	require.NoError(t, err)
	_, ok := pf.Inner.(runtime.Coalesce)
	assert.True(t, ok)
}

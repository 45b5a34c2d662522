package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconcilio/rcaengine/internal/apperrors"
	"github.com/reconcilio/rcaengine/internal/metadata"
)

func fixtureStore(t *testing.T) *metadata.Store {
	t.Helper()

	entities := []metadata.Entity{
		{ID: "loan", Grain: []string{"loan_id"}},
		{ID: "customer", Grain: []string{"customer_id"}},
	}
	tables := []metadata.Table{
		{
			Name: "loans", System: "system_a", Entity: "loan",
			PrimaryKey: []string{"loan_id"}, Path: "loans.csv",
			Columns: []metadata.Column{
				{Name: "loan_id"},
				{Name: "customer_id"},
				{Name: "status", DistinctValues: []string{"Active", "Closed", "Delinquent"}},
			},
		},
		{
			Name: "customers", System: "system_a", Entity: "customer",
			PrimaryKey: []string{"customer_id"}, Path: "customers.csv",
			Columns: []metadata.Column{
				{Name: "customer_id"},
				{Name: "region", DistinctValues: []string{"west", "east"}},
			},
		},
		{
			Name: "orphan_table", System: "system_b", Entity: "loan",
			PrimaryKey: []string{"loan_id"}, Path: "orphan.csv",
			Columns: []metadata.Column{{Name: "loan_id"}},
		},
	}
	metrics := []metadata.Metric{
		{ID: "total_outstanding", Grain: []string{"loan_id"}, Precision: 2, NullPolicy: metadata.NullPolicyZero},
	}
	rules := []metadata.Rule{
		{
			ID: "rule_1", System: "system_a", Metric: "total_outstanding",
			TargetEntity: "loan", TargetGrain: []string{"loan_id"},
			Formula: "amount", SourceEntities: []string{"loan"},
			AggregationGrain: []string{"loan_id"},
		},
	}
	lineage := []metadata.LineageEdge{
		{From: "loans", To: "customers", Keys: map[string]string{"customer_id": "customer_id"}, Relationship: metadata.ManyToOne},
	}

	store, err := metadata.NewStoreForTest(entities, tables, metrics, rules, lineage, nil, nil, metadata.BusinessLabels{}, nil)
	require.NoError(t, err)
	return store
}

func TestBuild_FindJoinPath_Success(t *testing.T) {
	g := Build(fixtureStore(t))

	path, err := g.FindJoinPath("loans", "customers")
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, "loans", path[0].From.Name)
	assert.Equal(t, "customers", path[0].To.Name)
	assert.Equal(t, map[string]string{"customer_id": "customer_id"}, path[0].Keys)
}

func TestBuild_FindJoinPath_Reverse(t *testing.T) {
	g := Build(fixtureStore(t))

	path, err := g.FindJoinPath("customers", "loans")
	require.NoError(t, err)
	require.Len(t, path, 1)
	assert.Equal(t, "customers", path[0].From.Name)
	assert.Equal(t, "loans", path[0].To.Name)
}

func TestBuild_FindJoinPath_SameTable(t *testing.T) {
	g := Build(fixtureStore(t))

	path, err := g.FindJoinPath("loans", "loans")
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestBuild_FindJoinPath_NoPath(t *testing.T) {
	g := Build(fixtureStore(t))

	_, err := g.FindJoinPath("loans", "orphan_table")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNoJoinPath))
}

func TestBuild_FindColumnsWithValue(t *testing.T) {
	g := Build(fixtureStore(t))

	matches := g.FindColumnsWithValue("delin", "")
	require.Len(t, matches, 1)
	assert.Equal(t, "loans", matches[0].Table)
	assert.Equal(t, "status", matches[0].Column)
	assert.Equal(t, "Delinquent", matches[0].Value)
}

func TestBuild_FindColumnsWithValue_ScopedToSystem(t *testing.T) {
	g := Build(fixtureStore(t))

	matches := g.FindColumnsWithValue("west", "system_a")
	require.Len(t, matches, 1)
	assert.Equal(t, "customers", matches[0].Table)

	none := g.FindColumnsWithValue("west", "system_b")
	assert.Empty(t, none)
}

func TestBuild_FindConnectedComponents(t *testing.T) {
	g := Build(fixtureStore(t))

	components, islands := g.FindConnectedComponents()
	require.Len(t, components, 1)
	assert.ElementsMatch(t, []string{"loans", "customers"}, components[0].Tables)
	assert.Equal(t, []string{"orphan_table"}, islands)
}

func TestBuild_WhichComponent(t *testing.T) {
	g := Build(fixtureStore(t))

	assert.ElementsMatch(t, []string{"loans", "customers"}, g.WhichComponent("loans"))
	assert.Equal(t, []string{"orphan_table"}, g.WhichComponent("orphan_table"))
}

func TestResolveMetricSources(t *testing.T) {
	store := fixtureStore(t)
	g := Build(store)

	rules := g.ResolveMetricSources(store, "total_outstanding", "system_a")
	require.Len(t, rules, 1)
	assert.Equal(t, "rule_1", rules[0].ID)
}

package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconcilio/rcaengine/internal/apperrors"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func writeValidFixtureSet(t *testing.T, dir string) {
	t.Helper()
	writeFile(t, dir, "entities.yaml", `
- id: loan
  grain: [loan_id]
  attributes: [amount]
- id: customer
  grain: [customer_id]
  attributes: [name]
`)
	writeFile(t, dir, "tables.yaml", `
- name: loans
  system: system_a
  entity: loan
  primary_key: [loan_id]
  path: loans.csv
  columns:
    - name: loan_id
    - name: amount
- name: customers
  system: system_a
  entity: customer
  primary_key: [customer_id]
  path: customers.csv
  columns:
    - name: customer_id
`)
	writeFile(t, dir, "metrics.yaml", `
- id: total_outstanding
  grain: [loan_id]
  precision: 2
  null_policy: zero
`)
	writeFile(t, dir, "rules.yaml", `
- id: rule_1
  system: system_a
  metric: total_outstanding
  target_entity: loan
  target_grain: [loan_id]
  formula: "amount"
  source_entities: [loan]
  aggregation_grain: [loan_id]
`)
}

func TestLoad_ValidFixtureSet(t *testing.T) {
	dir := t.TempDir()
	writeValidFixtureSet(t, dir)

	store, err := Load(dir)
	require.NoError(t, err)

	tbl, ok := store.TableByName("loans")
	require.True(t, ok)
	assert.Equal(t, "loan", tbl.Entity)

	rules := store.RulesFor("system_a", "total_outstanding")
	require.Len(t, rules, 1)
	assert.Equal(t, "rule_1", rules[0].ID)

	_, ok = store.EntityByID("customer")
	assert.True(t, ok)
}

func TestLoad_MissingRequiredDocument(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindMetadata, apperrors.KindOf(err))
}

func TestLoad_RuleWithUnknownSourceEntityFails(t *testing.T) {
	dir := t.TempDir()
	writeValidFixtureSet(t, dir)
	writeFile(t, dir, "rules.yaml", `
- id: rule_bad
  system: system_a
  metric: total_outstanding
  target_entity: loan
  target_grain: [loan_id]
  formula: "amount"
  source_entities: [nonexistent_entity]
  aggregation_grain: [loan_id]
`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindMetadata, apperrors.KindOf(err))
}

func TestMetric_Tolerance(t *testing.T) {
	m := Metric{Precision: 2}
	assert.InDelta(t, 0.01, m.Tolerance(), 1e-12)

	m0 := Metric{Precision: 0}
	assert.InDelta(t, 1.0, m0.Tolerance(), 1e-12)
}

func TestStore_CanonicalColumn(t *testing.T) {
	dir := t.TempDir()
	writeValidFixtureSet(t, dir)
	writeFile(t, dir, "identity.yaml", `
- entity: customer
  alternate_column: cust_id
  canonical_column: customer_id
`)

	store, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "customer_id", store.CanonicalColumn("customer", "cust_id"))
	assert.Equal(t, "other_col", store.CanonicalColumn("customer", "other_col"))
}

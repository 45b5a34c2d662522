// Package testfixtures provides in-memory metadata and on-disk CSV
// fixtures shared across packages' tests, grounded on the two-system
// loan-reconciliation shape used throughout this engine's scenario tests
// (system_a/system_b, metric total_outstanding, grain loan_id). It exists
// so end-to-end tests (cmd/rcaengine) and package tests needing a
// populated metadata.Store plus a runnable memruntime.Runtime don't each
// hand-roll their own.
package testfixtures

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconcilio/rcaengine/internal/metadata"
	"github.com/reconcilio/rcaengine/internal/runtime/memruntime"
)

// LoanReconciliationStore builds the metadata.Store for the two-system
// loan reconciliation scenario: system_a and system_b each expose a loans
// table (system_a_loans, system_b_loans) over the loan entity, computing total_outstanding
// at loan_id grain.
func LoanReconciliationStore(t testing.TB) *metadata.Store {
	t.Helper()

	entities := []metadata.Entity{
		{ID: "loan", Grain: []string{"loan_id"}, Attributes: []string{"customer_id", "amount"}},
	}
	tables := []metadata.Table{
		{
			Name: "system_a_loans", System: "system_a", Entity: "loan",
			PrimaryKey: []string{"loan_id"}, Path: "system_a_loans.csv", TimeColumn: "as_of_date",
			Columns: []metadata.Column{
				{Name: "loan_id"}, {Name: "amount", DataType: "float"}, {Name: "as_of_date"},
			},
		},
		{
			Name: "system_b_loans", System: "system_b", Entity: "loan",
			PrimaryKey: []string{"loan_id"}, Path: "system_b_loans.csv", TimeColumn: "as_of_date",
			Columns: []metadata.Column{
				{Name: "loan_id"}, {Name: "amount", DataType: "float"}, {Name: "as_of_date"},
			},
		},
	}
	metrics := []metadata.Metric{
		{ID: "total_outstanding", Grain: []string{"loan_id"}, Precision: 2, NullPolicy: metadata.NullPolicyZero},
	}
	rules := []metadata.Rule{
		{
			ID: "system_a_total_outstanding", System: "system_a", Metric: "total_outstanding",
			TargetEntity: "loan", TargetGrain: []string{"loan_id"},
			Formula: "amount", SourceEntities: []string{"loan"}, AggregationGrain: []string{"loan_id"},
		},
		{
			ID: "system_b_total_outstanding", System: "system_b", Metric: "total_outstanding",
			TargetEntity: "loan", TargetGrain: []string{"loan_id"},
			Formula: "amount", SourceEntities: []string{"loan"}, AggregationGrain: []string{"loan_id"},
		},
	}
	timeRules := []metadata.TimeRule{
		{Table: "system_a_loans", TimeColumn: "as_of_date"},
		{Table: "system_b_loans", TimeColumn: "as_of_date"},
	}

	store, err := metadata.NewStoreForTest(entities, tables, metrics, rules, nil, timeRules, nil, metadata.BusinessLabels{}, nil)
	require.NoError(t, err)
	return store
}

// Row is one CSV data row keyed by column name.
type Row map[string]string

// WriteCSV writes rows under columns to dir/name and returns the file's
// full path.
func WriteCSV(t testing.TB, dir, name string, columns []string, rows []Row) string {
	t.Helper()

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := csv.NewWriter(f)
	require.NoError(t, w.Write(columns))
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			record[i] = row[col]
		}
		require.NoError(t, w.Write(record))
	}
	w.Flush()
	require.NoError(t, w.Error())
	return path
}

// LoanRows builds Rows for system_a_loans/system_b_loans from a
// loan_id -> amount map, stamping every row with asOfDate.
func LoanRows(amounts map[string]float64, asOfDate string) []Row {
	rows := make([]Row, 0, len(amounts))
	for loanID, amount := range amounts {
		rows = append(rows, Row{
			"loan_id":    loanID,
			"amount":     strconv.FormatFloat(amount, 'f', 2, 64),
			"as_of_date": asOfDate,
		})
	}
	return rows
}

// NewMemRuntime returns a memruntime.Runtime rooted at a fresh temp
// directory, for tests that need a real runtime.Runtime over fixture CSVs.
func NewMemRuntime(t testing.TB) (*memruntime.Runtime, string) {
	t.Helper()
	dir := t.TempDir()
	return memruntime.New(dir), dir
}

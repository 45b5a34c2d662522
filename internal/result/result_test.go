package result

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/reconcilio/rcaengine/internal/diffengine"
)

func TestAssemble_Clean(t *testing.T) {
	diff := &diffengine.Result{
		Summary: diffengine.Summary{TotalGrainUnits: 10, MismatchCount: 2, TopK: 5},
		TopDifferences: []diffengine.GrainDifference{
			{GrainValue: []string{"L1"}, Impact: 10},
		},
	}
	a := New()
	got := a.Assemble(Input{Grain: []string{"loan_id"}, DiffResult: diff, Confidence: 0.9, TraceID: "req-1"})

	assert.Equal(t, "loan_id", got.GrainKey)
	assert.Equal(t, 0.9, got.Confidence)
	assert.False(t, got.PartialResult)
	assert.Equal(t, "req-1", got.TraceID)
	assert.Equal(t, 10, got.Summary.TotalGrainUnits)
}

func TestAssemble_RecoverableErrorDowngradesConfidence(t *testing.T) {
	a := New()
	got := a.Assemble(Input{
		Grain:          []string{"loan_id"},
		Confidence:     0.95,
		RecoverableErr: errors.New("resource budget exceeded"),
	})
	assert.True(t, got.PartialResult)
	assert.LessOrEqual(t, got.Confidence, 0.5)
	assert.NotEmpty(t, got.DegradedReason)
}

func TestAssemble_RecoverableErrorNeverRaisesConfidence(t *testing.T) {
	a := New()
	got := a.Assemble(Input{
		Grain:          []string{"loan_id"},
		Confidence:     0.2,
		RecoverableErr: errors.New("attribution failed"),
	})
	assert.Equal(t, 0.2, got.Confidence)
}

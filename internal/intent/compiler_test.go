package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconcilio/rcaengine/internal/llm"
)

func sequencedClient(responses ...string) *llm.MockLLMClient {
	client := llm.NewMockLLMClient()
	i := 0
	client.GenerateResponseFunc = func(_ context.Context, _ string, _ string, _ float64, _ bool) (*llm.GenerateResponseResult, error) {
		r := responses[i]
		if i < len(responses)-1 {
			i++
		}
		return &llm.GenerateResponseResult{Content: r}, nil
	}
	return client
}

func TestCompileWithClarification_GatePasses(t *testing.T) {
	client := sequencedClient(
		`{"confidence": 0.9, "missing_pieces": [], "partial_intent": {}}`,
		`{"task_type":"RCA","target_metrics":["total_outstanding"],"systems":["a","b"],"grain":["loan_id"]}`,
	)
	c := New(client, DefaultConfig(), nil)

	result, err := c.CompileWithClarification(context.Background(), "compare total outstanding between a and b")
	require.NoError(t, err)
	require.True(t, result.Succeeded())
	assert.Equal(t, TaskRCA, result.Spec.TaskType)
	assert.Equal(t, []string{"a", "b"}, result.Spec.Systems)
}

func TestCompileWithClarification_GateFailsReturnsClarification(t *testing.T) {
	client := sequencedClient(
		`{"confidence": 0.3, "missing_pieces": [{"field":"systems","description":"Which systems?","importance":"required"}], "partial_intent": {"task_type":"RCA"}}`,
	)
	c := New(client, DefaultConfig(), nil)

	result, err := c.CompileWithClarification(context.Background(), "reconcile the numbers")
	require.NoError(t, err)
	require.True(t, result.NeedsClarification())
	assert.Contains(t, result.Clarification.Question, "Which systems?")
	assert.Equal(t, TaskRCA, result.Clarification.PartialIntent.TaskType)
}

func TestCompileWithAnswer_BypassesGate(t *testing.T) {
	client := sequencedClient(
		`{"task_type":"DV","validation_constraint":{"constraint_type":"range","description":"amount must be positive"},"grain":["loan_id"]}`,
	)
	c := New(client, DefaultConfig(), nil)

	result, err := c.CompileWithAnswer(context.Background(), "validate loan amounts", "system_a")
	require.NoError(t, err)
	require.True(t, result.Succeeded())
	assert.Equal(t, TaskDV, result.Spec.TaskType)
}

func TestCompile_RetriesOnInvalidSpecThenSucceeds(t *testing.T) {
	client := sequencedClient(
		`{"confidence": 0.95, "missing_pieces": [], "partial_intent": {}}`,
		`{"task_type":"RCA","grain":["loan_id"]}`, // missing systems/target_metrics -> invalid
		`{"task_type":"RCA","target_metrics":["m"],"systems":["a","b"],"grain":["loan_id"]}`,
	)
	c := New(client, Config{ConfidenceThreshold: 0.7, MaxRetries: 3}, nil)

	result, err := c.CompileWithClarification(context.Background(), "x")
	require.NoError(t, err)
	require.True(t, result.Succeeded())
}

func TestCompile_ExhaustsRetriesReturnsFailed(t *testing.T) {
	client := sequencedClient(
		`{"confidence": 0.95, "missing_pieces": [], "partial_intent": {}}`,
		`not json at all`,
	)
	c := New(client, Config{ConfidenceThreshold: 0.7, MaxRetries: 2}, nil)

	result, err := c.CompileWithClarification(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.NotEmpty(t, result.FailedReason)
}

func TestValidate_DVRequiresValidationConstraint(t *testing.T) {
	err := validate(IntentSpec{TaskType: TaskDV, Grain: []string{"loan_id"}})
	assert.Error(t, err)
}

func TestValidate_GrainMustBeNonEmpty(t *testing.T) {
	err := validate(IntentSpec{TaskType: TaskRCA, Systems: []string{"a", "b"}, TargetMetrics: []string{"m"}})
	assert.Error(t, err)
}

func TestConstraintSpec_StringValue_NormalizesScalarDrift(t *testing.T) {
	assert.Equal(t, "5000", ConstraintSpec{Value: []byte(`5000`)}.StringValue())
	assert.Equal(t, "5000", ConstraintSpec{Value: []byte(`"5000"`)}.StringValue())
	assert.Equal(t, "MSME", ConstraintSpec{Value: []byte(`"MSME"`)}.StringValue())
	assert.Equal(t, "", ConstraintSpec{}.StringValue())
}

func TestCompileLegacy_SkipsGate(t *testing.T) {
	client := sequencedClient(
		`{"task_type":"RCA","target_metrics":["m"],"systems":["a","b"],"grain":["loan_id"]}`,
	)
	c := New(client, DefaultConfig(), nil)

	result, err := c.compileLegacy(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 1, len(client.GenerateResponseCalls))
}

package formatter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reconcilio/rcaengine/internal/diffengine"
	"github.com/reconcilio/rcaengine/internal/llm"
	"github.com/reconcilio/rcaengine/internal/result"
)

type stubClient struct {
	content string
	err     error
}

func (s *stubClient) GenerateResponse(ctx context.Context, prompt, systemMessage string, temperature float64, thinking bool) (*llm.GenerateResponseResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.GenerateResponseResult{Content: s.content}, nil
}
func (s *stubClient) GetModel() string    { return "stub" }
func (s *stubClient) GetEndpoint() string { return "stub://" }

func sampleResult() result.RCAResult {
	return result.RCAResult{
		Grain:    []string{"loan_id"},
		GrainKey: "loan_id",
		Summary: result.Summary{
			TotalGrainUnits: 10, MismatchCount: 2, AggregateDifference: 15.0,
		},
		TopDifferences: []diffengine.GrainDifference{{GrainValue: []string{"L1"}, Impact: 10}},
		Confidence:     0.9,
	}
}

func TestFormat_NilClientUsesDeterministicTemplate(t *testing.T) {
	f := New(nil, zap.NewNop())
	out, err := f.Format(context.Background(), sampleResult(), "why do loans mismatch?")
	require.NoError(t, err)
	assert.Equal(t, FormatSummary, out.DisplayFormat)
	assert.GreaterOrEqual(t, len(out.DisplayContent), 10)
	assert.NotEmpty(t, out.KeyGrainUnits)
}

func TestFormat_ValidLLMResponseIsUsedAsIs(t *testing.T) {
	client := &stubClient{content: `{"display_format":"narrative","display_content":"` +
		`This is a sufficiently long narrative explanation of the reconciliation result for the audience.` +
		`","key_grain_units":["L1"]}`}
	f := New(client, zap.NewNop())
	out, err := f.Format(context.Background(), sampleResult(), "")
	require.NoError(t, err)
	assert.Equal(t, FormatNarrative, out.DisplayFormat)
}

func TestFormat_ShortDisplayContentFallsBack(t *testing.T) {
	client := &stubClient{content: `{"display_format":"summary","display_content":"too short"}`}
	f := New(client, zap.NewNop())
	out, err := f.Format(context.Background(), sampleResult(), "")
	require.Error(t, err)
	assert.Equal(t, FormatSummary, out.DisplayFormat)
	assert.GreaterOrEqual(t, len(out.DisplayContent), 10)
}

func TestFormat_GrainFocusedRequiresKeyGrainUnits(t *testing.T) {
	client := &stubClient{content: `{"display_format":"grain_focused","display_content":"0123456789"}`}
	f := New(client, zap.NewNop())
	_, err := f.Format(context.Background(), sampleResult(), "")
	require.Error(t, err)
}

func TestFormat_LLMErrorFallsBack(t *testing.T) {
	client := &stubClient{err: errors.New("endpoint down")}
	f := New(client, zap.NewNop())
	out, err := f.Format(context.Background(), sampleResult(), "")
	require.Error(t, err)
	assert.Equal(t, FormatSummary, out.DisplayFormat)
}

func TestFormat_UnparsableResponseFallsBack(t *testing.T) {
	client := &stubClient{content: "not json at all"}
	f := New(client, zap.NewNop())
	out, err := f.Format(context.Background(), sampleResult(), "")
	require.Error(t, err)
	assert.Equal(t, FormatSummary, out.DisplayFormat)
}

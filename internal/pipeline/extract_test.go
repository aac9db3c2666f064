package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlens/kpiflow/internal/model"
)

func TestParseFindings_Valid(t *testing.T) {
	t.Parallel()

	params := testAnalysis("a-1").Params
	findings, err := parseFindings(validFindingsJSON, params, []string{"revenue", "ebitda"})
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "4200000000", findings["revenue"].Value)
	assert.Equal(t, "EUR", findings["revenue"].Currency)
	assert.Equal(t, 1, findings["revenue"].SourcePage)
}

func TestParseFindings_ToleratesMarkdownFences(t *testing.T) {
	t.Parallel()

	raw := "Here are the extracted values:\n```json\n" + validFindingsJSON + "\n```\n"
	params := testAnalysis("a-1").Params
	findings, err := parseFindings(raw, params, []string{"revenue", "ebitda"})
	require.NoError(t, err)
	assert.Len(t, findings, 2)
}

func TestParseFindings_RejectsSchemaViolations(t *testing.T) {
	t.Parallel()
	params := testAnalysis("a-1").Params
	kpis := []string{"revenue"}

	tests := []struct {
		name string
		raw  string
	}{
		{"no json", "the document reports revenue of 4.2bn"},
		{"not an object", `[1, 2, 3]`},
		{"unrequested kpi", `{"headcount": {"value": "1200", "confidence": 0.9}}`},
		{"empty value", `{"revenue": {"value": "", "confidence": 0.9}}`},
		{"confidence above one", `{"revenue": {"value": "4200", "confidence": 1.4}}`},
		{"negative confidence", `{"revenue": {"value": "4200", "confidence": -0.1}}`},
		{"unknown detail level", `{"revenue": {"value": "4200", "confidence": 0.9, "detail_level": "galaxy"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseFindings(tt.raw, params, kpis)
			assert.Error(t, err)
		})
	}
}

func TestParseFindings_DetailLevelsUncheckedWhenNoneRequested(t *testing.T) {
	t.Parallel()

	params := model.AnalysisParams{KPIs: []string{"revenue"}}
	findings, err := parseFindings(
		`{"revenue": {"value": "4200", "confidence": 0.9, "detail_level": "anything"}}`,
		params, []string{"revenue"},
	)
	require.NoError(t, err)
	assert.Equal(t, "anything", findings["revenue"].DetailLevel)
}

func TestExtractStage_ZeroContextShortCircuits(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	ctx := context.Background()

	a := testAnalysis("a-1")
	a.ExpectedDocuments = 2
	require.NoError(t, env.store.CreateAnalysis(ctx, a))
	doc := seedDocument(t, env, "a-1", model.DocStageRetrieved)

	// Empty retrieval contexts for every KPI: extraction must not call the
	// model at all.
	for _, kpi := range a.Params.KPIs {
		require.NoError(t, env.store.SaveRetrievalContext(ctx, model.RetrievalContext{
			DocumentID: doc.ID, KPIName: kpi, Chunks: nil,
		}))
	}

	stage := env.pipeline.executors[model.StageExtract]
	require.NoError(t, stage.execute(ctx, a, doc))
	assert.Zero(t, env.llm.calls.Load())

	responses, err := env.store.ListKPIResponses(ctx, "a-1")
	require.NoError(t, err)
	require.Len(t, responses, 1)
	for _, kpi := range a.Params.KPIs {
		f, ok := responses[0].Findings[kpi]
		require.True(t, ok)
		assert.True(t, f.NoEvidence)
	}
}

func TestExtractStage_SchemaViolationsExhaustRetryBudget(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	env.llm.response = "no structured data here"
	ctx := context.Background()

	a := testAnalysis("a-1")
	a.ExpectedDocuments = 1
	require.NoError(t, env.store.CreateAnalysis(ctx, a))
	doc := seedDocument(t, env, "a-1", model.DocStageRetrieved)

	chunks := []model.Chunk{{
		ID: "c-1", DocumentID: doc.ID, Position: 0, Page: 1,
		Text: "Revenue grew 12% to EUR 4.2 billion.",
	}}
	require.NoError(t, env.store.SaveChunks(ctx, chunks))
	for _, kpi := range a.Params.KPIs {
		require.NoError(t, env.store.SaveRetrievalContext(ctx, model.RetrievalContext{
			DocumentID: doc.ID, KPIName: kpi,
			Chunks: []model.RankedChunk{{ChunkID: "c-1", Score: 0.9}},
		}))
	}

	stage := env.pipeline.executors[model.StageExtract]
	err := stage.execute(ctx, a, doc)
	require.Error(t, err)
	// One call per attempt in the budget.
	assert.Equal(t, int32(3), env.llm.calls.Load())
}

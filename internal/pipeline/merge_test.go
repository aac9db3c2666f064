package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlens/kpiflow/internal/model"
)

func doc(id, category string) model.Document {
	return model.Document{ID: id, AnalysisID: "a-1", Category: category}
}

func response(docID string, findings map[string]model.KPIFinding) model.KPIResponse {
	return model.KPIResponse{DocumentID: docID, Findings: findings}
}

func TestMergeFindings_HigherConfidenceWins(t *testing.T) {
	t.Parallel()

	responses := []model.KPIResponse{
		response("d-1", map[string]model.KPIFinding{
			"revenue": {Value: "4100", Confidence: 0.6, DetailLevel: "group"},
		}),
		response("d-2", map[string]model.KPIFinding{
			"revenue": {Value: "4200", Confidence: 0.9, DetailLevel: "group"},
		}),
	}
	docs := []model.Document{doc("d-1", "annual_report"), doc("d-2", "press_release")}

	merged := mergeFindings(responses, docs, map[string]int{"annual_report": 2, "press_release": 0})
	require.Len(t, merged, 1)
	assert.Equal(t, "4200", merged[0].Value)
	assert.Equal(t, 0.9, merged[0].Confidence)
	assert.Equal(t, "d-2", merged[0].DocumentID)
}

func TestMergeFindings_ConfidenceTieBrokenByCategoryPriority(t *testing.T) {
	t.Parallel()

	responses := []model.KPIResponse{
		response("d-1", map[string]model.KPIFinding{
			"revenue": {Value: "from-deck", Confidence: 0.8, DetailLevel: "group"},
		}),
		response("d-2", map[string]model.KPIFinding{
			"revenue": {Value: "from-annual", Confidence: 0.8, DetailLevel: "group"},
		}),
	}
	docs := []model.Document{doc("d-1", "investor_deck"), doc("d-2", "annual_report")}

	merged := mergeFindings(responses, docs, map[string]int{"annual_report": 2, "investor_deck": 1})
	require.Len(t, merged, 1)
	assert.Equal(t, "from-annual", merged[0].Value)
}

func TestMergeFindings_FullTieBrokenByEarliestDocumentID(t *testing.T) {
	t.Parallel()

	responses := []model.KPIResponse{
		response("d-1", map[string]model.KPIFinding{
			"revenue": {Value: "first", Confidence: 0.8, DetailLevel: "group"},
		}),
		response("d-2", map[string]model.KPIFinding{
			"revenue": {Value: "second", Confidence: 0.8, DetailLevel: "group"},
		}),
	}
	docs := []model.Document{doc("d-1", "annual_report"), doc("d-2", "annual_report")}

	merged := mergeFindings(responses, docs, nil)
	require.Len(t, merged, 1)
	assert.Equal(t, "first", merged[0].Value)
}

func TestMergeFindings_DistinctDetailLevelsBothSurvive(t *testing.T) {
	t.Parallel()

	responses := []model.KPIResponse{
		response("d-1", map[string]model.KPIFinding{
			"revenue": {Value: "4200", Confidence: 0.9, DetailLevel: "group"},
		}),
		response("d-2", map[string]model.KPIFinding{
			"revenue": {Value: "1100", Confidence: 0.7, DetailLevel: "segment"},
		}),
	}
	docs := []model.Document{doc("d-1", "annual_report"), doc("d-2", "annual_report")}

	merged := mergeFindings(responses, docs, nil)
	assert.Len(t, merged, 2)
}

func TestMergeFindings_NoEvidenceNeverCompetes(t *testing.T) {
	t.Parallel()

	responses := []model.KPIResponse{
		response("d-1", map[string]model.KPIFinding{
			"revenue": {NoEvidence: true, Confidence: 0},
			"ebitda":  {Value: "18.3", Confidence: 0.7},
		}),
	}
	docs := []model.Document{doc("d-1", "annual_report")}

	merged := mergeFindings(responses, docs, nil)
	require.Len(t, merged, 1)
	assert.Equal(t, "ebitda", merged[0].KPIName)
}

func TestComputeMetrics(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	a := testAnalysis("a-1")
	a.CreatedAt = created

	docs := []model.Document{
		{ID: "d-1", UpdatedAt: created.Add(30 * time.Second)},
		{ID: "d-2", UpdatedAt: created.Add(90 * time.Second)},
	}
	merged := []model.MergedFinding{
		{KPIName: "revenue", Confidence: 0.9},
		{KPIName: "revenue", Confidence: 0.7, DetailLevel: "segment"},
	}

	m := computeMetrics(a, docs, merged)
	// One of two requested KPIs found.
	assert.InDelta(t, 0.5, m.Coverage, 1e-9)
	assert.InDelta(t, 0.8, m.MeanConfidence, 1e-9)
	assert.Equal(t, int64(90_000), m.DurationMillis)
}

func TestComputeMetrics_Empty(t *testing.T) {
	t.Parallel()

	a := testAnalysis("a-1")
	m := computeMetrics(a, nil, nil)
	assert.Zero(t, m.Coverage)
	assert.Zero(t, m.MeanConfidence)
}

func TestGroupByCategory(t *testing.T) {
	t.Parallel()

	merged := []model.MergedFinding{
		{KPIName: "revenue", Category: "annual_report"},
		{KPIName: "ebitda", Category: "annual_report"},
		{KPIName: "headcount", Category: "press_release"},
	}
	groups := groupByCategory(merged)
	assert.Len(t, groups["annual_report"], 2)
	assert.Len(t, groups["press_release"], 1)
}

package pipeline

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/finlens/kpiflow/internal/model"
	"github.com/finlens/kpiflow/internal/store"
)

// Merger consolidates the per-document KPI responses of a finished analysis
// into one result and performs the single processing → complete transition.
// Completion is only ever claimed after the result is durably stored; a
// persistence failure fails the analysis instead.
type Merger struct {
	store store.Store
}

// Merge builds and persists the final output for the analysis.
func (m *Merger) Merge(ctx context.Context, a *model.Analysis) error {
	log := zap.L().With(zap.String("analysis_id", a.ID))

	if a.Status == model.AnalysisFailed {
		log.Debug("merger: analysis failed, aborting")
		return nil
	}

	docs, err := m.store.ListDocuments(ctx, a.ID)
	if err != nil {
		return m.failOn(ctx, a.ID, "list documents", err)
	}
	responses, err := m.store.ListKPIResponses(ctx, a.ID)
	if err != nil {
		return m.failOn(ctx, a.ID, "list kpi responses", err)
	}

	merged := mergeFindings(responses, docs, a.Params.CategoryPriority)
	out := model.FinalOutput{
		AnalysisID: a.ID,
		Groups:     groupByCategory(merged),
		Metrics:    computeMetrics(a, docs, merged),
	}

	if err := m.store.SaveFinalOutput(ctx, out); err != nil {
		return m.failOn(ctx, a.ID, "save final output", err)
	}

	won, err := m.store.CompleteAnalysis(ctx, a.ID)
	if err != nil {
		return m.failOn(ctx, a.ID, "complete analysis", err)
	}
	if !won {
		// A failure transition raced us; the stored output stays but the
		// analysis remains failed.
		log.Warn("merger: completion lost to a concurrent terminal transition")
		return nil
	}

	log.Info("merger: analysis complete",
		zap.Float64("coverage", out.Metrics.Coverage),
		zap.Float64("mean_confidence", out.Metrics.MeanConfidence),
		zap.Int64("duration_ms", out.Metrics.DurationMillis),
	)
	return nil
}

// failOn escalates a merger-side persistence failure to analysis failure:
// an unobservable result is worse than an explicit failed state.
func (m *Merger) failOn(ctx context.Context, analysisID, op string, cause error) error {
	zap.L().Error("merger: "+op+" failed, failing analysis",
		zap.String("analysis_id", analysisID),
		zap.Error(cause),
	)
	if _, err := m.store.FailAnalysis(ctx, analysisID); err != nil {
		return err
	}
	return nil
}

// mergeFindings resolves duplicates across documents. When two documents
// report the same kpi_name + detail_level, the higher confidence wins; ties
// prefer the larger configured category priority, then the smaller document
// ID for determinism. No-evidence findings never compete.
func mergeFindings(responses []model.KPIResponse, docs []model.Document, categoryPriority map[string]int) []model.MergedFinding {
	docByID := make(map[string]model.Document, len(docs))
	for _, d := range docs {
		docByID[d.ID] = d
	}

	type dupKey struct {
		kpi   string
		level string
	}
	best := make(map[dupKey]model.MergedFinding)
	var order []dupKey

	// Responses arrive ordered by document ID, which settles the final tie.
	for _, resp := range responses {
		doc := docByID[resp.DocumentID]

		names := make([]string, 0, len(resp.Findings))
		for name := range resp.Findings {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			f := resp.Findings[name]
			if f.NoEvidence {
				continue
			}
			candidate := model.MergedFinding{
				KPIName:     name,
				DetailLevel: f.DetailLevel,
				Value:       f.Value,
				Unit:        f.Unit,
				Currency:    f.Currency,
				Confidence:  f.Confidence,
				SourcePage:  f.SourcePage,
				DocumentID:  resp.DocumentID,
				Category:    doc.Category,
			}

			key := dupKey{kpi: name, level: f.DetailLevel}
			current, exists := best[key]
			if !exists {
				best[key] = candidate
				order = append(order, key)
				continue
			}
			if beats(candidate, current, categoryPriority) {
				best[key] = candidate
			}
		}
	}

	merged := make([]model.MergedFinding, 0, len(order))
	for _, key := range order {
		merged = append(merged, best[key])
	}
	return merged
}

func beats(candidate, current model.MergedFinding, categoryPriority map[string]int) bool {
	if candidate.Confidence != current.Confidence {
		return candidate.Confidence > current.Confidence
	}
	cp, ip := categoryPriority[candidate.Category], categoryPriority[current.Category]
	if cp != ip {
		return cp > ip
	}
	return candidate.DocumentID < current.DocumentID
}

func groupByCategory(merged []model.MergedFinding) map[string][]model.MergedFinding {
	groups := make(map[string][]model.MergedFinding)
	for _, f := range merged {
		groups[f.Category] = append(groups[f.Category], f)
	}
	return groups
}

// computeMetrics derives the aggregate quality metrics: coverage over the
// requested KPI list, mean confidence of the surviving findings, and wall
// time from analysis creation to the last document's completion.
func computeMetrics(a *model.Analysis, docs []model.Document, merged []model.MergedFinding) model.OutputMetrics {
	distinct := make(map[string]bool)
	var confSum float64
	for _, f := range merged {
		distinct[f.KPIName] = true
		confSum += f.Confidence
	}

	var coverage float64
	if len(a.Params.KPIs) > 0 {
		coverage = float64(len(distinct)) / float64(len(a.Params.KPIs))
	}
	var meanConf float64
	if len(merged) > 0 {
		meanConf = confSum / float64(len(merged))
	}

	var duration int64
	for _, d := range docs {
		if ms := d.UpdatedAt.Sub(a.CreatedAt).Milliseconds(); ms > duration {
			duration = ms
		}
	}

	return model.OutputMetrics{
		Coverage:       coverage,
		MeanConfidence: meanConf,
		DurationMillis: duration,
	}
}

package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/finlens/kpiflow/internal/model"
	"github.com/finlens/kpiflow/internal/resilience"
	"github.com/finlens/kpiflow/internal/retrieval"
	"github.com/finlens/kpiflow/pkg/embed"
)

// retrieveStage builds one ranked retrieval context per requested KPI.
type retrieveStage struct {
	pipeline *Pipeline
}

func (s *retrieveStage) execute(ctx context.Context, a *model.Analysis, doc *model.Document) error {
	p := s.pipeline
	log := zap.L().With(zap.String("document_id", doc.ID))

	chunks, err := p.store.ListChunks(ctx, doc.ID)
	if err != nil {
		return err
	}

	queryVectors := s.embedQueries(ctx, a, log)

	for i, kpi := range a.Params.KPIs {
		terms := a.Params.SynonymsFor(kpi)
		q := retrieval.Query{KPI: kpi, Terms: terms}
		if queryVectors != nil {
			q.Embedding = queryVectors[i]
		}

		ranked := p.retriever.Rank(q, chunks)
		if len(ranked) == 0 {
			// Valid but degraded: extraction tolerates an empty context.
			log.Warn("retrieve: no relevant chunks found", zap.String("kpi", kpi))
		}

		if err := p.store.SaveRetrievalContext(ctx, model.RetrievalContext{
			DocumentID: doc.ID,
			KPIName:    kpi,
			Chunks:     ranked,
		}); err != nil {
			return err
		}
	}

	log.Info("retrieve: contexts built", zap.Int("kpis", len(a.Params.KPIs)))
	return nil
}

// embedQueries returns one query vector per requested KPI, or nil when
// semantic scoring is unavailable. Embedding failure here is a local
// degradation to keyword-only ranking, never a stage failure.
func (s *retrieveStage) embedQueries(ctx context.Context, a *model.Analysis, log *zap.Logger) [][]float32 {
	p := s.pipeline

	queries := make([]string, len(a.Params.KPIs))
	for i, kpi := range a.Params.KPIs {
		queries[i] = strings.Join(a.Params.SynonymsFor(kpi), " ")
	}
	variant := embed.ModelForLocale(a.Params.Locale)

	vectors, err := resilience.RetryVal(ctx, p.retry, "embed.queries", func(ctx context.Context) ([][]float32, error) {
		return p.embedder.Embed(ctx, queries, variant)
	})
	if err != nil {
		log.Warn("retrieve: query embedding unavailable, degrading to keyword-only", zap.Error(err))
		return nil
	}
	if len(vectors) != len(queries) {
		log.Warn("retrieve: query embedding count mismatch, degrading to keyword-only",
			zap.Int("got", len(vectors)), zap.Int("want", len(queries)))
		return nil
	}
	return vectors
}

package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finlens/kpiflow/internal/model"
	"github.com/finlens/kpiflow/internal/resilience"
	"github.com/finlens/kpiflow/pkg/embed"
)

// embedStage attaches an embedding vector to every chunk of the document.
type embedStage struct {
	pipeline *Pipeline
}

func (s *embedStage) execute(ctx context.Context, a *model.Analysis, doc *model.Document) error {
	p := s.pipeline

	chunks, err := p.store.ListChunks(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return eris.Errorf("embed: document %s has no chunks", doc.ID)
	}

	// Vectors attach exactly once; after a mid-stage crash only the
	// still-missing ones are embedded.
	var pending []model.Chunk
	for _, c := range chunks {
		if c.Embedding == nil {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	texts := make([]string, len(pending))
	for i, c := range pending {
		texts[i] = c.Text
	}
	variant := embed.ModelForLocale(a.Params.Locale)

	vectors, err := resilience.RetryVal(ctx, p.retry, "embed.chunks", func(ctx context.Context) ([][]float32, error) {
		return p.embedder.Embed(ctx, texts, variant)
	})
	if err != nil {
		return eris.Wrapf(err, "embed: document %s", doc.ID)
	}
	if len(vectors) != len(pending) {
		return eris.Errorf("embed: got %d vectors for %d chunks", len(vectors), len(pending))
	}

	byChunk := make(map[string][]float32, len(pending))
	for i, c := range pending {
		byChunk[c.ID] = vectors[i]
	}
	if err := p.store.AttachEmbeddings(ctx, doc.ID, byChunk); err != nil {
		return err
	}

	zap.L().Info("embed: vectors attached",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(pending)),
		zap.String("model", variant),
	)
	return nil
}

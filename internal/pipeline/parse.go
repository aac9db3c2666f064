package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finlens/kpiflow/internal/model"
)

// parseStage turns the uploaded payload into persisted chunks.
type parseStage struct {
	pipeline *Pipeline
}

func (s *parseStage) execute(ctx context.Context, a *model.Analysis, doc *model.Document) error {
	p := s.pipeline

	data, err := p.blobs.Get(ctx, doc.ID)
	if err != nil {
		return eris.Wrapf(err, "parse: load payload for %s", doc.Name)
	}

	res, err := p.parser.Parse(ctx, data, doc.Name)
	if err != nil {
		// Corrupt or unsupported input cannot improve on retry.
		return eris.Wrapf(err, "parse: %s", doc.Name)
	}

	chunks := make([]model.Chunk, 0, len(res.Chunks))
	for _, c := range res.Chunks {
		chunks = append(chunks, model.Chunk{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			Position:   c.Position,
			Text:       c.Text,
			Page:       c.Page,
			Section:    c.Section,
		})
	}

	// A redelivery that finds chunks already saved keeps them; parsing is
	// deterministic and the first write wins.
	existing, err := p.store.ListChunks(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		if err := p.store.SaveChunks(ctx, chunks); err != nil {
			return err
		}
	}

	zap.L().Info("parse: document chunked",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.String("detected_language", res.Language),
		zap.String("analysis_locale", a.Params.Locale),
	)
	return nil
}

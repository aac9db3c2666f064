// Package pipeline orchestrates the four-stage KPI extraction pipeline:
// parse, embed, retrieve, extract. Stage workers are short-lived units of
// work driven by queue messages; all mutable state lives in the status
// store, so any message can be re-evaluated against current truth after a
// redelivery.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finlens/kpiflow/internal/blob"
	"github.com/finlens/kpiflow/internal/config"
	"github.com/finlens/kpiflow/internal/model"
	"github.com/finlens/kpiflow/internal/queue"
	"github.com/finlens/kpiflow/internal/resilience"
	"github.com/finlens/kpiflow/internal/retrieval"
	"github.com/finlens/kpiflow/internal/store"
	"github.com/finlens/kpiflow/pkg/docparse"
	"github.com/finlens/kpiflow/pkg/embed"
	"github.com/finlens/kpiflow/pkg/llm"
)

// Upload is one document submitted with an analysis.
type Upload struct {
	Name     string
	Category string
	Data     []byte
}

// Pipeline wires the stage workers, completion monitor and output merger
// around the shared store and queue.
type Pipeline struct {
	cfg       *config.Config
	store     store.Store
	queue     queue.Queue
	blobs     blob.Store
	parser    docparse.Parser
	embedder  embed.Client
	llm       llm.Client
	retriever *retrieval.Retriever
	retry     resilience.Policy

	monitor   *Monitor
	executors map[model.PipelineStage]stageExecutor
}

// New creates a Pipeline with all dependencies.
func New(
	cfg *config.Config,
	st store.Store,
	q queue.Queue,
	blobs blob.Store,
	parser docparse.Parser,
	embedder embed.Client,
	llmClient llm.Client,
) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		store:    st,
		queue:    q,
		blobs:    blobs,
		parser:   parser,
		embedder: embedder,
		llm:      llmClient,
		retriever: retrieval.New(
			retrieval.WithK(cfg.Retrieval.TopK),
			retrieval.WithWeights(cfg.Retrieval.SemanticWeight, cfg.Retrieval.KeywordWeight),
		),
		retry: cfg.Retry,
	}

	p.monitor = &Monitor{store: st, queue: q, merger: &Merger{store: st}}

	p.executors = map[model.PipelineStage]stageExecutor{
		model.StageParse:    &parseStage{pipeline: p},
		model.StageEmbed:    &embedStage{pipeline: p},
		model.StageRetrieve: &retrieveStage{pipeline: p},
		model.StageExtract:  &extractStage{pipeline: p},
	}
	return p
}

// Submit registers an analysis and its documents, stores the raw payloads,
// and enqueues a parse message per document. The analysis record is created
// first so no document can exist without its owning analysis.
func (p *Pipeline) Submit(ctx context.Context, a *model.Analysis, uploads []Upload) ([]model.Document, error) {
	if len(uploads) == 0 {
		return nil, eris.New("pipeline: analysis has no documents")
	}
	a.ExpectedDocuments = len(uploads)

	if err := p.store.CreateAnalysis(ctx, a); err != nil {
		return nil, err
	}

	docs := make([]model.Document, 0, len(uploads))
	for _, u := range uploads {
		doc := model.Document{
			AnalysisID: a.ID,
			Name:       u.Name,
			Category:   u.Category,
		}
		if err := p.store.CreateDocument(ctx, &doc); err != nil {
			return nil, err
		}
		if err := p.blobs.Put(ctx, doc.ID, u.Data); err != nil {
			return nil, err
		}
		if err := p.queue.Enqueue(ctx, queue.Message{
			AnalysisID: a.ID,
			DocumentID: doc.ID,
			Stage:      model.StageParse,
		}); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	zap.L().Info("pipeline: analysis submitted",
		zap.String("analysis_id", a.ID),
		zap.Int("documents", len(docs)),
		zap.Strings("kpis", a.Params.KPIs),
	)
	return docs, nil
}

// Run consumes queue messages with the configured number of workers until
// ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	workers := p.cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return p.consume(ctx)
		})
	}
	err := g.Wait()
	if err != nil && eris.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunUntilDone processes messages until the analysis reaches a terminal
// status, for one-shot CLI runs.
func (p *Pipeline) RunUntilDone(ctx context.Context, analysisID string) (*model.Analysis, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, runCtx := errgroup.WithContext(runCtx)
	workers := p.cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return p.consume(runCtx)
		})
	}

	var final *model.Analysis
	g.Go(func() error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return runCtx.Err()
			case <-ticker.C:
			}
			a, err := p.store.GetAnalysis(runCtx, analysisID)
			if err != nil {
				return err
			}
			if a.Status.Terminal() {
				final = a
				cancel()
				return nil
			}
		}
	})

	err := g.Wait()
	if final != nil {
		return final, nil
	}
	return nil, err
}

func (p *Pipeline) consume(ctx context.Context) error {
	for {
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if strings.Contains(err.Error(), "queue: closed") {
				return nil
			}
			return err
		}

		if err := p.handleMessage(ctx, msg); err != nil {
			// Leave the message unacked: the visibility timeout will
			// redeliver it, and the stage preconditions make the rerun safe.
			zap.L().Error("pipeline: message handling failed, awaiting redelivery",
				zap.String("analysis_id", msg.AnalysisID),
				zap.String("document_id", msg.DocumentID),
				zap.String("stage", string(msg.Stage)),
				zap.Int("attempts", msg.Attempts),
				zap.Error(err),
			)
			continue
		}
		if err := p.queue.Ack(ctx, msg.ID); err != nil {
			zap.L().Warn("pipeline: ack failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
}

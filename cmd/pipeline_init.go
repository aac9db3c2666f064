package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finlens/kpiflow/internal/blob"
	"github.com/finlens/kpiflow/internal/model"
	"github.com/finlens/kpiflow/internal/pipeline"
	"github.com/finlens/kpiflow/internal/queue"
	"github.com/finlens/kpiflow/internal/store"
	"github.com/finlens/kpiflow/pkg/docparse"
	"github.com/finlens/kpiflow/pkg/embed"
	"github.com/finlens/kpiflow/pkg/llm"
)

// pipelineEnv holds the initialized store, queue, clients, taxonomy and the
// pipeline needed by the run/serve commands.
type pipelineEnv struct {
	Store    store.Store
	Queue    queue.Queue
	Blobs    blob.Store
	Pipeline *pipeline.Pipeline
	Taxonomy *model.Taxonomy
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Queue != nil {
		_ = pe.Queue.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "kpiflow.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initQueue builds the work queue. The sqlite store shares its database with
// the queue so a crash leaves messages and status in one file; the postgres
// store pairs with an in-process queue since workers run in this process
// either way.
func initQueue(st store.Store) (queue.Queue, error) {
	visibility := time.Duration(cfg.Queue.VisibilitySecs) * time.Second
	if sq, ok := st.(*store.SQLiteStore); ok {
		return queue.NewSQLite(sq.DB(),
			queue.WithVisibility(visibility),
			queue.WithPollInterval(time.Duration(cfg.Queue.PollMillis)*time.Millisecond),
		)
	}
	return queue.NewMemory(visibility), nil
}

// initPipeline sets up the store, queue, blob store and API clients, loads
// the taxonomy, and builds the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	q, err := initQueue(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	blobs, err := blob.NewFSStore(cfg.Pipeline.BlobDir)
	if err != nil {
		_ = q.Close()
		_ = st.Close()
		return nil, err
	}

	var taxonomy *model.Taxonomy
	if cfg.Pipeline.TaxonomyPath != "" {
		taxonomy, err = model.LoadTaxonomy(cfg.Pipeline.TaxonomyPath)
		if err != nil {
			_ = q.Close()
			_ = st.Close()
			return nil, err
		}
		zap.L().Info("taxonomy loaded",
			zap.String("path", cfg.Pipeline.TaxonomyPath),
			zap.Int("kpis", len(taxonomy.KPIs)),
		)
	}

	embedClient := embed.NewClient(cfg.Embedding.Key,
		embed.WithBaseURL(cfg.Embedding.BaseURL),
		embed.WithBatchSize(cfg.Embedding.BatchSize),
		embed.WithRateLimit(cfg.Embedding.RateRPS),
	)
	llmClient := llm.NewClient(cfg.Anthropic.Key)

	var parserOpts []docparse.AutoParserOption
	if cfg.Anthropic.DescribeImages {
		parserOpts = append(parserOpts, docparse.WithDescriber(llmClient))
	}

	p := pipeline.New(cfg, st, q, blobs, docparse.NewAutoParser(parserOpts...), embedClient, llmClient)

	return &pipelineEnv{
		Store:    st,
		Queue:    q,
		Blobs:    blobs,
		Pipeline: p,
		Taxonomy: taxonomy,
	}, nil
}

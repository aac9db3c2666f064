package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/finlens/kpiflow/internal/blob"
	"github.com/finlens/kpiflow/internal/config"
	"github.com/finlens/kpiflow/internal/model"
	"github.com/finlens/kpiflow/internal/queue"
	"github.com/finlens/kpiflow/internal/resilience"
	"github.com/finlens/kpiflow/internal/store"
)

type testEnv struct {
	pipeline *Pipeline
	store    *store.SQLiteStore
	queue    *queue.MemoryQueue
	parser   *fakeParser
	embedder *fakeEmbedder
	llm      *fakeLLM
}

func testConfig(workers int) *config.Config {
	cfg := &config.Config{}
	cfg.Pipeline.Workers = workers
	cfg.Retrieval.TopK = 12
	cfg.Retrieval.SemanticWeight = 0.7
	cfg.Retrieval.KeywordWeight = 0.3
	cfg.Anthropic.ExtractModel = "claude-sonnet-4-5-20250929"
	cfg.Anthropic.MaxTokens = 1024
	cfg.Retry = resilience.Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
	return cfg
}

func newTestEnv(t *testing.T, workers int) *testEnv {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "kpiflow.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	q := queue.NewMemory(time.Minute)
	t.Cleanup(func() { q.Close() })

	env := &testEnv{
		store:    st,
		queue:    q,
		parser:   &fakeParser{result: parsedChunks()},
		embedder: &fakeEmbedder{},
		llm:      &fakeLLM{response: validFindingsJSON},
	}
	env.pipeline = New(testConfig(workers), st, q, blobs, env.parser, env.embedder, env.llm)
	return env
}

func testAnalysis(id string) *model.Analysis {
	return &model.Analysis{
		ID: id,
		Params: model.AnalysisParams{
			KPIs:         []string{"revenue", "ebitda"},
			Synonyms:     map[string][]string{"revenue": {"net sales", "turnover"}},
			DetailLevels: []string{"group", "segment"},
			Locale:       "en",
			CategoryPriority: map[string]int{
				"annual_report": 2,
				"investor_deck": 1,
				"press_release": 0,
			},
		},
	}
}

func testUploads(n int) []Upload {
	uploads := make([]Upload, 0, n)
	names := []string{"annual.txt", "deck.txt", "press.txt"}
	categories := []string{"annual_report", "investor_deck", "press_release"}
	for i := 0; i < n; i++ {
		uploads = append(uploads, Upload{
			Name:     names[i],
			Category: categories[i],
			Data:     []byte("Revenue grew 12% to EUR 4.2 billion."),
		})
	}
	return uploads
}

// runToCompletion drives the pipeline until the analysis is terminal.
func runToCompletion(t *testing.T, env *testEnv, analysisID string) *model.Analysis {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := env.pipeline.RunUntilDone(ctx, analysisID)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a
}

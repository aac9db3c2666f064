package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/finlens/kpiflow/pkg/docparse"
	"github.com/finlens/kpiflow/pkg/embed"
	"github.com/finlens/kpiflow/pkg/llm"
)

// --- Parser fake ---

type fakeParser struct {
	result *docparse.Result
	err    error
	calls  atomic.Int32
}

func (f *fakeParser) Parse(_ context.Context, _ []byte, _ string) (*docparse.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

var _ docparse.Parser = (*fakeParser)(nil)

func parsedChunks() *docparse.Result {
	return &docparse.Result{
		Language: "en",
		Chunks: []docparse.Chunk{
			{Position: 0, Page: 1, Section: "highlights", Text: "Revenue grew 12% to EUR 4.2 billion in the fiscal year."},
			{Position: 1, Page: 2, Section: "financials", Text: "EBITDA margin reached 18.3 percent of net sales."},
		},
	}
}

// --- Embedder fake ---

// fakeEmbedder returns a fixed unit vector per text. failuresLeft injects
// that many leading failures before succeeding.
type fakeEmbedder struct {
	mu           sync.Mutex
	failuresLeft int
	failWith     error
	calls        int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, f.failWith
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

var _ embed.Client = (*fakeEmbedder)(nil)

// --- LLM fake ---

type fakeLLM struct {
	response string
	err      error
	calls    atomic.Int32
}

func (f *fakeLLM) CreateMessage(_ context.Context, _ llm.MessageRequest) (*llm.MessageResponse, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.MessageResponse{
		Content: []llm.ContentBlock{{Type: "text", Text: f.response}},
	}, nil
}

func (f *fakeLLM) Describe(_ context.Context, _ []byte) (string, error) {
	return "", nil
}

var _ llm.Client = (*fakeLLM)(nil)

const validFindingsJSON = `{
	"revenue": {"value": "4200000000", "unit": "absolute", "currency": "EUR", "confidence": 0.9, "detail_level": "group", "source_page": 1},
	"ebitda": {"value": "18.3", "unit": "percent", "confidence": 0.7, "detail_level": "group", "source_page": 2}
}`

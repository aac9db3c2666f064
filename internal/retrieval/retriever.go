// Package retrieval ranks document chunks against KPI queries by fusing
// semantic similarity with keyword relevance. Ranking is pure computation
// over already-persisted chunks; it performs no I/O.
package retrieval

import (
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/finlens/kpiflow/internal/model"
)

const (
	DefaultK              = 12
	DefaultSemanticWeight = 0.7
	DefaultKeywordWeight  = 0.3
)

// Query is one KPI lookup: the KPI name expanded with its synonyms, plus
// the query embedding when semantic scoring is available.
type Query struct {
	KPI       string
	Terms     []string
	Embedding []float32
}

// Retriever fuses semantic and keyword relevance into a ranked top-k
// chunk list.
type Retriever struct {
	k              int
	semanticWeight float64
	keywordWeight  float64
	log            *zap.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithK bounds the result length. Values are clamped to [10, 15].
func WithK(k int) Option {
	return func(r *Retriever) {
		if k < 10 {
			k = 10
		}
		if k > 15 {
			k = 15
		}
		r.k = k
	}
}

// WithWeights overrides the semantic/keyword blend.
func WithWeights(semantic, keyword float64) Option {
	return func(r *Retriever) {
		if semantic < 0 || keyword < 0 || semantic+keyword == 0 {
			return
		}
		r.semanticWeight = semantic
		r.keywordWeight = keyword
	}
}

func New(opts ...Option) *Retriever {
	r := &Retriever{
		k:              DefaultK,
		semanticWeight: DefaultSemanticWeight,
		keywordWeight:  DefaultKeywordWeight,
		log:            zap.L(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rank scores every chunk against the query and returns the top-k ranked
// list. Semantic and keyword scores are max-normalized to [0,1]
// independently before blending so neither dominates on scale alone. When
// no semantic signal exists (missing query embedding or no chunk vectors)
// keyword relevance carries the full weight; that degradation is logged,
// not failed. An empty result is valid.
func (r *Retriever) Rank(q Query, chunks []model.Chunk) []model.RankedChunk {
	if len(chunks) == 0 {
		return nil
	}

	semantic := make([]float64, len(chunks))
	keyword := make([]float64, len(chunks))
	hasSemantic := false

	terms := tokenizeTerms(q.Terms)
	for i, c := range chunks {
		keyword[i] = termFrequencyScore(terms, c.Text)
		if len(q.Embedding) > 0 && len(c.Embedding) == len(q.Embedding) {
			semantic[i] = cosineSimilarity(q.Embedding, c.Embedding)
			if semantic[i] > 0 {
				hasSemantic = true
			}
		}
	}

	normalize(semantic)
	normalize(keyword)

	semW, keyW := r.semanticWeight, r.keywordWeight
	if !hasSemantic {
		r.log.Warn("retrieval: no semantic signal, falling back to keyword-only ranking",
			zap.String("kpi", q.KPI))
		semW, keyW = 0, 1
	}
	total := semW + keyW

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(chunks))
	for i := range chunks {
		ranked[i] = scored{idx: i, score: (semW*semantic[i] + keyW*keyword[i]) / total}
	}

	// Descending by score, ties broken by original chunk position so
	// repeated invocations over the same input produce identical output.
	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].score != ranked[b].score {
			return ranked[a].score > ranked[b].score
		}
		return chunks[ranked[a].idx].Position < chunks[ranked[b].idx].Position
	})

	seen := make(map[string]bool, r.k)
	out := make([]model.RankedChunk, 0, r.k)
	for _, s := range ranked {
		c := chunks[s.idx]
		if sig := c.Signature(); seen[sig] {
			continue
		} else {
			seen[sig] = true
		}
		out = append(out, model.RankedChunk{ChunkID: c.ID, Score: s.score})
		if len(out) == r.k {
			break
		}
	}
	return out
}

// cosineSimilarity returns the cosine of the angle between two vectors,
// clamped to [0,1] (negative similarity carries no retrieval signal).
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	return sim
}

// termFrequencyScore counts query term occurrences in the chunk text,
// normalized by chunk length so long chunks don't win on volume.
func termFrequencyScore(terms []string, text string) float64 {
	words := tokenize(text)
	if len(words) == 0 || len(terms) == 0 {
		return 0
	}
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}
	var hits int
	for _, term := range terms {
		hits += counts[term]
	}
	return float64(hits) / float64(len(words))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

// tokenizeTerms flattens multi-word query terms into individual tokens.
func tokenizeTerms(terms []string) []string {
	var out []string
	for _, t := range terms {
		out = append(out, tokenize(t)...)
	}
	return out
}

// normalize rescales scores in place to [0,1] by dividing by the maximum.
func normalize(scores []float64) {
	var max float64
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	if max == 0 {
		return
	}
	for i := range scores {
		scores[i] /= max
	}
}

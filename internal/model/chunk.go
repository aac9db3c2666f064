package model

import "strconv"

// Chunk is a unit of parsed document text used as the retrieval and
// extraction granularity. Written once by parsing; the embedding stage
// attaches the vector exactly once; never mutated afterwards.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Position   int       `json:"position"`
	Text       string    `json:"text"`
	Page       int       `json:"page"`
	Section    string    `json:"section,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// Signature identifies near-identical chunks for retrieval dedup: chunks
// sharing a page and section are treated as one source location.
func (c Chunk) Signature() string {
	return c.Section + "#" + strconv.Itoa(c.Page)
}

// RankedChunk is one entry of a retrieval context: a chunk reference with
// its combined relevance score.
type RankedChunk struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// RetrievalContext is the per-KPI, per-document ranked chunk list produced
// by the hybrid retriever. Immutable once written; consumed by extraction.
type RetrievalContext struct {
	DocumentID string        `json:"document_id"`
	KPIName    string        `json:"kpi_name"`
	Chunks     []RankedChunk `json:"chunks"`
}

package model

import (
	"sort"
	"time"
)

// DocumentStage tracks a document's progress through the pipeline. The
// sequence is strictly forward; failed is absorbing and reachable from any
// non-terminal stage. Each pipeline stage contributes a processing sub-state
// (written before heavy work starts, for crash-recovery visibility) and a
// completed sub-state (written only after the stage's artifacts are durable).
type DocumentStage string

const (
	DocStageUploaded   DocumentStage = "uploaded"
	DocStageParsing    DocumentStage = "parsing"
	DocStageParsed     DocumentStage = "parsed"
	DocStageEmbedding  DocumentStage = "embedding"
	DocStageEmbedded   DocumentStage = "embedded"
	DocStageRetrieving DocumentStage = "retrieving"
	DocStageRetrieved  DocumentStage = "retrieved"
	DocStageExtracting DocumentStage = "extracting"
	DocStageExtracted  DocumentStage = "extracted"
	DocStageFailed     DocumentStage = "failed"
)

// stageRank orders the forward progression. Failed sits outside the order.
var stageRank = map[DocumentStage]int{
	DocStageUploaded:   0,
	DocStageParsing:    1,
	DocStageParsed:     2,
	DocStageEmbedding:  3,
	DocStageEmbedded:   4,
	DocStageRetrieving: 5,
	DocStageRetrieved:  6,
	DocStageExtracting: 7,
	DocStageExtracted:  8,
}

// Valid reports whether s is a known stage.
func (s DocumentStage) Valid() bool {
	if s == DocStageFailed {
		return true
	}
	_, ok := stageRank[s]
	return ok
}

// Terminal reports whether the document can advance no further.
func (s DocumentStage) Terminal() bool {
	return s == DocStageExtracted || s == DocStageFailed
}

// AtOrPast reports whether s has reached at least stage m in the forward
// order. A failed document is never at or past anything.
func (s DocumentStage) AtOrPast(m DocumentStage) bool {
	sr, ok := stageRank[s]
	if !ok {
		return false
	}
	mr, ok := stageRank[m]
	if !ok {
		return false
	}
	return sr >= mr
}

// StagesAtOrPast lists the stages whose rank is at least m's, in forward
// order. Used by the store to express milestone counts as a derived query.
func StagesAtOrPast(m DocumentStage) []DocumentStage {
	mr, ok := stageRank[m]
	if !ok {
		return nil
	}
	out := make([]DocumentStage, 0, len(stageRank))
	for s, r := range stageRank {
		if r >= mr {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return stageRank[out[i]] < stageRank[out[j]] })
	return out
}

// CanTransition validates a stage transition: strictly forward moves between
// ordered stages, or a move to failed from any non-terminal stage. Illegal
// transitions must be rejected at the store boundary.
func CanTransition(from, to DocumentStage) bool {
	if from.Terminal() {
		return false
	}
	if to == DocStageFailed {
		return true
	}
	fr, ok := stageRank[from]
	if !ok {
		return false
	}
	tr, ok := stageRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Document is one file within an analysis. Its stage is advanced exclusively
// by the owning stage worker.
type Document struct {
	ID         string        `json:"id"`
	AnalysisID string        `json:"analysis_id"`
	Name       string        `json:"name"`
	Category   string        `json:"category"`
	Stage      DocumentStage `json:"stage"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// PipelineStage names one step of the fixed pipeline. Ordering is fixed:
// parse, embed, retrieve, extract. A worker never skips or reorders stages.
type PipelineStage string

const (
	StageParse    PipelineStage = "parse"
	StageEmbed    PipelineStage = "embed"
	StageRetrieve PipelineStage = "retrieve"
	StageExtract  PipelineStage = "extract"
)

// Stages lists the pipeline stages in execution order.
func Stages() []PipelineStage {
	return []PipelineStage{StageParse, StageEmbed, StageRetrieve, StageExtract}
}

// Next returns the stage that follows s, or false for the final stage.
func (s PipelineStage) Next() (PipelineStage, bool) {
	switch s {
	case StageParse:
		return StageEmbed, true
	case StageEmbed:
		return StageRetrieve, true
	case StageRetrieve:
		return StageExtract, true
	default:
		return "", false
	}
}

// States returns the processing and completed document sub-states for s.
func (s PipelineStage) States() (processing, done DocumentStage) {
	switch s {
	case StageParse:
		return DocStageParsing, DocStageParsed
	case StageEmbed:
		return DocStageEmbedding, DocStageEmbedded
	case StageRetrieve:
		return DocStageRetrieving, DocStageRetrieved
	case StageExtract:
		return DocStageExtracting, DocStageExtracted
	default:
		return "", ""
	}
}

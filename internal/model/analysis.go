package model

import "time"

// AnalysisStatus represents the overall state of an analysis. Transitions are
// monotonic: once complete or failed, no further transition is permitted.
type AnalysisStatus string

const (
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisComplete   AnalysisStatus = "complete"
	AnalysisFailed     AnalysisStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s AnalysisStatus) Terminal() bool {
	return s == AnalysisComplete || s == AnalysisFailed
}

// Analysis represents one submitted extraction job covering 1-3 documents.
// The ID is caller-supplied and immutable; Params are fixed at creation.
type Analysis struct {
	ID                string         `json:"id"`
	ExpectedDocuments int            `json:"expected_documents"`
	Status            AnalysisStatus `json:"status"`
	Params            AnalysisParams `json:"params"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// AnalysisParams carries the extraction request: which KPIs to find, how
// their names may be phrased, which detail levels are requested, and the
// document locale (drives embedding/LLM model variant selection downstream).
type AnalysisParams struct {
	KPIs             []string            `json:"kpis"`
	Synonyms         map[string][]string `json:"synonyms,omitempty"`
	DetailLevels     []string            `json:"detail_levels,omitempty"`
	Locale           string              `json:"locale,omitempty"`
	CategoryPriority map[string]int      `json:"category_priority,omitempty"`
}

// SynonymsFor returns the expanded query terms for a KPI: the KPI name
// itself followed by any configured synonyms.
func (p AnalysisParams) SynonymsFor(kpi string) []string {
	terms := []string{kpi}
	terms = append(terms, p.Synonyms[kpi]...)
	return terms
}

// Milestone is a document stage tracked for join purposes across all
// documents of an analysis.
type Milestone string

const (
	// MilestoneEmbedded gates retrieval parameter resolution: all documents
	// have vectors attached.
	MilestoneEmbedded Milestone = "embedded"
	// MilestoneExtracted triggers the output merger: all documents carry a
	// KPI response.
	MilestoneExtracted Milestone = "extracted"
)

// Stage returns the document stage a document must be at or past for this
// milestone to count it.
func (m Milestone) Stage() DocumentStage {
	switch m {
	case MilestoneEmbedded:
		return DocStageEmbedded
	case MilestoneExtracted:
		return DocStageExtracted
	default:
		return ""
	}
}

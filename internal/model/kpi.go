package model

import "time"

// KPIFinding is one extracted value for a KPI at a given detail level.
type KPIFinding struct {
	Value       string  `json:"value"`
	Unit        string  `json:"unit,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	Confidence  float64 `json:"confidence"`
	DetailLevel string  `json:"detail_level,omitempty"`
	SourcePage  int     `json:"source_page,omitempty"`
	NoEvidence  bool    `json:"no_evidence,omitempty"`
}

// KPIResponse is the structured extraction result for one document.
// Written once by the extraction stage; read many times by the merger.
type KPIResponse struct {
	DocumentID string                `json:"document_id"`
	Findings   map[string]KPIFinding `json:"findings"`
	CreatedAt  time.Time             `json:"created_at"`
}

// MergedFinding is a KPI finding that survived duplicate resolution,
// annotated with its winning source document.
type MergedFinding struct {
	KPIName     string  `json:"kpi_name"`
	DetailLevel string  `json:"detail_level,omitempty"`
	Value       string  `json:"value"`
	Unit        string  `json:"unit,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	Confidence  float64 `json:"confidence"`
	SourcePage  int     `json:"source_page,omitempty"`
	DocumentID  string  `json:"document_id"`
	Category    string  `json:"category"`
}

// OutputMetrics are the aggregate quality metrics of a finished analysis.
type OutputMetrics struct {
	Coverage       float64 `json:"coverage"`
	MeanConfidence float64 `json:"mean_confidence"`
	DurationMillis int64   `json:"duration_ms"`
}

// FinalOutput is the single consolidated result per analysis, grouped by
// document category.
type FinalOutput struct {
	AnalysisID string                     `json:"analysis_id"`
	Groups     map[string][]MergedFinding `json:"groups"`
	Metrics    OutputMetrics              `json:"metrics"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// Package store persists all pipeline state. The status store is the single
// source of truth: queue messages carry identifiers only, and every mutable
// fact about an analysis lives here.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/finlens/kpiflow/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrStaleStage is returned when a document stage update loses a race with
// a concurrent writer. Per-document stage order is sequential, so callers
// treat this as a redelivery artifact and skip.
var ErrStaleStage = eris.New("store: document stage changed concurrently")

// ErrIllegalTransition is returned when a requested stage move violates the
// forward-only transition table.
var ErrIllegalTransition = eris.New("store: illegal stage transition")

// Store is the persistence interface for the extraction pipeline. Both
// backends guarantee read-your-writes per key and atomic conditional
// updates; the completion monitor and failure propagation rely on the
// conditional primitives (FailAnalysis, CompleteAnalysis, ClaimMilestone).
type Store interface {
	// Analyses
	CreateAnalysis(ctx context.Context, a *model.Analysis) error
	GetAnalysis(ctx context.Context, id string) (*model.Analysis, error)
	// FailAnalysis transitions processing → failed. Returns true when this
	// call performed the transition; false when the analysis was already
	// terminal (first writer wins, later failures are no-ops).
	FailAnalysis(ctx context.Context, id string) (bool, error)
	// CompleteAnalysis transitions processing → complete under the same
	// conditional-write contract.
	CompleteAnalysis(ctx context.Context, id string) (bool, error)

	// Documents
	CreateDocument(ctx context.Context, d *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context, analysisID string) ([]model.Document, error)
	// UpdateDocumentStage validates the move against the transition table
	// and applies it conditionally on the current stage.
	UpdateDocumentStage(ctx context.Context, id string, to model.DocumentStage) error
	// CountDocumentsAtOrPast derives the milestone count from document rows;
	// there is no separately maintained counter to drift.
	CountDocumentsAtOrPast(ctx context.Context, analysisID string, milestone model.DocumentStage) (int, error)

	// Chunks
	SaveChunks(ctx context.Context, chunks []model.Chunk) error
	// AttachEmbeddings writes each chunk's vector exactly once.
	AttachEmbeddings(ctx context.Context, documentID string, vectors map[string][]float32) error
	ListChunks(ctx context.Context, documentID string) ([]model.Chunk, error)

	// Retrieval contexts
	SaveRetrievalContext(ctx context.Context, rc model.RetrievalContext) error
	ListRetrievalContexts(ctx context.Context, documentID string) ([]model.RetrievalContext, error)

	// KPI responses
	SaveKPIResponse(ctx context.Context, analysisID string, resp model.KPIResponse) error
	ListKPIResponses(ctx context.Context, analysisID string) ([]model.KPIResponse, error)

	// Final output
	SaveFinalOutput(ctx context.Context, out model.FinalOutput) error
	GetFinalOutput(ctx context.Context, analysisID string) (*model.FinalOutput, error)

	// ClaimMilestone atomically claims the (analysis, milestone) marker.
	// Exactly one caller wins regardless of event redelivery.
	ClaimMilestone(ctx context.Context, analysisID string, m model.Milestone) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Package queue provides the ordered, at-least-once delivery channel that
// carries stage-advance messages between pipeline stages. Messages are
// deliberately minimal: all mutable state lives in the status store, so a
// redelivered message can always be re-evaluated against current truth.
package queue

import (
	"context"

	"github.com/finlens/kpiflow/internal/model"
)

// Message instructs a stage worker to run one stage for one document.
type Message struct {
	ID         string              `json:"id"`
	AnalysisID string              `json:"analysis_id"`
	DocumentID string              `json:"document_id"`
	Stage      model.PipelineStage `json:"stage_hint"`
	Attempts   int                 `json:"attempts"`
}

// Queue is an ordered at-least-once delivery channel. A dequeued message
// stays invisible for the visibility window; consumers that crash without
// acking see it redelivered.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue blocks until a message is available or ctx ends.
	Dequeue(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, id string) error
	Close() error
}

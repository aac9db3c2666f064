package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finlens/kpiflow/internal/model"
	"github.com/finlens/kpiflow/internal/queue"
	"github.com/finlens/kpiflow/internal/store"
)

// stageExecutor performs the stage-specific work for one document. It
// persists its own artifacts; the surrounding worker owns all stage_status
// writes. Any returned error is permanent from the worker's point of view:
// executors run their collaborator calls under the retry policy themselves,
// so an error that escapes has already exhausted its transient budget.
type stageExecutor interface {
	execute(ctx context.Context, a *model.Analysis, doc *model.Document) error
}

// handleMessage runs one stage for one document. Returning nil acks the
// message; returning an error leaves it for redelivery. Errors are only
// returned for infrastructure reads that could not establish current state;
// work failures propagate through failDocument and ack.
func (p *Pipeline) handleMessage(ctx context.Context, msg *queue.Message) error {
	log := zap.L().With(
		zap.String("analysis_id", msg.AnalysisID),
		zap.String("document_id", msg.DocumentID),
		zap.String("stage", string(msg.Stage)),
	)

	a, err := p.store.GetAnalysis(ctx, msg.AnalysisID)
	if err != nil {
		return err
	}

	// The gate: no stage processes a document of a failed analysis.
	if a.Status == model.AnalysisFailed {
		log.Debug("worker: analysis already failed, discarding message")
		return nil
	}

	doc, err := p.store.GetDocument(ctx, msg.DocumentID)
	if err != nil {
		return err
	}

	processing, done := msg.Stage.States()
	if processing == "" {
		log.Error("worker: unknown stage hint, discarding message")
		return nil
	}

	if doc.Stage == model.DocStageFailed {
		log.Debug("worker: document already failed, discarding message")
		return nil
	}

	// A redelivered message for finished work skips the work but still
	// re-runs the follow-up enqueue and monitor notification, in case the
	// original delivery crashed between the completion write and those.
	// Both are idempotent against current state.
	if doc.Stage.AtOrPast(done) {
		log.Debug("worker: document already past stage, skipping work")
		if err := p.advance(ctx, msg); err != nil {
			return err
		}
		return p.monitor.OnStageChange(ctx, a.ID)
	}

	// Mark the processing sub-state before heavy work so a crash mid-stage
	// stays visible. A redelivery that finds the document already in the
	// processing sub-state reruns the work.
	if doc.Stage != processing {
		if err := p.store.UpdateDocumentStage(ctx, doc.ID, processing); err != nil {
			if eris.Is(err, store.ErrStaleStage) {
				log.Debug("worker: lost stage race, discarding message")
				return nil
			}
			if eris.Is(err, store.ErrIllegalTransition) {
				// The stage hint is behind the document's real progress.
				log.Warn("worker: stale stage hint", zap.String("doc_stage", string(doc.Stage)))
				return nil
			}
			return p.failDocument(ctx, a.ID, doc.ID, msg.Stage, err)
		}
	}

	exec := p.executors[msg.Stage]
	if err := exec.execute(ctx, a, doc); err != nil {
		p.failDocument(ctx, a.ID, doc.ID, msg.Stage, err)
		return nil
	}

	// Artifacts are durable; only now announce completion.
	if err := p.store.UpdateDocumentStage(ctx, doc.ID, done); err != nil {
		if eris.Is(err, store.ErrStaleStage) || eris.Is(err, store.ErrIllegalTransition) {
			log.Debug("worker: completion write lost a race, discarding message")
			return nil
		}
		// An unobservable state transition is worse than an explicit
		// failed state.
		p.failDocument(ctx, a.ID, doc.ID, msg.Stage, err)
		return nil
	}
	log.Info("worker: stage complete")

	if err := p.advance(ctx, msg); err != nil {
		return err
	}

	// Every stage change feeds the completion monitor.
	return p.monitor.OnStageChange(ctx, a.ID)
}

// advance enqueues the follow-up work for a completed stage. Embed and
// extract have no direct successor message: their fan-in is handled by the
// completion monitor at the embedded and extracted milestones.
func (p *Pipeline) advance(ctx context.Context, msg *queue.Message) error {
	switch msg.Stage {
	case model.StageParse, model.StageRetrieve:
		next, _ := msg.Stage.Next()
		return p.queue.Enqueue(ctx, queue.Message{
			AnalysisID: msg.AnalysisID,
			DocumentID: msg.DocumentID,
			Stage:      next,
		})
	default:
		return nil
	}
}

// failDocument records a permanent stage failure: the document becomes
// failed, then the owning analysis fails unconditionally. There is no
// partial-analysis success.
func (p *Pipeline) failDocument(ctx context.Context, analysisID, documentID string, stage model.PipelineStage, cause error) error {
	log := zap.L().With(
		zap.String("analysis_id", analysisID),
		zap.String("document_id", documentID),
		zap.String("stage", string(stage)),
	)
	log.Error("worker: permanent stage failure", zap.Error(cause))

	if err := p.store.UpdateDocumentStage(ctx, documentID, model.DocStageFailed); err != nil {
		log.Warn("worker: could not mark document failed", zap.Error(err))
	}

	won, err := p.store.FailAnalysis(ctx, analysisID)
	if err != nil {
		log.Warn("worker: could not mark analysis failed", zap.Error(err))
		return err
	}
	if won {
		log.Info("worker: analysis failed")
	}
	return nil
}

package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/finlens/kpiflow/internal/model"
	"github.com/finlens/kpiflow/internal/queue"
	"github.com/finlens/kpiflow/internal/store"
)

// Monitor is the join barrier of the pipeline: it fires on every document
// stage change, counts documents at or past each milestone, and triggers
// the milestone's pipeline-wide action exactly once. The count is derived
// from document rows on every trigger; there is no counter to drift. The
// ClaimMilestone conditional write makes the action exactly-once under
// at-least-once event delivery.
type Monitor struct {
	store  store.Store
	queue  queue.Queue
	merger *Merger
}

// OnStageChange evaluates all milestones for the analysis and runs the
// actions for any milestone newly reached.
func (m *Monitor) OnStageChange(ctx context.Context, analysisID string) error {
	a, err := m.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return nil
	}

	for _, milestone := range []model.Milestone{model.MilestoneEmbedded, model.MilestoneExtracted} {
		count, err := m.store.CountDocumentsAtOrPast(ctx, analysisID, milestone.Stage())
		if err != nil {
			return err
		}
		if count > a.ExpectedDocuments {
			zap.L().Error("monitor: document count exceeds expected",
				zap.String("analysis_id", analysisID),
				zap.String("milestone", string(milestone)),
				zap.Int("count", count),
				zap.Int("expected", a.ExpectedDocuments),
			)
			continue
		}
		if count < a.ExpectedDocuments {
			continue
		}

		won, err := m.store.ClaimMilestone(ctx, analysisID, milestone)
		if err != nil {
			return err
		}
		if !won {
			continue
		}
		zap.L().Info("monitor: milestone reached",
			zap.String("analysis_id", analysisID),
			zap.String("milestone", string(milestone)),
		)

		if err := m.runMilestone(ctx, a, milestone); err != nil {
			return err
		}
	}
	return nil
}

// runMilestone performs the pipeline-wide action for a freshly claimed
// milestone: embedded fans the analysis out into retrieval, extracted hands
// over to the output merger.
func (m *Monitor) runMilestone(ctx context.Context, a *model.Analysis, milestone model.Milestone) error {
	switch milestone {
	case model.MilestoneEmbedded:
		docs, err := m.store.ListDocuments(ctx, a.ID)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := m.queue.Enqueue(ctx, queue.Message{
				AnalysisID: a.ID,
				DocumentID: doc.ID,
				Stage:      model.StageRetrieve,
			}); err != nil {
				return err
			}
		}
		return nil
	case model.MilestoneExtracted:
		return m.merger.Merge(ctx, a)
	default:
		return nil
	}
}

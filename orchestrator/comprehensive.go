package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/wosledon/aireview/idempotency"
	"github.com/wosledon/aireview/model"
	"github.com/wosledon/aireview/notify"
)

// comprehensiveChildren is the pipeline order. The review runs first so its
// state transition lands before the analyses start.
var comprehensiveChildren = []model.JobKind{
	model.JobAIReview,
	model.JobRiskAnalysis,
	model.JobImprovements,
	model.JobPRSummary,
}

// RunComprehensive executes review, risk, improvements and summary as one
// sequential pipeline under a single claim. Each child takes its own claim
// too, so independently triggered duplicates collapse the usual way.
func (o *Orchestrator) RunComprehensive(ctx context.Context, reviewID int64) error {
	return o.runJob(ctx, model.JobComprehensive, reviewID, o.comprehensiveJob)
}

func (o *Orchestrator) comprehensiveJob(parent context.Context, exec *idempotency.Execution, review *model.ReviewRequest) (string, error) {
	kind := model.JobComprehensive
	ctx, cancel := context.WithTimeout(parent, o.cfg.ExecutionTimeout)
	defer cancel()

	var failures []error
	for i, child := range comprehensiveChildren {
		o.events.Progress(ctx, review.ID, kind, notify.PhaseDispatching,
			fmt.Sprintf("%d/%d jobs (%s)", i, len(comprehensiveChildren), child))
		o.progress(ctx, exec, review.ID, (100*i)/len(comprehensiveChildren), string(child))

		if err := o.runChild(ctx, child, review.ID); err != nil {
			if ctx.Err() != nil {
				o.finishFailed(parent, exec, kind, review.ID, ctx.Err())
				return outcomeFailed, fmt.Errorf("comprehensive interrupted at %s: %w", child, ctx.Err())
			}
			o.logger.Warn("comprehensive child failed",
				"review_id", review.ID, "child", child, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", child, err))
		}
	}

	switch {
	case len(failures) == 0:
		o.completeJob(parent, exec, kind, review.ID)
		o.logger.Info("comprehensive pipeline finished", "review_id", review.ID)
		return outcomeCompleted, nil
	case len(failures) == len(comprehensiveChildren):
		err := errors.Join(failures...)
		o.finishFailed(parent, exec, kind, review.ID, err)
		return outcomeFailed, err
	default:
		exec.SetCompletionMarker("partial")
		o.completeJob(parent, exec, kind, review.ID)
		o.logger.Warn("comprehensive pipeline finished with failed members",
			"review_id", review.ID, "failed", len(failures))
		return outcomePartial, nil
	}
}

// runChild executes one pipeline member through its normal entry point. A
// sibling already running the same job on another worker is waited on
// instead of duplicated; a completion inside the dedup window counts as
// done.
func (o *Orchestrator) runChild(ctx context.Context, kind model.JobKind, reviewID int64) error {
	err := o.Run(ctx, kind, reviewID)
	skip, ok := idempotency.AsSkip(err)
	if !ok {
		return err
	}
	if skip.Reason == idempotency.SkipRecentlyCompleted {
		return nil
	}

	status, err := o.claims.WaitForCompletion(ctx, kind, skip.EntityID, o.cfg.WaitPoll)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", kind, err)
	}
	if status.Status != model.JobCompleted {
		return fmt.Errorf("%s finished %s: %s", kind, status.Status, status.Error)
	}
	return nil
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/wosledon/aireview/chunk"
	"github.com/wosledon/aireview/diff"
	"github.com/wosledon/aireview/idempotency"
	"github.com/wosledon/aireview/llm"
	"github.com/wosledon/aireview/metrics"
	"github.com/wosledon/aireview/model"
	"github.com/wosledon/aireview/notify"
	"github.com/wosledon/aireview/parse"
	"github.com/wosledon/aireview/prompt"
	"github.com/wosledon/aireview/store"
)

// fallbackAuthor names the engine itself on notes it writes when a chunk
// could not be analysed.
const fallbackAuthor = "aireview-engine"

// RunReview executes the chunked AI review for a review request.
func (o *Orchestrator) RunReview(ctx context.Context, reviewID int64) error {
	return o.runJob(ctx, model.JobAIReview, reviewID, o.reviewJob)
}

// reviewJob is the review pipeline: diff, state transition, chunk fan-out,
// handover to human review. A chunk whose model call or parse fails turns
// into an Info note and the job carries on; hitting the execution timeout
// keeps everything persisted so far and completes the job as partial, with
// the review left in AIReviewing for a later resume.
func (o *Orchestrator) reviewJob(parent context.Context, exec *idempotency.Execution, review *model.ReviewRequest) (string, error) {
	kind := model.JobAIReview
	ctx, cancel := context.WithTimeout(parent, o.cfg.ExecutionTimeout)
	defer cancel()

	o.events.Progress(ctx, review.ID, kind, notify.PhasePreparing, "")
	o.progress(ctx, exec, review.ID, 5, string(notify.PhasePreparing))

	// The state transition waits until the diff fetch succeeds, so a review
	// whose branches are missing stays Pending and retriggerable.
	files, digest, err := o.changeSet(ctx, review)
	if err != nil {
		o.finishFailed(parent, exec, kind, review.ID, err)
		return outcomeFailed, err
	}

	if err := o.enterAIReviewing(ctx, review); err != nil {
		o.finishFailed(parent, exec, kind, review.ID, err)
		return outcomeFailed, err
	}

	chunks := o.chunker.Split(review.ID, files)
	metrics.ChunksPerReview.Observe(float64(len(chunks)))

	if len(chunks) == 0 {
		// Nothing reviewable: hand straight over with zero comments.
		o.logger.Info("change set empty after filtering", "review_id", review.ID)
		if err := o.finishReview(ctx, review); err != nil {
			o.finishFailed(parent, exec, kind, review.ID, err)
			return outcomeFailed, err
		}
		exec.SetCompletionMarker(digest)
		o.completeJob(parent, exec, kind, review.ID)
		return outcomeCompleted, nil
	}

	// Re-reviews replace the previous automated pass. Human comments stay.
	removed, err := o.store.Comments().DeleteAIByReview(ctx, review.ID)
	if err != nil {
		err = fmt.Errorf("clear previous automated comments: %w", err)
		o.finishFailed(parent, exec, kind, review.ID, err)
		return outcomeFailed, err
	}
	if removed > 0 {
		o.logger.Info("cleared previous automated comments",
			"review_id", review.ID, "removed", removed)
	}

	newSide := diff.NewSideLines(files)
	contextDigest := diff.Summarize(files).String()

	var persisted, failedChunks atomic.Int64
	o.events.Progress(ctx, review.ID, kind, notify.PhaseDispatching,
		fmt.Sprintf("0/%d chunks", len(chunks)))
	err = o.runChunks(ctx, exec, review.ID, kind, len(chunks), func(gctx context.Context, i int) error {
		n, fell, cerr := o.reviewChunk(gctx, review, chunks[i], newSide, contextDigest)
		if cerr != nil {
			return cerr
		}
		persisted.Add(int64(n))
		if fell {
			failedChunks.Add(1)
		}
		return nil
	})
	if err != nil {
		// Our own deadline, with the caller still alive, ends the job as a
		// partial completion. Chunks already persisted stand.
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			grace, gcancel := context.WithTimeout(context.WithoutCancel(parent), o.cfg.FinishGrace)
			defer gcancel()
			o.logger.Warn("review hit the execution timeout, keeping partial results",
				"review_id", review.ID,
				"chunks", len(chunks),
				"comments", persisted.Load())
			exec.SetCompletionMarker("partial:" + digest)
			o.events.Progress(grace, review.ID, kind, notify.PhaseFinalising, "timed out, results are partial")
			o.completeJob(grace, exec, kind, review.ID)
			return outcomePartial, nil
		}
		o.finishFailed(parent, exec, kind, review.ID, err)
		return outcomeFailed, err
	}

	o.events.Progress(ctx, review.ID, kind, notify.PhaseAggregating,
		fmt.Sprintf("%d comments", persisted.Load()))
	o.progress(ctx, exec, review.ID, 92, string(notify.PhaseAggregating))

	o.events.Progress(ctx, review.ID, kind, notify.PhaseFinalising, "")
	o.progress(ctx, exec, review.ID, 96, string(notify.PhaseFinalising))
	if err := o.finishReview(ctx, review); err != nil {
		o.finishFailed(parent, exec, kind, review.ID, err)
		return outcomeFailed, err
	}

	outcome := outcomeCompleted
	marker := digest
	if failedChunks.Load() > 0 {
		outcome = outcomePartial
		marker = "partial:" + digest
	}
	exec.SetCompletionMarker(marker)
	o.completeJob(parent, exec, kind, review.ID)
	o.logger.Info("review finished",
		"review_id", review.ID,
		"chunks", len(chunks),
		"failed_chunks", failedChunks.Load(),
		"comments", persisted.Load())
	return outcome, nil
}

// enterAIReviewing moves the review into AIReviewing. Reviews already there
// are resumptions of a partial run and pass through; every other state is a
// lifecycle violation.
func (o *Orchestrator) enterAIReviewing(ctx context.Context, review *model.ReviewRequest) error {
	switch review.State {
	case model.StateAIReviewing:
		return nil
	case model.StatePending:
	default:
		return fmt.Errorf("review %d is %s: %w", review.ID, review.State, errNotReviewable)
	}

	err := o.store.Reviews().UpdateState(ctx, review.ID, model.StatePending, model.StateAIReviewing)
	if err == nil {
		review.State = model.StateAIReviewing
		return nil
	}
	if errors.Is(err, store.ErrStateConflict) {
		fresh, ferr := o.store.Reviews().GetByID(ctx, review.ID)
		if ferr == nil && fresh.State == model.StateAIReviewing {
			*review = *fresh
			return nil
		}
		return fmt.Errorf("review %d changed state concurrently: %w", review.ID, errNotReviewable)
	}
	return fmt.Errorf("mark review %d AIReviewing: %w", review.ID, err)
}

// finishReview hands the review over to humans. Losing the guarded update
// means someone else already moved it on; the comments landed either way.
func (o *Orchestrator) finishReview(ctx context.Context, review *model.ReviewRequest) error {
	err := o.store.Reviews().UpdateState(ctx, review.ID, model.StateAIReviewing, model.StateHumanReview)
	if errors.Is(err, store.ErrStateConflict) {
		o.logger.Warn("review left AIReviewing before handover", "review_id", review.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("hand review %d to human review: %w", review.ID, err)
	}
	review.State = model.StateHumanReview
	return nil
}

// reviewChunk runs one chunk through prompt, model, parse and persistence.
// Model and parse failures degrade to a fallback note so one bad chunk
// never sinks the rest; prompt construction and persistence errors abort
// the job.
func (o *Orchestrator) reviewChunk(ctx context.Context, review *model.ReviewRequest, ch chunk.Chunk, newSide map[string]map[int]struct{}, contextDigest string) (persisted int, fellBack bool, err error) {
	p, err := o.prompts.Build(ctx, model.OperationReview, review, prompt.Input{
		Diff:          ch.Payload,
		FileList:      ch.Files,
		Language:      o.cfg.Language,
		ContextDigest: contextDigest,
	})
	if err != nil {
		return 0, false, fmt.Errorf("build review prompt: %w", err)
	}

	actx := attributed(ctx, review, model.OperationReview)
	resp, err := o.llm.Complete(actx, llm.Request{
		System:   p.System,
		Messages: []llm.Message{{Role: "user", Content: p.User}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		o.logger.Warn("chunk dispatch failed",
			"review_id", review.ID, "chunk", ch.ID, "error", err)
		return o.persistFallback(ctx, review.ID, ch, err)
	}

	result, err := o.parser.ParseReview(actx, resp.Text, newSide)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		metrics.ParseFailures.WithLabelValues(string(model.OperationReview)).Inc()
		o.logger.Warn("chunk output stayed unparseable",
			"review_id", review.ID, "chunk", ch.ID, "error", err)
		return o.persistFallback(ctx, review.ID, ch, err)
	}
	if result.Dropped > 0 {
		o.logger.Debug("dropped empty findings",
			"review_id", review.ID, "chunk", ch.ID, "dropped", result.Dropped)
	}

	comments := findingsToComments(review.ID, modelVersion(resp), result.Findings)
	if len(comments) == 0 {
		return 0, false, nil
	}
	if err := o.store.Comments().InsertBatch(ctx, comments); err != nil {
		return 0, false, fmt.Errorf("persist chunk comments: %w", err)
	}
	metrics.CommentsPersisted.Add(float64(len(comments)))
	return len(comments), false, nil
}

// persistFallback records the unanchored Info note standing in for a chunk
// that could not be analysed.
func (o *Orchestrator) persistFallback(ctx context.Context, reviewID int64, ch chunk.Chunk, cause error) (int, bool, error) {
	note := chunkFallbackComment(reviewID, ch, cause)
	if err := o.store.Comments().Insert(ctx, note); err != nil {
		return 0, false, fmt.Errorf("persist fallback note: %w", err)
	}
	metrics.CommentsPersisted.Add(1)
	return 1, true, nil
}

// chunkFallbackComment names the files the automated pass skipped so human
// reviewers know where coverage is missing.
func chunkFallbackComment(reviewID int64, ch chunk.Chunk, cause error) *model.ReviewComment {
	return &model.ReviewComment{
		ReviewID: reviewID,
		Severity: model.SeverityInfo,
		Category: model.CategoryQuality,
		Content: fmt.Sprintf("Automated review could not analyse %d file(s) in this change set: %s. Reason: %v.",
			len(ch.Files), strings.Join(ch.Files, ", "), cause),
		IsAIGenerated: true,
		AuthorName:    fallbackAuthor,
	}
}

func findingsToComments(reviewID int64, author string, findings []parse.Finding) []model.ReviewComment {
	out := make([]model.ReviewComment, 0, len(findings))
	for _, f := range findings {
		out = append(out, model.ReviewComment{
			ReviewID:      reviewID,
			FilePath:      f.FilePath,
			LineNumber:    f.LineNumber,
			Severity:      f.Severity,
			Category:      f.Category,
			Content:       f.Content,
			Suggestion:    f.Suggestion,
			IsAIGenerated: true,
			AuthorName:    author,
		})
	}
	return out
}

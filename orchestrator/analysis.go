package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wosledon/aireview/diff"
	"github.com/wosledon/aireview/idempotency"
	"github.com/wosledon/aireview/llm"
	"github.com/wosledon/aireview/metrics"
	"github.com/wosledon/aireview/model"
	"github.com/wosledon/aireview/notify"
	"github.com/wosledon/aireview/parse"
	"github.com/wosledon/aireview/prompt"
)

// RunRisk executes the risk assessment for a review request.
func (o *Orchestrator) RunRisk(ctx context.Context, reviewID int64) error {
	return o.runJob(ctx, model.JobRiskAnalysis, reviewID, o.riskJob)
}

// RunImprovements executes the improvement-suggestion analysis for a
// review request.
func (o *Orchestrator) RunImprovements(ctx context.Context, reviewID int64) error {
	return o.runJob(ctx, model.JobImprovements, reviewID, o.improvementsJob)
}

// RunSummary generates the pull-request summary for a review request.
func (o *Orchestrator) RunSummary(ctx context.Context, reviewID int64) error {
	return o.runJob(ctx, model.JobPRSummary, reviewID, o.summaryJob)
}

// analysisCall renders the prompt for op over one payload and runs it
// through the model under the review's usage attribution.
func (o *Orchestrator) analysisCall(ctx context.Context, review *model.ReviewRequest, op model.OperationType, payload string, fileList []string, contextDigest string) (*llm.Response, error) {
	p, err := o.prompts.Build(ctx, op, review, prompt.Input{
		Diff:          payload,
		FileList:      fileList,
		Language:      o.cfg.Language,
		ContextDigest: contextDigest,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s prompt: %w", op, err)
	}
	resp, err := o.llm.Complete(attributed(ctx, review, op), llm.Request{
		System:   p.System,
		Messages: []llm.Message{{Role: "user", Content: p.User}},
	})
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", op, err)
	}
	return resp, nil
}

// riskJob assesses the whole change set. Unlike the review job, any failed
// part fails the whole analysis: a risk score computed from half the change
// set would be wrong, not partial.
func (o *Orchestrator) riskJob(parent context.Context, exec *idempotency.Execution, review *model.ReviewRequest) (string, error) {
	kind := model.JobRiskAnalysis
	ctx, cancel := context.WithTimeout(parent, o.cfg.ExecutionTimeout)
	defer cancel()

	o.events.Progress(ctx, review.ID, kind, notify.PhasePreparing, "")
	o.progress(ctx, exec, review.ID, 5, string(notify.PhasePreparing))

	files, digest, err := o.changeSet(ctx, review)
	if err != nil {
		o.finishFailed(parent, exec, kind, review.ID, err)
		return outcomeFailed, err
	}

	assessment := &model.RiskAssessment{ReviewID: review.ID}
	chunks := o.chunker.Split(review.ID, files)
	if len(chunks) == 0 {
		assessment.RiskDescription = "The change set is empty; there is nothing to assess."
		assessment.ConfidenceScore = 1
	} else {
		results := make([]*parse.RiskResult, len(chunks))
		versions := make([]string, len(chunks))
		contextDigest := diff.Summarize(files).String()

		err = o.runChunks(ctx, exec, review.ID, kind, len(chunks), func(gctx context.Context, i int) error {
			resp, cerr := o.analysisCall(gctx, review, model.OperationRiskAnalysis, chunks[i].Payload, chunks[i].Files, contextDigest)
			if cerr != nil {
				return cerr
			}
			res, perr := o.parser.ParseRisk(gctx, resp.Text)
			if perr != nil {
				metrics.ParseFailures.WithLabelValues(string(model.OperationRiskAnalysis)).Inc()
				return perr
			}
			results[i] = res
			versions[i] = modelVersion(resp)
			return nil
		})
		if err != nil {
			o.finishFailed(parent, exec, kind, review.ID, err)
			return outcomeFailed, err
		}
		mergeRisk(assessment, results)
		assessment.AIModelVersion = versions[len(versions)-1]
	}

	o.events.Progress(ctx, review.ID, kind, notify.PhaseFinalising, "")
	o.progress(ctx, exec, review.ID, 95, string(notify.PhaseFinalising))
	if err := o.store.Analyses().UpsertRisk(ctx, assessment); err != nil {
		err = fmt.Errorf("persist risk assessment: %w", err)
		o.finishFailed(parent, exec, kind, review.ID, err)
		return outcomeFailed, err
	}

	exec.SetCompletionMarker(digest)
	o.completeJob(parent, exec, kind, review.ID)
	o.logger.Info("risk assessment finished",
		"review_id", review.ID,
		"overall", assessment.OverallRiskScore,
		"chunks", len(chunks))
	return outcomeCompleted, nil
}

// mergeRisk folds per-chunk assessments into one row. Each score takes the
// maximum across parts; the merged confidence is the minimum, since a
// stitched assessment is no more certain than its weakest part.
func mergeRisk(out *model.RiskAssessment, parts []*parse.RiskResult) {
	var descriptions, mitigations []string
	out.ConfidenceScore = 1
	for _, p := range parts {
		if p == nil {
			continue
		}
		out.OverallRiskScore = max(out.OverallRiskScore, p.OverallRiskScore)
		out.ComplexityRisk = max(out.ComplexityRisk, p.ComplexityRisk)
		out.SecurityRisk = max(out.SecurityRisk, p.SecurityRisk)
		out.PerformanceRisk = max(out.PerformanceRisk, p.PerformanceRisk)
		out.MaintainabilityRisk = max(out.MaintainabilityRisk, p.MaintainabilityRisk)
		if p.RiskDescription != "" {
			descriptions = append(descriptions, p.RiskDescription)
		}
		if p.MitigationSuggestion != "" {
			mitigations = append(mitigations, p.MitigationSuggestion)
		}
		out.ConfidenceScore = min(out.ConfidenceScore, p.ConfidenceScore)
	}
	out.RiskDescription = strings.Join(descriptions, "\n\n")
	out.MitigationSuggestion = strings.Join(mitigations, "\n\n")
}

// improvementsJob proposes concrete improvements over the change set and
// replaces the review's previous suggestion set with the union across
// chunks.
func (o *Orchestrator) improvementsJob(parent context.Context, exec *idempotency.Execution, review *model.ReviewRequest) (string, error) {
	kind := model.JobImprovements
	ctx, cancel := context.WithTimeout(parent, o.cfg.ExecutionTimeout)
	defer cancel()

	o.events.Progress(ctx, review.ID, kind, notify.PhasePreparing, "")
	o.progress(ctx, exec, review.ID, 5, string(notify.PhasePreparing))

	files, digest, err := o.changeSet(ctx, review)
	if err != nil {
		o.finishFailed(parent, exec, kind, review.ID, err)
		return outcomeFailed, err
	}

	var suggestions []model.ImprovementSuggestion
	chunks := o.chunker.Split(review.ID, files)
	if len(chunks) > 0 {
		perChunk := make([][]model.ImprovementSuggestion, len(chunks))
		contextDigest := diff.Summarize(files).String()

		err = o.runChunks(ctx, exec, review.ID, kind, len(chunks), func(gctx context.Context, i int) error {
			resp, cerr := o.analysisCall(gctx, review, model.OperationImprovements, chunks[i].Payload, chunks[i].Files, contextDigest)
			if cerr != nil {
				return cerr
			}
			res, perr := o.parser.ParseImprovements(gctx, resp.Text)
			if perr != nil {
				metrics.ParseFailures.WithLabelValues(string(model.OperationImprovements)).Inc()
				return perr
			}
			perChunk[i] = suggestionsToModel(review.ID, res.Suggestions)
			return nil
		})
		if err != nil {
			o.finishFailed(parent, exec, kind, review.ID, err)
			return outcomeFailed, err
		}
		for _, batch := range perChunk {
			suggestions = append(suggestions, batch...)
		}
	}

	o.events.Progress(ctx, review.ID, kind, notify.PhaseFinalising, "")
	o.progress(ctx, exec, review.ID, 95, string(notify.PhaseFinalising))
	// An empty change set still replaces: stale suggestions from a previous
	// revision must not survive.
	if err := o.store.Analyses().ReplaceSuggestions(ctx, review.ID, suggestions); err != nil {
		err = fmt.Errorf("persist improvement suggestions: %w", err)
		o.finishFailed(parent, exec, kind, review.ID, err)
		return outcomeFailed, err
	}

	exec.SetCompletionMarker(digest)
	o.completeJob(parent, exec, kind, review.ID)
	o.logger.Info("improvement analysis finished",
		"review_id", review.ID,
		"suggestions", len(suggestions),
		"chunks", len(chunks))
	return outcomeCompleted, nil
}

func suggestionsToModel(reviewID int64, in []parse.Suggestion) []model.ImprovementSuggestion {
	out := make([]model.ImprovementSuggestion, 0, len(in))
	for _, s := range in {
		out = append(out, model.ImprovementSuggestion{
			ReviewID:                 reviewID,
			Type:                     s.Type,
			Priority:                 s.Priority,
			Title:                    s.Title,
			Description:              s.Description,
			FilePath:                 s.FilePath,
			StartLine:                s.StartLine,
			EndLine:                  s.EndLine,
			OriginalCode:             s.OriginalCode,
			SuggestedCode:            s.SuggestedCode,
			Reasoning:                s.Reasoning,
			ExpectedBenefits:         s.ExpectedBenefits,
			ImplementationComplexity: s.ImplementationComplexity,
			ConfidenceScore:          s.ConfidenceScore,
		})
	}
	return out
}

// summaryJob generates the pull-request summary in a single model call.
// Change sets too large for one prompt are summarised from a condensed
// file-level listing instead of being chunked: a summary stitched from
// fragments reads like fragments.
func (o *Orchestrator) summaryJob(parent context.Context, exec *idempotency.Execution, review *model.ReviewRequest) (string, error) {
	kind := model.JobPRSummary
	ctx, cancel := context.WithTimeout(parent, o.cfg.ExecutionTimeout)
	defer cancel()

	o.events.Progress(ctx, review.ID, kind, notify.PhasePreparing, "")
	o.progress(ctx, exec, review.ID, 5, string(notify.PhasePreparing))

	files, digest, err := o.changeSet(ctx, review)
	if err != nil {
		o.finishFailed(parent, exec, kind, review.ID, err)
		return outcomeFailed, err
	}

	stats := diff.Summarize(files)
	statsJSON, _ := json.Marshal(stats)
	summary := &model.PullRequestSummary{
		ReviewID:         review.ID,
		ChangeStatistics: statsJSON,
	}

	if len(files) == 0 {
		summary.ChangeType = "None"
		summary.BreakingChangeRisk = "Low"
		summary.Summary = "No changes between the base and target branches."
	} else {
		payload, condensed := o.summaryPayload(review.ID, files)
		if condensed {
			o.logger.Info("summarising from the condensed file listing",
				"review_id", review.ID, "files", len(files))
		}

		o.events.Progress(ctx, review.ID, kind, notify.PhaseDispatching, "")
		o.progress(ctx, exec, review.ID, 40, string(notify.PhaseDispatching))
		resp, err := o.analysisCall(ctx, review, model.OperationPRSummary, payload, filePaths(files), stats.String())
		if err != nil {
			o.finishFailed(parent, exec, kind, review.ID, err)
			return outcomeFailed, err
		}
		res, err := o.parser.ParseSummary(ctx, resp.Text)
		if err != nil {
			metrics.ParseFailures.WithLabelValues(string(model.OperationPRSummary)).Inc()
			o.finishFailed(parent, exec, kind, review.ID, err)
			return outcomeFailed, err
		}
		fillSummary(summary, res, modelVersion(resp))
	}

	o.events.Progress(ctx, review.ID, kind, notify.PhaseFinalising, "")
	o.progress(ctx, exec, review.ID, 95, string(notify.PhaseFinalising))
	if err := o.store.Analyses().UpsertSummary(ctx, summary); err != nil {
		err = fmt.Errorf("persist pull request summary: %w", err)
		o.finishFailed(parent, exec, kind, review.ID, err)
		return outcomeFailed, err
	}

	exec.SetCompletionMarker(digest)
	o.completeJob(parent, exec, kind, review.ID)
	o.logger.Info("summary finished", "review_id", review.ID, "files", len(files))
	return outcomeCompleted, nil
}

// summaryPayload returns the prompt payload for the summary call: the full
// rendered diff when it fits one chunk, a condensed file listing otherwise.
func (o *Orchestrator) summaryPayload(reviewID int64, files []diff.File) (payload string, condensed bool) {
	chunks := o.chunker.Split(reviewID, files)
	if len(chunks) == 1 {
		return chunks[0].Payload, false
	}
	return condensedChangeSet(files), true
}

// condensedChangeSet renders a compact file-level view of a change set too
// large to send whole.
func condensedChangeSet(files []diff.File) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", diff.Summarize(files))
	for _, f := range files {
		switch {
		case f.IsBinary:
			fmt.Fprintf(&b, "%-8s %s (binary)\n", f.Status, f.Path)
		case f.Status == diff.StatusRenamed:
			fmt.Fprintf(&b, "%-8s %s -> %s (+%d/-%d)\n", f.Status, f.OldPath, f.Path, f.AddedLines, f.DeletedLines)
		default:
			fmt.Fprintf(&b, "%-8s %s (+%d/-%d)\n", f.Status, f.Path, f.AddedLines, f.DeletedLines)
		}
	}
	return b.String()
}

// fillSummary copies the decoded summary onto the row. Change statistics
// always come from the diff; model-reported numbers are discarded.
func fillSummary(out *model.PullRequestSummary, res *parse.SummaryResult, version string) {
	out.ChangeType = res.ChangeType
	out.BusinessImpact = res.BusinessImpact
	out.TechnicalImpact = res.TechnicalImpact
	out.BreakingChangeRisk = res.BreakingChangeRisk
	out.Summary = res.Summary
	out.DetailedDescription = res.DetailedDescription
	out.KeyChanges = res.KeyChanges
	out.ImpactAnalysis = res.ImpactAnalysis
	out.BackwardCompatibility = res.BackwardCompatibility
	out.PerformanceImpact = res.PerformanceImpact
	out.SecurityImpact = res.SecurityImpact
	out.TestingRecommendations = res.TestingRecommendations
	out.DeploymentConsiderations = res.DeploymentConsiderations
	out.DocumentationRequirements = res.DocumentationRequirements
	out.DependencyChanges = res.DependencyChanges
	out.AIModelVersion = version
}

func filePaths(files []diff.File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}

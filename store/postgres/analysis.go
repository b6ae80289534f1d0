package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/wosledon/aireview/model"
)

type analysisRepo struct {
	db *sqlx.DB
}

const upsertRiskSQL = `
INSERT INTO risk_assessments
    (review_id, overall_risk_score, complexity_risk, security_risk,
     performance_risk, maintainability_risk, risk_description,
     mitigation_suggestions, confidence_score, ai_model_version, created_at)
VALUES
    (:review_id, :overall_risk_score, :complexity_risk, :security_risk,
     :performance_risk, :maintainability_risk, :risk_description,
     :mitigation_suggestions, :confidence_score, :ai_model_version, :created_at)
ON CONFLICT (review_id) DO UPDATE SET
    overall_risk_score     = EXCLUDED.overall_risk_score,
    complexity_risk        = EXCLUDED.complexity_risk,
    security_risk          = EXCLUDED.security_risk,
    performance_risk       = EXCLUDED.performance_risk,
    maintainability_risk   = EXCLUDED.maintainability_risk,
    risk_description       = EXCLUDED.risk_description,
    mitigation_suggestions = EXCLUDED.mitigation_suggestions,
    confidence_score       = EXCLUDED.confidence_score,
    ai_model_version       = EXCLUDED.ai_model_version,
    created_at             = EXCLUDED.created_at`

func (r *analysisRepo) UpsertRisk(ctx context.Context, assessment *model.RiskAssessment) error {
	if assessment.CreatedAt.IsZero() {
		assessment.CreatedAt = time.Now().UTC()
	}
	if _, err := r.db.NamedExecContext(ctx, upsertRiskSQL, assessment); err != nil {
		return fmt.Errorf("upsert risk for review %d: %w", assessment.ReviewID, err)
	}
	return nil
}

const insertSuggestionSQL = `
INSERT INTO improvement_suggestions
    (id, review_id, type, priority, title, description, file_path,
     start_line, end_line, original_code, suggested_code, reasoning,
     expected_benefits, implementation_complexity, confidence_score, created_at)
VALUES
    (:id, :review_id, :type, :priority, :title, :description, :file_path,
     :start_line, :end_line, :original_code, :suggested_code, :reasoning,
     :expected_benefits, :implementation_complexity, :confidence_score, :created_at)`

// ReplaceSuggestions swaps the review's whole suggestion set in one
// transaction, so a rerun never leaves two generations interleaved.
func (r *analysisRepo) ReplaceSuggestions(ctx context.Context, reviewID int64, suggestions []model.ImprovementSuggestion) error {
	now := time.Now().UTC()
	for i := range suggestions {
		suggestions[i].ReviewID = reviewID
		if suggestions[i].ID == "" {
			suggestions[i].ID = uuid.NewString()
		}
		if suggestions[i].CreatedAt.IsZero() {
			suggestions[i].CreatedAt = now
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin suggestion replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM improvement_suggestions WHERE review_id = $1`, reviewID); err != nil {
		return fmt.Errorf("clear suggestions for review %d: %w", reviewID, err)
	}
	if len(suggestions) > 0 {
		if _, err := tx.NamedExecContext(ctx, insertSuggestionSQL, suggestions); err != nil {
			return fmt.Errorf("insert %d suggestions for review %d: %w",
				len(suggestions), reviewID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit suggestion replace: %w", err)
	}
	return nil
}

const upsertSummarySQL = `
INSERT INTO pull_request_summaries
    (review_id, change_type, business_impact, technical_impact,
     breaking_change_risk, summary, detailed_description, key_changes,
     impact_analysis, change_statistics, backward_compatibility,
     performance_impact, security_impact, testing_recommendations,
     deployment_considerations, documentation_requirements,
     dependency_changes, ai_model_version, created_at)
VALUES
    (:review_id, :change_type, :business_impact, :technical_impact,
     :breaking_change_risk, :summary, :detailed_description, :key_changes,
     :impact_analysis, :change_statistics, :backward_compatibility,
     :performance_impact, :security_impact, :testing_recommendations,
     :deployment_considerations, :documentation_requirements,
     :dependency_changes, :ai_model_version, :created_at)
ON CONFLICT (review_id) DO UPDATE SET
    change_type                = EXCLUDED.change_type,
    business_impact            = EXCLUDED.business_impact,
    technical_impact           = EXCLUDED.technical_impact,
    breaking_change_risk       = EXCLUDED.breaking_change_risk,
    summary                    = EXCLUDED.summary,
    detailed_description       = EXCLUDED.detailed_description,
    key_changes                = EXCLUDED.key_changes,
    impact_analysis            = EXCLUDED.impact_analysis,
    change_statistics          = EXCLUDED.change_statistics,
    backward_compatibility     = EXCLUDED.backward_compatibility,
    performance_impact         = EXCLUDED.performance_impact,
    security_impact            = EXCLUDED.security_impact,
    testing_recommendations    = EXCLUDED.testing_recommendations,
    deployment_considerations  = EXCLUDED.deployment_considerations,
    documentation_requirements = EXCLUDED.documentation_requirements,
    dependency_changes         = EXCLUDED.dependency_changes,
    ai_model_version           = EXCLUDED.ai_model_version,
    created_at                 = EXCLUDED.created_at`

func (r *analysisRepo) UpsertSummary(ctx context.Context, s *model.PullRequestSummary) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if _, err := r.db.NamedExecContext(ctx, upsertSummarySQL, s); err != nil {
		return fmt.Errorf("upsert summary for review %d: %w", s.ReviewID, err)
	}
	return nil
}

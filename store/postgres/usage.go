package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/wosledon/aireview/model"
)

type usageRepo struct {
	db *sqlx.DB
}

const insertUsageSQL = `
INSERT INTO token_usage_records
    (id, user_id, project_id, review_request_id, llm_configuration_id,
     provider, model, operation_type, prompt_tokens, completion_tokens,
     total_tokens, prompt_cost, completion_cost, total_cost, is_successful,
     error_message, response_time_ms, was_cache_hit, cost_unknown, created_at)
VALUES
    (:id, :user_id, :project_id, :review_request_id, :llm_configuration_id,
     :provider, :model, :operation_type, :prompt_tokens, :completion_tokens,
     :total_tokens, :prompt_cost, :completion_cost, :total_cost, :is_successful,
     :error_message, :response_time_ms, :was_cache_hit, :cost_unknown, :created_at)`

func (r *usageRepo) Insert(ctx context.Context, rec *model.TokenUsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, err := r.db.NamedExecContext(ctx, insertUsageSQL, rec); err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const sumUsageByUserSQL = `
SELECT count(*)                           AS calls,
       COALESCE(SUM(prompt_tokens), 0)     AS prompt_tokens,
       COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
       COALESCE(SUM(total_tokens), 0)      AS total_tokens,
       COALESCE(SUM(total_cost), 0)        AS total_cost
FROM token_usage_records
WHERE user_id = $1 AND created_at >= $2 AND created_at < $3`

func (r *usageRepo) SumByUser(ctx context.Context, userID int64, from, to time.Time) (*model.UsageStats, error) {
	var stats model.UsageStats
	if err := r.db.GetContext(ctx, &stats, sumUsageByUserSQL, userID, from, to); err != nil {
		return nil, fmt.Errorf("sum usage for user %d: %w", userID, err)
	}
	return &stats, nil
}

const sumUsageByProjectSQL = `
SELECT count(*)                           AS calls,
       COALESCE(SUM(prompt_tokens), 0)     AS prompt_tokens,
       COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
       COALESCE(SUM(total_tokens), 0)      AS total_tokens,
       COALESCE(SUM(total_cost), 0)        AS total_cost
FROM token_usage_records
WHERE project_id = $1 AND created_at >= $2 AND created_at < $3`

func (r *usageRepo) SumByProject(ctx context.Context, projectID int64, from, to time.Time) (*model.UsageStats, error) {
	var stats model.UsageStats
	if err := r.db.GetContext(ctx, &stats, sumUsageByProjectSQL, projectID, from, to); err != nil {
		return nil, fmt.Errorf("sum usage for project %d: %w", projectID, err)
	}
	return &stats, nil
}

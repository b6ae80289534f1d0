package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OperationType attributes token usage and selects prompt templates.
type OperationType string

const (
	// OperationReview is the per-chunk code review task.
	OperationReview OperationType = "Review"

	// OperationRiskAnalysis is the change-set risk scoring task.
	OperationRiskAnalysis OperationType = "RiskAnalysis"

	// OperationPRSummary is the pull-request summary task.
	OperationPRSummary OperationType = "PullRequestSummary"

	// OperationImprovements is the improvement-suggestion task.
	OperationImprovements OperationType = "ImprovementSuggestions"
)

// TokenUsageRecord is one append-only accounting row per LLM call.
// Invariant: TotalTokens = PromptTokens + CompletionTokens and
// TotalCost = PromptCost + CompletionCost.
type TokenUsageRecord struct {
	ID                 string          `json:"id" db:"id"`
	UserID             int64           `json:"userId" db:"user_id"`
	ProjectID          *int64          `json:"projectId,omitempty" db:"project_id"`
	ReviewRequestID    *int64          `json:"reviewRequestId,omitempty" db:"review_request_id"`
	LLMConfigurationID string          `json:"llmConfigurationId" db:"llm_configuration_id"`
	Provider           string          `json:"provider" db:"provider"`
	Model              string          `json:"model" db:"model"`
	OperationType      OperationType   `json:"operationType" db:"operation_type"`
	PromptTokens       int             `json:"promptTokens" db:"prompt_tokens"`
	CompletionTokens   int             `json:"completionTokens" db:"completion_tokens"`
	TotalTokens        int             `json:"totalTokens" db:"total_tokens"`
	PromptCost         decimal.Decimal `json:"promptCost" db:"prompt_cost"`
	CompletionCost     decimal.Decimal `json:"completionCost" db:"completion_cost"`
	TotalCost          decimal.Decimal `json:"totalCost" db:"total_cost"`
	IsSuccessful       bool            `json:"isSuccessful" db:"is_successful"`
	ErrorMessage       string          `json:"errorMessage,omitempty" db:"error_message"`
	ResponseTimeMs     int64           `json:"responseTimeMs" db:"response_time_ms"`
	WasCacheHit        bool            `json:"wasCacheHit" db:"was_cache_hit"`
	CostUnknown        bool            `json:"costUnknown" db:"cost_unknown"`
	CreatedAt          time.Time       `json:"createdAt" db:"created_at"`
}

// UsageStats is the aggregation result over a set of usage rows.
type UsageStats struct {
	Calls            int64           `json:"calls" db:"calls"`
	PromptTokens     int64           `json:"promptTokens" db:"prompt_tokens"`
	CompletionTokens int64           `json:"completionTokens" db:"completion_tokens"`
	TotalTokens      int64           `json:"totalTokens" db:"total_tokens"`
	TotalCost        decimal.Decimal `json:"totalCost" db:"total_cost"`
}

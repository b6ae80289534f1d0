// Package store defines the persistence contracts of the review engine.
// The interfaces here are the only thing the pipeline depends on; the
// concrete Postgres implementation lives in store/postgres so tests can
// substitute in-memory fakes without dragging in a database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/wosledon/aireview/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrStateConflict is returned by UpdateState when the row's current state
// no longer matches the expected previous state. Callers re-read and decide
// whether the competing transition makes their own work moot.
var ErrStateConflict = errors.New("store: review state changed concurrently")

// ReviewRepo reads and mutates review requests.
type ReviewRepo interface {
	GetByID(ctx context.Context, id int64) (*model.ReviewRequest, error)

	// UpdateState persists a lifecycle transition guarded by the expected
	// previous state, so two workers cannot both win the same edge.
	// Returns ErrStateConflict when the guard fails.
	UpdateState(ctx context.Context, id int64, from, to model.ReviewState) error
}

// CommentRepo persists review comments.
type CommentRepo interface {
	Insert(ctx context.Context, c *model.ReviewComment) error

	// InsertBatch writes all comments in a single transaction. Either the
	// whole batch lands or none of it does.
	InsertBatch(ctx context.Context, comments []model.ReviewComment) error

	// DeleteAIByReview removes AI-generated comments for a review and
	// reports how many were deleted. Human comments are never touched.
	DeleteAIByReview(ctx context.Context, reviewID int64) (int64, error)

	ListByReview(ctx context.Context, reviewID int64) ([]model.ReviewComment, error)
}

// AnalysisRepo persists analysis artifacts. Each review holds at most one
// risk assessment and one summary; regeneration overwrites in place.
// Suggestions are replaced wholesale so a rerun never mixes generations.
type AnalysisRepo interface {
	UpsertRisk(ctx context.Context, r *model.RiskAssessment) error
	ReplaceSuggestions(ctx context.Context, reviewID int64, suggestions []model.ImprovementSuggestion) error
	UpsertSummary(ctx context.Context, s *model.PullRequestSummary) error
}

// UsageRepo persists token usage rows and serves billing aggregates.
type UsageRepo interface {
	Insert(ctx context.Context, rec *model.TokenUsageRecord) error
	SumByUser(ctx context.Context, userID int64, from, to time.Time) (*model.UsageStats, error)
	SumByProject(ctx context.Context, projectID int64, from, to time.Time) (*model.UsageStats, error)
}

// PromptRepo resolves prompt templates.
type PromptRepo interface {
	// Resolve returns the newest template for (projectID, op). A non-nil
	// projectID searches the project scope first and falls back to the
	// global scope; nil asks for the global default directly. ErrNotFound
	// means neither scope has a row.
	Resolve(ctx context.Context, projectID *int64, op model.OperationType) (*model.PromptTemplate, error)
}

// Store bundles every repository the engine wires at startup.
type Store interface {
	Reviews() ReviewRepo
	Comments() CommentRepo
	Analyses() AnalysisRepo
	Usage() UsageRepo
	Prompts() PromptRepo
}

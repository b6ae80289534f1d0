package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/wosledon/aireview/model"
	"github.com/wosledon/aireview/store"
)

type reviewRepo struct {
	db *sqlx.DB
}

const selectReviewSQL = `
SELECT id, project_id, title, target_branch, base_branch,
       pull_request_number, author_id, state, created_at, updated_at
FROM review_requests
WHERE id = $1`

func (r *reviewRepo) GetByID(ctx context.Context, id int64) (*model.ReviewRequest, error) {
	var rev model.ReviewRequest
	err := r.db.GetContext(ctx, &rev, selectReviewSQL, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get review %d: %w", id, err)
	}
	return &rev, nil
}

const updateReviewStateSQL = `
UPDATE review_requests
SET state = $1, updated_at = now()
WHERE id = $2 AND state = $3`

func (r *reviewRepo) UpdateState(ctx context.Context, id int64, from, to model.ReviewState) error {
	res, err := r.db.ExecContext(ctx, updateReviewStateSQL, to, id, from)
	if err != nil {
		return fmt.Errorf("update review %d state: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update review %d state: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	// Zero rows means either the review is gone or another writer moved
	// it first. Distinguish so callers can treat the two differently.
	var exists bool
	if err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM review_requests WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("update review %d state: %w", id, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrStateConflict
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/wosledon/aireview/model"
)

type commentRepo struct {
	db *sqlx.DB
}

const insertCommentSQL = `
INSERT INTO review_comments
    (id, review_id, file_path, line_number, severity, category,
     content, suggestion, is_ai_generated, author_name, created_at)
VALUES
    (:id, :review_id, :file_path, :line_number, :severity, :category,
     :content, :suggestion, :is_ai_generated, :author_name, :created_at)`

func prepareComment(c *model.ReviewComment) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
}

func (r *commentRepo) Insert(ctx context.Context, c *model.ReviewComment) error {
	prepareComment(c)
	if _, err := r.db.NamedExecContext(ctx, insertCommentSQL, c); err != nil {
		return fmt.Errorf("insert comment for review %d: %w", c.ReviewID, err)
	}
	return nil
}

// InsertBatch writes all comments in one transaction. Chunk results land
// atomically: a failed batch leaves no stragglers behind.
func (r *commentRepo) InsertBatch(ctx context.Context, comments []model.ReviewComment) error {
	if len(comments) == 0 {
		return nil
	}
	for i := range comments {
		prepareComment(&comments[i])
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin comment batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx, insertCommentSQL, comments); err != nil {
		return fmt.Errorf("insert %d comments for review %d: %w",
			len(comments), comments[0].ReviewID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit comment batch: %w", err)
	}
	return nil
}

func (r *commentRepo) DeleteAIByReview(ctx context.Context, reviewID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM review_comments WHERE review_id = $1 AND is_ai_generated`, reviewID)
	if err != nil {
		return 0, fmt.Errorf("delete ai comments for review %d: %w", reviewID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete ai comments for review %d: %w", reviewID, err)
	}
	return n, nil
}

const listCommentsSQL = `
SELECT id, review_id, file_path, line_number, severity, category,
       content, suggestion, is_ai_generated, author_name, created_at
FROM review_comments
WHERE review_id = $1
ORDER BY file_path, COALESCE(line_number, 0), created_at`

func (r *commentRepo) ListByReview(ctx context.Context, reviewID int64) ([]model.ReviewComment, error) {
	var comments []model.ReviewComment
	if err := r.db.SelectContext(ctx, &comments, listCommentsSQL, reviewID); err != nil {
		return nil, fmt.Errorf("list comments for review %d: %w", reviewID, err)
	}
	return comments, nil
}

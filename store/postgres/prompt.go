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

type promptRepo struct {
	db *sqlx.DB
}

// Project scope outranks global; within a scope the newest version wins.
const resolveScopedPromptSQL = `
SELECT id, project_id, type, version, schema_version, body, created_at
FROM prompt_templates
WHERE type = $1 AND (project_id = $2 OR project_id IS NULL)
ORDER BY (project_id IS NOT NULL) DESC, version DESC
LIMIT 1`

const resolveGlobalPromptSQL = `
SELECT id, project_id, type, version, schema_version, body, created_at
FROM prompt_templates
WHERE type = $1 AND project_id IS NULL
ORDER BY version DESC
LIMIT 1`

func (r *promptRepo) Resolve(ctx context.Context, projectID *int64, op model.OperationType) (*model.PromptTemplate, error) {
	var (
		tpl model.PromptTemplate
		err error
	)
	if projectID != nil {
		err = r.db.GetContext(ctx, &tpl, resolveScopedPromptSQL, op, *projectID)
	} else {
		err = r.db.GetContext(ctx, &tpl, resolveGlobalPromptSQL, op)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve template %s: %w", op, err)
	}
	return &tpl, nil
}

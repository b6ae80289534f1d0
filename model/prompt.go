package model

import "time"

// PromptTemplate is a versioned prompt body resolved by (projectID, type).
// A nil ProjectID marks the global default for that type. Templates are
// immutable per version; edits create a new version.
type PromptTemplate struct {
	ID            string        `json:"id" db:"id"`
	ProjectID     *int64        `json:"projectId,omitempty" db:"project_id"`
	Type          OperationType `json:"type" db:"type"`
	Version       int           `json:"version" db:"version"`
	SchemaVersion string        `json:"schemaVersion" db:"schema_version"`
	Body          string        `json:"body" db:"body"`
	Variables     []string      `json:"variables" db:"-"`
	CreatedAt     time.Time     `json:"createdAt" db:"created_at"`
}

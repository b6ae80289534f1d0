package model

import (
	"strings"
	"time"
)

// Severity grades how serious a review finding is.
type Severity string

const (
	// SeverityInfo is informational; also the clamp target for unknown values.
	SeverityInfo Severity = "Info"

	// SeverityWarning flags something that should probably change.
	SeverityWarning Severity = "Warning"

	// SeverityError flags a defect.
	SeverityError Severity = "Error"

	// SeverityCritical flags a defect that must not ship.
	SeverityCritical Severity = "Critical"
)

// Category classifies the concern a review finding is about.
type Category string

const (
	// CategoryQuality covers general code quality; also the clamp target
	// for unknown values.
	CategoryQuality Category = "Quality"

	// CategorySecurity covers vulnerabilities and unsafe handling.
	CategorySecurity Category = "Security"

	// CategoryPerformance covers speed and allocation concerns.
	CategoryPerformance Category = "Performance"

	// CategoryStyle covers formatting and naming.
	CategoryStyle Category = "Style"

	// CategoryBug covers functional defects.
	CategoryBug Category = "Bug"

	// CategoryDocumentation covers missing or wrong docs.
	CategoryDocumentation Category = "Documentation"
)

// ParseSeverity maps free-form LLM output onto a known severity,
// clamping anything unrecognised to Info.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning", "warn":
		return SeverityWarning
	case "error":
		return SeverityError
	case "critical", "blocker":
		return SeverityCritical
	case "info", "information", "informational":
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

// ParseCategory maps free-form LLM output onto a known category,
// clamping anything unrecognised to Quality.
func ParseCategory(s string) Category {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "security":
		return CategorySecurity
	case "performance", "perf":
		return CategoryPerformance
	case "style", "formatting":
		return CategoryStyle
	case "bug", "defect", "correctness":
		return CategoryBug
	case "documentation", "docs":
		return CategoryDocumentation
	case "quality", "maintainability":
		return CategoryQuality
	default:
		return CategoryQuality
	}
}

// ReviewComment is a single finding attached to a review, either produced
// by the AI pipeline or entered by a human. Immutable after creation except
// for deletion by its author or a project admin.
type ReviewComment struct {
	ID            string    `json:"id" db:"id"`
	ReviewID      int64     `json:"reviewId" db:"review_id"`
	FilePath      string    `json:"filePath,omitempty" db:"file_path"`
	LineNumber    *int      `json:"lineNumber,omitempty" db:"line_number"`
	Severity      Severity  `json:"severity" db:"severity"`
	Category      Category  `json:"category" db:"category"`
	Content       string    `json:"content" db:"content"`
	Suggestion    string    `json:"suggestion,omitempty" db:"suggestion"`
	IsAIGenerated bool      `json:"isAIGenerated" db:"is_ai_generated"`
	AuthorName    string    `json:"authorName,omitempty" db:"author_name"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

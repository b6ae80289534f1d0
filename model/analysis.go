package model

import (
	"encoding/json"
	"time"
)

// RiskAssessment scores the overall risk of a review's change set.
// At most one exists per review; regeneration replaces the previous row.
type RiskAssessment struct {
	ReviewID             int64     `json:"reviewId" db:"review_id"`
	OverallRiskScore     int       `json:"overallRiskScore" db:"overall_risk_score"`
	ComplexityRisk       int       `json:"complexityRisk" db:"complexity_risk"`
	SecurityRisk         int       `json:"securityRisk" db:"security_risk"`
	PerformanceRisk      int       `json:"performanceRisk" db:"performance_risk"`
	MaintainabilityRisk  int       `json:"maintainabilityRisk" db:"maintainability_risk"`
	RiskDescription      string    `json:"riskDescription" db:"risk_description"`
	MitigationSuggestion string    `json:"mitigationSuggestions" db:"mitigation_suggestions"`
	ConfidenceScore      float64   `json:"confidenceScore" db:"confidence_score"`
	AIModelVersion       string    `json:"aiModelVersion" db:"ai_model_version"`
	CreatedAt            time.Time `json:"createdAt" db:"created_at"`
}

// ImprovementSuggestion is one concrete, optionally code-anchored proposal
// for improving the change set. Many may exist per review; regeneration
// replaces the whole set.
type ImprovementSuggestion struct {
	ID                       string    `json:"id" db:"id"`
	ReviewID                 int64     `json:"reviewId" db:"review_id"`
	Type                     string    `json:"type" db:"type"`
	Priority                 string    `json:"priority" db:"priority"`
	Title                    string    `json:"title" db:"title"`
	Description              string    `json:"description" db:"description"`
	FilePath                 string    `json:"filePath,omitempty" db:"file_path"`
	StartLine                *int      `json:"startLine,omitempty" db:"start_line"`
	EndLine                  *int      `json:"endLine,omitempty" db:"end_line"`
	OriginalCode             string    `json:"originalCode,omitempty" db:"original_code"`
	SuggestedCode            string    `json:"suggestedCode,omitempty" db:"suggested_code"`
	Reasoning                string    `json:"reasoning,omitempty" db:"reasoning"`
	ExpectedBenefits         string    `json:"expectedBenefits,omitempty" db:"expected_benefits"`
	ImplementationComplexity int       `json:"implementationComplexity" db:"implementation_complexity"`
	ConfidenceScore          float64   `json:"confidenceScore" db:"confidence_score"`
	CreatedAt                time.Time `json:"createdAt" db:"created_at"`
}

// PullRequestSummary is the generated high-level description of a change
// set. At most one exists per review; regeneration replaces it.
type PullRequestSummary struct {
	ReviewID                  int64           `json:"reviewId" db:"review_id"`
	ChangeType                string          `json:"changeType" db:"change_type"`
	BusinessImpact            string          `json:"businessImpact" db:"business_impact"`
	TechnicalImpact           string          `json:"technicalImpact" db:"technical_impact"`
	BreakingChangeRisk        string          `json:"breakingChangeRisk" db:"breaking_change_risk"`
	Summary                   string          `json:"summary" db:"summary"`
	DetailedDescription       string          `json:"detailedDescription" db:"detailed_description"`
	KeyChanges                string          `json:"keyChanges" db:"key_changes"`
	ImpactAnalysis            string          `json:"impactAnalysis" db:"impact_analysis"`
	ChangeStatistics          json.RawMessage `json:"changeStatistics,omitempty" db:"change_statistics"`
	BackwardCompatibility     string          `json:"backwardCompatibility,omitempty" db:"backward_compatibility"`
	PerformanceImpact         string          `json:"performanceImpact,omitempty" db:"performance_impact"`
	SecurityImpact            string          `json:"securityImpact,omitempty" db:"security_impact"`
	TestingRecommendations    string          `json:"testingRecommendations,omitempty" db:"testing_recommendations"`
	DeploymentConsiderations  string          `json:"deploymentConsiderations,omitempty" db:"deployment_considerations"`
	DocumentationRequirements string          `json:"documentationRequirements,omitempty" db:"documentation_requirements"`
	DependencyChanges         string          `json:"dependencyChanges,omitempty" db:"dependency_changes"`
	AIModelVersion            string          `json:"aiModelVersion" db:"ai_model_version"`
	CreatedAt                 time.Time       `json:"createdAt" db:"created_at"`
}

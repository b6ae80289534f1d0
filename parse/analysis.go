package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	riskSchemaHint = `{"overallRiskScore":0,"complexityRisk":0,"securityRisk":0,"performanceRisk":0,"maintainabilityRisk":0,"riskDescription":"string","mitigationSuggestions":"string","confidenceScore":0.0}`

	improvementsSchemaHint = `{"suggestions":[{"type":"string","priority":"High|Medium|Low","title":"string","description":"string","filePath":"string","startLine":1,"endLine":2,"originalCode":"string","suggestedCode":"string","reasoning":"string","expectedBenefits":"string","implementationComplexity":1,"confidenceScore":0.0}]}`

	summarySchemaHint = `{"changeType":"string","businessImpact":"string","technicalImpact":"string","breakingChangeRisk":"Low|Medium|High","summary":"string","detailedDescription":"string","keyChanges":"string","impactAnalysis":"string","changeStatistics":{},"backwardCompatibility":"string","performanceImpact":"string","securityImpact":"string","testingRecommendations":"string","deploymentConsiderations":"string","documentationRequirements":"string","dependencyChanges":"string"}`
)

type riskEnvelope struct {
	OverallRiskScore     flexInt    `json:"overallRiskScore"`
	ComplexityRisk       flexInt    `json:"complexityRisk"`
	SecurityRisk         flexInt    `json:"securityRisk"`
	PerformanceRisk      flexInt    `json:"performanceRisk"`
	MaintainabilityRisk  flexInt    `json:"maintainabilityRisk"`
	RiskDescription      flexString `json:"riskDescription"`
	MitigationSuggestion flexString `json:"mitigationSuggestions"`
	ConfidenceScore      flexFloat  `json:"confidenceScore"`
}

// RiskResult is the decoded risk assessment with scores clamped to
// [0,100] and confidence to [0,1].
type RiskResult struct {
	OverallRiskScore     int
	ComplexityRisk       int
	SecurityRisk         int
	PerformanceRisk      int
	MaintainabilityRisk  int
	RiskDescription      string
	MitigationSuggestion string
	ConfidenceScore      float64
	Raw                  string
}

// ParseRisk decodes a risk-analysis response.
func (p *Parser) ParseRisk(ctx context.Context, raw string) (*RiskResult, error) {
	var env riskEnvelope
	err := p.decode(ctx, raw, riskSchemaHint, func(data []byte) error {
		env = riskEnvelope{}
		return json.Unmarshal(data, &env)
	})
	if err != nil {
		return nil, err
	}
	return &RiskResult{
		OverallRiskScore:     clampScore(int(env.OverallRiskScore)),
		ComplexityRisk:       clampScore(int(env.ComplexityRisk)),
		SecurityRisk:         clampScore(int(env.SecurityRisk)),
		PerformanceRisk:      clampScore(int(env.PerformanceRisk)),
		MaintainabilityRisk:  clampScore(int(env.MaintainabilityRisk)),
		RiskDescription:      strings.TrimSpace(env.RiskDescription.String()),
		MitigationSuggestion: strings.TrimSpace(env.MitigationSuggestion.String()),
		ConfidenceScore:      clampUnit(float64(env.ConfidenceScore)),
		Raw:                  raw,
	}, nil
}

type improvementsEnvelope struct {
	Suggestions []suggestionPayload `json:"suggestions"`
}

type suggestionPayload struct {
	Type                     string     `json:"type"`
	Priority                 string     `json:"priority"`
	Title                    string     `json:"title"`
	Description              flexString `json:"description"`
	FilePath                 string     `json:"filePath"`
	StartLine                *flexInt   `json:"startLine"`
	EndLine                  *flexInt   `json:"endLine"`
	OriginalCode             string     `json:"originalCode"`
	SuggestedCode            string     `json:"suggestedCode"`
	Reasoning                flexString `json:"reasoning"`
	ExpectedBenefits         flexString `json:"expectedBenefits"`
	ImplementationComplexity flexInt    `json:"implementationComplexity"`
	ConfidenceScore          flexFloat  `json:"confidenceScore"`
}

// Suggestion is one decoded improvement proposal.
type Suggestion struct {
	Type                     string
	Priority                 string
	Title                    string
	Description              string
	FilePath                 string
	StartLine                *int
	EndLine                  *int
	OriginalCode             string
	SuggestedCode            string
	Reasoning                string
	ExpectedBenefits         string
	ImplementationComplexity int
	ConfidenceScore          float64
}

// ImprovementsResult is the decoded improvement-suggestion envelope.
type ImprovementsResult struct {
	Suggestions []Suggestion

	// Dropped counts suggestions discarded for having neither title nor
	// description.
	Dropped int

	Raw string
}

// ParseImprovements decodes an improvement-suggestions response.
func (p *Parser) ParseImprovements(ctx context.Context, raw string) (*ImprovementsResult, error) {
	var env improvementsEnvelope
	err := p.decode(ctx, raw, improvementsSchemaHint, func(data []byte) error {
		env = improvementsEnvelope{}
		return decodeEnvelope(data, &env, &env.Suggestions)
	})
	if err != nil {
		return nil, err
	}

	res := &ImprovementsResult{Raw: raw}
	for _, s := range env.Suggestions {
		title := strings.TrimSpace(s.Title)
		desc := strings.TrimSpace(s.Description.String())
		if title == "" && desc == "" {
			res.Dropped++
			continue
		}
		if title == "" {
			title = firstLine(desc)
		}
		sg := Suggestion{
			Type:                     strings.TrimSpace(s.Type),
			Priority:                 normalizePriority(s.Priority),
			Title:                    title,
			Description:              desc,
			FilePath:                 strings.TrimSpace(s.FilePath),
			OriginalCode:             s.OriginalCode,
			SuggestedCode:            s.SuggestedCode,
			Reasoning:                strings.TrimSpace(s.Reasoning.String()),
			ExpectedBenefits:         strings.TrimSpace(s.ExpectedBenefits.String()),
			ImplementationComplexity: clampComplexity(int(s.ImplementationComplexity)),
			ConfidenceScore:          clampUnit(float64(s.ConfidenceScore)),
		}
		if s.StartLine != nil && int(*s.StartLine) > 0 {
			start := int(*s.StartLine)
			sg.StartLine = &start
			if s.EndLine != nil && int(*s.EndLine) >= start {
				end := int(*s.EndLine)
				sg.EndLine = &end
			}
		}
		res.Suggestions = append(res.Suggestions, sg)
	}
	return res, nil
}

type summaryEnvelope struct {
	ChangeType                flexString      `json:"changeType"`
	BusinessImpact            flexString      `json:"businessImpact"`
	TechnicalImpact           flexString      `json:"technicalImpact"`
	BreakingChangeRisk        flexString      `json:"breakingChangeRisk"`
	Summary                   flexString      `json:"summary"`
	DetailedDescription       flexString      `json:"detailedDescription"`
	KeyChanges                flexString      `json:"keyChanges"`
	ImpactAnalysis            flexString      `json:"impactAnalysis"`
	ChangeStatistics          json.RawMessage `json:"changeStatistics"`
	BackwardCompatibility     flexString      `json:"backwardCompatibility"`
	PerformanceImpact         flexString      `json:"performanceImpact"`
	SecurityImpact            flexString      `json:"securityImpact"`
	TestingRecommendations    flexString      `json:"testingRecommendations"`
	DeploymentConsiderations  flexString      `json:"deploymentConsiderations"`
	DocumentationRequirements flexString      `json:"documentationRequirements"`
	DependencyChanges         flexString      `json:"dependencyChanges"`
}

// SummaryResult is the decoded pull-request summary.
type SummaryResult struct {
	ChangeType                string
	BusinessImpact            string
	TechnicalImpact           string
	BreakingChangeRisk        string
	Summary                   string
	DetailedDescription       string
	KeyChanges                string
	ImpactAnalysis            string
	ChangeStatistics          json.RawMessage
	BackwardCompatibility     string
	PerformanceImpact         string
	SecurityImpact            string
	TestingRecommendations    string
	DeploymentConsiderations  string
	DocumentationRequirements string
	DependencyChanges         string
	Raw                       string
}

// ParseSummary decodes a pull-request summary response. A summary with no
// usable text at all counts as a parse failure.
func (p *Parser) ParseSummary(ctx context.Context, raw string) (*SummaryResult, error) {
	var env summaryEnvelope
	err := p.decode(ctx, raw, summarySchemaHint, func(data []byte) error {
		env = summaryEnvelope{}
		return json.Unmarshal(data, &env)
	})
	if err != nil {
		return nil, err
	}

	summary := strings.TrimSpace(env.Summary.String())
	detail := strings.TrimSpace(env.DetailedDescription.String())
	if summary == "" {
		summary = firstLine(detail)
	}
	if summary == "" {
		return nil, fmt.Errorf("%w: summary envelope carries no text", ErrParseFailed)
	}

	return &SummaryResult{
		ChangeType:                orDefault(env.ChangeType.String(), "Unknown"),
		BusinessImpact:            strings.TrimSpace(env.BusinessImpact.String()),
		TechnicalImpact:           strings.TrimSpace(env.TechnicalImpact.String()),
		BreakingChangeRisk:        normalizeLevel(env.BreakingChangeRisk.String()),
		Summary:                   summary,
		DetailedDescription:       detail,
		KeyChanges:                strings.TrimSpace(env.KeyChanges.String()),
		ImpactAnalysis:            strings.TrimSpace(env.ImpactAnalysis.String()),
		ChangeStatistics:          env.ChangeStatistics,
		BackwardCompatibility:     strings.TrimSpace(env.BackwardCompatibility.String()),
		PerformanceImpact:         strings.TrimSpace(env.PerformanceImpact.String()),
		SecurityImpact:            strings.TrimSpace(env.SecurityImpact.String()),
		TestingRecommendations:    strings.TrimSpace(env.TestingRecommendations.String()),
		DeploymentConsiderations:  strings.TrimSpace(env.DeploymentConsiderations.String()),
		DocumentationRequirements: strings.TrimSpace(env.DocumentationRequirements.String()),
		DependencyChanges:         strings.TrimSpace(env.DependencyChanges.String()),
		Raw:                       raw,
	}, nil
}

// clampScore forces risk scores into [0,100].
func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// clampUnit forces confidence values into [0,1].
func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// clampComplexity forces implementation complexity into [1,10].
func clampComplexity(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

func normalizePriority(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "urgent", "high":
		return "High"
	case "low", "minor", "trivial":
		return "Low"
	default:
		return "Medium"
	}
}

func normalizeLevel(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical":
		return "High"
	case "medium", "moderate":
		return "Medium"
	case "low", "none", "minimal":
		return "Low"
	default:
		return "Unknown"
	}
}

func orDefault(s, def string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

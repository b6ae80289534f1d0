package parse

import (
	"context"
	"strings"

	"github.com/wosledon/aireview/model"
)

// reviewSchemaHint is the compact shape echoed to the repair call.
const reviewSchemaHint = `{"comments":[{"filePath":"string","lineNumber":1,"severity":"Info|Warning|Error|Critical","category":"Quality|Security|Performance|Style|Bug|Documentation","content":"string","suggestion":"string"}]}`

type reviewEnvelope struct {
	Comments []commentPayload `json:"comments"`
}

type commentPayload struct {
	FilePath   string   `json:"filePath"`
	LineNumber *flexInt `json:"lineNumber"`
	Severity   string   `json:"severity"`
	Category   string   `json:"category"`
	Content    string   `json:"content"`
	Suggestion string   `json:"suggestion"`
}

// Finding is one structured review comment produced by the model, clamped
// onto the domain enums. LineNumber is nil when the model's anchor did not
// exist on the new side of the diff.
type Finding struct {
	FilePath   string
	LineNumber *int
	Severity   model.Severity
	Category   model.Category
	Content    string
	Suggestion string
}

// ReviewResult is the decoded per-chunk review envelope.
type ReviewResult struct {
	Findings []Finding

	// Dropped counts findings discarded for having no content.
	Dropped int

	// Raw is the original model output, retained for diagnosis.
	Raw string
}

// ParseReview decodes a chunk review response. newSide maps each path to
// the line numbers present on the new side of the diff; anchors outside it
// are removed, not rejected, so a useful comment is never lost to a wrong
// number. A response with zero comments is valid.
func (p *Parser) ParseReview(ctx context.Context, raw string, newSide map[string]map[int]struct{}) (*ReviewResult, error) {
	var env reviewEnvelope
	err := p.decode(ctx, raw, reviewSchemaHint, func(data []byte) error {
		env = reviewEnvelope{}
		return decodeEnvelope(data, &env, &env.Comments)
	})
	if err != nil {
		return nil, err
	}

	res := &ReviewResult{Raw: raw}
	for _, c := range env.Comments {
		content := strings.TrimSpace(c.Content)
		if content == "" {
			res.Dropped++
			continue
		}
		f := Finding{
			FilePath:   strings.TrimSpace(c.FilePath),
			Severity:   model.ParseSeverity(c.Severity),
			Category:   model.ParseCategory(c.Category),
			Content:    content,
			Suggestion: strings.TrimSpace(c.Suggestion),
		}
		if c.LineNumber != nil && f.FilePath != "" {
			n := int(*c.LineNumber)
			if set, ok := newSide[f.FilePath]; ok && n > 0 {
				if _, present := set[n]; present {
					f.LineNumber = &n
				}
			}
			if f.LineNumber == nil {
				p.logger.Debug("dropping out-of-range comment anchor",
					"file", f.FilePath, "line", n)
			}
		}
		res.Findings = append(res.Findings, f)
	}
	return res, nil
}

// Package parse turns raw LLM output into typed, clamped review results.
// Decoding climbs a three-stage tolerance ladder: strict JSON, extraction
// of the largest JSON document from surrounding prose, then a single
// repair round-trip through the model. Whatever survives is clamped onto
// the domain enums and ranges so garbage can reach the database in no
// shape at all.
package parse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wosledon/aireview/llm"
	"github.com/wosledon/aireview/model"
)

// ErrParseFailed marks output that stayed undecodable after extraction and
// repair. Review jobs record the affected chunk and continue; analysis
// jobs fail so the queue can retry.
var ErrParseFailed = errors.New("parse: malformed model output")

// ErrSchemaVersion marks a prompt template whose declared response schema
// does not match what this parser implements. There is no silent
// downgrade path.
var ErrSchemaVersion = errors.New("parse: response schema version mismatch")

// Envelope versions implemented by this parser, one per operation.
const (
	ReviewSchemaVersion       = "review/v1"
	RiskSchemaVersion         = "risk/v1"
	ImprovementsSchemaVersion = "improvements/v1"
	SummarySchemaVersion      = "summary/v1"
)

// SchemaVersionFor returns the envelope version implemented for an
// operation, empty for unknown operations.
func SchemaVersionFor(op model.OperationType) string {
	switch op {
	case model.OperationReview:
		return ReviewSchemaVersion
	case model.OperationRiskAnalysis:
		return RiskSchemaVersion
	case model.OperationImprovements:
		return ImprovementsSchemaVersion
	case model.OperationPRSummary:
		return SummarySchemaVersion
	}
	return ""
}

// SchemaHint returns the compact envelope shape for an operation. Prompts
// embed it in the system instruction and the repair stage echoes it back
// to the model, so both ends describe the same wire contract.
func SchemaHint(op model.OperationType) string {
	switch op {
	case model.OperationReview:
		return reviewSchemaHint
	case model.OperationRiskAnalysis:
		return riskSchemaHint
	case model.OperationImprovements:
		return improvementsSchemaHint
	case model.OperationPRSummary:
		return summarySchemaHint
	}
	return ""
}

// CheckSchemaVersion validates a template's declared schema version. The
// prompt builder calls this before a template is ever sent.
func CheckSchemaVersion(op model.OperationType, declared string) error {
	want := SchemaVersionFor(op)
	if want == "" {
		return fmt.Errorf("%w: no parser for operation %q", ErrSchemaVersion, op)
	}
	if declared != want {
		return fmt.Errorf("%w: template declares %q, parser implements %q", ErrSchemaVersion, declared, want)
	}
	return nil
}

// Parser decodes model output. The zero value works without repair;
// WithRepairClient enables the third ladder stage.
type Parser struct {
	repair llm.Completer
	logger *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithRepairClient enables one repair call through c when extraction
// fails.
func WithRepairClient(c llm.Completer) Option {
	return func(p *Parser) { p.repair = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Parser) { p.logger = logger.With("component", "parse") }
}

// New builds a Parser.
func New(opts ...Option) *Parser {
	p := &Parser{logger: slog.Default().With("component", "parse")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// maxRepairInput bounds how much malformed output is echoed back to the
// model for repair.
const maxRepairInput = 16 * 1024

// decode climbs the tolerance ladder. try must reset its target before
// unmarshalling so a partial fill from a failed stage cannot leak into the
// next one.
func (p *Parser) decode(ctx context.Context, raw, schemaHint string, try func(data []byte) error) error {
	lastErr := try([]byte(strings.TrimSpace(raw)))
	if lastErr == nil {
		return nil
	}

	if extracted := Extract(raw); extracted != "" {
		if err := try([]byte(extracted)); err == nil {
			p.logger.Debug("decoded after extraction")
			return nil
		} else {
			lastErr = err
		}
	}

	if p.repair == nil {
		return fmt.Errorf("%w: %v", ErrParseFailed, lastErr)
	}

	repaired, err := p.repairJSON(ctx, raw, schemaHint)
	if err != nil {
		return fmt.Errorf("%w: repair call: %v", ErrParseFailed, err)
	}
	if err := try([]byte(strings.TrimSpace(repaired))); err == nil {
		p.logger.Debug("decoded after repair")
		return nil
	}
	if extracted := Extract(repaired); extracted != "" {
		if err := try([]byte(extracted)); err == nil {
			p.logger.Debug("decoded after repair and extraction")
			return nil
		}
	}
	return fmt.Errorf("%w: still invalid after repair: %v", ErrParseFailed, lastErr)
}

// repairJSON asks the model to fix its own output, once.
func (p *Parser) repairJSON(ctx context.Context, raw, schemaHint string) (string, error) {
	temp := 0.0
	resp, err := p.repair.Complete(ctx, llm.Request{
		System: "You repair malformed JSON. Return only the corrected JSON document matching the schema. No prose, no code fences.",
		Messages: []llm.Message{{
			Role:    "user",
			Content: "Schema:\n" + schemaHint + "\n\nMalformed output:\n" + truncate(raw, maxRepairInput),
		}},
		Temperature: &temp,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// decodeEnvelope handles the common "object expected, bare array given"
// tolerance: when the document opens with '[', it is unmarshalled into
// items instead of env.
func decodeEnvelope(data []byte, env any, items any) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal([]byte(trimmed), items)
	}
	return json.Unmarshal([]byte(trimmed), env)
}

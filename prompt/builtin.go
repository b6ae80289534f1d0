package prompt

import (
	"fmt"

	"github.com/wosledon/aireview/model"
	"github.com/wosledon/aireview/parse"
)

// builtinTemplate returns the compiled-in template for op, or nil for an
// operation no template exists for. Version 0 marks a builtin.
func builtinTemplate(op model.OperationType) *model.PromptTemplate {
	body, ok := builtinBodies[op]
	if !ok {
		return nil
	}
	return &model.PromptTemplate{
		ID:            "builtin:" + string(op),
		Type:          op,
		Version:       0,
		SchemaVersion: parse.SchemaVersionFor(op),
		Body:          body,
		Variables:     []string{"diff", "files", "fileCount", "language", "title", "baseBranch", "targetBranch", "context"},
	}
}

// systemInstruction states the model's role and the exact output contract.
// The schema hint here is the same one the repair stage echoes back, so a
// model that ignored it the first time sees an identical description.
func systemInstruction(op model.OperationType) string {
	role := "You are an automated code analysis assistant."
	detail := ""
	switch op {
	case model.OperationReview:
		role = "You are a senior code reviewer. Be precise and terse."
		detail = "\nseverity is one of Info, Warning, Error, Critical." +
			"\ncategory is one of Quality, Security, Performance, Style, Bug, Documentation." +
			"\nlineNumber counts lines on the new side of the diff; omit it for file-level comments."
	case model.OperationRiskAnalysis:
		role = "You are a release engineer assessing the risk of merging a change."
		detail = "\nScores run from 0 (trivially safe) to 100 (needs a rollback plan). confidenceScore runs from 0 to 1."
	case model.OperationImprovements:
		role = "You are a staff engineer proposing high-leverage improvements."
		detail = "\npriority is one of High, Medium, Low. implementationComplexity runs from 1 (rename) to 10 (redesign)."
	case model.OperationPRSummary:
		role = "You are summarizing a code change for reviewers who have not read the diff."
		detail = "\nbreakingChangeRisk is one of Low, Medium, High."
	}
	return fmt.Sprintf("%s\nRespond with a single JSON document and nothing else. No prose, no code fences.\nSchema %s: %s%s",
		role, parse.SchemaVersionFor(op), parse.SchemaHint(op), detail)
}

var builtinBodies = map[model.OperationType]string{
	model.OperationReview: `Review the following code change.

Title: {{title}}
Merging {{targetBranch}} into {{baseBranch}}.
Primary language: {{language}}
Change overview: {{context}}

Files in this chunk ({{fileCount}}):
{{files}}

Unified diff:
{{diff}}

Report genuine defects and risks introduced by this change. Skip praise,
restatements of the diff, and nitpicks a formatter would catch. Anchor each
comment to a line visible on the new side of the diff, or omit the line
number for file-level remarks. Offer a concrete suggestion where a fix is
obvious.`,

	model.OperationRiskAnalysis: `Assess the risk of merging this change.

Title: {{title}}
Merging {{targetBranch}} into {{baseBranch}}.
Change overview: {{context}}
Files touched ({{fileCount}}):
{{files}}

Unified diff:
{{diff}}

Weigh blast radius, test coverage implied by the diff, security-sensitive
surfaces, and how hard a bad deploy would be to roll back. Name concrete
mitigations, not platitudes.`,

	model.OperationImprovements: `Suggest concrete improvements for this change.

Title: {{title}}
Primary language: {{language}}
Files touched ({{fileCount}}):
{{files}}

Unified diff:
{{diff}}

Propose refactorings and hardening work that would pay off in this codebase.
Each suggestion needs a short title, the affected file, and an honest
implementation complexity. Skip anything a linter already enforces.`,

	model.OperationPRSummary: `Summarize this pull request for a reviewer who has not read the diff.

Title: {{title}}
Merging {{targetBranch}} into {{baseBranch}}.
Change overview: {{context}}
Files touched ({{fileCount}}):
{{files}}

Unified diff:
{{diff}}

State what changed and why it matters. Call out the key changes, the
components they affect, and whether anything could break callers.`,
}

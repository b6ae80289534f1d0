// Package llm provides a provider-agnostic chat-completion client with
// retry, per-provider circuit breaking, concurrency limits and optional
// fallback routing. Provider adapters translate the neutral request shape
// to each vendor's HTTP protocol and normalise usage numbers back.
package llm

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a chat-completion request.
type Request struct {
	// Provider selects a configured provider by name. Empty uses the
	// router's default.
	Provider string

	// Model names the model (or Azure deployment). Empty uses the
	// router's default for the resolved provider.
	Model string

	// System is an optional system instruction, prepended to Messages.
	System string

	// Messages is the chat history to send.
	Messages []Message

	// Temperature controls randomness. nil uses the provider default,
	// 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the provider default.
	MaxTokens int

	// StopSequences halt generation when emitted.
	StopSequences []string
}

// Usage is the token consumption reported by a provider. All zero when the
// provider omitted its usage object; callers fall back to estimates.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FinishReason is the normalised reason generation stopped.
type FinishReason string

const (
	// FinishStop means the model completed naturally or hit a stop sequence.
	FinishStop FinishReason = "Stop"

	// FinishLength means the max-token limit cut generation short.
	FinishLength FinishReason = "Length"

	// FinishFilter means a content filter suppressed part of the output.
	FinishFilter FinishReason = "Filter"

	// FinishError means the provider reported an abnormal stop. Treated
	// as retryable.
	FinishError FinishReason = "Error"
)

// NormalizeFinishReason maps provider finish_reason strings onto the
// neutral enum. Unknown values map to FinishError.
func NormalizeFinishReason(raw string) FinishReason {
	switch raw {
	case "stop", "stop_sequence", "end_turn":
		return FinishStop
	case "length", "max_tokens":
		return FinishLength
	case "content_filter":
		return FinishFilter
	default:
		return FinishError
	}
}

// Response contains the completion result.
type Response struct {
	// RequestID uniquely identifies this call for usage correlation.
	// Set by the router.
	RequestID string

	// Text is the generated content.
	Text string

	// Provider is the configured provider name that served the call.
	Provider string

	// Model is the model that was actually used.
	Model string

	// Usage holds the provider-reported token counts, zero if absent.
	Usage Usage

	// FinishReason indicates why generation stopped.
	FinishReason FinishReason

	// LatencyMs is the wall time of the winning HTTP attempt.
	LatencyMs int64
}

// Completer is the calling contract consumers depend on; the Router
// implements it and testutil.MockClient substitutes for it in tests.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

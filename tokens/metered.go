package tokens

import (
	"context"
	"log/slog"
	"time"

	"github.com/wosledon/aireview/llm"
	"github.com/wosledon/aireview/model"
	"github.com/wosledon/aireview/pricing"
)

const maxErrorMessage = 512

// Attribution names who and what a usage row is billed to. It rides the
// context so every layer between the orchestrator and the router, repair
// calls included, produces attributed rows without extra parameters.
type Attribution struct {
	UserID          int64
	ProjectID       *int64
	ReviewRequestID *int64
	Operation       model.OperationType
}

type attributionKey struct{}

// WithAttribution returns a context carrying the attribution.
func WithAttribution(ctx context.Context, a Attribution) context.Context {
	return context.WithValue(ctx, attributionKey{}, a)
}

// AttributionFrom extracts the attribution, if any, from ctx.
func AttributionFrom(ctx context.Context) (Attribution, bool) {
	a, ok := ctx.Value(attributionKey{}).(Attribution)
	return a, ok
}

// MeteredCompleter wraps a Completer and records one usage row per call,
// priced from the catalog and attributed from the context. Failed calls
// are recorded too, with estimated prompt tokens and the error message.
// Accounting is best-effort and never affects the call result.
type MeteredCompleter struct {
	Inner      llm.Completer
	Accountant *Accountant
	Catalog    *pricing.Catalog
	Logger     *slog.Logger

	// DefaultProvider and DefaultModel label rows for calls that relied on
	// the router's defaults, where a failed request never reveals which
	// endpoint would have served it.
	DefaultProvider string
	DefaultModel    string
}

var _ llm.Completer = (*MeteredCompleter)(nil)

// Complete forwards to the inner completer and records usage.
func (m *MeteredCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := m.Inner.Complete(ctx, req)

	attr, attributed := AttributionFrom(ctx)
	if !attributed && m.Logger != nil {
		m.Logger.Debug("llm call without attribution", "provider", req.Provider)
	}

	rec := &model.TokenUsageRecord{
		UserID:          attr.UserID,
		ProjectID:       attr.ProjectID,
		ReviewRequestID: attr.ReviewRequestID,
		OperationType:   attr.Operation,
		Provider:        firstNonEmpty(req.Provider, m.DefaultProvider),
		Model:           firstNonEmpty(req.Model, m.DefaultModel),
	}

	if err != nil {
		rec.IsSuccessful = false
		rec.ErrorMessage = clip(err.Error(), maxErrorMessage)
		rec.PromptTokens = estimateRequest(req)
		rec.ResponseTimeMs = time.Since(start).Milliseconds()
	} else {
		rec.IsSuccessful = true
		rec.ID = resp.RequestID
		rec.Provider = firstNonEmpty(resp.Provider, rec.Provider)
		rec.Model = firstNonEmpty(resp.Model, rec.Model)
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
		rec.ResponseTimeMs = resp.LatencyMs
		if resp.Usage.TotalTokens == 0 && resp.Usage.PromptTokens == 0 && resp.Usage.CompletionTokens == 0 {
			// Provider omitted its usage object; estimate both sides.
			rec.PromptTokens = estimateRequest(req)
			rec.CompletionTokens = Estimate(resp.Text)
		}
	}

	rec.LLMConfigurationID = rec.Provider + "/" + rec.Model
	if m.Catalog != nil {
		PriceRecord(m.Catalog, rec)
	} else {
		rec.CostUnknown = true
	}
	if m.Accountant != nil {
		m.Accountant.Record(ctx, rec)
	}
	return resp, err
}

func estimateRequest(req llm.Request) int {
	total := Estimate(req.System)
	for _, msg := range req.Messages {
		total += Estimate(msg.Content)
	}
	return total
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/wosledon/aireview/metrics"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// RetryConfig holds the retry shape for LLM requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per provider.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration

	// BackoffCap bounds the backoff growth.
	BackoffCap time.Duration
}

// DefaultRetryConfig returns the standard retry shape.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  15 * time.Second,
	}
}

// BreakerConfig holds the per-provider circuit breaker shape.
type BreakerConfig struct {
	// Window is the rolling period over which failures are counted.
	Window time.Duration

	// MinSamples is the minimum request count before the breaker may trip.
	MinSamples uint32

	// FailureRatio above which the breaker opens.
	FailureRatio float64

	// OpenFor is how long an open breaker rejects calls before probing.
	OpenFor time.Duration
}

// DefaultBreakerConfig returns the standard breaker shape.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:       60 * time.Second,
		MinSamples:   20,
		FailureRatio: 0.5,
		OpenFor:      30 * time.Second,
	}
}

// EndpointConfig describes one configured provider.
type EndpointConfig struct {
	// Kind selects the adapter: "openai", "azure" or "deepseek".
	Kind string

	BaseURL    string
	APIKey     string
	APIVersion string
}

// RouterConfig wires providers, defaults and limits into a Router.
type RouterConfig struct {
	// Providers maps a logical provider name to its endpoint. The name is
	// what requests, pricing and usage rows refer to.
	Providers map[string]EndpointConfig

	DefaultProvider string
	DefaultModel    string

	// FallbackProvider, when set, is tried once after the primary
	// provider's retry budget is exhausted or its breaker is open.
	FallbackProvider string
	FallbackModel    string

	// Concurrency caps in-flight requests per provider.
	Concurrency int

	// AcquireTimeout bounds the wait for a request slot.
	AcquireTimeout time.Duration

	// RequestTimeout bounds each HTTP attempt.
	RequestTimeout time.Duration

	Retry   RetryConfig
	Breaker BreakerConfig
}

// route is one provider's adapter, breaker and slot pool.
type route struct {
	name     string
	adapter  Provider
	endpoint Endpoint
	breaker  *gobreaker.CircuitBreaker
	sem      chan struct{}
}

// Router is a provider-agnostic LLM client with retry, circuit breaking,
// per-provider concurrency limits and fallback support. It implements
// Completer and is safe for concurrent use.
type Router struct {
	cfg        RouterConfig
	routes     map[string]*route
	httpClient *http.Client
	logger     *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) RouterOption {
	return func(r *Router) {
		r.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger.With("component", "llm")
	}
}

// NewRouter builds a Router from configuration. Every provider's Kind must
// name a registered adapter; import the providers package for the built-in
// set.
func NewRouter(cfg RouterConfig, opts ...RouterOption) (*Router, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Breaker.MinSamples == 0 {
		cfg.Breaker = DefaultBreakerConfig()
	}

	r := &Router{
		cfg:    cfg,
		routes: make(map[string]*route, len(cfg.Providers)),
		httpClient: &http.Client{
			// No client-level timeout: each attempt carries its own
			// context deadline.
		},
		logger: slog.Default().With("component", "llm"),
	}
	for _, opt := range opts {
		opt(r)
	}

	for name, ep := range cfg.Providers {
		adapter := GetProvider(ep.Kind)
		if adapter == nil {
			return nil, fmt.Errorf("provider %q: unknown adapter kind %q (is the providers package imported?)", name, ep.Kind)
		}
		r.routes[name] = &route{
			name:    name,
			adapter: adapter,
			endpoint: Endpoint{
				BaseURL:    ep.BaseURL,
				APIKey:     ep.APIKey,
				APIVersion: ep.APIVersion,
			},
			breaker: r.newBreaker(name),
			sem:     make(chan struct{}, cfg.Concurrency),
		}
	}

	if cfg.DefaultProvider != "" {
		if _, ok := r.routes[cfg.DefaultProvider]; !ok {
			return nil, fmt.Errorf("default provider %q is not configured", cfg.DefaultProvider)
		}
	}
	if cfg.FallbackProvider != "" {
		if _, ok := r.routes[cfg.FallbackProvider]; !ok {
			return nil, fmt.Errorf("fallback provider %q is not configured", cfg.FallbackProvider)
		}
		if cfg.FallbackModel == "" {
			return nil, fmt.Errorf("fallback provider %q needs a fallback model", cfg.FallbackProvider)
		}
	}
	return r, nil
}

func (r *Router) newBreaker(name string) *gobreaker.CircuitBreaker {
	b := r.cfg.Breaker
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    b.Window,
		Timeout:     b.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < b.MinSamples {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > b.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Fatal errors indicate a bad request or credentials, not
			// endpoint health.
			return err == nil || IsFatal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("provider breaker state change",
				"provider", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				metrics.BreakerOpen.WithLabelValues(name).Set(1)
			} else {
				metrics.BreakerOpen.WithLabelValues(name).Set(0)
			}
		},
	})
}

// Complete sends a completion request, handling retry, breaker and fallback
// logic.
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 && req.System == "" {
		return nil, NewFatalError(errors.New("at least one message is required"))
	}

	providerName := req.Provider
	if providerName == "" {
		providerName = r.cfg.DefaultProvider
	}
	model := req.Model
	if model == "" {
		model = r.cfg.DefaultModel
	}

	resp, err := r.completeOn(ctx, providerName, model, req)
	if err == nil {
		return resp, nil
	}
	if IsFatal(err) || ctx.Err() != nil {
		return nil, err
	}

	if r.cfg.FallbackProvider != "" && providerName != r.cfg.FallbackProvider {
		r.logger.Warn("provider failed, trying fallback",
			"provider", providerName,
			"fallback", r.cfg.FallbackProvider,
			"error", err)
		return r.completeOn(ctx, r.cfg.FallbackProvider, r.cfg.FallbackModel, req)
	}
	return nil, err
}

// completeOn runs the retry loop against a single provider.
func (r *Router) completeOn(ctx context.Context, providerName, model string, req Request) (*Response, error) {
	rt, ok := r.routes[providerName]
	if !ok {
		return nil, NewFatalError(fmt.Errorf("provider %q is not configured", providerName))
	}
	if model == "" {
		return nil, NewFatalError(fmt.Errorf("no model specified and no default configured"))
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Retry.MaxAttempts; attempt++ {
		resp, err := r.attempt(ctx, rt, model, req)
		if err == nil {
			resp.RequestID = uuid.New().String()
			resp.Provider = providerName
			metrics.LLMRequests.WithLabelValues(providerName, model, "ok").Inc()
			metrics.LLMDuration.WithLabelValues(providerName).Observe(time.Since(start).Seconds())
			metrics.Tokens.WithLabelValues(providerName, model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.Tokens.WithLabelValues(providerName, model, "completion").Add(float64(resp.Usage.CompletionTokens))
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.LLMRequests.WithLabelValues(providerName, model, "breaker_open").Inc()
			return nil, &ProviderUnavailableError{Provider: providerName, Err: err}
		}
		if IsFatal(err) {
			metrics.LLMRequests.WithLabelValues(providerName, model, "error").Inc()
			return nil, err
		}

		if attempt < r.cfg.Retry.MaxAttempts {
			backoff := r.backoff(attempt)
			r.logger.Debug("request failed, retrying",
				"provider", providerName,
				"attempt", attempt,
				"max_attempts", r.cfg.Retry.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	metrics.LLMRequests.WithLabelValues(providerName, model, "error").Inc()
	return nil, &ProviderUnavailableError{Provider: providerName, Err: lastErr}
}

// attempt takes a request slot and runs one HTTP call through the breaker.
func (r *Router) attempt(ctx context.Context, rt *route, model string, req Request) (*Response, error) {
	select {
	case rt.sem <- struct{}{}:
	case <-time.After(r.cfg.AcquireTimeout):
		return nil, NewTransientError(fmt.Errorf("provider %s: no request slot within %s", rt.name, r.cfg.AcquireTimeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-rt.sem }()

	v, err := rt.breaker.Execute(func() (any, error) {
		return r.doRequest(ctx, rt, model, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

// backoff computes exponential backoff with full jitter. Full jitter
// spreads simultaneous retries over the whole interval, which matters when
// a provider outage fails many chunks at once.
func (r *Router) backoff(attempt int) time.Duration {
	d := r.cfg.Retry.BackoffBase
	for i := 1; i < attempt && d < r.cfg.Retry.BackoffCap; i++ {
		d *= 2
	}
	if d > r.cfg.Retry.BackoffCap {
		d = r.cfg.Retry.BackoffCap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// doRequest executes a single HTTP request against one provider endpoint.
func (r *Router) doRequest(ctx context.Context, rt *route, model string, req Request) (*Response, error) {
	url := rt.adapter.BuildURL(rt.endpoint, model)
	body, err := rt.adapter.BuildRequestBody(model, req)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	rt.adapter.SetHeaders(httpReq, rt.endpoint)

	r.logger.Debug("sending LLM request",
		"provider", rt.name,
		"model", model,
		"url", url,
		"messages", len(req.Messages))

	start := time.Now()
	httpResp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Network errors and per-attempt timeouts are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := rt.adapter.ParseResponse(respBody, model)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("parse %s response: %w", rt.name, err))
	}
	if resp.FinishReason == FinishError {
		return nil, NewTransientError(fmt.Errorf("provider %s reported abnormal finish", rt.name))
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

// Saturation reports the busiest provider's slot occupancy in [0,1]. The
// queue consumer pauses fetching when this crosses its threshold.
func (r *Router) Saturation() float64 {
	var busiest float64
	for _, rt := range r.routes {
		f := float64(len(rt.sem)) / float64(cap(rt.sem))
		if f > busiest {
			busiest = f
		}
	}
	return busiest
}

// BreakerStates returns each provider's breaker state for health reporting.
func (r *Router) BreakerStates() map[string]string {
	states := make(map[string]string, len(r.routes))
	for name, rt := range r.routes {
		states[name] = rt.breaker.State().String()
	}
	return states
}

package diff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/wosledon/aireview/model"
)

// maxDiffSize caps how much diff text a provider will read. Change sets
// larger than this are not reviewable anyway.
const maxDiffSize = 32 << 20

// Provider error taxonomy. Jobs treat ErrRepoUnavailable as retryable
// (the message is redelivered) and the other two as fatal configuration
// or input problems.
var (
	// ErrRepoUnavailable means the diff source could not be reached or
	// answered abnormally.
	ErrRepoUnavailable = errors.New("diff: repository unavailable")

	// ErrBranchMissing means the base or target branch does not exist.
	ErrBranchMissing = errors.New("diff: base or target branch missing")

	// ErrAuthRequired means the diff source rejected our credentials.
	ErrAuthRequired = errors.New("diff: authentication required")
)

// Provider fetches the change set for a review request. Implementations
// must map failures onto the package's error taxonomy.
type Provider interface {
	GetDiff(ctx context.Context, review *model.ReviewRequest) ([]File, error)
}

// HTTPProvider fetches diffs from the host platform's diff endpoint:
// GET {base}/projects/{projectID}/diff?base={branch}&target={branch},
// returning unified diff text.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// HTTPProviderOption configures an HTTPProvider.
type HTTPProviderOption func(*HTTPProvider)

// WithToken sets a bearer token for the diff endpoint.
func WithToken(token string) HTTPProviderOption {
	return func(p *HTTPProvider) { p.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPProviderOption {
	return func(p *HTTPProvider) { p.client = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPProviderOption {
	return func(p *HTTPProvider) { p.logger = logger.With("component", "diff") }
}

// NewHTTPProvider builds a provider against baseURL with a per-fetch
// timeout.
func NewHTTPProvider(baseURL string, timeout time.Duration, opts ...HTTPProviderOption) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  slog.Default().With("component", "diff"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetDiff fetches and parses the unified diff for the review's branch pair.
func (p *HTTPProvider) GetDiff(ctx context.Context, review *model.ReviewRequest) ([]File, error) {
	u := fmt.Sprintf("%s/projects/%d/diff?base=%s&target=%s",
		p.baseURL,
		review.ProjectID,
		url.QueryEscape(review.BaseBranch),
		url.QueryEscape(review.TargetBranch))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build diff request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrRepoUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to the body
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: project %d %s..%s",
			ErrBranchMissing, review.ProjectID, review.BaseBranch, review.TargetBranch)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuthRequired, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrRepoUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiffSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrRepoUnavailable, err)
	}

	files, err := ParseUnified(string(body))
	if err != nil {
		// Garbage from the diff service is a service problem, not ours.
		return nil, fmt.Errorf("%w: %v", ErrRepoUnavailable, err)
	}

	p.logger.Debug("diff fetched",
		"review_id", review.ID,
		"files", len(files),
		"bytes", len(body))
	return files, nil
}

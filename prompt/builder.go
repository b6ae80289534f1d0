// Package prompt resolves templates and renders the system/user prompt
// pair for each LLM task. Project-scoped templates override the global
// default, which overrides the compiled-in builtin; resolved templates are
// memoised briefly and purged on an invalidation broadcast.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wosledon/aireview/cache"
	"github.com/wosledon/aireview/model"
	"github.com/wosledon/aireview/parse"
	"github.com/wosledon/aireview/store"
)

// InvalidateChannel is the pub/sub channel the admin surface publishes on
// after changing a template. The payload names the project id, or "global".
const InvalidateChannel = "prompt:invalidate"

const defaultCacheTTL = 60 * time.Second

// Input carries the per-chunk material a template can reference.
type Input struct {
	// Diff is the rendered unified diff for this chunk.
	Diff string

	// FileList names the files the chunk touches.
	FileList []string

	// Language is the project's primary language, if known.
	Language string

	// ContextDigest is a one-line overview of the whole change set, so a
	// chunk prompt still tells the model what it is part of.
	ContextDigest string

	// Extra holds additional template variables. Built-in variables win
	// on name collisions.
	Extra map[string]string
}

// Prompt is a rendered system/user pair ready for dispatch.
type Prompt struct {
	System          string
	User            string
	SchemaVersion   string
	TemplateID      string
	TemplateVersion int
}

// Builder renders prompts for review, risk, improvement and summary tasks.
type Builder struct {
	repo   store.PromptRepo
	logger *slog.Logger
	ttl    time.Duration

	mu   sync.RWMutex
	memo map[string]memoEntry
}

type memoEntry struct {
	tpl     *model.PromptTemplate // nil records a known miss
	expires time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the builder's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithCacheTTL overrides how long resolved templates are memoised.
func WithCacheTTL(ttl time.Duration) Option {
	return func(b *Builder) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// New returns a Builder. repo may be nil, in which case only the builtin
// templates are used.
func New(repo store.PromptRepo, opts ...Option) *Builder {
	b := &Builder{
		repo:   repo,
		logger: slog.Default(),
		ttl:    defaultCacheTTL,
		memo:   make(map[string]memoEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build resolves the template for op and renders it against the review and
// input. Templates declaring a schema version the parser cannot decode are
// rejected rather than silently downgraded.
func (b *Builder) Build(ctx context.Context, op model.OperationType, review *model.ReviewRequest, in Input) (*Prompt, error) {
	if review == nil {
		return nil, errors.New("prompt: nil review request")
	}

	tpl, err := b.resolve(ctx, review.ProjectID, op)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		tpl = builtinTemplate(op)
	}
	if tpl == nil {
		return nil, fmt.Errorf("prompt: no template for operation %q", op)
	}

	if err := parse.CheckSchemaVersion(op, tpl.SchemaVersion); err != nil {
		return nil, fmt.Errorf("template %s v%d: %w", tpl.ID, tpl.Version, err)
	}

	return &Prompt{
		System:          systemInstruction(op),
		User:            fill(tpl.Body, review, in),
		SchemaVersion:   tpl.SchemaVersion,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
	}, nil
}

// resolve returns the stored template for (projectID, op), nil on a clean
// miss, or an error when the store itself failed. Misses are memoised too,
// so a project without custom templates does not query on every chunk.
func (b *Builder) resolve(ctx context.Context, projectID int64, op model.OperationType) (*model.PromptTemplate, error) {
	key := fmt.Sprintf("%d|%s", projectID, op)

	b.mu.RLock()
	entry, ok := b.memo[key]
	b.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.tpl, nil
	}

	if b.repo == nil {
		b.remember(key, nil)
		return nil, nil
	}

	pid := projectID
	tpl, err := b.repo.Resolve(ctx, &pid, op)
	if errors.Is(err, store.ErrNotFound) {
		b.remember(key, nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve prompt template: %w", err)
	}

	b.remember(key, tpl)
	return tpl, nil
}

func (b *Builder) remember(key string, tpl *model.PromptTemplate) {
	b.mu.Lock()
	b.memo[key] = memoEntry{tpl: tpl, expires: time.Now().Add(b.ttl)}
	b.mu.Unlock()
}

// flush drops every memoised template. Template edits are rare enough that
// re-resolving all scopes after any invalidation is cheaper than tracking
// which project keys fell back to which scope.
func (b *Builder) flush() {
	b.mu.Lock()
	b.memo = make(map[string]memoEntry)
	b.mu.Unlock()
}

// WatchInvalidations subscribes to the invalidation channel and flushes the
// memo whenever a template changes anywhere. It returns once the
// subscription is live; delivery runs until ctx ends.
func (b *Builder) WatchInvalidations(ctx context.Context, c *cache.Client) error {
	sub, err := c.Subscribe(ctx, InvalidateChannel)
	if err != nil {
		return fmt.Errorf("watch prompt invalidations: %w", err)
	}
	go func() {
		for scope := range sub.C() {
			b.logger.Debug("prompt templates invalidated", "scope", scope)
			b.flush()
		}
	}()
	return nil
}

// Invalidate broadcasts that templates changed for a project (nil for the
// global scope). Every engine instance flushes its memo on receipt.
func Invalidate(ctx context.Context, c *cache.Client, projectID *int64) error {
	scope := "global"
	if projectID != nil {
		scope = strconv.FormatInt(*projectID, 10)
	}
	return c.Publish(ctx, InvalidateChannel, scope)
}

// fill substitutes {{variable}} placeholders. Unknown placeholders are left
// verbatim so a typo in a stored template is visible in the rendered prompt
// instead of vanishing.
func fill(body string, review *model.ReviewRequest, in Input) string {
	pairs := []string{
		"{{diff}}", in.Diff,
		"{{files}}", formatFileList(in.FileList),
		"{{fileCount}}", strconv.Itoa(len(in.FileList)),
		"{{language}}", valueOr(in.Language, "unspecified"),
		"{{title}}", valueOr(review.Title, "(untitled)"),
		"{{baseBranch}}", review.BaseBranch,
		"{{targetBranch}}", review.TargetBranch,
		"{{context}}", valueOr(in.ContextDigest, "(not available)"),
	}
	for k, v := range in.Extra {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

func formatFileList(files []string) string {
	if len(files) == 0 {
		return "(none)"
	}
	return "- " + strings.Join(files, "\n- ")
}

func valueOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

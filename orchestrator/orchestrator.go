// Package orchestrator runs the review engine's jobs: the chunked AI
// review, the three whole-change-set analyses, and the comprehensive
// pipeline that strings them together. Every job runs under an idempotency
// claim, streams progress events, meters its LLM spend through the usage
// attribution context, and settles its execution hash exactly once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wosledon/aireview/cache"
	"github.com/wosledon/aireview/chunk"
	"github.com/wosledon/aireview/diff"
	"github.com/wosledon/aireview/idempotency"
	"github.com/wosledon/aireview/llm"
	"github.com/wosledon/aireview/metrics"
	"github.com/wosledon/aireview/model"
	"github.com/wosledon/aireview/notify"
	"github.com/wosledon/aireview/parse"
	"github.com/wosledon/aireview/prompt"
	"github.com/wosledon/aireview/queue"
	"github.com/wosledon/aireview/store"
	"github.com/wosledon/aireview/tokens"
)

// Job outcome labels for duration metrics.
const (
	outcomeCompleted = "completed"
	outcomePartial   = "partial"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// errNotReviewable marks a review whose lifecycle state forbids the
// requested job. Redelivery cannot fix it.
var errNotReviewable = errors.New("review not in a reviewable state")

// Config holds the orchestrator's knobs.
type Config struct {
	// ExecutionTimeout is the hard cap per job. A review job that hits it
	// keeps what it persisted and completes as partial.
	ExecutionTimeout time.Duration

	// FinishGrace bounds the bookkeeping that runs after a timeout.
	FinishGrace time.Duration

	// ChunkParallelism bounds concurrent LLM dispatches within one job.
	ChunkParallelism int

	// ExcludePaths are doublestar globs removed from change sets.
	ExcludePaths []string

	// Language hints the project's primary language to prompts.
	Language string

	// DiffCacheTTL is how long a fetched change set stays cached, long
	// enough for a comprehensive run's children to share one fetch.
	DiffCacheTTL time.Duration

	// WaitPoll is the status poll interval when a comprehensive child is
	// already running on another worker.
	WaitPoll time.Duration
}

func (c *Config) applyDefaults() {
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 30 * time.Minute
	}
	if c.FinishGrace <= 0 {
		c.FinishGrace = 30 * time.Second
	}
	if c.ChunkParallelism <= 0 {
		c.ChunkParallelism = 4
	}
	if c.DiffCacheTTL <= 0 {
		c.DiffCacheTTL = 15 * time.Minute
	}
	if c.WaitPoll <= 0 {
		c.WaitPoll = 2 * time.Second
	}
}

// Deps carries the orchestrator's collaborators. Events may be nil; every
// other field is required.
type Deps struct {
	Store     store.Store
	Cache     *cache.Client
	Claims    *idempotency.Service
	Diffs     diff.Provider
	Chunker   *chunk.Chunker
	Prompts   *prompt.Builder
	Completer llm.Completer
	Parser    *parse.Parser
	Events    *notify.Notifier
	Logger    *slog.Logger
}

// Orchestrator executes review jobs.
type Orchestrator struct {
	store   store.Store
	cache   *cache.Client
	claims  *idempotency.Service
	diffs   diff.Provider
	chunker *chunk.Chunker
	prompts *prompt.Builder
	llm     llm.Completer
	parser  *parse.Parser
	events  *notify.Notifier
	cfg     Config
	logger  *slog.Logger
}

// New validates the dependency set and builds an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: Store is required")
	case deps.Cache == nil:
		return nil, errors.New("orchestrator: Cache is required")
	case deps.Claims == nil:
		return nil, errors.New("orchestrator: Claims is required")
	case deps.Diffs == nil:
		return nil, errors.New("orchestrator: Diffs is required")
	case deps.Chunker == nil:
		return nil, errors.New("orchestrator: Chunker is required")
	case deps.Prompts == nil:
		return nil, errors.New("orchestrator: Prompts is required")
	case deps.Completer == nil:
		return nil, errors.New("orchestrator: Completer is required")
	case deps.Parser == nil:
		return nil, errors.New("orchestrator: Parser is required")
	}
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   deps.Store,
		cache:   deps.Cache,
		claims:  deps.Claims,
		diffs:   deps.Diffs,
		chunker: deps.Chunker,
		prompts: deps.Prompts,
		llm:     deps.Completer,
		parser:  deps.Parser,
		events:  deps.Events,
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
	}, nil
}

// Run executes one job kind against a review. It returns nil on success
// (including partial completions), a *idempotency.SkipError when another
// worker owns or recently finished the job, and the underlying error
// otherwise.
func (o *Orchestrator) Run(ctx context.Context, kind model.JobKind, reviewID int64) error {
	switch kind {
	case model.JobAIReview:
		return o.RunReview(ctx, reviewID)
	case model.JobRiskAnalysis:
		return o.RunRisk(ctx, reviewID)
	case model.JobImprovements:
		return o.RunImprovements(ctx, reviewID)
	case model.JobPRSummary:
		return o.RunSummary(ctx, reviewID)
	case model.JobComprehensive:
		return o.RunComprehensive(ctx, reviewID)
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
}

// Handle adapts Run to the queue's handler contract. Skips pass through so
// the consumer acks them; permanent failures are logged and swallowed
// because redelivery cannot fix them; everything else propagates for a nak.
func (o *Orchestrator) Handle(ctx context.Context, msg queue.Message) error {
	err := o.Run(ctx, msg.JobKind, msg.ReviewID)
	if err == nil {
		return nil
	}
	if _, ok := idempotency.AsSkip(err); ok {
		return err
	}
	if !retryable(err) {
		o.logger.Error("job failed permanently, not redelivering",
			"kind", msg.JobKind, "review_id", msg.ReviewID, "error", err)
		return nil
	}
	return err
}

// retryable reports whether redelivering a failed job could change the
// outcome. Missing inputs, bad credentials, rejected templates and
// lifecycle violations stay broken no matter how often they run.
func retryable(err error) bool {
	switch {
	case errors.Is(err, diff.ErrBranchMissing),
		errors.Is(err, diff.ErrAuthRequired),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, parse.ErrSchemaVersion),
		errors.Is(err, errNotReviewable),
		llm.IsFatal(err):
		return false
	}
	return true
}

// jobFunc is the body of one claimed job. It owns its timeout and must
// settle exec before returning.
type jobFunc func(parent context.Context, exec *idempotency.Execution, review *model.ReviewRequest) (outcome string, err error)

// runJob claims (kind, reviewID), loads the review and hands off to fn,
// recording the job duration under fn's outcome.
func (o *Orchestrator) runJob(ctx context.Context, kind model.JobKind, reviewID int64, fn jobFunc) error {
	start := time.Now()
	entity := strconv.FormatInt(reviewID, 10)

	exec, err := o.claims.Claim(ctx, kind, entity)
	if err != nil {
		if _, ok := idempotency.AsSkip(err); ok {
			o.observe(kind, outcomeSkipped, start)
		}
		return err
	}
	defer exec.Dispose(context.WithoutCancel(ctx))

	review, err := o.store.Reviews().GetByID(ctx, reviewID)
	if err != nil {
		err = fmt.Errorf("load review %d: %w", reviewID, err)
		o.finishFailed(ctx, exec, kind, reviewID, err)
		o.observe(kind, outcomeFailed, start)
		return err
	}

	outcome, err := fn(ctx, exec, review)
	o.observe(kind, outcome, start)
	return err
}

func (o *Orchestrator) observe(kind model.JobKind, outcome string, start time.Time) {
	metrics.JobDuration.WithLabelValues(string(kind), outcome).Observe(time.Since(start).Seconds())
}

// finishFailed settles the execution as failed and emits the terminal
// event. It runs detached from the caller's cancellation so the failure is
// recorded even on shutdown.
func (o *Orchestrator) finishFailed(ctx context.Context, exec *idempotency.Execution, kind model.JobKind, reviewID int64, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := exec.Fail(ctx, cause); err != nil {
		o.logger.Warn("record job failure",
			"kind", kind, "review_id", reviewID, "error", err)
	}
	o.events.Failed(ctx, reviewID, kind, cause)
}

// completeJob settles the execution as completed and emits the terminal
// event.
func (o *Orchestrator) completeJob(ctx context.Context, exec *idempotency.Execution, kind model.JobKind, reviewID int64) {
	ctx = context.WithoutCancel(ctx)
	if err := exec.Complete(ctx); err != nil {
		o.logger.Warn("record job completion",
			"kind", kind, "review_id", reviewID, "error", err)
	}
	o.events.Completed(ctx, reviewID, kind)
}

// progress updates the execution hash phase; hash write failures degrade
// the status display, never the job.
func (o *Orchestrator) progress(ctx context.Context, exec *idempotency.Execution, reviewID int64, percent int, phase string) {
	if err := exec.ReportProgress(ctx, percent, phase); err != nil && ctx.Err() == nil {
		o.logger.Debug("progress write failed", "review_id", reviewID, "error", err)
	}
}

func diffKey(reviewID int64) string {
	return fmt.Sprintf("diff:%d", reviewID)
}

// changeSet returns the review's filtered change set and its content
// digest. Fetched diffs are cached per review so the comprehensive
// pipeline's children share one fetch; cache failures fall back to the
// provider.
func (o *Orchestrator) changeSet(ctx context.Context, review *model.ReviewRequest) ([]diff.File, string, error) {
	key := diffKey(review.ID)
	if cached, ok, err := o.cache.Get(ctx, key); err != nil {
		o.logger.Warn("diff cache read failed", "review_id", review.ID, "error", err)
	} else if ok {
		files, perr := diff.ParseUnified(cached)
		if perr == nil {
			return files, diff.Digest(files), nil
		}
		o.logger.Warn("diff cache entry unparseable, refetching",
			"review_id", review.ID, "error", perr)
	}

	fetched, err := o.diffs.GetDiff(ctx, review)
	if err != nil {
		return nil, "", fmt.Errorf("fetch diff: %w", err)
	}
	files, err := diff.Filter(fetched, o.cfg.ExcludePaths)
	if err != nil {
		return nil, "", fmt.Errorf("apply exclude patterns: %w", err)
	}

	// The filtered render is cached, so every consumer sees the same view.
	if err := o.cache.Set(ctx, key, diff.Render(files), o.cfg.DiffCacheTTL); err != nil {
		o.logger.Warn("diff cache write failed", "review_id", review.ID, "error", err)
	}
	return files, diff.Digest(files), nil
}

// runChunks dispatches run over total chunks with bounded parallelism,
// reporting progress as chunks finish. The first error cancels the rest.
func (o *Orchestrator) runChunks(ctx context.Context, exec *idempotency.Execution, reviewID int64, kind model.JobKind, total int, run func(ctx context.Context, i int) error) error {
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ChunkParallelism)
	for i := 0; i < total; i++ {
		i := i
		g.Go(func() error {
			if err := run(gctx, i); err != nil {
				return err
			}
			mu.Lock()
			done++
			d := done
			mu.Unlock()
			o.events.Progress(ctx, reviewID, kind, notify.PhaseDispatching,
				fmt.Sprintf("%d/%d chunks", d, total))
			o.progress(ctx, exec, reviewID, 10+(80*d)/total, string(notify.PhaseDispatching))
			return nil
		})
	}
	return g.Wait()
}

// attributed stamps the usage attribution for one operation onto ctx so the
// metered completer can bill the call.
func attributed(ctx context.Context, review *model.ReviewRequest, op model.OperationType) context.Context {
	return tokens.WithAttribution(ctx, tokens.Attribution{
		UserID:          review.AuthorID,
		ProjectID:       &review.ProjectID,
		ReviewRequestID: &review.ID,
		Operation:       op,
	})
}

// modelVersion names the provider/model pair that produced a response, the
// identity recorded on comments and analyses.
func modelVersion(resp *llm.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Provider + "/" + resp.Model
}

package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wosledon/aireview/metrics"
	"github.com/wosledon/aireview/model"
	"github.com/wosledon/aireview/pricing"
)

const (
	defaultBufferSize = 256
	defaultWorkers    = 2
)

// Inserter is the slice of the usage repository the accountant needs.
type Inserter interface {
	Insert(ctx context.Context, rec *model.TokenUsageRecord) error
}

// Option configures an Accountant.
type Option func(*Accountant)

// WithBufferSize sets the pending-record buffer capacity.
func WithBufferSize(n int) Option {
	return func(a *Accountant) {
		if n > 0 {
			a.buffer = n
		}
	}
}

// WithWorkers sets the number of background insert workers.
func WithWorkers(n int) Option {
	return func(a *Accountant) {
		if n > 0 {
			a.workers = n
		}
	}
}

// Accountant records token usage asynchronously. Recording never blocks
// the caller: a full buffer drops the record with a warning rather than
// stalling a review job. Close drains pending records with a deadline.
type Accountant struct {
	repo    Inserter
	logger  *slog.Logger
	buffer  int
	workers int

	queue     chan *model.TokenUsageRecord
	wg        sync.WaitGroup
	closeOnce sync.Once

	dropped  atomic.Int64
	recorded atomic.Int64
}

// NewAccountant starts the background workers and returns the accountant.
func NewAccountant(repo Inserter, logger *slog.Logger, opts ...Option) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Accountant{
		repo:    repo,
		logger:  logger.With("component", "accountant"),
		buffer:  defaultBufferSize,
		workers: defaultWorkers,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.queue = make(chan *model.TokenUsageRecord, a.buffer)
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

// Record enqueues a usage row. Missing ID and CreatedAt are filled in, and
// the totals invariant (total = prompt + completion for both tokens and
// cost) is enforced here so no malformed row reaches the database.
// Best-effort: a full buffer drops the row and logs.
func (a *Accountant) Record(ctx context.Context, rec *model.TokenUsageRecord) {
	if rec == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	rec.TotalCost = rec.PromptCost.Add(rec.CompletionCost)

	select {
	case a.queue <- rec:
	default:
		dropped := a.dropped.Add(1)
		metrics.UsageDropped.Inc()
		a.logger.Warn("usage buffer full, dropping record",
			"provider", rec.Provider,
			"model", rec.Model,
			"operation", rec.OperationType,
			"total_dropped", dropped)
	}
}

func (a *Accountant) worker() {
	defer a.wg.Done()
	for rec := range a.queue {
		a.insert(rec)
	}
}

// insert writes one row with a single short retry. Failures are logged
// and swallowed: usage accounting must never fail a review.
func (a *Accountant) insert(rec *model.TokenUsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := a.repo.Insert(ctx, rec)
	if err != nil {
		time.Sleep(100 * time.Millisecond)
		err = a.repo.Insert(ctx, rec)
	}
	if err != nil {
		a.logger.Error("usage record insert failed",
			"provider", rec.Provider,
			"model", rec.Model,
			"operation", rec.OperationType,
			"error", err)
		return
	}
	a.recorded.Add(1)
}

// Close stops intake and drains pending records, bounded by ctx.
func (a *Accountant) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.queue) })

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usage drain interrupted: %w", ctx.Err())
	}
}

// Dropped returns the number of records lost to buffer overflow.
func (a *Accountant) Dropped() int64 { return a.dropped.Load() }

// Recorded returns the number of records successfully inserted.
func (a *Accountant) Recorded() int64 { return a.recorded.Load() }

// PriceRecord fills the cost fields of rec from the catalog using its
// token counts. An unknown (provider, model) zeroes the costs and sets
// CostUnknown; the row is still recorded.
func PriceRecord(cat *pricing.Catalog, rec *model.TokenUsageRecord) {
	cost, err := cat.Cost(rec.Provider, rec.Model, rec.PromptTokens, rec.CompletionTokens)
	if err != nil {
		rec.PromptCost = decimal.Zero
		rec.CompletionCost = decimal.Zero
		rec.TotalCost = decimal.Zero
		rec.CostUnknown = true
		return
	}
	rec.PromptCost = cost.Prompt
	rec.CompletionCost = cost.Completion
	rec.TotalCost = cost.Total
}

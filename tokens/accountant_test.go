package tokens

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wosledon/aireview/model"
	"github.com/wosledon/aireview/pricing"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"one char", "a", 1},
		{"four chars", "abcd", 1},
		{"five chars", "abcde", 2},
		{"hundred chars", strings.Repeat("x", 100), 25},
		{"ceil boundary", strings.Repeat("x", 101), 26},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimate(tt.text))
		})
	}
}

// fakeRepo collects inserted rows; fail(n) makes the first n inserts fail.
type fakeRepo struct {
	mu       sync.Mutex
	rows     []*model.TokenUsageRecord
	failures int
}

func (f *fakeRepo) Insert(_ context.Context, rec *model.TokenUsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("db down")
	}
	f.rows = append(f.rows, rec)
	return nil
}

func (f *fakeRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeRepo) first() *model.TokenUsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) == 0 {
		return nil
	}
	return f.rows[0]
}

func TestAccountant_RecordAndDrain(t *testing.T) {
	repo := &fakeRepo{}
	a := NewAccountant(repo, nil)

	a.Record(context.Background(), &model.TokenUsageRecord{
		UserID:           7,
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		OperationType:    model.OperationReview,
		PromptTokens:     120,
		CompletionTokens: 30,
		IsSuccessful:     true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	require.Equal(t, 1, repo.count())
	row := repo.first()
	assert.NotEmpty(t, row.ID, "missing id is generated")
	assert.False(t, row.CreatedAt.IsZero())
	assert.Equal(t, 150, row.TotalTokens, "totals invariant enforced")
	assert.True(t, row.TotalCost.Equal(row.PromptCost.Add(row.CompletionCost)))
}

func TestAccountant_RetriesOnce(t *testing.T) {
	repo := &fakeRepo{failures: 1}
	a := NewAccountant(repo, nil)

	a.Record(context.Background(), &model.TokenUsageRecord{Provider: "openai", Model: "gpt-4o"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	assert.Equal(t, 1, repo.count(), "single failure is retried")
	assert.Equal(t, int64(1), a.Recorded())
}

func TestAccountant_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	repo := &fakeRepo{}
	// One slot and zero... workers must exist; use 1 worker and a tiny
	// buffer, then flood faster than the worker can drain.
	a := NewAccountant(repo, nil, WithBufferSize(1), WithWorkers(1))

	for i := 0; i < 200; i++ {
		a.Record(context.Background(), &model.TokenUsageRecord{Provider: "openai", Model: "gpt-4o"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	assert.Equal(t, int64(repo.count()), a.Recorded())
	assert.Equal(t, int64(200), a.Recorded()+a.Dropped(), "every record either lands or is counted dropped")
}

func TestPriceRecord_KnownModel(t *testing.T) {
	cat := pricing.NewCatalog()
	rec := &model.TokenUsageRecord{
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		PromptTokens:     1_000_000,
		CompletionTokens: 1_000_000,
	}

	PriceRecord(cat, rec)

	assert.False(t, rec.CostUnknown)
	assert.Equal(t, "0.15", rec.PromptCost.String())
	assert.Equal(t, "0.6", rec.CompletionCost.String())
	assert.Equal(t, "0.75", rec.TotalCost.String())
}

func TestPriceRecord_UnknownModelZeroCostFlagged(t *testing.T) {
	cat := pricing.NewCatalog()
	rec := &model.TokenUsageRecord{
		Provider:         "acme",
		Model:            "frontier-1",
		PromptTokens:     1000,
		CompletionTokens: 1000,
	}

	PriceRecord(cat, rec)

	assert.True(t, rec.CostUnknown)
	assert.True(t, rec.PromptCost.IsZero())
	assert.True(t, rec.CompletionCost.IsZero())
	assert.True(t, rec.TotalCost.IsZero())
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wosledon/aireview/cache"
	"github.com/wosledon/aireview/chunk"
	"github.com/wosledon/aireview/diff"
	"github.com/wosledon/aireview/idempotency"
	"github.com/wosledon/aireview/llm"
	"github.com/wosledon/aireview/llm/testutil"
	"github.com/wosledon/aireview/model"
	"github.com/wosledon/aireview/notify"
	"github.com/wosledon/aireview/parse"
	"github.com/wosledon/aireview/prompt"
	"github.com/wosledon/aireview/queue"
	"github.com/wosledon/aireview/store"
)

// sampleDiff touches one file; it fits one default chunk and line 12 on the
// new side carries the injectable query.
const sampleDiff = `diff --git a/svc/handler.go b/svc/handler.go
--- a/svc/handler.go
+++ b/svc/handler.go
@@ -10,4 +10,6 @@
 func handle(w http.ResponseWriter, r *http.Request) {
 	id := r.URL.Query().Get("id")
+	row := db.QueryRow("SELECT * FROM users WHERE id = " + id)
+	_ = row
 	render(w)
 }
`

// twoFileDiff adds a second file so tiny chunk budgets force a multi-chunk
// run.
const twoFileDiff = sampleDiff + `diff --git a/svc/render.go b/svc/render.go
--- a/svc/render.go
+++ b/svc/render.go
@@ -5,4 +5,5 @@
 func render(w http.ResponseWriter) {
 	w.Header().Set("Content-Type", "text/html")
+	w.Header().Set("Cache-Control", "no-store")
 	w.WriteHeader(http.StatusOK)
 }
`

const reviewResponse = `{"comments":[
	{"filePath":"svc/handler.go","lineNumber":12,"severity":"Critical","category":"Security",
	 "content":"User input is concatenated into SQL.","suggestion":"Use a parameterised query."},
	{"filePath":"svc/handler.go","severity":"Info","category":"Style","content":"Name the row variable."}
]}`

const riskResponse = `{"overallRiskScore":72,"complexityRisk":40,"securityRisk":85,"performanceRisk":20,
	"maintainabilityRisk":35,"riskDescription":"Raw SQL concatenation.","mitigationSuggestions":"Parameterise.","confidenceScore":0.9}`

const improvementsResponse = `{"suggestions":[
	{"type":"security","priority":"urgent","title":"Parameterise the query","description":"Bind the id instead of concatenating.",
	 "filePath":"svc/handler.go","startLine":12,"endLine":12,"implementationComplexity":2,"confidenceScore":0.95}
]}`

const summaryResponse = `{"changeType":"fix","breakingChangeRisk":"moderate","summary":"Hardens the user lookup handler.",
	"keyChanges":["query construction","response headers"],"changeStatistics":{"files":99}}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory store.Store. Prompts always miss so jobs run on
// the built-in templates.
type memStore struct {
	mu          sync.Mutex
	reviews     map[int64]model.ReviewRequest
	comments    []model.ReviewComment
	nextComment int
	risks       map[int64]model.RiskAssessment
	suggestions map[int64][]model.ImprovementSuggestion
	summaries   map[int64]model.PullRequestSummary
	usageRepo   memUsage
}

func newMemStore() *memStore {
	return &memStore{
		reviews:     make(map[int64]model.ReviewRequest),
		risks:       make(map[int64]model.RiskAssessment),
		suggestions: make(map[int64][]model.ImprovementSuggestion),
		summaries:   make(map[int64]model.PullRequestSummary),
	}
}

var _ store.Store = (*memStore)(nil)

func (m *memStore) Reviews() store.ReviewRepo    { return m }
func (m *memStore) Comments() store.CommentRepo  { return m }
func (m *memStore) Analyses() store.AnalysisRepo { return m }
func (m *memStore) Usage() store.UsageRepo       { return &m.usageRepo }
func (m *memStore) Prompts() store.PromptRepo    { return m }

// memUsage is its own type because UsageRepo's Insert would collide with
// CommentRepo's.
type memUsage struct {
	mu   sync.Mutex
	rows []model.TokenUsageRecord
}

func (m *memUsage) Insert(_ context.Context, rec *model.TokenUsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *rec)
	return nil
}

func (m *memUsage) SumByUser(context.Context, int64, time.Time, time.Time) (*model.UsageStats, error) {
	return &model.UsageStats{}, nil
}

func (m *memUsage) SumByProject(context.Context, int64, time.Time, time.Time) (*model.UsageStats, error) {
	return &model.UsageStats{}, nil
}

func (m *memStore) seed(r model.ReviewRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews[r.ID] = r
}

func (m *memStore) GetByID(_ context.Context, id int64) (*model.ReviewRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (m *memStore) UpdateState(_ context.Context, id int64, from, to model.ReviewState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.State != from {
		return store.ErrStateConflict
	}
	r.State = to
	r.UpdatedAt = time.Now().UTC()
	m.reviews[id] = r
	return nil
}

func (m *memStore) state(id int64) model.ReviewState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reviews[id].State
}

func (m *memStore) Insert(_ context.Context, c *model.ReviewComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextComment++
	c.ID = fmt.Sprintf("c-%d", m.nextComment)
	m.comments = append(m.comments, *c)
	return nil
}

func (m *memStore) InsertBatch(ctx context.Context, comments []model.ReviewComment) error {
	for i := range comments {
		if err := m.Insert(ctx, &comments[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) DeleteAIByReview(_ context.Context, reviewID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.comments[:0]
	var removed int64
	for _, c := range m.comments {
		if c.ReviewID == reviewID && c.IsAIGenerated {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	m.comments = kept
	return removed, nil
}

func (m *memStore) ListByReview(_ context.Context, reviewID int64) ([]model.ReviewComment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReviewComment
	for _, c := range m.comments {
		if c.ReviewID == reviewID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) UpsertRisk(_ context.Context, r *model.RiskAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.risks[r.ReviewID] = *r
	return nil
}

func (m *memStore) ReplaceSuggestions(_ context.Context, reviewID int64, suggestions []model.ImprovementSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suggestions[reviewID] = append([]model.ImprovementSuggestion(nil), suggestions...)
	return nil
}

func (m *memStore) UpsertSummary(_ context.Context, s *model.PullRequestSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[s.ReviewID] = *s
	return nil
}

func (m *memStore) Resolve(context.Context, *int64, model.OperationType) (*model.PromptTemplate, error) {
	return nil, store.ErrNotFound
}

// stubDiff serves a fixed unified diff and counts fetches.
type stubDiff struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (s *stubDiff) GetDiff(context.Context, *model.ReviewRequest) ([]diff.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return diff.ParseUnified(s.text)
}

func (s *stubDiff) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	orch   *Orchestrator
	store  *memStore
	diffs  *stubDiff
	cache  *cache.Client
	claims *idempotency.Service
	mr     *miniredis.Miniredis
}

func newHarness(t *testing.T, completer llm.Completer, cfg Config, chunker *chunk.Chunker) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewFromClient(rdb, "AIReview:", testLogger())
	t.Cleanup(func() { _ = c.Close() })

	claims := idempotency.NewService(c, idempotency.Config{
		LockTTL:           2 * time.Second,
		HeartbeatInterval: 100 * time.Millisecond,
		LivenessWindow:    500 * time.Millisecond,
		DedupWindow:       time.Minute,
	}, testLogger())

	st := newMemStore()
	diffs := &stubDiff{text: sampleDiff}
	if chunker == nil {
		chunker = chunk.NewDefault()
	}
	if cfg.WaitPoll == 0 {
		cfg.WaitPoll = 20 * time.Millisecond
	}

	orch, err := New(Deps{
		Store:     st,
		Cache:     c,
		Claims:    claims,
		Diffs:     diffs,
		Chunker:   chunker,
		Prompts:   prompt.New(nil, prompt.WithLogger(testLogger())),
		Completer: completer,
		Parser:    parse.New(parse.WithLogger(testLogger())),
		Events:    notify.New(c, testLogger()),
		Logger:    testLogger(),
	}, cfg)
	require.NoError(t, err)

	return &harness{orch: orch, store: st, diffs: diffs, cache: c, claims: claims, mr: mr}
}

func respondWith(text string) *llm.Response {
	return &llm.Response{
		Text:         text,
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		FinishReason: llm.FinishStop,
		Usage:        llm.Usage{PromptTokens: 900, CompletionTokens: 120, TotalTokens: 1020},
	}
}

func pendingReview(id int64) model.ReviewRequest {
	now := time.Now().UTC()
	return model.ReviewRequest{
		ID:           id,
		ProjectID:    7,
		Title:        "Harden user lookup",
		TargetBranch: "feature/lookup",
		BaseBranch:   "main",
		AuthorID:     301,
		State:        model.StatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestReviewHappyPath(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*llm.Response{respondWith(reviewResponse)}}
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(1))
	ctx := context.Background()

	require.NoError(t, h.orch.RunReview(ctx, 1))

	assert.Equal(t, model.StateHumanReview, h.store.state(1))
	assert.Equal(t, 1, h.diffs.fetchCount())
	assert.Equal(t, 1, mock.CallCount())

	comments, err := h.store.ListByReview(ctx, 1)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	for _, c := range comments {
		assert.True(t, c.IsAIGenerated)
		assert.Equal(t, "openai/gpt-4o-mini", c.AuthorName)
	}
	require.NotNil(t, comments[0].LineNumber)
	assert.Equal(t, 12, *comments[0].LineNumber)
	assert.Equal(t, model.SeverityCritical, comments[0].Severity)
	assert.Equal(t, model.CategorySecurity, comments[0].Category)
	assert.Nil(t, comments[1].LineNumber, "file-level comment keeps no anchor")

	marker, found, err := h.cache.Get(ctx, "recent:AIReview:1")
	require.NoError(t, err)
	require.True(t, found, "completion should arm the dedup window")
	assert.NotEmpty(t, marker)
	assert.False(t, strings.HasPrefix(marker, "partial:"))

	status, found, err := h.claims.GetStatus(ctx, model.JobAIReview, "1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.JobCompleted, status.Status)
}

func TestReviewDuplicateTriggerSkips(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*llm.Response{respondWith(reviewResponse)}}
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(2))
	ctx := context.Background()

	held, err := h.claims.Claim(ctx, model.JobAIReview, "2")
	require.NoError(t, err)
	defer held.Dispose(ctx)

	err = h.orch.RunReview(ctx, 2)
	skip, ok := idempotency.AsSkip(err)
	require.True(t, ok, "concurrent duplicate should skip, got %v", err)
	assert.Equal(t, idempotency.SkipAlreadyRunning, skip.Reason)
	assert.Equal(t, 0, h.diffs.fetchCount(), "skipped run must not fetch the diff")
	assert.Equal(t, 0, mock.CallCount())
	assert.Equal(t, model.StatePending, h.store.state(2))
}

func TestReviewWithinDedupWindowSkips(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*llm.Response{respondWith(reviewResponse), respondWith(reviewResponse)}}
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(3))
	ctx := context.Background()

	require.NoError(t, h.orch.RunReview(ctx, 3))
	firstCalls := mock.CallCount()

	err := h.orch.RunReview(ctx, 3)
	skip, ok := idempotency.AsSkip(err)
	require.True(t, ok)
	assert.Equal(t, idempotency.SkipRecentlyCompleted, skip.Reason)
	assert.Equal(t, firstCalls, mock.CallCount(), "dedup skip must not call the model")
}

func TestReviewEmptyChangeSetHandsOverDirectly(t *testing.T) {
	mock := &testutil.MockClient{}
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(4))
	h.diffs.text = ""
	ctx := context.Background()

	require.NoError(t, h.orch.RunReview(ctx, 4))

	assert.Equal(t, model.StateHumanReview, h.store.state(4))
	assert.Equal(t, 0, mock.CallCount(), "nothing to review means no model calls")
	comments, _ := h.store.ListByReview(ctx, 4)
	assert.Empty(t, comments)

	status, found, err := h.claims.GetStatus(ctx, model.JobAIReview, "4")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.JobCompleted, status.Status)
}

func TestReviewResumeReplacesAutomatedComments(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*llm.Response{respondWith(reviewResponse)}}
	h := newHarness(t, mock, Config{}, nil)
	ctx := context.Background()

	// A prior run died mid-flight: the review is stuck in AIReviewing with a
	// half-written automated pass plus one human comment.
	r := pendingReview(5)
	r.State = model.StateAIReviewing
	h.store.seed(r)
	require.NoError(t, h.store.Insert(ctx, &model.ReviewComment{
		ReviewID: 5, Content: "stale automated finding", IsAIGenerated: true, AuthorName: "openai/gpt-4o-mini",
		Severity: model.SeverityWarning, Category: model.CategoryQuality,
	}))
	require.NoError(t, h.store.Insert(ctx, &model.ReviewComment{
		ReviewID: 5, Content: "please add a test", AuthorName: "alex",
		Severity: model.SeverityInfo, Category: model.CategoryQuality,
	}))

	require.NoError(t, h.orch.RunReview(ctx, 5))

	comments, err := h.store.ListByReview(ctx, 5)
	require.NoError(t, err)
	var human, ai int
	for _, c := range comments {
		if c.IsAIGenerated {
			ai++
			assert.NotEqual(t, "stale automated finding", c.Content)
		} else {
			human++
			assert.Equal(t, "please add a test", c.Content)
		}
	}
	assert.Equal(t, 1, human, "human comments survive a resume")
	assert.Equal(t, 2, ai, "the resumed pass replaces the stale automated comments")
	assert.Equal(t, model.StateHumanReview, h.store.state(5))
}

func TestReviewProviderOutageDegradesToFallbackNote(t *testing.T) {
	mock := &testutil.MockClient{Err: &llm.ProviderUnavailableError{Provider: "openai"}}
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(6))
	ctx := context.Background()

	require.NoError(t, h.orch.RunReview(ctx, 6), "an unreachable provider degrades, it does not fail the job")

	comments, err := h.store.ListByReview(ctx, 6)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, model.SeverityInfo, comments[0].Severity)
	assert.Equal(t, fallbackAuthor, comments[0].AuthorName)
	assert.Contains(t, comments[0].Content, "svc/handler.go")
	assert.Nil(t, comments[0].LineNumber)

	assert.Equal(t, model.StateHumanReview, h.store.state(6))

	marker, found, err := h.cache.Get(ctx, "recent:AIReview:6")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, strings.HasPrefix(marker, "partial:"), "degraded runs complete as partial, got %q", marker)
}

func TestReviewUnparseableOutputDegradesToFallbackNote(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*llm.Response{respondWith("I looked at the diff and it seems fine to me!")}}
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(7))
	ctx := context.Background()

	require.NoError(t, h.orch.RunReview(ctx, 7))

	comments, err := h.store.ListByReview(ctx, 7)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, fallbackAuthor, comments[0].AuthorName)
	assert.Equal(t, model.StateHumanReview, h.store.state(7))
}

func TestReviewDropsAnchorOutsideChangeSet(t *testing.T) {
	resp := `{"comments":[{"filePath":"svc/handler.go","lineNumber":999,"severity":"Warning","category":"Bug","content":"Off the end of the diff."}]}`
	mock := &testutil.MockClient{Responses: []*llm.Response{respondWith(resp)}}
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(8))
	ctx := context.Background()

	require.NoError(t, h.orch.RunReview(ctx, 8))

	comments, err := h.store.ListByReview(ctx, 8)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Nil(t, comments[0].LineNumber, "an anchor outside the new side is dropped, not the comment")
	assert.Equal(t, "Off the end of the diff.", comments[0].Content)
}

func TestReviewRefusesTerminalState(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*llm.Response{respondWith(reviewResponse)}}
	h := newHarness(t, mock, Config{}, nil)
	r := pendingReview(9)
	r.State = model.StateMerged
	h.store.seed(r)
	ctx := context.Background()

	err := h.orch.RunReview(ctx, 9)
	require.Error(t, err)
	assert.ErrorIs(t, err, errNotReviewable)
	assert.Equal(t, model.StateMerged, h.store.state(9))

	status, found, gerr := h.claims.GetStatus(ctx, model.JobAIReview, "9")
	require.NoError(t, gerr)
	require.True(t, found)
	assert.Equal(t, model.JobFailed, status.Status)
}

func TestReviewTimeoutCompletesPartial(t *testing.T) {
	mock := &testutil.MockClient{CompleteFn: func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, mock, Config{ExecutionTimeout: 100 * time.Millisecond, FinishGrace: time.Second}, nil)
	h.store.seed(pendingReview(10))
	ctx := context.Background()

	require.NoError(t, h.orch.RunReview(ctx, 10), "hitting the execution timeout is a partial completion, not a failure")

	// The review stays in AIReviewing so a later trigger resumes it.
	assert.Equal(t, model.StateAIReviewing, h.store.state(10))

	marker, found, err := h.cache.Get(ctx, "recent:AIReview:10")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, strings.HasPrefix(marker, "partial:"))

	status, found, err := h.claims.GetStatus(ctx, model.JobAIReview, "10")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.JobCompleted, status.Status)
}

func TestHandleOutcomes(t *testing.T) {
	t.Run("skip propagates for an ack", func(t *testing.T) {
		mock := &testutil.MockClient{}
		h := newHarness(t, mock, Config{}, nil)
		h.store.seed(pendingReview(20))
		ctx := context.Background()

		held, err := h.claims.Claim(ctx, model.JobAIReview, "20")
		require.NoError(t, err)
		defer held.Dispose(ctx)

		err = h.orch.Handle(ctx, queue.Message{JobKind: model.JobAIReview, ReviewID: 20})
		_, ok := idempotency.AsSkip(err)
		assert.True(t, ok)
	})

	t.Run("permanent failure is swallowed", func(t *testing.T) {
		mock := &testutil.MockClient{}
		h := newHarness(t, mock, Config{}, nil)
		h.store.seed(pendingReview(21))
		h.diffs.err = fmt.Errorf("%w: project 7 main..feature", diff.ErrBranchMissing)

		err := h.orch.Handle(context.Background(), queue.Message{JobKind: model.JobAIReview, ReviewID: 21})
		assert.NoError(t, err, "redelivery cannot conjure a missing branch")
	})

	t.Run("transient failure propagates for a nak", func(t *testing.T) {
		mock := &testutil.MockClient{}
		h := newHarness(t, mock, Config{}, nil)
		h.store.seed(pendingReview(22))
		h.diffs.err = fmt.Errorf("%w: connection refused", diff.ErrRepoUnavailable)

		err := h.orch.Handle(context.Background(), queue.Message{JobKind: model.JobAIReview, ReviewID: 22})
		assert.Error(t, err)
	})

	t.Run("missing review is permanent", func(t *testing.T) {
		mock := &testutil.MockClient{}
		h := newHarness(t, mock, Config{}, nil)

		err := h.orch.Handle(context.Background(), queue.Message{JobKind: model.JobAIReview, ReviewID: 404})
		assert.NoError(t, err)
	})
}

func TestRiskAnalysisPersistsAssessment(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*llm.Response{respondWith(riskResponse)}}
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(30))
	ctx := context.Background()

	require.NoError(t, h.orch.RunRisk(ctx, 30))

	h.store.mu.Lock()
	risk, ok := h.store.risks[30]
	h.store.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 72, risk.OverallRiskScore)
	assert.Equal(t, 85, risk.SecurityRisk)
	assert.Equal(t, 0.9, risk.ConfidenceScore)
	assert.Equal(t, "openai/gpt-4o-mini", risk.AIModelVersion)

	// Analyses never move the review lifecycle.
	assert.Equal(t, model.StatePending, h.store.state(30))
}

func TestRiskAnalysisFailsWholeOnChunkError(t *testing.T) {
	mock := &testutil.MockClient{Err: &llm.ProviderUnavailableError{Provider: "openai"}}
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(31))
	ctx := context.Background()

	err := h.orch.RunRisk(ctx, 31)
	require.Error(t, err, "a risk score computed from part of the change set would be wrong, not partial")

	h.store.mu.Lock()
	_, ok := h.store.risks[31]
	h.store.mu.Unlock()
	assert.False(t, ok)

	status, found, gerr := h.claims.GetStatus(ctx, model.JobRiskAnalysis, "31")
	require.NoError(t, gerr)
	require.True(t, found)
	assert.Equal(t, model.JobFailed, status.Status)
}

func TestMergeRiskTakesWorstScoresAndWeakestConfidence(t *testing.T) {
	out := &model.RiskAssessment{ReviewID: 1}
	mergeRisk(out, []*parse.RiskResult{
		{OverallRiskScore: 40, SecurityRisk: 10, ComplexityRisk: 55, ConfidenceScore: 0.9, RiskDescription: "first part"},
		{OverallRiskScore: 80, SecurityRisk: 70, PerformanceRisk: 25, ConfidenceScore: 0.6, RiskDescription: "second part", MitigationSuggestion: "split the change"},
		nil,
	})

	assert.Equal(t, 80, out.OverallRiskScore)
	assert.Equal(t, 70, out.SecurityRisk)
	assert.Equal(t, 55, out.ComplexityRisk)
	assert.Equal(t, 25, out.PerformanceRisk)
	assert.Equal(t, 0.6, out.ConfidenceScore)
	assert.Contains(t, out.RiskDescription, "first part")
	assert.Contains(t, out.RiskDescription, "second part")
	assert.Equal(t, "split the change", out.MitigationSuggestion)
}

func TestImprovementsReplaceSuggestionSet(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*llm.Response{respondWith(improvementsResponse)}}
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(40))
	ctx := context.Background()

	// A stale set from a previous revision must not survive the rerun.
	require.NoError(t, h.store.ReplaceSuggestions(ctx, 40, []model.ImprovementSuggestion{
		{ReviewID: 40, Title: "stale"},
	}))

	require.NoError(t, h.orch.RunImprovements(ctx, 40))

	h.store.mu.Lock()
	got := h.store.suggestions[40]
	h.store.mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "Parameterise the query", got[0].Title)
	assert.Equal(t, "High", got[0].Priority, "urgent normalises to High")
	require.NotNil(t, got[0].StartLine)
	assert.Equal(t, 12, *got[0].StartLine)
}

func TestSummaryUsesCondensedListingForLargeChangeSets(t *testing.T) {
	var userPrompt string
	var mu sync.Mutex
	mock := &testutil.MockClient{CompleteFn: func(_ context.Context, req llm.Request) (*llm.Response, error) {
		mu.Lock()
		if len(req.Messages) > 0 {
			userPrompt = req.Messages[0].Content
		}
		mu.Unlock()
		return respondWith(summaryResponse), nil
	}}

	// Budgets far below one file's size force a multi-chunk split, which
	// flips the summary to the condensed file listing.
	tiny := chunk.MustNew(chunk.Config{TargetTokens: 20, MaxTokens: 30, MinTokens: 4})
	h := newHarness(t, mock, Config{}, tiny)
	h.store.seed(pendingReview(50))
	h.diffs.text = twoFileDiff
	ctx := context.Background()

	require.NoError(t, h.orch.RunSummary(ctx, 50))

	mu.Lock()
	sent := userPrompt
	mu.Unlock()
	assert.Contains(t, sent, "2 files changed, 3 insertions(+), 0 deletions(-)")
	assert.Contains(t, sent, "svc/render.go")
	assert.NotContains(t, sent, "@@", "the condensed listing carries no hunks")

	h.store.mu.Lock()
	sum, ok := h.store.summaries[50]
	h.store.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "fix", sum.ChangeType)
	assert.Equal(t, "Medium", sum.BreakingChangeRisk, "moderate normalises to Medium")
	assert.Equal(t, "Hardens the user lookup handler.", sum.Summary)
	assert.Contains(t, string(sum.ChangeStatistics), `"files":2`,
		"change statistics come from the diff, never from the model")
}

func TestSummaryEmptyChangeSetSkipsModel(t *testing.T) {
	mock := &testutil.MockClient{}
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(51))
	h.diffs.text = ""
	ctx := context.Background()

	require.NoError(t, h.orch.RunSummary(ctx, 51))

	assert.Equal(t, 0, mock.CallCount())
	h.store.mu.Lock()
	sum := h.store.summaries[51]
	h.store.mu.Unlock()
	assert.Equal(t, "None", sum.ChangeType)
	assert.Contains(t, sum.Summary, "No changes")
}

// opResponder answers each call according to the schema named in the system
// prompt, so one mock serves a whole comprehensive pipeline.
func opResponder() *testutil.MockClient {
	return &testutil.MockClient{CompleteFn: func(_ context.Context, req llm.Request) (*llm.Response, error) {
		switch {
		case strings.Contains(req.System, "review/v1"):
			return respondWith(reviewResponse), nil
		case strings.Contains(req.System, "risk/v1"):
			return respondWith(riskResponse), nil
		case strings.Contains(req.System, "improvements/v1"):
			return respondWith(improvementsResponse), nil
		case strings.Contains(req.System, "summary/v1"):
			return respondWith(summaryResponse), nil
		default:
			return nil, llm.NewFatalError(errors.New("unrecognised operation prompt"))
		}
	}}
}

func TestComprehensiveRunsWholePipeline(t *testing.T) {
	mock := opResponder()
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(60))
	ctx := context.Background()

	require.NoError(t, h.orch.RunComprehensive(ctx, 60))

	assert.Equal(t, model.StateHumanReview, h.store.state(60))
	comments, _ := h.store.ListByReview(ctx, 60)
	assert.Len(t, comments, 2)

	h.store.mu.Lock()
	_, hasRisk := h.store.risks[60]
	suggestions := h.store.suggestions[60]
	_, hasSummary := h.store.summaries[60]
	h.store.mu.Unlock()
	assert.True(t, hasRisk)
	assert.Len(t, suggestions, 1)
	assert.True(t, hasSummary)

	// The children share one cached fetch instead of hitting the diff
	// service four times.
	assert.Equal(t, 1, h.diffs.fetchCount())

	for _, kind := range []model.JobKind{
		model.JobAIReview, model.JobRiskAnalysis, model.JobImprovements, model.JobPRSummary, model.JobComprehensive,
	} {
		status, found, err := h.claims.GetStatus(ctx, kind, "60")
		require.NoError(t, err)
		require.True(t, found, "missing execution for %s", kind)
		assert.Equal(t, model.JobCompleted, status.Status, "kind %s", kind)
	}
}

func TestComprehensiveTreatsRecentChildAsDone(t *testing.T) {
	mock := opResponder()
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(61))
	ctx := context.Background()

	// The review child already completed moments ago on another trigger.
	exec, err := h.claims.Claim(ctx, model.JobAIReview, "61")
	require.NoError(t, err)
	require.NoError(t, exec.Complete(ctx))
	require.NoError(t, h.store.UpdateState(ctx, 61, model.StatePending, model.StateAIReviewing))
	require.NoError(t, h.store.UpdateState(ctx, 61, model.StateAIReviewing, model.StateHumanReview))

	require.NoError(t, h.orch.RunComprehensive(ctx, 61))

	for _, req := range mock.Requests() {
		assert.NotContains(t, req.System, "review/v1", "a recently completed child must not rerun")
	}

	h.store.mu.Lock()
	_, hasRisk := h.store.risks[61]
	_, hasSummary := h.store.summaries[61]
	h.store.mu.Unlock()
	assert.True(t, hasRisk)
	assert.True(t, hasSummary)
}

func TestComprehensiveWaitsOnRunningChild(t *testing.T) {
	mock := opResponder()
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(62))
	ctx := context.Background()

	// Another worker owns the review child right now and completes it
	// shortly; the pipeline waits instead of duplicating the work.
	exec, err := h.claims.Claim(ctx, model.JobAIReview, "62")
	require.NoError(t, err)
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = h.store.UpdateState(context.Background(), 62, model.StatePending, model.StateAIReviewing)
		_ = h.store.UpdateState(context.Background(), 62, model.StateAIReviewing, model.StateHumanReview)
		_ = exec.Complete(context.Background())
	}()

	require.NoError(t, h.orch.RunComprehensive(ctx, 62))

	for _, req := range mock.Requests() {
		assert.NotContains(t, req.System, "review/v1")
	}
	h.store.mu.Lock()
	_, hasRisk := h.store.risks[62]
	h.store.mu.Unlock()
	assert.True(t, hasRisk)
}

func TestComprehensivePartialWhenOneChildFails(t *testing.T) {
	mock := &testutil.MockClient{CompleteFn: func(_ context.Context, req llm.Request) (*llm.Response, error) {
		if strings.Contains(req.System, "risk/v1") {
			return nil, llm.NewFatalError(errors.New("risk model rejected the request"))
		}
		switch {
		case strings.Contains(req.System, "review/v1"):
			return respondWith(reviewResponse), nil
		case strings.Contains(req.System, "improvements/v1"):
			return respondWith(improvementsResponse), nil
		default:
			return respondWith(summaryResponse), nil
		}
	}}
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(63))
	ctx := context.Background()

	require.NoError(t, h.orch.RunComprehensive(ctx, 63), "one failed member leaves a partial pipeline, not a failed one")

	h.store.mu.Lock()
	_, hasRisk := h.store.risks[63]
	suggestions := h.store.suggestions[63]
	_, hasSummary := h.store.summaries[63]
	h.store.mu.Unlock()
	assert.False(t, hasRisk, "the failed member persists nothing")
	assert.Len(t, suggestions, 1)
	assert.True(t, hasSummary)

	marker, found, err := h.cache.Get(ctx, "recent:Comprehensive:63")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "partial", marker)
}

func TestChangeSetCachesFetchedDiff(t *testing.T) {
	mock := opResponder()
	h := newHarness(t, mock, Config{}, nil)
	h.store.seed(pendingReview(70))
	ctx := context.Background()

	require.NoError(t, h.orch.RunRisk(ctx, 70))
	require.NoError(t, h.orch.RunSummary(ctx, 70))

	assert.Equal(t, 1, h.diffs.fetchCount(), "the second job reads the cached change set")
}

func TestRunRejectsUnknownKind(t *testing.T) {
	mock := &testutil.MockClient{}
	h := newHarness(t, mock, Config{}, nil)

	err := h.orch.Run(context.Background(), model.JobKind("Vacuum"), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job kind")
}

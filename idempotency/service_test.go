package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wosledon/aireview/cache"
	"github.com/wosledon/aireview/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, cfg Config) (*Service, *miniredis.Miniredis, *cache.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewFromClient(rdb, "AIReview:", discardLogger())
	t.Cleanup(func() { _ = c.Close() })
	return NewService(c, cfg, discardLogger()), mr, c
}

func defaultTestConfig() Config {
	return Config{
		LockTTL:           2 * time.Second,
		HeartbeatInterval: 100 * time.Millisecond,
		LivenessWindow:    500 * time.Millisecond,
		DedupWindow:       time.Minute,
	}
}

func TestClaimAndComplete(t *testing.T) {
	svc, _, c := newTestService(t, defaultTestConfig())
	ctx := context.Background()

	exec, err := svc.Claim(ctx, model.JobAIReview, "42")
	require.NoError(t, err)
	require.NotNil(t, exec)
	defer exec.Dispose(ctx)

	status, found, err := svc.GetStatus(ctx, model.JobAIReview, "42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.JobRunning, status.Status)
	assert.Equal(t, exec.ID(), status.ExecutionID)
	assert.Equal(t, svc.Instance(), status.OwnerInstance)
	assert.Equal(t, 0, status.Progress)

	require.NoError(t, exec.ReportProgress(ctx, 40, "CHUNKING"))
	status, _, err = svc.GetStatus(ctx, model.JobAIReview, "42")
	require.NoError(t, err)
	assert.Equal(t, 40, status.Progress)
	assert.Equal(t, "CHUNKING", status.Phase)

	require.NoError(t, exec.Complete(ctx))

	status, found, err = svc.GetStatus(ctx, model.JobAIReview, "42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.JobCompleted, status.Status)
	assert.Equal(t, 100, status.Progress)

	recent, err := c.Exists(ctx, "recent:AIReview:42")
	require.NoError(t, err)
	assert.True(t, recent, "dedup marker should be armed after Complete")

	ttl, err := c.TTL(ctx, "recent:AIReview:42")
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 2)

	held, err := c.Exists(ctx, "lock:AIReview:42")
	require.NoError(t, err)
	assert.False(t, held, "lock should be released after Complete")
}

func TestClaimSkipsRecentlyCompleted(t *testing.T) {
	svc, _, _ := newTestService(t, defaultTestConfig())
	ctx := context.Background()

	exec, err := svc.Claim(ctx, model.JobAIReview, "7")
	require.NoError(t, err)
	require.NoError(t, exec.Complete(ctx))

	_, err = svc.Claim(ctx, model.JobAIReview, "7")
	skip, ok := AsSkip(err)
	require.True(t, ok, "second claim inside dedup window should skip, got %v", err)
	assert.Equal(t, SkipRecentlyCompleted, skip.Reason)
	assert.Equal(t, model.JobAIReview, skip.Kind)
	assert.Equal(t, "7", skip.EntityID)
}

func TestClaimSkipsAlreadyRunning(t *testing.T) {
	svc, _, c := newTestService(t, defaultTestConfig())
	ctx := context.Background()

	exec, err := svc.Claim(ctx, model.JobRiskAnalysis, "9")
	require.NoError(t, err)
	defer exec.Dispose(ctx)

	// A second service instance over the same Redis sees the live
	// execution hash before it ever reaches the lock.
	other := NewService(c, defaultTestConfig(), discardLogger())
	_, err = other.Claim(ctx, model.JobRiskAnalysis, "9")
	skip, ok := AsSkip(err)
	require.True(t, ok)
	assert.Equal(t, SkipAlreadyRunning, skip.Reason)
}

func TestClaimDistinctKindsDoNotConflict(t *testing.T) {
	svc, _, _ := newTestService(t, defaultTestConfig())
	ctx := context.Background()

	review, err := svc.Claim(ctx, model.JobAIReview, "11")
	require.NoError(t, err)
	defer review.Dispose(ctx)

	risk, err := svc.Claim(ctx, model.JobRiskAnalysis, "11")
	require.NoError(t, err)
	defer risk.Dispose(ctx)

	assert.NotEqual(t, review.ID(), risk.ID())
}

func TestFailAllowsImmediateReclaim(t *testing.T) {
	svc, _, c := newTestService(t, defaultTestConfig())
	ctx := context.Background()

	exec, err := svc.Claim(ctx, model.JobPRSummary, "3")
	require.NoError(t, err)
	require.NoError(t, exec.Fail(ctx, errors.New("provider unavailable")))

	status, _, err := svc.GetStatus(ctx, model.JobPRSummary, "3")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, status.Status)
	assert.Contains(t, status.Error, "provider unavailable")

	recent, err := c.Exists(ctx, "recent:PRSummary:3")
	require.NoError(t, err)
	assert.False(t, recent, "Fail must not arm the dedup window")

	again, err := svc.Claim(ctx, model.JobPRSummary, "3")
	require.NoError(t, err)
	require.NotNil(t, again)
	defer again.Dispose(ctx)
	assert.NotEqual(t, exec.ID(), again.ID())
}

func TestCrashedWorkerIsReclaimedAfterLockTTL(t *testing.T) {
	cfg := Config{
		LockTTL:           200 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		LivenessWindow:    120 * time.Millisecond,
		DedupWindow:       time.Minute,
	}
	svc, mr, _ := newTestService(t, cfg)
	ctx := context.Background()

	exec, err := svc.Claim(ctx, model.JobAIReview, "13")
	require.NoError(t, err)

	// Simulate a crash: the heartbeat dies, Complete never runs.
	exec.hbCancel()
	<-exec.hbDone

	// Heartbeat goes stale in real time; the lock TTL we advance in Redis.
	time.Sleep(cfg.LivenessWindow + 50*time.Millisecond)
	mr.FastForward(cfg.LockTTL + 100*time.Millisecond)

	again, err := svc.Claim(ctx, model.JobAIReview, "13")
	require.NoError(t, err, "claim after crash should succeed once TTLs lapse")
	require.NotNil(t, again)
	defer again.Dispose(ctx)

	status, _, err := svc.GetStatus(ctx, model.JobAIReview, "13")
	require.NoError(t, err)
	assert.Equal(t, again.ID(), status.ExecutionID, "new execution hash should replace the dead one")
	assert.Equal(t, model.JobRunning, status.Status)
}

func TestDisposeMarksAbandoned(t *testing.T) {
	svc, _, _ := newTestService(t, defaultTestConfig())
	ctx := context.Background()

	exec, err := svc.Claim(ctx, model.JobImprovements, "5")
	require.NoError(t, err)

	exec.Dispose(ctx)

	status, _, err := svc.GetStatus(ctx, model.JobImprovements, "5")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, status.Status)
	assert.Contains(t, status.Error, "abandoned")
}

func TestDisposeAfterCompleteIsNoOp(t *testing.T) {
	svc, _, _ := newTestService(t, defaultTestConfig())
	ctx := context.Background()

	exec, err := svc.Claim(ctx, model.JobImprovements, "6")
	require.NoError(t, err)
	require.NoError(t, exec.Complete(ctx))
	exec.Dispose(ctx)

	status, _, err := svc.GetStatus(ctx, model.JobImprovements, "6")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, status.Status)
}

func TestCancellationMapsToCancelledStatus(t *testing.T) {
	svc, _, _ := newTestService(t, defaultTestConfig())
	ctx := context.Background()

	exec, err := svc.Claim(ctx, model.JobAIReview, "8")
	require.NoError(t, err)
	require.NoError(t, exec.Fail(ctx, context.Canceled))

	status, _, err := svc.GetStatus(ctx, model.JobAIReview, "8")
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, status.Status)
}

func TestCompletionMarkerStoresDigest(t *testing.T) {
	svc, _, c := newTestService(t, defaultTestConfig())
	ctx := context.Background()

	exec, err := svc.Claim(ctx, model.JobAIReview, "21")
	require.NoError(t, err)
	exec.SetCompletionMarker("sha256:abcd1234")
	require.NoError(t, exec.Complete(ctx))

	val, found, err := c.Get(ctx, "recent:AIReview:21")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "sha256:abcd1234", val)
}

func TestWaitForCompletion(t *testing.T) {
	svc, _, _ := newTestService(t, defaultTestConfig())
	ctx := context.Background()

	exec, err := svc.Claim(ctx, model.JobRiskAnalysis, "30")
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = exec.Complete(context.Background())
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	status, err := svc.WaitForCompletion(waitCtx, model.JobRiskAnalysis, "30", 25*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, status.Status)
}

func TestWaitForCompletionDetectsStaleOwner(t *testing.T) {
	cfg := Config{
		LockTTL:           500 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		LivenessWindow:    150 * time.Millisecond,
		DedupWindow:       time.Minute,
	}
	svc, _, _ := newTestService(t, cfg)
	ctx := context.Background()

	exec, err := svc.Claim(ctx, model.JobRiskAnalysis, "31")
	require.NoError(t, err)
	exec.hbCancel()
	<-exec.hbDone

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = svc.WaitForCompletion(waitCtx, model.JobRiskAnalysis, "31", 25*time.Millisecond)
	assert.ErrorIs(t, err, ErrStaleExecution)
}

func TestDedupWindowDisabled(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.DedupWindow = 0
	svc, _, c := newTestService(t, cfg)
	ctx := context.Background()

	exec, err := svc.Claim(ctx, model.JobAIReview, "50")
	require.NoError(t, err)
	require.NoError(t, exec.Complete(ctx))

	recent, err := c.Exists(ctx, "recent:AIReview:50")
	require.NoError(t, err)
	assert.False(t, recent)

	again, err := svc.Claim(ctx, model.JobAIReview, "50")
	require.NoError(t, err, "with dedup disabled a completed entity reclaims immediately")
	defer again.Dispose(ctx)
}

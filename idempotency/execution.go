package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wosledon/aireview/cache"
	"github.com/wosledon/aireview/model"
)

// errAbandoned marks executions disposed without Complete or Fail.
var errAbandoned = errors.New("execution abandoned by caller")

// Execution is a live claim on (kind, entityID). Exactly one of Complete
// or Fail must be called; Dispose (deferred) converts the forgotten case
// into a failure so crashed code paths never leave a Running hash behind
// a released lock.
type Execution struct {
	svc      *Service
	kind     model.JobKind
	entityID string
	id       string
	lock     *cache.Lock

	hbCancel context.CancelFunc
	hbDone   chan struct{}
	lockLost atomic.Bool

	mu       sync.Mutex
	finished bool

	// marker is stored as the recent: value on Complete. Orchestrators
	// set it to the diff digest so operators can see which content a
	// dedup window covers.
	marker atomic.Value
}

// ID returns the execution id.
func (e *Execution) ID() string { return e.id }

// Kind returns the claimed job kind.
func (e *Execution) Kind() model.JobKind { return e.kind }

// EntityID returns the claimed entity id.
func (e *Execution) EntityID() string { return e.entityID }

// LockLost reports whether a heartbeat failed to refresh the lock. Long
// phases may check this and abort rather than double-run.
func (e *Execution) LockLost() bool { return e.lockLost.Load() }

// SetCompletionMarker records the value written to the recent: key on
// Complete. Empty values fall back to the execution id.
func (e *Execution) SetCompletionMarker(v string) { e.marker.Store(v) }

// heartbeat refreshes the lock and the execution hash until the handle
// finishes. Losing the lock stops the loop: a silent owner is safer than
// one fighting a successor for the same keys.
func (e *Execution) heartbeat(ctx context.Context) {
	defer close(e.hbDone)
	ticker := time.NewTicker(e.svc.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		refreshed, err := e.lock.Refresh(ctx, e.svc.cfg.LockTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.svc.logger.Warn("heartbeat refresh failed",
				"job_kind", e.kind, "entity_id", e.entityID, "error", err)
			continue
		}
		if !refreshed {
			e.lockLost.Store(true)
			e.svc.logger.Error("claim lock lost, stopping heartbeat",
				"job_kind", e.kind, "entity_id", e.entityID, "execution_id", e.id)
			return
		}

		key := execKey(e.kind, e.entityID)
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if err := e.svc.cache.HashSet(ctx, key, "heartbeatAt", now); err != nil && ctx.Err() == nil {
			e.svc.logger.Warn("heartbeat write failed",
				"job_kind", e.kind, "entity_id", e.entityID, "error", err)
		}
		if err := e.svc.cache.Expire(ctx, key, e.svc.cfg.ExecutionTTL); err != nil && ctx.Err() == nil {
			e.svc.logger.Warn("execution ttl refresh failed",
				"job_kind", e.kind, "entity_id", e.entityID, "error", err)
		}
	}
}

// ReportProgress updates the phase and percent on the execution hash.
// Percent is clamped to [0,100].
func (e *Execution) ReportProgress(ctx context.Context, percent int, phase string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return e.svc.cache.HashSet(ctx, execKey(e.kind, e.entityID),
		"progress", strconv.Itoa(percent),
		"phase", phase,
	)
}

// Complete marks the execution finished, arms the dedup window, and
// releases the lock.
func (e *Execution) Complete(ctx context.Context) error {
	return e.finish(ctx, model.JobCompleted, nil)
}

// Fail marks the execution failed (or cancelled, when cause is a context
// cancellation) and releases the lock. No dedup marker is written: the
// entity may be retried immediately.
func (e *Execution) Fail(ctx context.Context, cause error) error {
	status := model.JobFailed
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		status = model.JobCancelled
	}
	return e.finish(ctx, status, cause)
}

// Dispose is safe to defer immediately after Claim. If neither Complete
// nor Fail ran, it records an abandonment failure.
func (e *Execution) Dispose(ctx context.Context) {
	e.mu.Lock()
	done := e.finished
	e.mu.Unlock()
	if done {
		return
	}
	if err := e.Fail(ctx, errAbandoned); err != nil {
		e.svc.logger.Warn("dispose failed",
			"job_kind", e.kind, "entity_id", e.entityID, "error", err)
	}
}

func (e *Execution) finish(ctx context.Context, status model.JobStatus, cause error) error {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return nil
	}
	e.finished = true
	e.mu.Unlock()

	e.hbCancel()
	<-e.hbDone

	// Finish bookkeeping even when the caller's context is already dead.
	ctx = context.WithoutCancel(ctx)

	key := execKey(e.kind, e.entityID)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	fields := []any{
		"status", string(status),
		"completedAt", now,
	}
	if status == model.JobCompleted {
		fields = append(fields, "progress", "100")
	}
	if cause != nil {
		fields = append(fields, "error", cause.Error())
	}
	var errs []error
	if err := e.svc.cache.HashSet(ctx, key, fields...); err != nil {
		errs = append(errs, fmt.Errorf("finalise execution hash: %w", err))
	}

	if status == model.JobCompleted && e.svc.cfg.DedupWindow > 0 {
		marker := e.id
		if v, ok := e.marker.Load().(string); ok && v != "" {
			marker = v
		}
		if err := e.svc.cache.Set(ctx, recentKey(e.kind, e.entityID), marker, e.svc.cfg.DedupWindow); err != nil {
			errs = append(errs, fmt.Errorf("arm dedup window: %w", err))
		}
	}

	if _, err := e.lock.Release(ctx); err != nil {
		errs = append(errs, fmt.Errorf("release claim lock: %w", err))
	}

	e.svc.logger.Info("execution finished",
		"job_kind", e.kind,
		"entity_id", e.entityID,
		"execution_id", e.id,
		"status", status)
	return errors.Join(errs...)
}

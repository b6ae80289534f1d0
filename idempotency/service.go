// Package idempotency guarantees that for a given (job kind, entity id) at
// most one worker across the fleet executes at a time, and that executions
// completed inside the dedup window are not re-run. It builds on the cache
// package's token-validated locks and execution hashes.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wosledon/aireview/cache"
	"github.com/wosledon/aireview/metrics"
	"github.com/wosledon/aireview/model"
)

// SkipReason explains why a claim did not produce an execution handle.
// Skips are not failures: consumers log at info and ack the message.
type SkipReason string

const (
	// SkipRecentlyCompleted means the entity finished inside the dedup window.
	SkipRecentlyCompleted SkipReason = "RecentlyCompleted"

	// SkipAlreadyRunning means a live worker currently owns the execution.
	SkipAlreadyRunning SkipReason = "AlreadyRunning"

	// SkipLockContested means the lock was taken between checks.
	SkipLockContested SkipReason = "LockContested"
)

// SkipError carries a claim skip. Recover it with errors.As or AsSkip.
type SkipError struct {
	Reason   SkipReason
	Kind     model.JobKind
	EntityID string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("claim skipped (%s) for %s:%s", e.Reason, e.Kind, e.EntityID)
}

// AsSkip extracts a SkipError from an error chain.
func AsSkip(err error) (*SkipError, bool) {
	var s *SkipError
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// ErrStaleExecution is returned by WaitForCompletion when the watched
// execution stopped heartbeating without reaching a terminal status.
var ErrStaleExecution = errors.New("idempotency: watched execution went stale")

// Config carries the timing knobs. Callers validate the relationships
// (LockTTL > 3x HeartbeatInterval, LockTTL <= job timeout) at startup.
type Config struct {
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
	DedupWindow       time.Duration
	// ExecutionTTL bounds how long a finished execution hash remains
	// queryable. Must exceed LockTTL.
	ExecutionTTL time.Duration
}

// DefaultExecutionTTL keeps finished executions visible for an hour.
const DefaultExecutionTTL = time.Hour

// Service hands out execution claims.
type Service struct {
	cache    *cache.Client
	cfg      Config
	instance string
	logger   *slog.Logger
}

// NewService builds the service. The owner-instance identity is
// hostname/uuid so stale state names the worker that wrote it.
func NewService(c *cache.Client, cfg Config, logger *slog.Logger) *Service {
	if cfg.ExecutionTTL <= 0 {
		cfg.ExecutionTTL = DefaultExecutionTTL
	}
	if cfg.ExecutionTTL <= cfg.LockTTL {
		cfg.ExecutionTTL = cfg.LockTTL * 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return &Service{
		cache:    c,
		cfg:      cfg,
		instance: host + "/" + uuid.NewString()[:8],
		logger:   logger.With("component", "idempotency"),
	}
}

// Instance returns this service's owner identity.
func (s *Service) Instance() string { return s.instance }

func lockKey(kind model.JobKind, entityID string) string {
	return "lock:" + string(kind) + ":" + entityID
}

func execKey(kind model.JobKind, entityID string) string {
	return "execution:" + string(kind) + ":" + entityID
}

func recentKey(kind model.JobKind, entityID string) string {
	return "recent:" + string(kind) + ":" + entityID
}

// Claim attempts to acquire the right to execute (kind, entityID).
// The protocol: dedup check, liveness check, lock acquire, double-check,
// execution hash write, heartbeat start. On a skip the returned error is a
// *SkipError and the handle is nil.
func (s *Service) Claim(ctx context.Context, kind model.JobKind, entityID string) (*Execution, error) {
	if skip, err := s.checkSkippable(ctx, kind, entityID); err != nil {
		return nil, err
	} else if skip != nil {
		observeClaim(kind, skip.Reason)
		return nil, skip
	}

	lock, acquired, err := s.cache.AcquireLock(ctx, lockKey(kind, entityID), s.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire claim lock: %w", err)
	}
	if !acquired {
		observeClaim(kind, SkipLockContested)
		return nil, &SkipError{Reason: SkipLockContested, Kind: kind, EntityID: entityID}
	}

	// Double-check after winning the lock: another worker may have
	// completed or started between the first checks and the acquire.
	if skip, err := s.checkSkippable(ctx, kind, entityID); err != nil || skip != nil {
		if _, relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logger.Warn("release after double-check failed", "error", relErr)
		}
		if err != nil {
			return nil, err
		}
		observeClaim(kind, skip.Reason)
		return nil, skip
	}

	exec, err := s.startExecution(ctx, kind, entityID, lock)
	if err != nil {
		if _, relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logger.Warn("release after failed execution write", "error", relErr)
		}
		return nil, err
	}
	metrics.Claims.WithLabelValues(string(kind), "acquired").Inc()
	return exec, nil
}

// observeClaim maps skip reasons onto claim-outcome labels.
func observeClaim(kind model.JobKind, reason SkipReason) {
	outcome := "contested"
	switch reason {
	case SkipRecentlyCompleted:
		outcome = "duplicate"
	case SkipAlreadyRunning:
		outcome = "running"
	}
	metrics.Claims.WithLabelValues(string(kind), outcome).Inc()
}

// checkSkippable runs the dedup and liveness checks (steps 1 and 2).
func (s *Service) checkSkippable(ctx context.Context, kind model.JobKind, entityID string) (*SkipError, error) {
	if s.cfg.DedupWindow > 0 {
		recent, err := s.cache.Exists(ctx, recentKey(kind, entityID))
		if err != nil {
			return nil, fmt.Errorf("dedup check: %w", err)
		}
		if recent {
			return &SkipError{Reason: SkipRecentlyCompleted, Kind: kind, EntityID: entityID}, nil
		}
	}

	status, found, err := s.GetStatus(ctx, kind, entityID)
	if err != nil {
		return nil, fmt.Errorf("liveness check: %w", err)
	}
	if found && status.Status == model.JobRunning && time.Since(status.HeartbeatAt) <= s.cfg.LivenessWindow {
		return &SkipError{Reason: SkipAlreadyRunning, Kind: kind, EntityID: entityID}, nil
	}
	return nil, nil
}

// startExecution writes a fresh execution hash and starts the heartbeat.
func (s *Service) startExecution(ctx context.Context, kind model.JobKind, entityID string, lock *cache.Lock) (*Execution, error) {
	key := execKey(kind, entityID)
	now := time.Now().UTC()

	// Drop leftovers from a previous run so stale error/phase fields
	// cannot leak into this execution's status.
	if err := s.cache.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("clear stale execution: %w", err)
	}

	id := uuid.NewString()
	err := s.cache.HashSet(ctx, key,
		"executionId", id,
		"status", string(model.JobRunning),
		"phase", "",
		"progress", "0",
		"ownerInstance", s.instance,
		"startedAt", now.Format(time.RFC3339Nano),
		"heartbeatAt", now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("write execution hash: %w", err)
	}
	if err := s.cache.Expire(ctx, key, s.cfg.ExecutionTTL); err != nil {
		return nil, fmt.Errorf("set execution ttl: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(context.Background())
	exec := &Execution{
		svc:      s,
		kind:     kind,
		entityID: entityID,
		id:       id,
		lock:     lock,
		hbCancel: hbCancel,
		hbDone:   make(chan struct{}),
	}
	go exec.heartbeat(hbCtx)

	s.logger.Info("claimed execution",
		"job_kind", kind,
		"entity_id", entityID,
		"execution_id", id)
	return exec, nil
}

// Status is a point-in-time view of an execution hash.
type Status struct {
	ExecutionID   string
	Status        model.JobStatus
	Phase         string
	Progress      int
	OwnerInstance string
	StartedAt     time.Time
	HeartbeatAt   time.Time
	Error         string
}

// GetStatus reads the execution hash for (kind, entityID). found is false
// when no execution exists (never ran, or the hash expired).
func (s *Service) GetStatus(ctx context.Context, kind model.JobKind, entityID string) (*Status, bool, error) {
	m, err := s.cache.HashGetAll(ctx, execKey(kind, entityID))
	if err != nil {
		return nil, false, err
	}
	if len(m) == 0 {
		return nil, false, nil
	}

	st := &Status{
		ExecutionID:   m["executionId"],
		Status:        model.JobStatus(m["status"]),
		Phase:         m["phase"],
		OwnerInstance: m["ownerInstance"],
		Error:         m["error"],
	}
	if p, err := strconv.Atoi(m["progress"]); err == nil {
		st.Progress = p
	}
	if ts, err := time.Parse(time.RFC3339Nano, m["startedAt"]); err == nil {
		st.StartedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, m["heartbeatAt"]); err == nil {
		st.HeartbeatAt = ts
	}
	return st, true, nil
}

// WaitForCompletion polls an execution owned by another worker until it
// reaches a terminal status. It returns ErrStaleExecution if the owner
// stops heartbeating first, and ctx.Err on cancellation or deadline. The
// composite job uses this when a child claim reports AlreadyRunning.
func (s *Service) WaitForCompletion(ctx context.Context, kind model.JobKind, entityID string, poll time.Duration) (*Status, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, found, err := s.GetStatus(ctx, kind, entityID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, ErrStaleExecution
		}
		if status.Status != model.JobRunning {
			return status, nil
		}
		if time.Since(status.HeartbeatAt) > s.cfg.LivenessWindow {
			return status, ErrStaleExecution
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

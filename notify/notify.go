// Package notify broadcasts job lifecycle events over Redis pub/sub so API
// nodes can stream review progress to connected clients. Delivery is
// best-effort: a dropped event degrades the progress display, never the job.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wosledon/aireview/cache"
	"github.com/wosledon/aireview/model"
)

// Phase names the pipeline stage a running job is in.
type Phase string

const (
	// PhasePreparing covers diff fetch, filtering and chunking.
	PhasePreparing Phase = "Preparing"

	// PhaseDispatching covers the parallel LLM calls.
	PhaseDispatching Phase = "Dispatching"

	// PhaseAggregating covers result merging and validation.
	PhaseAggregating Phase = "Aggregating"

	// PhaseFinalising covers persistence and the state transition.
	PhaseFinalising Phase = "Finalising"
)

// Status is the coarse job status carried by every event.
type Status string

const (
	// StatusRunning marks a progress event from a live job.
	StatusRunning Status = "Running"

	// StatusCompleted marks the job's terminal success event.
	StatusCompleted Status = "Completed"

	// StatusFailed marks the job's terminal failure event.
	StatusFailed Status = "Failed"
)

// Event is one JSON-encoded lifecycle message on a review's channel.
type Event struct {
	ReviewID int64         `json:"reviewId"`
	JobKind  model.JobKind `json:"jobKind"`
	Status   Status        `json:"status"`
	Phase    Phase         `json:"phase,omitempty"`
	Progress string        `json:"progress,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// Channel returns the pub/sub channel for a review's events.
func Channel(reviewID int64) string {
	return fmt.Sprintf("review:%d", reviewID)
}

// Notifier publishes events for review jobs.
type Notifier struct {
	cache  *cache.Client
	logger *slog.Logger
}

// New returns a Notifier publishing through the given cache client.
func New(c *cache.Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cache:  c,
		logger: logger.With("component", "notify"),
	}
}

// Progress publishes a running-phase event. progress is a free-form counter
// such as "3/8 chunks".
func (n *Notifier) Progress(ctx context.Context, reviewID int64, kind model.JobKind, phase Phase, progress string) {
	n.publish(ctx, Event{
		ReviewID: reviewID,
		JobKind:  kind,
		Status:   StatusRunning,
		Phase:    phase,
		Progress: progress,
	})
}

// Completed publishes the terminal success event for a job.
func (n *Notifier) Completed(ctx context.Context, reviewID int64, kind model.JobKind) {
	n.publish(ctx, Event{
		ReviewID: reviewID,
		JobKind:  kind,
		Status:   StatusCompleted,
	})
}

// Failed publishes the terminal failure event for a job.
func (n *Notifier) Failed(ctx context.Context, reviewID int64, kind model.JobKind, cause error) {
	ev := Event{
		ReviewID: reviewID,
		JobKind:  kind,
		Status:   StatusFailed,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	n.publish(ctx, ev)
}

func (n *Notifier) publish(ctx context.Context, ev Event) {
	if n == nil || n.cache == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("marshal progress event", "review_id", ev.ReviewID, "error", err)
		return
	}
	if err := n.cache.Publish(ctx, Channel(ev.ReviewID), string(payload)); err != nil {
		n.logger.Warn("progress event dropped",
			"review_id", ev.ReviewID,
			"kind", ev.JobKind,
			"status", ev.Status,
			"error", err)
	}
}

// Subscribe opens a subscription to one review's event stream. Callers own
// the subscription and must Close it.
func (n *Notifier) Subscribe(ctx context.Context, reviewID int64) (*cache.Subscription, error) {
	return n.cache.Subscribe(ctx, Channel(reviewID))
}

// Decode parses one subscription payload back into an Event.
func Decode(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("decode progress event: %w", err)
	}
	return ev, nil
}

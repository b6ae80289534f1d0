// Package queue moves review jobs from API nodes to engine workers over
// NATS JetStream. One durable work-queue consumer per deployment fans
// messages out to a bounded worker pool; explicit acks plus the
// idempotency layer give at-least-once delivery without double execution.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/wosledon/aireview/config"
	"github.com/wosledon/aireview/model"
)

// Message is the JSON payload of one job request.
type Message struct {
	JobKind    model.JobKind `json:"jobKind"`
	ReviewID   int64         `json:"reviewId"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

var knownKinds = map[model.JobKind]struct{}{
	model.JobAIReview:      {},
	model.JobRiskAnalysis:  {},
	model.JobImprovements:  {},
	model.JobPRSummary:     {},
	model.JobComprehensive: {},
}

// SubjectFor returns the per-kind job subject, prefix.jobs.{kind}.
func SubjectFor(prefix string, kind model.JobKind) string {
	return prefix + ".jobs." + strings.ToLower(string(kind))
}

// subjectFilter matches every job subject under the prefix.
func subjectFilter(prefix string) string {
	return prefix + ".jobs.>"
}

// ParseMessage decodes and validates a job payload.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode job message: %w", err)
	}
	if _, ok := knownKinds[msg.JobKind]; !ok {
		return Message{}, fmt.Errorf("unknown job kind %q", msg.JobKind)
	}
	if msg.ReviewID <= 0 {
		return Message{}, fmt.Errorf("job message missing review id")
	}
	return msg, nil
}

// streamConfig is the canonical stream shape for a queue configuration.
func streamConfig(cfg config.QueueConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{subjectFilter(cfg.SubjectPrefix)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}
}

// EnsureStream creates the job stream or updates it to the expected shape.
// Safe to call from every instance at startup.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg config.QueueConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, streamConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return stream, nil
}

// Publisher enqueues job messages.
type Publisher struct {
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

// NewPublisher returns a Publisher for the configured subject prefix.
func NewPublisher(js jetstream.JetStream, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		js:     js,
		prefix: prefix,
		logger: logger.With("component", "queue"),
	}
}

// Enqueue publishes a job request for a review. Duplicate requests are
// allowed here; the idempotency layer collapses them at execution time.
func (p *Publisher) Enqueue(ctx context.Context, kind model.JobKind, reviewID int64) error {
	if _, ok := knownKinds[kind]; !ok {
		return fmt.Errorf("unknown job kind %q", kind)
	}
	data, err := json.Marshal(Message{
		JobKind:    kind,
		ReviewID:   reviewID,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}

	subject := SubjectFor(p.prefix, kind)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("job enqueued", "kind", kind, "review_id", reviewID, "subject", subject)
	return nil
}

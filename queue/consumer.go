package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/wosledon/aireview/config"
	"github.com/wosledon/aireview/idempotency"
	"github.com/wosledon/aireview/metrics"
)

const (
	fetchWait = 5 * time.Second

	// saturationThreshold pauses fetching when the LLM router reports
	// this fraction of provider capacity in use.
	saturationThreshold = 0.9
	saturationPause     = time.Second
)

// HandleFunc runs one decoded job. A nil return or a *idempotency.SkipError
// acks the message; any other error naks it for redelivery.
type HandleFunc func(ctx context.Context, msg Message) error

// disposition names what the consumer does with a message after handling.
type disposition string

const (
	dispositionAck  disposition = "ack"
	dispositionNak  disposition = "nak"
	dispositionSkip disposition = "skip"
)

// dispositionFor maps a handler result to an ack decision. Skips are acked:
// another worker owns the job or its result is still fresh, so redelivery
// would only burn delivery attempts.
func dispositionFor(err error) disposition {
	if err == nil {
		return dispositionAck
	}
	if _, ok := idempotency.AsSkip(err); ok {
		return dispositionSkip
	}
	return dispositionNak
}

// Consumer pulls job messages from the durable work queue and runs them on
// a bounded worker pool.
type Consumer struct {
	stream     jetstream.Stream
	cfg        config.QueueConfig
	handler    HandleFunc
	saturation func() float64
	logger     *slog.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	slots    chan struct{}
	consumer jetstream.Consumer
}

// ConsumerOption adjusts a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the consumer's logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSaturationSource supplies the router's saturation reading. When it
// crosses saturationThreshold the consumer stops fetching until providers
// drain.
func WithSaturationSource(fn func() float64) ConsumerOption {
	return func(c *Consumer) {
		c.saturation = fn
	}
}

// NewConsumer builds a consumer over an ensured stream.
func NewConsumer(stream jetstream.Stream, cfg config.QueueConfig, handler HandleFunc, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		stream:  stream,
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "queue")
	return c
}

// consumerConfig is the durable consumer shape for a queue configuration.
// AckWait may expire while a job is still executing; the redelivered copy
// then hits the idempotency layer, reports AlreadyRunning and is acked, so
// a long job is never run twice.
func consumerConfig(cfg config.QueueConfig) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       cfg.SubjectPrefix + "-workers",
		FilterSubject: subjectFilter(cfg.SubjectPrefix),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait(),
		MaxDeliver:    cfg.MaxDeliver,
	}
}

// Start binds the durable consumer and begins fetching. It returns an error
// if the consumer is already running.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("queue consumer already running")
	}

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	consumer, err := c.stream.CreateOrUpdateConsumer(subCtx, consumerConfig(c.cfg))
	if err != nil {
		cancel()
		c.cancel = nil
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	workers := c.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	c.slots = make(chan struct{}, workers)
	c.running = true

	c.wg.Add(1)
	go c.fetchLoop(subCtx)

	c.logger.Info("queue consumer started",
		"stream", c.cfg.Stream,
		"durable", c.cfg.SubjectPrefix+"-workers",
		"workers", workers)
	return nil
}

// fetchLoop pulls batches sized to the free worker slots until the context
// is cancelled.
func (c *Consumer) fetchLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.saturation != nil {
			level := c.saturation()
			metrics.Saturation.Set(level)
			if level > saturationThreshold {
				select {
				case <-ctx.Done():
					return
				case <-time.After(saturationPause):
				}
				continue
			}
		}

		free := cap(c.slots) - len(c.slots)
		if free == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		msgs, err := c.consumer.Fetch(free, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("fetch failed", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			select {
			case c.slots <- struct{}{}:
			case <-ctx.Done():
				c.nak(msg, "unknown")
				return
			}
			metrics.WorkersBusy.Set(float64(len(c.slots)))
			c.wg.Add(1)
			go c.process(ctx, msg)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("fetch batch error", "error", err)
		}
	}
}

// process handles one message and settles it. Payloads that cannot decode
// are acked after logging: redelivering garbage can never succeed.
func (c *Consumer) process(ctx context.Context, msg jetstream.Msg) {
	defer func() {
		<-c.slots
		metrics.WorkersBusy.Set(float64(len(c.slots)))
		c.wg.Done()
	}()

	parsed, err := ParseMessage(msg.Data())
	if err != nil {
		c.logger.Error("dropping undecodable job message", "subject", msg.Subject(), "error", err)
		c.ack(msg, "unknown", dispositionSkip)
		return
	}

	kind := string(parsed.JobKind)
	err = c.handler(ctx, parsed)
	switch d := dispositionFor(err); d {
	case dispositionAck:
		c.ack(msg, kind, d)
	case dispositionSkip:
		c.logger.Info("job skipped", "kind", parsed.JobKind, "review_id", parsed.ReviewID, "reason", err)
		c.ack(msg, kind, d)
	default:
		c.logger.Error("job failed, requeueing",
			"kind", parsed.JobKind, "review_id", parsed.ReviewID, "error", err)
		c.nak(msg, kind)
	}
}

func (c *Consumer) ack(msg jetstream.Msg, kind string, d disposition) {
	if err := msg.Ack(); err != nil {
		c.logger.Warn("ack failed", "subject", msg.Subject(), "error", err)
		return
	}
	metrics.QueueMessages.WithLabelValues(kind, string(d)).Inc()
}

func (c *Consumer) nak(msg jetstream.Msg, kind string) {
	if err := msg.Nak(); err != nil {
		c.logger.Warn("nak failed", "subject", msg.Subject(), "error", err)
		return
	}
	metrics.QueueMessages.WithLabelValues(kind, string(dispositionNak)).Inc()
}

// Stop cancels fetching and waits for in-flight jobs to settle, up to the
// context deadline.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	c.cancel = nil
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("queue consumer stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue consumer stop: %w", ctx.Err())
	}
}

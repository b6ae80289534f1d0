// Package config provides configuration loading and validation for the
// review engine. A single YAML file is merged over defaults; ${VAR} and
// ${VAR:-default} references are expanded from the environment before
// parsing. Every knob carries the default named in the design notes so an
// empty file is a valid configuration.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete engine configuration.
type Config struct {
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	LLM      LLMConfig      `yaml:"llm"`
	Locks    LocksConfig    `yaml:"locks"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Chunker  ChunkerConfig  `yaml:"chunker"`
	Review   ReviewConfig   `yaml:"review"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Diff     DiffConfig     `yaml:"diff"`
	Ops      OpsConfig      `yaml:"ops"`
}

// RedisConfig configures the shared Redis deployment backing cache, locks
// and pub/sub.
type RedisConfig struct {
	// ConnectionString is a redis:// URL including auth and database.
	ConnectionString string `yaml:"connectionString" validate:"required"`
	// InstancePrefix namespaces every key written by this deployment.
	InstancePrefix string `yaml:"instancePrefix" validate:"required"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" validate:"required"`
	// MaxOpenConns bounds the pool; exhaustion blocks callers.
	MaxOpenConns int `yaml:"maxOpenConns" validate:"gte=1"`
	// Migrate runs embedded migrations at startup when true.
	Migrate bool `yaml:"migrate"`
}

// QueueConfig configures the JetStream job queue.
type QueueConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url" validate:"required"`
	// Stream is the JetStream stream holding job subjects.
	Stream string `yaml:"stream" validate:"required"`
	// SubjectPrefix prefixes per-kind job subjects (prefix.jobs.{kind}).
	SubjectPrefix string `yaml:"subjectPrefix" validate:"required"`
	// AckWaitSeconds is the redelivery visibility timeout.
	AckWaitSeconds int `yaml:"ackWaitSeconds" validate:"gte=1"`
	// MaxDeliver caps queue-level redeliveries per message.
	MaxDeliver int `yaml:"maxDeliver" validate:"gte=1"`
	// Workers is the number of concurrent message slots per instance.
	Workers int `yaml:"workers" validate:"gte=1"`
}

// RetryConfig shapes the LLM router's backoff.
type RetryConfig struct {
	// BaseMs is the first backoff delay in milliseconds.
	BaseMs int `yaml:"baseMs" validate:"gte=1"`
	// CapMs caps any single backoff delay.
	CapMs int `yaml:"capMs" validate:"gte=1"`
	// MaxAttempts counts the initial attempt plus retries.
	MaxAttempts int `yaml:"maxAttempts" validate:"gte=1"`
}

// BreakerConfig shapes the per-provider circuit breaker.
type BreakerConfig struct {
	// WindowSeconds is the rolling sample window.
	WindowSeconds int `yaml:"windowSeconds" validate:"gte=1"`
	// MinSamples is the minimum request count before the breaker may trip.
	MinSamples int `yaml:"minSamples" validate:"gte=1"`
	// FailureRatio above which the breaker opens.
	FailureRatio float64 `yaml:"failureRatio" validate:"gt=0,lte=1"`
	// OpenSeconds is how long an open breaker rejects calls.
	OpenSeconds int `yaml:"openSeconds" validate:"gte=1"`
}

// ProviderConfig configures one LLM provider endpoint.
type ProviderConfig struct {
	// Kind selects the adapter: openai, azure or deepseek.
	Kind string `yaml:"kind" validate:"required,oneof=openai azure deepseek"`
	// BaseURL overrides the adapter's default endpoint.
	BaseURL string `yaml:"baseURL"`
	// APIKey authenticates requests; expanded from the environment.
	APIKey string `yaml:"apiKey"`
	// APIVersion is the azure api-version query parameter.
	APIVersion string `yaml:"apiVersion"`
}

// LLMConfig configures routing, limits and resilience for LLM calls.
type LLMConfig struct {
	// Providers maps provider name to its endpoint configuration.
	Providers map[string]ProviderConfig `yaml:"providers" validate:"required,min=1,dive"`
	// DefaultProvider and DefaultModel select the primary route.
	DefaultProvider string `yaml:"defaultProvider" validate:"required"`
	DefaultModel    string `yaml:"defaultModel" validate:"required"`
	// FallbackProvider/FallbackModel are tried when the primary's breaker
	// is open. Empty disables fallback.
	FallbackProvider string `yaml:"fallbackProvider"`
	FallbackModel    string `yaml:"fallbackModel"`
	// PerProviderConcurrency bounds in-flight requests per provider.
	PerProviderConcurrency int `yaml:"perProviderConcurrency" validate:"gte=1"`
	// AcquireTimeoutSeconds bounds waiting for a concurrency slot.
	AcquireTimeoutSeconds int `yaml:"acquireTimeoutSeconds" validate:"gte=1"`
	// RequestTimeoutSeconds is the per-call HTTP timeout.
	RequestTimeoutSeconds int           `yaml:"requestTimeoutSeconds" validate:"gte=1"`
	Retry                 RetryConfig   `yaml:"retry"`
	Breaker               BreakerConfig `yaml:"breaker"`
}

// LocksConfig configures the idempotency layer's timing.
type LocksConfig struct {
	// TTLSeconds is the distributed lock lifetime.
	TTLSeconds int `yaml:"ttlSeconds" validate:"gte=1"`
	// HeartbeatIntervalSeconds is the liveness refresh period.
	HeartbeatIntervalSeconds int `yaml:"heartbeatIntervalSeconds" validate:"gte=1"`
	// LivenessWindowSeconds is the staleness threshold for running jobs.
	LivenessWindowSeconds int `yaml:"livenessWindowSeconds" validate:"gte=1"`
	// DedupWindowSeconds is the recently-completed marker TTL.
	DedupWindowSeconds int `yaml:"dedupWindowSeconds" validate:"gte=0"`
}

// JobsConfig configures job-level limits.
type JobsConfig struct {
	// ExecutionTimeoutMinutes is the hard cap per job.
	ExecutionTimeoutMinutes int `yaml:"executionTimeoutMinutes" validate:"gte=1"`
}

// ChunkerConfig configures diff chunking budgets.
type ChunkerConfig struct {
	// TargetTokens is the per-chunk token budget.
	TargetTokens int `yaml:"targetTokens" validate:"gte=1"`
}

// ReviewConfig configures the review orchestrator.
type ReviewConfig struct {
	// ChunkParallelism bounds concurrent chunk dispatches per job.
	ChunkParallelism int `yaml:"chunkParallelism" validate:"gte=1"`
	// ExcludePaths are doublestar globs dropped from diffs before chunking.
	ExcludePaths []string `yaml:"excludePaths"`
	// Language hints the project's primary language to prompts.
	Language string `yaml:"language"`
}

// PricingConfig configures runtime pricing overrides.
type PricingConfig struct {
	// OverridesFile is an optional YAML price table watched for changes.
	OverridesFile string `yaml:"overridesFile"`
}

// DiffConfig configures the HTTP diff provider.
type DiffConfig struct {
	// Endpoint is the diff service base URL. Empty disables the HTTP
	// provider; the host must then inject its own implementation.
	Endpoint string `yaml:"endpoint"`
	// TimeoutSeconds is the per-fetch timeout.
	TimeoutSeconds int `yaml:"timeoutSeconds" validate:"gte=1"`
}

// OpsConfig configures the operational HTTP listener.
type OpsConfig struct {
	// HTTPAddr serves /healthz and /metrics.
	HTTPAddr string `yaml:"httpAddr" validate:"required"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			ConnectionString: "redis://localhost:6379/0",
			InstancePrefix:   "AIReview:",
		},
		Database: DatabaseConfig{
			DSN:          "postgres://localhost:5432/aireview?sslmode=disable",
			MaxOpenConns: 16,
			Migrate:      false,
		},
		Queue: QueueConfig{
			URL:            "nats://localhost:4222",
			Stream:         "AIREVIEW",
			SubjectPrefix:  "aireview",
			AckWaitSeconds: 120,
			MaxDeliver:     3,
			Workers:        4,
		},
		LLM: LLMConfig{
			Providers: map[string]ProviderConfig{
				"openai": {Kind: "openai"},
			},
			DefaultProvider:        "openai",
			DefaultModel:           "gpt-4o-mini",
			PerProviderConcurrency: 8,
			AcquireTimeoutSeconds:  30,
			RequestTimeoutSeconds:  120,
			Retry: RetryConfig{
				BaseMs:      500,
				CapMs:       15000,
				MaxAttempts: 4,
			},
			Breaker: BreakerConfig{
				WindowSeconds: 60,
				MinSamples:    20,
				FailureRatio:  0.5,
				OpenSeconds:   30,
			},
		},
		Locks: LocksConfig{
			TTLSeconds:               30,
			HeartbeatIntervalSeconds: 5,
			LivenessWindowSeconds:    15,
			DedupWindowSeconds:       300,
		},
		Jobs: JobsConfig{
			ExecutionTimeoutMinutes: 30,
		},
		Chunker: ChunkerConfig{
			TargetTokens: 3000,
		},
		Review: ReviewConfig{
			ChunkParallelism: 4,
			ExcludePaths:     []string{"vendor/**", "**/*.lock", "**/*.min.js"},
		},
		Diff: DiffConfig{
			TimeoutSeconds: 30,
		},
		Ops: OpsConfig{
			HTTPAddr: ":9090",
		},
	}
}

// Validate checks struct tags and the cross-field constraints the tags
// cannot express. A validation failure is fatal at startup.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	if c.Locks.TTLSeconds <= 3*c.Locks.HeartbeatIntervalSeconds {
		return fmt.Errorf("locks.ttlSeconds (%d) must exceed 3x locks.heartbeatIntervalSeconds (%d)",
			c.Locks.TTLSeconds, c.Locks.HeartbeatIntervalSeconds)
	}
	if time.Duration(c.Locks.TTLSeconds)*time.Second > c.Jobs.ExecutionTimeout() {
		return fmt.Errorf("locks.ttlSeconds (%d) must not exceed jobs.executionTimeoutMinutes (%d)",
			c.Locks.TTLSeconds, c.Jobs.ExecutionTimeoutMinutes)
	}
	if c.Locks.LivenessWindowSeconds < c.Locks.HeartbeatIntervalSeconds {
		return fmt.Errorf("locks.livenessWindowSeconds (%d) must be at least locks.heartbeatIntervalSeconds (%d)",
			c.Locks.LivenessWindowSeconds, c.Locks.HeartbeatIntervalSeconds)
	}
	if c.LLM.Retry.CapMs < c.LLM.Retry.BaseMs {
		return fmt.Errorf("llm.retry.capMs (%d) must be at least llm.retry.baseMs (%d)",
			c.LLM.Retry.CapMs, c.LLM.Retry.BaseMs)
	}
	if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
		return fmt.Errorf("llm.defaultProvider %q has no entry in llm.providers", c.LLM.DefaultProvider)
	}
	if c.LLM.FallbackProvider != "" {
		if _, ok := c.LLM.Providers[c.LLM.FallbackProvider]; !ok {
			return fmt.Errorf("llm.fallbackProvider %q has no entry in llm.providers", c.LLM.FallbackProvider)
		}
		if c.LLM.FallbackModel == "" {
			return fmt.Errorf("llm.fallbackModel is required when llm.fallbackProvider is set")
		}
	}
	return nil
}

// Duration accessors keep time math out of call sites.

func (l LocksConfig) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

func (l LocksConfig) HeartbeatInterval() time.Duration {
	return time.Duration(l.HeartbeatIntervalSeconds) * time.Second
}

func (l LocksConfig) LivenessWindow() time.Duration {
	return time.Duration(l.LivenessWindowSeconds) * time.Second
}

func (l LocksConfig) DedupWindow() time.Duration {
	return time.Duration(l.DedupWindowSeconds) * time.Second
}

func (j JobsConfig) ExecutionTimeout() time.Duration {
	return time.Duration(j.ExecutionTimeoutMinutes) * time.Minute
}

func (q QueueConfig) AckWait() time.Duration {
	return time.Duration(q.AckWaitSeconds) * time.Second
}

func (l LLMConfig) AcquireTimeout() time.Duration {
	return time.Duration(l.AcquireTimeoutSeconds) * time.Second
}

func (l LLMConfig) RequestTimeout() time.Duration {
	return time.Duration(l.RequestTimeoutSeconds) * time.Second
}

func (r RetryConfig) Base() time.Duration {
	return time.Duration(r.BaseMs) * time.Millisecond
}

func (r RetryConfig) Cap() time.Duration {
	return time.Duration(r.CapMs) * time.Millisecond
}

func (b BreakerConfig) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}

func (b BreakerConfig) Open() time.Duration {
	return time.Duration(b.OpenSeconds) * time.Second
}

func (d DiffConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

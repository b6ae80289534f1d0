// Package main provides the aireviewd binary entry point.
// Aireviewd is the review engine worker: it pulls review jobs from
// JetStream, fetches and chunks diffs, dispatches them to LLM providers
// and persists the structured results.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM provider adapters via init()
	_ "github.com/wosledon/aireview/llm/providers"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/wosledon/aireview/cache"
	"github.com/wosledon/aireview/chunk"
	"github.com/wosledon/aireview/config"
	"github.com/wosledon/aireview/diff"
	"github.com/wosledon/aireview/idempotency"
	"github.com/wosledon/aireview/llm"
	"github.com/wosledon/aireview/metrics"
	"github.com/wosledon/aireview/notify"
	"github.com/wosledon/aireview/orchestrator"
	"github.com/wosledon/aireview/parse"
	"github.com/wosledon/aireview/pricing"
	"github.com/wosledon/aireview/prompt"
	"github.com/wosledon/aireview/queue"
	"github.com/wosledon/aireview/store/postgres"
	"github.com/wosledon/aireview/tokens"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "aireviewd"

	shutdownTimeout = 30 * time.Second
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "aireviewd",
		Short: "AI code review engine worker",
		Long: `Aireviewd executes code review jobs end to end.

It provides:
- Diff fetching, path filtering and token-budgeted chunking
- Multi-provider LLM dispatch with retries, fallback and circuit breaking
- Structured persistence of comments, risk scores, suggestions and summaries
- Redis-backed idempotency so duplicate triggers never execute twice

Jobs arrive over NATS JetStream; results land in PostgreSQL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	// Print banner
	printBanner()

	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()

	// Connect to Redis (cache, locks, pub/sub)
	logger.Info("Connecting to Redis")
	cacheClient, err := cache.New(cfg.Redis.ConnectionString, cfg.Redis.InstancePrefix, logger)
	if err != nil {
		return wrapRedisError(err)
	}
	defer cacheClient.Close()

	claims := idempotency.NewService(cacheClient, idempotency.Config{
		LockTTL:           cfg.Locks.TTL(),
		HeartbeatInterval: cfg.Locks.HeartbeatInterval(),
		LivenessWindow:    cfg.Locks.LivenessWindow(),
		DedupWindow:       cfg.Locks.DedupWindow(),
	}, logger)

	// Connect to PostgreSQL
	logger.Info("Connecting to PostgreSQL")
	st, err := postgres.Open(ctx, cfg.Database.DSN,
		postgres.WithLogger(logger),
		postgres.WithMaxOpenConns(cfg.Database.MaxOpenConns),
	)
	if err != nil {
		return wrapPostgresError(err)
	}
	defer st.Close()

	if cfg.Database.Migrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	// Pricing catalog, optionally overridden from a watched file
	catalog := pricing.NewCatalog()
	if cfg.Pricing.OverridesFile != "" {
		n, err := catalog.LoadFile(cfg.Pricing.OverridesFile)
		if err != nil {
			return fmt.Errorf("load pricing overrides: %w", err)
		}
		logger.Info("Pricing overrides loaded", "file", cfg.Pricing.OverridesFile, "models", n)
	}

	// LLM router over the configured provider endpoints
	router, err := llm.NewRouter(routerConfig(cfg), llm.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create llm router: %w", err)
	}

	// Usage accounting wraps every completion, repair calls included
	accountant := tokens.NewAccountant(st.Usage(), logger)
	completer := &tokens.MeteredCompleter{
		Inner:           router,
		Accountant:      accountant,
		Catalog:         catalog,
		Logger:          logger,
		DefaultProvider: cfg.LLM.DefaultProvider,
		DefaultModel:    cfg.LLM.DefaultModel,
	}

	parser := parse.New(parse.WithRepairClient(completer), parse.WithLogger(logger))
	prompts := prompt.New(st.Prompts(), prompt.WithLogger(logger))
	notifier := notify.New(cacheClient, logger)

	// Diff provider
	if cfg.Diff.Endpoint == "" {
		return fmt.Errorf("diff.endpoint is required: the engine cannot fetch change sets without a diff service")
	}
	diffOpts := []diff.HTTPProviderOption{diff.WithLogger(logger)}
	if token := os.Getenv("AIREVIEW_DIFF_TOKEN"); token != "" {
		diffOpts = append(diffOpts, diff.WithToken(token))
	}
	diffs := diff.NewHTTPProvider(cfg.Diff.Endpoint, cfg.Diff.Timeout(), diffOpts...)

	chunker, err := chunk.New(chunkBudgets(cfg.Chunker))
	if err != nil {
		return fmt.Errorf("create chunker: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Cache:     cacheClient,
		Claims:    claims,
		Diffs:     diffs,
		Chunker:   chunker,
		Prompts:   prompts,
		Completer: completer,
		Parser:    parser,
		Events:    notifier,
		Logger:    logger,
	}, orchestrator.Config{
		ExecutionTimeout: cfg.Jobs.ExecutionTimeout(),
		ChunkParallelism: cfg.Review.ChunkParallelism,
		ExcludePaths:     cfg.Review.ExcludePaths,
		Language:         cfg.Review.Language,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	// Connect to NATS and ensure the job stream exists
	logger.Info("Connecting to NATS", "url", cfg.Queue.URL)
	nc, err := nats.Connect(cfg.Queue.URL,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return wrapNATSError(err, cfg.Queue.URL)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}
	stream, err := queue.EnsureStream(ctx, js, cfg.Queue)
	if err != nil {
		return wrapNATSError(err, cfg.Queue.URL)
	}

	consumer := queue.NewConsumer(stream, cfg.Queue, orch.Handle,
		queue.WithConsumerLogger(logger),
		queue.WithSaturationSource(router.Saturation),
	)

	// Operational HTTP listener: /healthz and /metrics
	opsServer := &http.Server{
		Addr:              cfg.Ops.HTTPAddr,
		Handler:           opsMux(st, cacheClient),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops listener failed", "addr", cfg.Ops.HTTPAddr, "error", err)
		}
	}()

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if cfg.Pricing.OverridesFile != "" {
		if err := catalog.Watch(signalCtx, cfg.Pricing.OverridesFile, logger); err != nil {
			return fmt.Errorf("watch pricing overrides: %w", err)
		}
	}
	if err := prompts.WatchInvalidations(signalCtx, cacheClient); err != nil {
		return err
	}

	if err := consumer.Start(signalCtx); err != nil {
		return fmt.Errorf("start queue consumer: %w", err)
	}

	logger.Info("Aireviewd ready",
		"version", Version,
		"stream", cfg.Queue.Stream,
		"workers", cfg.Queue.Workers,
		"ops_addr", cfg.Ops.HTTPAddr)

	// Block until shutdown signal
	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	// Stop intake first, then drain buffered usage rows while the store
	// is still open.
	if err := consumer.Stop(stopCtx); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	}
	if err := opsServer.Shutdown(stopCtx); err != nil {
		logger.Error("Error stopping ops listener", "error", err)
	}
	if err := accountant.Close(stopCtx); err != nil {
		logger.Error("Error draining usage accountant", "error", err)
	}

	logger.Info("Aireviewd shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            Aireviewd v" + Version + "                    ║")
	fmt.Println("║          AI Code Review Engine                ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

// routerConfig maps the file configuration onto the router's types.
func routerConfig(cfg *config.Config) llm.RouterConfig {
	providers := make(map[string]llm.EndpointConfig, len(cfg.LLM.Providers))
	for name, p := range cfg.LLM.Providers {
		providers[name] = llm.EndpointConfig{
			Kind:       p.Kind,
			BaseURL:    p.BaseURL,
			APIKey:     p.APIKey,
			APIVersion: p.APIVersion,
		}
	}
	return llm.RouterConfig{
		Providers:        providers,
		DefaultProvider:  cfg.LLM.DefaultProvider,
		DefaultModel:     cfg.LLM.DefaultModel,
		FallbackProvider: cfg.LLM.FallbackProvider,
		FallbackModel:    cfg.LLM.FallbackModel,
		Concurrency:      cfg.LLM.PerProviderConcurrency,
		AcquireTimeout:   cfg.LLM.AcquireTimeout(),
		RequestTimeout:   cfg.LLM.RequestTimeout(),
		Retry: llm.RetryConfig{
			MaxAttempts: cfg.LLM.Retry.MaxAttempts,
			BackoffBase: cfg.LLM.Retry.Base(),
			BackoffCap:  cfg.LLM.Retry.Cap(),
		},
		Breaker: llm.BreakerConfig{
			Window:       cfg.LLM.Breaker.Window(),
			MinSamples:   uint32(cfg.LLM.Breaker.MinSamples),
			FailureRatio: cfg.LLM.Breaker.FailureRatio,
			OpenFor:      cfg.LLM.Breaker.Open(),
		},
	}
}

// chunkBudgets scales the default budgets around the configured target.
func chunkBudgets(cfg config.ChunkerConfig) chunk.Config {
	budgets := chunk.DefaultConfig()
	if cfg.TargetTokens > 0 {
		budgets.TargetTokens = cfg.TargetTokens
		budgets.MaxTokens = cfg.TargetTokens * 3 / 2
		if budgets.MinTokens >= budgets.TargetTokens {
			budgets.MinTokens = budgets.TargetTokens / 2
		}
	}
	return budgets
}

// pinger is the slice of a backing store the health check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

// opsMux serves the operational endpoints. Health requires both backing
// stores to answer; the queue reconnects on its own and is not gated here.
func opsMux(db, kv pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"degraded","error":%q}`, err.Error())
			return
		}
		if err := kv.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"degraded","error":%q}`, err.Error())
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	return mux
}

// wrapNATSError provides operator guidance when the queue connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set queue.url in the config file to point at your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func wrapRedisError(err error) error {
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf(`Redis connection failed: %w

To start Redis:
  docker compose up -d redis

Or set redis.connectionString in the config file.`, err)
	}
	return fmt.Errorf("Redis connection failed: %w", err)
}

func wrapPostgresError(err error) error {
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf(`PostgreSQL connection failed: %w

To start PostgreSQL:
  docker compose up -d postgres

Or set database.dsn in the config file.`, err)
	}
	return fmt.Errorf("PostgreSQL connection failed: %w", err)
}

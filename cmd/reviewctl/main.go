// Package main provides reviewctl, an operator CLI for the review engine.
// It enqueues jobs on the shared JetStream work queue and follows their
// progress over the engine's Redis event channels, so a deployment can be
// smoke-tested end to end without an API node.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/wosledon/aireview/cache"
	"github.com/wosledon/aireview/config"
	"github.com/wosledon/aireview/model"
	"github.com/wosledon/aireview/notify"
	"github.com/wosledon/aireview/queue"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reviewctl",
		Short: "Operator CLI for the review engine",
		Long: `Reviewctl drives the review engine from the command line.

It talks to the same NATS stream and Redis channels the engine uses:

  reviewctl enqueue 42 --kind AIReview   # queue a job for review 42
  reviewctl watch 42                     # stream progress events
  reviewctl run 42                       # enqueue and wait for the outcome`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(enqueueCmd(&configPath))
	cmd.AddCommand(watchCmd(&configPath))
	cmd.AddCommand(runCmd(&configPath))
	return cmd
}

func enqueueCmd(configPath *string) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "enqueue <review-id>",
		Short: "Queue a job for a review request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseReviewID(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := enqueueJob(cmd.Context(), cfg, model.JobKind(kind), id); err != nil {
				return err
			}
			fmt.Printf("queued %s for review %d\n", kind, id)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(model.JobComprehensive),
		"Job kind (AIReview, RiskAnalysis, ImprovementSuggestions, PRSummary, Comprehensive)")
	return cmd
}

func watchCmd(configPath *string) *cobra.Command {
	var (
		kind    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <review-id>",
		Short: "Stream a review's job events until one reaches an outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseReviewID(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			c, err := cache.New(cfg.Redis.ConnectionString, cfg.Redis.InstancePrefix, quietLogger())
			if err != nil {
				return err
			}
			defer c.Close()

			sub, err := c.Subscribe(ctx, notify.Channel(id))
			if err != nil {
				return err
			}
			defer sub.Close()

			return followEvents(ctx, sub, id, model.JobKind(kind), timeout)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Only treat this job kind's terminal event as the outcome")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Give up after this long without an outcome")
	return cmd
}

func runCmd(configPath *string) *cobra.Command {
	var (
		kind    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <review-id>",
		Short: "Enqueue a job and wait for its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseReviewID(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			c, err := cache.New(cfg.Redis.ConnectionString, cfg.Redis.InstancePrefix, quietLogger())
			if err != nil {
				return err
			}
			defer c.Close()

			// Subscribe before enqueueing so the first events are not missed.
			sub, err := c.Subscribe(ctx, notify.Channel(id))
			if err != nil {
				return err
			}
			defer sub.Close()

			if err := enqueueJob(ctx, cfg, model.JobKind(kind), id); err != nil {
				return err
			}
			fmt.Printf("queued %s for review %d\n", kind, id)

			return followEvents(ctx, sub, id, model.JobKind(kind), timeout)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(model.JobComprehensive),
		"Job kind (AIReview, RiskAnalysis, ImprovementSuggestions, PRSummary, Comprehensive)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Give up after this long without an outcome")
	return cmd
}

func enqueueJob(ctx context.Context, cfg *config.Config, kind model.JobKind, reviewID int64) error {
	nc, err := nats.Connect(cfg.Queue.URL, nats.Name("reviewctl"))
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", cfg.Queue.URL, err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}
	if _, err := queue.EnsureStream(ctx, js, cfg.Queue); err != nil {
		return err
	}

	pub := queue.NewPublisher(js, cfg.Queue.SubjectPrefix, quietLogger())
	return pub.Enqueue(ctx, kind, reviewID)
}

// followEvents prints every event on the review's channel and returns when
// a terminal event arrives. An empty kind accepts any job's outcome.
func followEvents(ctx context.Context, sub *cache.Subscription, reviewID int64, kind model.JobKind, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("no outcome for review %d within %s", reviewID, timeout)
		case payload, ok := <-sub.C():
			if !ok {
				return fmt.Errorf("event stream for review %d closed", reviewID)
			}
			ev, err := notify.Decode(payload)
			if err != nil {
				fmt.Printf("  (unparseable event: %s)\n", payload)
				continue
			}
			printEvent(ev)

			if kind != "" && ev.JobKind != kind {
				continue
			}
			switch ev.Status {
			case notify.StatusCompleted:
				return nil
			case notify.StatusFailed:
				if ev.Error != "" {
					return fmt.Errorf("%s failed: %s", ev.JobKind, ev.Error)
				}
				return fmt.Errorf("%s failed", ev.JobKind)
			}
		}
	}
}

func printEvent(ev notify.Event) {
	line := fmt.Sprintf("%s  %-24s %s", ev.At.Local().Format("15:04:05"), ev.JobKind, ev.Status)
	if ev.Phase != "" {
		line += "  " + string(ev.Phase)
	}
	if ev.Progress != "" {
		line += "  " + ev.Progress
	}
	if ev.Error != "" {
		line += "  " + ev.Error
	}
	fmt.Println(line)
}

func parseReviewID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid review id %q", arg)
	}
	return id, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	blink "github.com/glimte/blink-go"
	"github.com/glimte/blink-go/config"
	"github.com/glimte/blink-go/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags are shared by every command
type globalFlags struct {
	configPath string
	amqpURL    string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "blink",
		Short: "Relay messages between RabbitMQ queues and HTTP endpoints",
		Long: `Blink consumes RabbitMQ queues, forwards each message to an HTTP endpoint
and retries failed deliveries with exponential backoff, parking delayed
retries in Redis until they are due.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&flags.amqpURL, "url", "u", "", "RabbitMQ connection URL (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newWorkerCmd(flags),
		newRepublishCmd(flags),
		newPurgeCmd(flags),
		newQueuesCmd(flags),
		newHealthCmd(flags),
	)
	return rootCmd
}

// loadConfig reads the config file, overlays the environment and the flags
func loadConfig(flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	config.FromEnv(&cfg)
	if flags.amqpURL != "" {
		cfg.AMQP.URL = flags.amqpURL
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// newLogger builds the slog logger described by cfg
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// connect loads config and returns a connected client
func connect(ctx context.Context, flags *globalFlags) (*blink.Client, *slog.Logger, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	client, err := blink.NewClient(cfg, blink.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	return client, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newWorkerCmd(flags *globalFlags) *cobra.Command {
	var republish bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Forward every queue that has a forward_url",
		Long: `Subscribes every configured queue that has a forward_url, serves the
health endpoint and, with a Redis retry store, republishes due retries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, logger, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			n, err := client.StartForwarding(ctx)
			if err != nil {
				return fmt.Errorf("failed to start forwarding: %w", err)
			}
			if n == 0 {
				logger.Warn("no queue has a forward_url, nothing to consume")
			}

			if republish {
				if err := client.StartRepublisher(ctx); err != nil && !errors.Is(err, blink.ErrNoRetryStore) {
					return fmt.Errorf("failed to start republisher: %w", err)
				}
			}

			srv := healthServer(client, client.Config().Health)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("health server failed", "addr", srv.Addr, "error", err)
				}
			}()

			logger.Info("worker started", "queues", n, "healthAddr", srv.Addr)
			<-ctx.Done()
			logger.Info("worker stopping")

			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&republish, "republish", true, "Also republish due retries from Redis")
	return cmd
}

func healthServer(client *blink.Client, cfg config.HealthConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.NewHandler(client.Health(), cfg.Timeout))
	mux.Handle("/livez", health.LivenessHandler())
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func newRepublishCmd(flags *globalFlags) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "republish",
		Short: "Move due retries from Redis back onto their queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, logger, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			task := client.Republisher()
			if task == nil {
				return blink.ErrNoRetryStore
			}

			if once {
				stats, err := task.Run(ctx)
				if err != nil {
					return fmt.Errorf("republish failed: %w", err)
				}
				fmt.Printf("Due: %d  Republished: %d  Discarded: %d  Failed: %d\n",
					stats.Due, stats.Republished, stats.Discarded, stats.Failed)
				return nil
			}

			if err := task.Start(ctx); err != nil {
				return err
			}
			logger.Info("republisher started", "interval", client.Config().Retry.RepublishInterval)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single pass and exit")
	return cmd
}

func newPurgeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <queue-name>",
		Short: "Remove every ready message from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client, _, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			n, err := client.Purge(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Purged %d messages from %s\n", n, args[0])
			return nil
		},
	}
}

func newQueuesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List configured queues with their depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client, _, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Printf("%-40s %-10s %-10s %-30s\n", "Name", "Messages", "Consumers", "Routes")
			fmt.Println(strings.Repeat("-", 95))

			for _, q := range client.Registry().Queues() {
				info, err := client.Broker().InspectQueue(ctx, q.Name())
				if err != nil {
					fmt.Printf("%-40s %-10s %-10s %-30s\n", truncate(q.Name(), 40), "?", "?", truncate(strings.Join(q.Routes(), ","), 30))
					continue
				}
				fmt.Printf("%-40s %-10d %-10d %-30s\n",
					truncate(q.Name(), 40),
					info.Messages,
					info.Consumers,
					truncate(strings.Join(q.Routes(), ","), 30),
				)
			}
			return nil
		},
	}
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check broker, queue and retry store health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			client, err := blink.NewClient(cfg, blink.WithLogger(newLogger(cfg.Log)))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Health.Timeout)
			defer cancel()

			// A failed connection is reported by the broker check
			_ = client.Connect(ctx)

			result := client.Health().Check(ctx)
			printHealth(result)

			if result.Status == health.StatusUnhealthy {
				return fmt.Errorf("system is %s", result.Status)
			}
			return nil
		},
	}
}

func printHealth(result health.OverallHealth) {
	fmt.Printf("System Health: %s\n", result.Status)
	fmt.Printf("Checked in: %s\n\n", result.Duration.Truncate(time.Millisecond))

	fmt.Printf("%-40s %-10s %s\n", "Check", "Status", "Message")
	fmt.Println(strings.Repeat("-", 90))

	for _, name := range result.Names() {
		check := result.Checks[name]
		message := check.Message
		if check.Error != "" {
			message += ": " + check.Error
		}
		fmt.Printf("%-40s %-10s %s\n", truncate(name, 40), check.Status, truncate(message, 60))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

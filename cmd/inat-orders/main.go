// Command inat-orders looks up the taxonomic order (and optionally family or
// observer) of iNaturalist observations and prints per-observation results
// followed by summary counts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/inat-orders/internal/config"
	"github.com/Sternrassler/inat-orders/pkg/batch"
	"github.com/Sternrassler/inat-orders/pkg/cache"
	"github.com/Sternrassler/inat-orders/pkg/engine"
	"github.com/Sternrassler/inat-orders/pkg/inat"
	"github.com/Sternrassler/inat-orders/pkg/logging"
	"github.com/Sternrassler/inat-orders/pkg/metrics"
	"github.com/Sternrassler/inat-orders/pkg/ratelimit"
	"github.com/Sternrassler/inat-orders/pkg/report"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitUsage       = 2
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, errNoIDs):
		return exitUsage
	default:
		return exitError
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "inat-orders [ids...]",
		Short: "Look up taxonomic orders of iNaturalist observations",
		Long: `Look up the taxonomic order, and optionally the family or the observer,
of iNaturalist observations.

Observations are fetched in batches of up to 200 under a shared rate limit
that slows down when the API throttles. Results are printed one line per
observation, followed by summary counts.

Example:
  inat-orders 12345 67890 --family
  inat-orders --file ids.txt --users --count-api-calls`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.Flags(), file, args, stdout, stderr)
		},
	}

	rl := ratelimit.DefaultConfig()
	b := batch.DefaultConfig()
	e := engine.DefaultConfig()

	f := cmd.Flags()
	f.StringVar(&file, "file", "", "file containing observation IDs, one per line")
	f.String("config", "", "config file (default ./inat-orders.yaml if present)")
	f.Bool("family", false, "include the family rank")
	f.Bool("users", false, "report observers instead of taxonomy")
	f.Bool("count-api-calls", false, "print the total number of API calls made")
	config.DurationFlag(f, "delay", rl.MinDelay, "minimum delay between API calls (seconds or duration)")
	config.DurationFlag(f, "max-delay", rl.MaxDelay, "maximum delay reached while throttled")
	f.Int("batch-size", b.BatchSize, "observations per batch request (1-200)")
	f.Int("workers", e.Workers, "batches fetched concurrently")
	f.Int("retries", b.MaxRetries, "retries per request for transient failures")
	config.DurationFlag(f, "retry-delay", b.RetryDelay, "initial retry backoff")
	config.DurationFlag(f, "max-retry-delay", b.MaxRetryDelay, "maximum retry backoff")
	f.Int("unreachable-chunks", e.UnreachableChunks, "consecutive unanswered batches before giving up")
	f.String("failed-out", "", "write failed and unprocessed IDs to this file")
	f.String("redis-url", "", "Redis address or URL for the response cache")
	config.DurationFlag(f, "cache-ttl", 24*time.Hour, "response cache TTL")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.String("user-agent", config.DefaultUserAgent, "User-Agent sent to the API")
	f.String("base-url", inat.DefaultBaseURL, "API base URL")
	config.DurationFlag(f, "timeout", 30*time.Second, "HTTP timeout per request")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.Bool("log-pretty", false, "human-readable logs")
	f.Bool("debug", false, "shorthand for --log-level=debug")

	return cmd
}

func run(ctx context.Context, flags *pflag.FlagSet, file string, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	logCfg := cfg.Logging()
	logCfg.Output = stderr
	logger := logging.Setup(logCfg)

	ids, err := collectIDs(file, args)
	if err != nil {
		return err
	}

	client, err := inat.New(cfg.Client())
	if err != nil {
		return fmt.Errorf("create API client: %w", err)
	}
	defer client.Close()

	opts := []engine.Option{engine.WithLogger(logger)}
	if cfg.RedisURL != "" {
		store, err := openCache(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("Response cache unavailable - continuing without it")
		} else {
			defer store.Close()
			opts = append(opts, engine.WithCache(store))
		}
	}

	if cfg.MetricsAddr != "" {
		srv, err := metrics.Listen(cfg.MetricsAddr, logger)
		if err != nil {
			return err
		}
		mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan error, 1)
		go func() { done <- srv.Serve(mctx) }()
		defer func() {
			cancel()
			if err := <-done; err != nil {
				logger.Warn().Err(err).Msg("Metrics server error")
			}
		}()
	}

	eng, err := engine.New(client, cfg.Engine(), opts...)
	if err != nil {
		return err
	}

	result, runErr := eng.Run(ctx, ids)

	formatter := report.Formatter{Family: cfg.Family, Users: cfg.Users, CountAPICalls: cfg.CountAPICalls}
	if err := formatter.Write(stdout, result); err != nil {
		return err
	}

	if len(result.Pending) > 0 {
		logger.Warn().Int("pending", len(result.Pending)).Msg("Observations left unprocessed")
	}
	if cfg.FailedOut != "" && (len(result.Failed()) > 0 || len(result.Pending) > 0) {
		if err := report.WriteFailedIDsFile(cfg.FailedOut, result); err != nil {
			return err
		}
		logger.Info().Str("path", cfg.FailedOut).Msg("Wrote failed observation IDs")
	}

	return runErr
}

// openCache connects the Redis response cache. addr is host:port or a
// redis:// URL.
func openCache(ctx context.Context, addr string, ttl time.Duration) (*cache.Manager, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	manager := cache.NewManager(redis.NewClient(opts), ttl)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := manager.Ping(pingCtx); err != nil {
		manager.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return manager, nil
}

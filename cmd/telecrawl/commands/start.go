package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telecrawl/telecrawl/internal/logger"
	"github.com/telecrawl/telecrawl/pkg/config"
	"github.com/telecrawl/telecrawl/pkg/crawler"
	"github.com/telecrawl/telecrawl/pkg/directory"
	"github.com/telecrawl/telecrawl/pkg/kv"
	"github.com/telecrawl/telecrawl/pkg/lease"
	"github.com/telecrawl/telecrawl/pkg/metrics"
	promMetrics "github.com/telecrawl/telecrawl/pkg/metrics/prometheus"
	"github.com/telecrawl/telecrawl/pkg/telegram"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the crawler worker",
	Long: `Start a worker that consumes crawl tasks from the bus.

The worker joins the fleet identified by POD_NAME: it shares the session
pool through the lease bucket, handles one task at a time per subject and
publishes collected messages to the outbound stream.

Examples:
  # Start with environment configuration
  PG_DSN=postgres://... NATS_DSN=nats://... MESSAGE_SUBJECT=messages \
    MESSAGE_STREAM=MESSAGES telecrawl start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting crawler worker",
		logger.KeyInstance, cfg.PodName,
		"version", Version,
	)

	if cfg.MetricsPort > 0 {
		metrics.InitRegistry()
	}
	crawlerMetrics := promMetrics.NewCrawlerMetrics()

	store, err := directory.New(&directory.Config{
		Backend: directory.BackendPostgres,
		DSN:     cfg.PGDSN,
	})
	if err != nil {
		return fmt.Errorf("failed to open session directory: %w", err)
	}

	sessionIDs, err := store.ListSessionIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessionIDs) == 0 {
		logger.Warn("no sessions registered, every task will wait for one")
	}

	nc, err := nats.Connect(strings.Join(cfg.NATS.URLs, ","),
		nats.Name("telecrawl-"+cfg.PodName),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("failed to drain NATS connection", logger.KeyError, err)
		}
	}()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bucket, err := kv.OpenBucket(ctx, js, cfg.NATS.KVBucket, cfg.NATS.KVTTL)
	if err != nil {
		return fmt.Errorf("failed to open lease bucket: %w", err)
	}

	leases := lease.NewManager(bucket, cfg.NATS.Prefix, cfg.PodName, sessionIDs)
	refresher := lease.NewRefresher(leases, cfg.NATS.KVTTL)

	factory, err := telegram.DefaultFactory()
	if err != nil {
		return fmt.Errorf("failed to resolve client factory: %w", err)
	}

	publisher := crawler.NewStreamPublisher(js, cfg.Message.Subject, cfg.Message.BatchSize)
	executor := crawler.NewExecutor(store, leases, factory, publisher, crawlerMetrics)
	router := crawler.NewRouter(js, bucket, leases, executor, crawler.RouterConfig{
		Prefix:         cfg.NATS.Prefix,
		MaxDeliver:     cfg.NATS.MaxDeliver,
		MessageStream:  cfg.Message.Stream,
		MessageSubject: cfg.Message.Subject,
	}, crawlerMetrics)

	if err := router.Setup(ctx); err != nil {
		return fmt.Errorf("failed to set up streams and consumers: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(ctx) })
	g.Go(func() error { return refresher.Run(ctx) })
	if cfg.MetricsPort > 0 {
		g.Go(func() error { return metrics.Serve(ctx, cfg.MetricsPort) })
	}

	logger.Info("crawler worker running", logger.KeyInstance, cfg.PodName)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("crawler worker stopped", logger.KeyInstance, cfg.PodName)
	return nil
}

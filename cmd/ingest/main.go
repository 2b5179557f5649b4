package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nautilux/reef-data-ingest/internal/adapter/assess"
	"github.com/nautilux/reef-data-ingest/internal/adapter/dirwatch"
	"github.com/nautilux/reef-data-ingest/internal/adapter/external"
	"github.com/nautilux/reef-data-ingest/internal/adapter/httpingest"
	kafkaadapter "github.com/nautilux/reef-data-ingest/internal/adapter/kafka"
	"github.com/nautilux/reef-data-ingest/internal/adapter/sftpingest"
	"github.com/nautilux/reef-data-ingest/internal/alert"
	"github.com/nautilux/reef-data-ingest/internal/config"
	"github.com/nautilux/reef-data-ingest/internal/deadletter"
	"github.com/nautilux/reef-data-ingest/internal/observability"
	"github.com/nautilux/reef-data-ingest/internal/pipeline"
	"github.com/nautilux/reef-data-ingest/internal/scheduler"
	"github.com/nautilux/reef-data-ingest/internal/sites"
	"github.com/nautilux/reef-data-ingest/internal/store"
	"github.com/nautilux/reef-data-ingest/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	readings, err := store.OpenBadger(cfg.Store.BadgerPath)
	if err != nil {
		logger.Error("failed to open reading store", "path", cfg.Store.BadgerPath, "error", err)
		os.Exit(1)
	}

	sink, err := deadletter.OpenFileSink(cfg.Store.DeadLetterPath)
	if err != nil {
		logger.Error("failed to open dead-letter sink", "path", cfg.Store.DeadLetterPath, "error", err)
		os.Exit(1)
	}

	publisher := kafkaadapter.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic, logger)
	evaluator := alert.NewEvaluator(publisher, logger, metrics, clock, cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay)

	registry := sites.NewRegistry()
	assessor := assess.NewClient(cfg.Assessment.BaseURL, cfg.Assessment.Timeout, metrics, logger)
	refresher := sites.NewRefresher(registry, assessor, evaluator, logger)

	p := pipeline.New(registry, readings, evaluator, sink, logger, metrics, clock, pipeline.Options{
		Workers:     cfg.Ingest.Workers,
		ItemTimeout: cfg.Ingest.ItemTimeout,
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
	})

	watcher, err := dirwatch.NewWatcher(cfg.Ingest.WatchRoot, p, clock, logger)
	if err != nil {
		logger.Error("failed to prepare watch directories", "root", cfg.Ingest.WatchRoot, "error", err)
		os.Exit(1)
	}

	srv := httpingest.NewServer(cfg.HTTP.Addr, p, registry, refresher, p, clock, logger)

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	tree.AddProcessingService(supervisor.NewRunner("pipeline", p.Run))
	tree.AddIngestService(supervisor.NewRunner("dirwatch", watcher.Run))

	if cfg.SFTP.Enabled {
		poller := sftpingest.NewPoller(sftpingest.Options{
			Host:         cfg.SFTP.Host,
			Port:         cfg.SFTP.Port,
			User:         cfg.SFTP.User,
			Password:     cfg.SFTP.Password,
			RemoteRoot:   cfg.SFTP.RemoteRoot,
			PollInterval: cfg.SFTP.PollInterval,
			DialTimeout:  cfg.SFTP.DialTimeout,
		}, p, clock, logger)
		tree.AddIngestService(supervisor.NewRunner("sftp", poller.Run))
		logger.Info("sftp ingest enabled", "host", cfg.SFTP.Host, "poll_interval", cfg.SFTP.PollInterval)
	} else {
		logger.Info("sftp ingest disabled")
	}

	jobs := []scheduler.Job{
		{
			Name:     "health-recheck",
			Interval: cfg.Scheduler.HealthRecheckInterval,
			Run:      refresher.RefreshAll,
		},
	}

	// Partner feeds are feature-flagged via EXTERNAL_BASE_URL.
	if cfg.External.BaseURL != "" {
		var fetchers []external.Fetcher
		for _, spec := range external.DefaultFeeds(cfg.External.BaseURL) {
			fetchers = append(fetchers, external.NewHTTPFetcher(spec, cfg.External.Timeout, logger))
		}
		sweeper := external.NewPoller(fetchers, p, metrics, logger)
		jobs = append(jobs, scheduler.Job{
			Name:     "external-sweep",
			Interval: cfg.Scheduler.ExternalPollInterval,
			Run:      sweeper.Sweep,
		})
		logger.Info("external feeds enabled", "base_url", cfg.External.BaseURL, "feeds", len(fetchers))
	} else {
		logger.Info("external feeds disabled")
	}

	sched := scheduler.New(jobs, clock, logger)
	tree.AddProcessingService(supervisor.NewRunner("scheduler", sched.Run))
	tree.AddAPIService(supervisor.NewHTTPService("api", srv, cfg.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("supervisor error", "error", err)
	}
	logger.Info("shutting down")

	// Let in-flight payloads settle before closing the stores under them.
	drained := make(chan struct{})
	go func() {
		p.Drain()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("drain timed out", "timeout", cfg.ShutdownTimeout)
	}

	if err := publisher.Close(); err != nil {
		logger.Error("kafka publisher close error", "error", err)
	}
	if err := readings.Close(); err != nil {
		logger.Error("reading store close error", "error", err)
	}
	if err := sink.Close(); err != nil {
		logger.Error("dead-letter sink close error", "error", err)
	}

	logger.Info("shutdown complete")
}

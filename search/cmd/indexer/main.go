package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"microblog-platform/search/internal/index"
	"microblog-platform/search/internal/worker"
	"microblog-platform/shared/cachex"
	"microblog-platform/shared/config"
	"microblog-platform/shared/dbx"
	"microblog-platform/shared/events"
	"microblog-platform/shared/logx"
	"microblog-platform/shared/metricsx"
	"microblog-platform/shared/mqx"
	"microblog-platform/shared/observability"
)

const defaultGroupID = "search-indexer"

func main() {
	cfg, problems := config.Load("search-indexer", 8093)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "cache_init_failed", "cache init failed",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer cache.Close()

	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = defaultGroupID
	}

	ix := &worker.Indexer{
		Store:  index.NewRepo(dbPool),
		Cache:  cache,
		Logger: logger.With(slog.String("component", "indexer")),
	}

	createdSub, err := mqx.NewSubscriber(cfg, events.TopicPostCreated, groupID, ix.HandleCreated, logger)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "subscriber init failed",
			slog.String("topic", events.TopicPostCreated),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer createdSub.Close()

	deletedSub, err := mqx.NewSubscriber(cfg, events.TopicPostDeleted, groupID, ix.HandleDeleted, logger)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "subscriber init failed",
			slog.String("topic", events.TopicPostDeleted),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer deletedSub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "search indexer started",
		slog.String("group", groupID),
	)

	var wg sync.WaitGroup
	for _, sub := range []*mqx.Subscriber{createdSub, deletedSub} {
		wg.Add(1)
		go func(s *mqx.Subscriber) {
			defer wg.Done()
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(ctx, "consumer_failed", "subscriber stopped",
					slog.String("error", err.Error()),
				)
				cancel()
			}
		}(sub)
	}
	wg.Wait()

	logger.Info(context.Background(), "consumer_stop", "search indexer stopped")
}

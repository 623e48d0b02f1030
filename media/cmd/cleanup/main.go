package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"microblog-platform/media/internal/repos"
	"microblog-platform/media/internal/worker"
	"microblog-platform/shared/blobx"
	"microblog-platform/shared/config"
	"microblog-platform/shared/dbx"
	"microblog-platform/shared/events"
	"microblog-platform/shared/logx"
	"microblog-platform/shared/metricsx"
	"microblog-platform/shared/mqx"
	"microblog-platform/shared/observability"
)

const (
	defaultGroupID = "media-cleanup"
	purgeLockTTL   = 30 * time.Second
)

func main() {
	cfg, problems := config.Load("media-cleanup", 8094)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	// A single Redis serves both the purge queue and the purge locks in
	// dev; a dedicated ASYNQ_REDIS_ADDR splits them in production.
	if cfg.AsynqRedisAddr == "" {
		cfg.AsynqRedisAddr = cfg.RedisAddr
	}
	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if cfg.BlobDir == "" {
		problems = append(problems, config.Problem{Field: "BLOB_DIR", Message: "BLOB_DIR is required"})
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

	blobs, err := blobx.NewFSStore(cfg.BlobDir)
	if err != nil {
		logger.Error(context.Background(), "blob_init_failed", "blob store init failed",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	lockClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer lockClient.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	tasks := asynq.NewClient(redisOpt)
	defer tasks.Close()

	fanout := &worker.Fanout{
		Tasks:    tasks,
		Queue:    cfg.AsynqQueue,
		MaxRetry: cfg.PurgeMaxRetry,
		Logger:   logger.With(slog.String("component", "fanout")),
	}
	purger := &worker.Purger{
		Store:   repos.NewMediaRepo(dbPool),
		Blobs:   blobs,
		Redis:   lockClient,
		LockTTL: purgeLockTTL,
		Logger:  logger.With(slog.String("component", "purger")),
	}

	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = defaultGroupID
	}
	deletedSub, err := mqx.NewSubscriber(cfg, events.TopicPostDeleted, groupID, fanout.HandleDeleted, logger)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "subscriber init failed",
			slog.String("topic", events.TopicPostDeleted),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer deletedSub.Close()

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	asynqMux := asynq.NewServeMux()
	asynqMux.HandleFunc(worker.TaskMediaPurge, purger.HandlePurge)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "media cleanup started",
		slog.String("group", groupID),
		slog.String("queue", cfg.AsynqQueue),
		slog.Int("concurrency", cfg.AsynqConcurrency),
	)

	errCh := make(chan error, 2)
	go func() {
		errCh <- server.Run(asynqMux)
	}()
	go func() {
		errCh <- deletedSub.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(ctx, "consumer_failed", "cleanup worker stopped",
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}

	logger.Info(context.Background(), "consumer_stop", "media cleanup stopped")
}

package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"phHeadshot/internal/config"
	"phHeadshot/internal/database"
	"phHeadshot/internal/metrics"
	"phHeadshot/internal/storage"
	"phHeadshot/internal/store"
	"phHeadshot/internal/tasks"
	"phHeadshot/internal/vision"
	"phHeadshot/internal/worker"
	"phHeadshot/internal/workflow"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	logger.Info("database connection ready for worker")

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("init storage client: %v", err)
	}
	logger.Info("storage client ready", slog.String("bucket", cfg.MinIO.Bucket))

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	visionClient, err := vision.NewClient(context.Background(), cfg.GenAI)
	if err != nil {
		log.Fatalf("init vision client: %v", err)
	}

	st := store.New(db)
	engine := workflow.NewEngine(st, visionClient, storageClient, logger, cfg.Generation.Timeout)
	handler := worker.NewGenerationTaskHandler(st, engine, redisClient, logger)

	server := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.Redis.Addr()}, asynq.Config{
		Concurrency: cfg.Generation.Concurrency,
	})

	mux := asynq.NewServeMux()
	mux.Use(metrics.AsynqMetricsMiddleware())
	mux.Handle(tasks.TypeHeadshotGenerate, handler)

	logger.Info("worker service started", slog.String("redis_addr", cfg.Redis.Addr()))
	if err := server.Run(mux); err != nil {
		logger.Error("worker server stopped", slog.Any("error", err))
	}
}

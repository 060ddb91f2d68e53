package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"creator-job-engine/internal/config"
	"creator-job-engine/internal/engine"
	"creator-job-engine/internal/models"
	"creator-job-engine/internal/notify"
	"creator-job-engine/internal/store"
	"creator-job-engine/internal/telemetry"
	"creator-job-engine/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	publisher := notify.NewRedisPublisher(redisClient)

	eng := engine.New(st, publisher, logger, engine.Options{
		DedupWindow:     cfg.DedupWindow,
		ResultCacheTTL:  cfg.ResultCacheTTL,
		UserJobQuota:    cfg.UserJobQuota,
		MaxRetries:      cfg.MaxRetries,
		DefaultJobTTL:   cfg.DefaultJobTTL,
		DefaultPriority: 5,
	})

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := worker.NewProcessor(eng, workerID, cfg.WorkerPollInterval, logger)
	worker.NewSyncHandlers(cfg).Register(processor)

	thumbHandler, err := worker.NewThumbnailHandler(ctx, cfg)
	if err != nil {
		logger.Fatal("init thumbnail handler", zap.Error(err))
	}
	processor.RegisterHandler(models.TypeThumbnailRefresh, thumbHandler.Handle)

	sweeper := engine.NewSweeper(eng, engine.SweepOptions{
		RetryBackoff:  cfg.RetryBackoff,
		StuckTimeout:  cfg.StuckTimeout,
		RetentionAge:  cfg.RetentionAge,
		BatchSize:     100,
		Interval:      cfg.SweepInterval,
		RetentionTick: cfg.RetentionInterval,
	}, logger)
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("sweeper stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
		zap.Duration("stuck_timeout", cfg.StuckTimeout))
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("worker stopped", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

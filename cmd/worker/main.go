package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/cache"
	"github.com/novabuild/bidalert/internal/circuitbreaker"
	"github.com/novabuild/bidalert/internal/config"
	"github.com/novabuild/bidalert/internal/filter"
	"github.com/novabuild/bidalert/internal/ingest"
	"github.com/novabuild/bidalert/internal/ledger"
	"github.com/novabuild/bidalert/internal/mailer"
	"github.com/novabuild/bidalert/internal/observ"
	"github.com/novabuild/bidalert/internal/queue"
	"github.com/novabuild/bidalert/internal/ratelimit"
	"github.com/novabuild/bidalert/internal/redis"
	"github.com/novabuild/bidalert/internal/store"
	"github.com/novabuild/bidalert/internal/sweep"
	"github.com/novabuild/bidalert/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting bidalert worker", zap.String("env", cfg.Env))

	ctx := context.Background()

	database, err := store.New(ctx, store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := store.NewRepository(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	rdb := redisClient.RDB()

	carrierCache := cache.New(rdb, repo, logger)
	jobQueue := queue.New(rdb, logger)
	hourlyLimiter := ratelimit.NewHourlyLimiter(rdb, logger, ratelimit.BaseHourlyLimit)
	dedup := ledger.New(rdb, repo, logger)

	// Email delivery: SES paced by the shared rate gate, behind a
	// circuit breaker, fed by the batch queue.
	gate := mailer.NewRateGate(rdb, logger, mailer.DefaultSpacing)
	sesSender, err := mailer.NewSESSender(ctx, mailer.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, gate, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES sender: %w", err)
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger)
	protected := mailer.NewProtectedSender(sesSender, breaker, logger)
	batch := mailer.NewBatchQueue(protected, logger, mailer.DefaultBatchSize, mailer.DefaultFlushInterval)

	processor := worker.NewProcessor(carrierCache, repo, hourlyLimiter, dedup, batch, logger)
	pool := worker.NewPool(jobQueue, processor, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool.Start(runCtx)

	sweeper := sweep.New(repo, carrierCache, jobQueue, logger)
	if err := sweeper.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start sweeps: %w", err)
	}

	// Bid events also arrive over SQS when a queue is configured; the
	// HTTP dispatch endpoint on the gateway covers the rest.
	if cfg.SQSQueueURL != "" {
		relevance := filter.New(repo, logger)
		dispatcher := ingest.NewDispatcher(repo, relevance, carrierCache, jobQueue, logger)
		consumer, err := ingest.NewConsumer(ctx, ingest.SQSConfig{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, dispatcher, logger)
		if err != nil {
			return fmt.Errorf("failed to create SQS consumer: %w", err)
		}
		go consumer.Run(runCtx)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	pool.Stop()
	sweeper.Stop()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	batch.Shutdown(flushCtx)

	logger.Info("worker stopped gracefully")
	return nil
}

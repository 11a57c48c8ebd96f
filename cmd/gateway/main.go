package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/api"
	"github.com/novabuild/bidalert/internal/cache"
	"github.com/novabuild/bidalert/internal/config"
	"github.com/novabuild/bidalert/internal/filter"
	"github.com/novabuild/bidalert/internal/ingest"
	"github.com/novabuild/bidalert/internal/metrics"
	"github.com/novabuild/bidalert/internal/observ"
	"github.com/novabuild/bidalert/internal/queue"
	"github.com/novabuild/bidalert/internal/redis"
	"github.com/novabuild/bidalert/internal/store"
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

	logger.Info("starting bidalert gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

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

	// The queue and caches share the redis connection; the gateway only
	// enqueues, workers do the evaluation.
	carrierCache := cache.New(redisClient.RDB(), repo, logger)
	jobQueue := queue.New(redisClient.RDB(), logger)
	relevance := filter.New(repo, logger)
	dispatcher := ingest.NewDispatcher(repo, relevance, carrierCache, jobQueue, logger)

	apiLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  100,
		Window: time.Minute,
	})

	handler := api.NewHandler(logger, repo, dispatcher, jobQueue, carrierCache)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.CarrierKeyFunc))

		r.Post("/bids/{bidNumber}/dispatch", handler.DispatchBid)

		r.Get("/carriers/{id}/preferences", handler.GetPreferences)
		r.Put("/carriers/{id}/preferences", handler.UpdatePreferences)
		r.Get("/carriers/{id}/favorites", handler.ListFavorites)
		r.Post("/carriers/{id}/favorites", handler.AddFavorite)
		r.Delete("/carriers/{id}/favorites/{bidNumber}", handler.RemoveFavorite)
		r.Get("/carriers/{id}/notifications", handler.ListNotifications)

		r.Get("/queues/stats", handler.QueueStats)
		r.Get("/queues/{lane}/dead", handler.DeadLetters)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/pokecardex-scraper/internal/api"
	"github.com/maltedev/pokecardex-scraper/internal/config"
	"github.com/maltedev/pokecardex-scraper/internal/database"
	"github.com/maltedev/pokecardex-scraper/internal/events"
	"github.com/maltedev/pokecardex-scraper/internal/jobs"
	"github.com/maltedev/pokecardex-scraper/internal/logger"
	"github.com/maltedev/pokecardex-scraper/internal/queue"
	"github.com/maltedev/pokecardex-scraper/internal/scraper"
)

const runQueueCapacity = 100

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	db, err := database.New(ctx, database.Config{
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		return 1
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Error("failed to prepare schema", "error", err)
		return 1
	}

	outbox := database.NewOutboxRepository(db, cfg.Redis.Stream)
	catalog := database.NewCatalogRepository(db, outbox, log)
	runs := database.NewRunRepository(db, outbox)

	// Redis client for the relay
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to Redis", "error", err)
		return 1
	}

	relay := events.NewRelay(redisClient, outbox, log, events.RelayConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		MaxLen:       cfg.Redis.StreamMaxLen,
	})
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("relay stopped with error", "error", err)
		}
	}()

	svc, cleanup, err := scraper.FromConfig(cfg, log)
	if err != nil {
		log.Error("failed to initialize scraper", "error", err)
		return 1
	}
	defer cleanup()

	runQueue := queue.NewInMemoryQueue(runQueueCapacity)
	defer runQueue.Close()

	jobManager := jobs.NewManager(runs, catalog, svc, runQueue, log)
	go jobManager.StartWorker(ctx)

	handlers := api.NewHandlers(jobManager, catalog, outbox, log)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(handlers, api.RouterOptions{RequestTimeout: cfg.Server.WriteTimeout}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}
	}()

	log.Info("server starting", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", "error", err)
		return 1
	}

	log.Info("server stopped")
	return 0
}

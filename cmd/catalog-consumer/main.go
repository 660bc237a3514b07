package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/pokecardex-scraper/internal/config"
	"github.com/maltedev/pokecardex-scraper/internal/consumer"
	"github.com/maltedev/pokecardex-scraper/internal/fetcher"
	"github.com/maltedev/pokecardex-scraper/internal/logger"
	"github.com/maltedev/pokecardex-scraper/internal/parser"
	"github.com/maltedev/pokecardex-scraper/internal/storage"
)

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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("Failed to connect to Redis", "error", err)
		return 1
	}
	log.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	f, err := fetcher.NewHTTPFetcher(fetcher.Options{
		BaseURL:   cfg.Site.BaseURL,
		Timeout:   cfg.Scraper.Timeout,
		UserAgent: cfg.Scraper.UserAgent,
	}, log)
	if err != nil {
		log.Error("Failed to create fetcher", "error", err)
		return 1
	}

	paths, err := parser.New(f.BaseURL(), cfg.Site.DownloadRoot, log)
	if err != nil {
		log.Error("Failed to create path mapper", "error", err)
		return 1
	}

	c := consumer.New(rdb, storage.NewAssetStore(cfg.Site.DownloadRoot, f, log), paths, consumer.Options{
		Stream:   cfg.Redis.Stream,
		Consumer: os.Getenv("CONSUMER_NAME"),
	}, log)

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Consumer error", "error", err)
		return 1
	}
	log.Info("Consumer stopped")
	return 0
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/pokecardex-scraper/internal/config"
	"github.com/maltedev/pokecardex-scraper/internal/logger"
	"github.com/maltedev/pokecardex-scraper/internal/models"
	"github.com/maltedev/pokecardex-scraper/internal/scraper"
	"github.com/maltedev/pokecardex-scraper/internal/storage"
)

const exitInterrupted = 130

type crawler interface {
	FetchSeriesList(ctx context.Context) ([]models.SeriesRef, error)
	CrawlSeries(ctx context.Context, seriesID string) ([]models.CatalogItem, models.CrawlStats, error)
	CrawlAllWithStats(ctx context.Context) ([]models.CatalogItem, models.CrawlStats, error)
}

var newCrawler = func(cfg *config.Config, log *slog.Logger) (crawler, func(), error) {
	return scraper.FromConfig(cfg, log)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// run executes one crawl and returns the process exit code. Every deferred
// release, including the browser, happens before it returns.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	flags := flag.NewFlagSet("crawler", flag.ContinueOnError)
	var (
		seriesID     = flags.String("series", "", "Crawl a single series by ID instead of the whole catalog")
		listOnly     = flags.Bool("list", false, "Only print the series list")
		manifestFile = flags.String("manifest", "", "Write the crawled items to this JSON file")
		concurrency  = flags.Int("concurrency", 0, "Parallel image downloads per series (0 = use config)")
	)
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *concurrency > 0 {
		cfg.Scraper.DownloadConcurrency = *concurrency
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	svc, cleanup, err := newCrawler(cfg, log)
	if err != nil {
		log.Error("Failed to initialize scraper", "error", err)
		return 1
	}
	defer cleanup()

	if *listOnly {
		series, err := svc.FetchSeriesList(ctx)
		if err != nil {
			log.Error("Failed to load series list", "error", err)
			return 1
		}
		for _, s := range series {
			fmt.Fprintf(stdout, "%s\t%s\n", s.ID, s.Name)
		}
		return 0
	}

	log.Info("Starting crawl",
		"base_url", cfg.Site.BaseURL,
		"download_root", cfg.Site.DownloadRoot,
		"series", *seriesID,
		"concurrency", cfg.Scraper.DownloadConcurrency,
	)

	var (
		items []models.CatalogItem
		stats models.CrawlStats
	)
	if *seriesID != "" {
		items, stats, err = svc.CrawlSeries(ctx, *seriesID)
	} else {
		items, stats, err = svc.CrawlAllWithStats(ctx)
	}

	exitCode := 0
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.Warn("Crawl interrupted, keeping partial results", "items", len(items))
		exitCode = exitInterrupted
	default:
		log.Error("Crawl failed", "error", err)
		return 1
	}

	if *manifestFile != "" {
		if err := storage.NewManifestStore(*manifestFile).Save(items, stats); err != nil {
			log.Error("Failed to write manifest", "file", *manifestFile, "error", err)
			return 1
		}
		log.Info("Manifest written", "file", *manifestFile, "items", len(items))
	}

	fmt.Fprintf(stdout, "\nCrawl summary\n")
	fmt.Fprintf(stdout, "  Series:     %d\n", stats.Series)
	fmt.Fprintf(stdout, "  Items:      %d\n", stats.Items)
	fmt.Fprintf(stdout, "  Downloaded: %d\n", stats.Downloaded)
	fmt.Fprintf(stdout, "  Skipped:    %d\n", stats.Skipped)
	fmt.Fprintf(stdout, "  Failed:     %d\n", stats.Failed)
	if len(stats.FailedSeries) > 0 {
		fmt.Fprintf(stdout, "  Failed series: %v\n", stats.FailedSeries)
	}

	return exitCode
}

package scraper

import (
	"fmt"
	"log/slog"

	"github.com/maltedev/pokecardex-scraper/internal/browser"
	"github.com/maltedev/pokecardex-scraper/internal/config"
	"github.com/maltedev/pokecardex-scraper/internal/fetcher"
	"github.com/maltedev/pokecardex-scraper/internal/parser"
	"github.com/maltedev/pokecardex-scraper/internal/storage"
)

// FromConfig assembles a Service with its fetcher, parser and asset store.
// The returned cleanup releases the browser when FETCH_MODE=browser.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Service, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
		BaseURL:      cfg.Site.BaseURL,
		Timeout:      cfg.Scraper.Timeout,
		UserAgent:    cfg.Scraper.UserAgent,
		RateLimitMin: cfg.Scraper.RateLimitMin,
		RateLimitMax: cfg.Scraper.RateLimitMax,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create fetcher: %w", err)
	}

	var f fetcher.Fetcher = httpFetcher
	cleanup := func() {}

	if cfg.Scraper.FetchMode == config.FetchModeBrowser {
		b, err := browser.New(&browser.Options{
			Headless:       cfg.Browser.Headless,
			Timeout:        cfg.Browser.Timeout,
			UserAgent:      cfg.Scraper.UserAgent,
			ViewportWidth:  cfg.Browser.ViewportWidth,
			ViewportHeight: cfg.Browser.ViewportHeight,
			Locale:         cfg.Browser.Locale,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize browser: %w", err)
		}
		f = fetcher.NewBrowserFetcher(b, httpFetcher, logger)
		cleanup = func() {
			if err := b.Close(); err != nil {
				logger.Warn("failed to close browser", "error", err)
			}
		}
	}

	p, err := parser.New(httpFetcher.BaseURL(), cfg.Site.DownloadRoot, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create parser: %w", err)
	}

	assets := storage.NewAssetStore(cfg.Site.DownloadRoot, httpFetcher, logger)

	svc := NewService(f, p, assets, Options{
		TaxonomyPath:        cfg.Site.TaxonomyPath,
		DownloadConcurrency: cfg.Scraper.DownloadConcurrency,
	}, logger)

	return svc, cleanup, nil
}

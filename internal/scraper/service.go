package scraper

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/maltedev/pokecardex-scraper/internal/fetcher"
	"github.com/maltedev/pokecardex-scraper/internal/models"
	"github.com/maltedev/pokecardex-scraper/internal/parser"
	"github.com/maltedev/pokecardex-scraper/internal/storage"
)

type Options struct {
	TaxonomyPath string
	// DownloadConcurrency bounds parallel image downloads within a series.
	// 1 keeps every download strictly sequential.
	DownloadConcurrency int
}

// Service drives a crawl: series list, then each series listing, then
// every listed image.
type Service struct {
	fetcher      fetcher.Fetcher
	parser       *parser.Parser
	assets       Materializer
	taxonomyPath string
	concurrency  int
	logger       *slog.Logger
}

func NewService(f fetcher.Fetcher, p *parser.Parser, assets Materializer, opts Options, logger *slog.Logger) *Service {
	if opts.TaxonomyPath == "" {
		opts.TaxonomyPath = DefaultTaxonomyPath
	}
	if opts.DownloadConcurrency < 1 {
		opts.DownloadConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		fetcher:      f,
		parser:       p,
		assets:       assets,
		taxonomyPath: opts.TaxonomyPath,
		concurrency:  opts.DownloadConcurrency,
		logger:       logger.With("component", "scraper"),
	}
}

// FetchSeriesList loads the taxonomy page once. Any failure is returned as
// a *TaxonomyFetchError.
func (s *Service) FetchSeriesList(ctx context.Context) ([]models.SeriesRef, error) {
	doc, err := s.fetcher.Document(ctx, s.taxonomyPath)
	if err != nil {
		return nil, &TaxonomyFetchError{URL: s.taxonomyPath, Err: err}
	}

	series := parser.ExtractSeries(doc)
	s.logger.Info("series list loaded", "count", len(series))
	return series, nil
}

// ScrapeSeriesItems returns the items listed on one series page. Fetch
// failures are logged and yield an empty slice.
func (s *Service) ScrapeSeriesItems(ctx context.Context, seriesID string) []models.CatalogItem {
	items, err := s.scrapeSeries(ctx, seriesID)
	if err != nil {
		s.logger.Warn("series scrape failed", "series", seriesID, "error", err)
	}
	return items
}

func (s *Service) scrapeSeries(ctx context.Context, seriesID string) ([]models.CatalogItem, error) {
	if err := models.ValidateSeriesID(seriesID); err != nil {
		return []models.CatalogItem{}, err
	}

	doc, err := s.fetcher.Document(ctx, SeriesPath(seriesID))
	if err != nil {
		return []models.CatalogItem{}, err
	}

	items := s.parser.ExtractItems(seriesID, doc)
	if items == nil {
		items = []models.CatalogItem{}
	}
	return items, nil
}

// CrawlAll crawls every series in taxonomy order. If ctx is cancelled the
// items gathered so far are returned along with ctx.Err().
func (s *Service) CrawlAll(ctx context.Context) ([]models.CatalogItem, error) {
	items, _, err := s.CrawlAllWithStats(ctx)
	return items, err
}

func (s *Service) CrawlAllWithStats(ctx context.Context) ([]models.CatalogItem, models.CrawlStats, error) {
	series, err := s.FetchSeriesList(ctx)
	if err != nil {
		return nil, models.CrawlStats{}, err
	}
	return s.CrawlList(ctx, series)
}

// CrawlList crawls the given series in order, as CrawlAllWithStats does
// after loading the taxonomy.
func (s *Service) CrawlList(ctx context.Context, series []models.SeriesRef) ([]models.CatalogItem, models.CrawlStats, error) {
	stats := models.CrawlStats{Series: len(series)}

	items := make([]models.CatalogItem, 0)
	for _, ref := range series {
		if err := ctx.Err(); err != nil {
			return items, stats, err
		}

		s.logger.Info("scraping series", "series", ref.ID, "name", ref.Name)

		seriesItems, err := s.crawlSeries(ctx, ref.ID, &stats)
		items = append(items, seriesItems...)
		stats.Items = len(items)
		if err != nil {
			return items, stats, err
		}
	}

	s.logger.Info("crawl finished",
		"series", stats.Series,
		"items", stats.Items,
		"downloaded", stats.Downloaded,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"failed_series", len(stats.FailedSeries),
	)
	return items, stats, nil
}

// CrawlSeries scrapes and materializes a single series. An id that is not a
// single path segment is rejected with models.ErrInvalidSeriesID.
func (s *Service) CrawlSeries(ctx context.Context, seriesID string) ([]models.CatalogItem, models.CrawlStats, error) {
	if err := models.ValidateSeriesID(seriesID); err != nil {
		return nil, models.CrawlStats{}, err
	}
	stats := models.CrawlStats{Series: 1}
	items, err := s.crawlSeries(ctx, seriesID, &stats)
	stats.Items = len(items)
	return items, stats, err
}

// crawlSeries only returns an error when ctx is done.
func (s *Service) crawlSeries(ctx context.Context, seriesID string, stats *models.CrawlStats) ([]models.CatalogItem, error) {
	items, err := s.scrapeSeries(ctx, seriesID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return items, ctxErr
		}
		s.logger.Warn("series scrape failed", "series", seriesID, "error", err)
		stats.FailedSeries = append(stats.FailedSeries, seriesID)
		return items, nil
	}

	s.logger.Debug("series items extracted", "series", seriesID, "count", len(items))

	if err := s.materializeAll(ctx, items, stats); err != nil {
		return items, err
	}
	return items, nil
}

func (s *Service) materializeAll(ctx context.Context, items []models.CatalogItem, stats *models.CrawlStats) error {
	if s.concurrency <= 1 {
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.record(stats, s.materialize(ctx, item))
		}
		return ctx.Err()
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		item := item
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcome := s.materialize(ctx, item)

			mu.Lock()
			s.record(stats, outcome)
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}

func (s *Service) materialize(ctx context.Context, item models.CatalogItem) storage.Outcome {
	outcome, err := s.assets.Materialize(ctx, item.ImageURL, item.LocalPath)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("image download failed",
			"series", item.SeriesID,
			"url", item.ImageURL,
			"path", item.LocalPath,
			"error", err,
		)
	}
	return outcome
}

func (s *Service) record(stats *models.CrawlStats, outcome storage.Outcome) {
	switch outcome {
	case storage.OutcomeDownloaded:
		stats.Downloaded++
	case storage.OutcomeSkipped:
		stats.Skipped++
	default:
		stats.Failed++
	}
}

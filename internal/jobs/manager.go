package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/pokecardex-scraper/internal/models"
	"github.com/maltedev/pokecardex-scraper/internal/queue"
)

// Crawler is the part of scraper.Service a run executes.
type Crawler interface {
	FetchSeriesList(ctx context.Context) ([]models.SeriesRef, error)
	CrawlList(ctx context.Context, series []models.SeriesRef) ([]models.CatalogItem, models.CrawlStats, error)
	CrawlSeries(ctx context.Context, seriesID string) ([]models.CatalogItem, models.CrawlStats, error)
}

type RunStore interface {
	Create(ctx context.Context, run *models.CrawlRun) error
	MarkRunning(ctx context.Context, id string) error
	Complete(ctx context.Context, run *models.CrawlRun, newItems int) error
	Fail(ctx context.Context, run *models.CrawlRun) error
	Get(ctx context.Context, id string) (*models.CrawlRun, error)
	List(ctx context.Context, limit int) ([]*models.CrawlRun, error)
}

type CatalogStore interface {
	SaveSeries(ctx context.Context, series []models.SeriesRef) error
	SaveItems(ctx context.Context, runID string, items []models.CatalogItem) (int, error)
}

// Manager accepts crawl requests and runs them one at a time.
type Manager struct {
	runs    RunStore
	catalog CatalogStore
	crawler Crawler
	queue   queue.Queue
	logger  *slog.Logger
}

func NewManager(runs RunStore, catalog CatalogStore, crawler Crawler, q queue.Queue, logger *slog.Logger) *Manager {
	return &Manager{
		runs:    runs,
		catalog: catalog,
		crawler: crawler,
		queue:   q,
		logger:  logger.With("component", "job_manager"),
	}
}

// CreateRun records a pending run and schedules it. An empty seriesID
// means a full crawl; any other id must pass models.ValidateSeriesID.
func (m *Manager) CreateRun(ctx context.Context, seriesID string) (*models.CrawlRun, error) {
	if seriesID != "" {
		if err := models.ValidateSeriesID(seriesID); err != nil {
			return nil, err
		}
	}

	run := &models.CrawlRun{
		ID:        uuid.New().String(),
		Status:    models.RunStatusPending,
		SeriesID:  seriesID,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	if err := m.queue.Push(&queue.Task{RunID: run.ID, SeriesID: seriesID, CreatedAt: run.CreatedAt}); err != nil {
		run.Status = models.RunStatusFailed
		run.Error = fmt.Sprintf("could not schedule run: %v", err)
		if failErr := m.runs.Fail(ctx, run); failErr != nil {
			m.logger.Error("failed to mark run as failed", "id", run.ID, "error", failErr)
		}
		return nil, fmt.Errorf("failed to schedule run: %w", err)
	}

	m.logger.Info("run created", "id", run.ID, "series", seriesID)
	return run, nil
}

func (m *Manager) GetRun(ctx context.Context, id string) (*models.CrawlRun, error) {
	return m.runs.Get(ctx, id)
}

func (m *Manager) ListRuns(ctx context.Context, limit int) ([]*models.CrawlRun, error) {
	return m.runs.List(ctx, limit)
}

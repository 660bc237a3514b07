package jobs

import (
	"context"
	"errors"

	"github.com/maltedev/pokecardex-scraper/internal/models"
	"github.com/maltedev/pokecardex-scraper/internal/queue"
)

// StartWorker executes queued runs until ctx is done or the queue closes.
func (m *Manager) StartWorker(ctx context.Context) {
	m.logger.Info("job worker started")

	for {
		task, err := m.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
				m.logger.Info("job worker stopping")
				return
			}
			m.logger.Error("failed to pop task", "error", err)
			continue
		}

		m.processRun(ctx, task)
	}
}

func (m *Manager) processRun(ctx context.Context, task *queue.Task) {
	run := &models.CrawlRun{ID: task.RunID, SeriesID: task.SeriesID, Status: models.RunStatusRunning}
	m.logger.Info("processing run", "id", run.ID, "series", run.SeriesID)

	if err := m.runs.MarkRunning(ctx, run.ID); err != nil {
		m.logger.Error("failed to update run status", "id", run.ID, "error", err)
		return
	}

	items, stats, crawlErr := m.execute(ctx, run.SeriesID)
	run.Stats = stats

	// Status updates must land even when the crawl was cancelled.
	persistCtx := context.WithoutCancel(ctx)

	newItems, err := m.catalog.SaveItems(persistCtx, run.ID, items)
	if err != nil {
		m.logger.Error("failed to save items", "id", run.ID, "error", err)
		if crawlErr == nil {
			crawlErr = err
		}
	}

	if crawlErr != nil {
		run.Status = models.RunStatusFailed
		run.Error = crawlErr.Error()
		m.logger.Error("run failed", "id", run.ID, "error", crawlErr)
		if err := m.runs.Fail(persistCtx, run); err != nil {
			m.logger.Error("failed to mark run as failed", "id", run.ID, "error", err)
		}
		return
	}

	run.Status = models.RunStatusCompleted
	if err := m.runs.Complete(persistCtx, run, newItems); err != nil {
		m.logger.Error("failed to mark run as completed", "id", run.ID, "error", err)
		return
	}

	m.logger.Info("run completed",
		"id", run.ID,
		"items", stats.Items,
		"new_items", newItems,
		"downloaded", stats.Downloaded,
		"failed", stats.Failed)
}

func (m *Manager) execute(ctx context.Context, seriesID string) ([]models.CatalogItem, models.CrawlStats, error) {
	if seriesID != "" {
		return m.crawler.CrawlSeries(ctx, seriesID)
	}

	series, err := m.crawler.FetchSeriesList(ctx)
	if err != nil {
		return nil, models.CrawlStats{}, err
	}
	if err := m.catalog.SaveSeries(ctx, series); err != nil {
		m.logger.Error("failed to save series", "error", err)
	}
	return m.crawler.CrawlList(ctx, series)
}

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/pokecardex-scraper/internal/models"
)

// CrawlCompletedPayload is the body of a CRAWL_COMPLETED event.
type CrawlCompletedPayload struct {
	RunID    string            `json:"runId"`
	SeriesID string            `json:"seriesId,omitempty"`
	Stats    models.CrawlStats `json:"stats"`
	NewItems int               `json:"newItems"`
}

type RunRepository struct {
	db     *DB
	outbox *OutboxRepository
}

func NewRunRepository(db *DB, outbox *OutboxRepository) *RunRepository {
	return &RunRepository{db: db, outbox: outbox}
}

func (r *RunRepository) Create(ctx context.Context, run *models.CrawlRun) error {
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO crawl_runs (id, status, series_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		run.ID, string(run.Status), run.SeriesID, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (r *RunRepository) MarkRunning(ctx context.Context, id string) error {
	return r.exec(ctx, `
		UPDATE crawl_runs SET status = $2, started_at = now()
		WHERE id = $1`,
		id, string(models.RunStatusRunning))
}

// Complete stores the final stats and queues a CRAWL_COMPLETED event in the
// same transaction.
func (r *RunRepository) Complete(ctx context.Context, run *models.CrawlRun, newItems int) error {
	return r.db.Transaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE crawl_runs SET
				status = $2, series_count = $3, item_count = $4,
				downloaded = $5, skipped = $6, failed = $7, failed_series = $8,
				completed_at = now()
			WHERE id = $1`,
			run.ID, string(models.RunStatusCompleted),
			run.Stats.Series, run.Stats.Items, run.Stats.Downloaded,
			run.Stats.Skipped, run.Stats.Failed, failedSeries(run.Stats))
		if err != nil {
			return fmt.Errorf("failed to complete run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
		}

		event, err := NewOutboxEvent(AggregateCrawlRun, run.ID, EventCrawlCompleted, CrawlCompletedPayload{
			RunID:    run.ID,
			SeriesID: run.SeriesID,
			Stats:    run.Stats,
			NewItems: newItems,
		})
		if err != nil {
			return err
		}
		return r.outbox.InsertWithTx(ctx, tx, event)
	})
}

func (r *RunRepository) Fail(ctx context.Context, run *models.CrawlRun) error {
	return r.exec(ctx, `
		UPDATE crawl_runs SET
			status = $2, series_count = $3, item_count = $4,
			downloaded = $5, skipped = $6, failed = $7, failed_series = $8,
			error_message = $9, completed_at = now()
		WHERE id = $1`,
		run.ID, string(models.RunStatusFailed),
		run.Stats.Series, run.Stats.Items, run.Stats.Downloaded,
		run.Stats.Skipped, run.Stats.Failed, failedSeries(run.Stats), run.Error)
}

const runColumns = `id::text, status, series_id, series_count, item_count, downloaded, skipped, failed,
	failed_series, error_message, created_at, started_at, completed_at`

func (r *RunRepository) Get(ctx context.Context, id string) (*models.CrawlRun, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM crawl_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (r *RunRepository) List(ctx context.Context, limit int) ([]*models.CrawlRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := r.db.pool.Query(ctx, `SELECT `+runColumns+` FROM crawl_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*models.CrawlRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return runs, nil
}

func (r *RunRepository) exec(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := r.db.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %v: %w", args[0], ErrNotFound)
	}
	return nil
}

func scanRun(row pgx.Row) (*models.CrawlRun, error) {
	var (
		run    models.CrawlRun
		status string
	)
	err := row.Scan(
		&run.ID, &status, &run.SeriesID,
		&run.Stats.Series, &run.Stats.Items, &run.Stats.Downloaded, &run.Stats.Skipped, &run.Stats.Failed,
		&run.Stats.FailedSeries, &run.Error,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	return &run, nil
}

func failedSeries(stats models.CrawlStats) []string {
	if stats.FailedSeries == nil {
		return []string{}
	}
	return stats.FailedSeries
}

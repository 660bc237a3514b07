package database

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS series (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		position   INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_items (
		id           TEXT PRIMARY KEY,
		series_id    TEXT NOT NULL,
		set_name     TEXT NOT NULL,
		name         TEXT NOT NULL,
		product_type TEXT NOT NULL,
		image_url    TEXT NOT NULL,
		local_path   TEXT NOT NULL,
		first_seen   TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen    TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_run_id  UUID
	)`,
	`CREATE INDEX IF NOT EXISTS idx_catalog_items_series ON catalog_items (series_id, product_type)`,
	`CREATE TABLE IF NOT EXISTS crawl_runs (
		id            UUID PRIMARY KEY,
		status        TEXT NOT NULL,
		series_id     TEXT NOT NULL DEFAULT '',
		series_count  INTEGER NOT NULL DEFAULT 0,
		item_count    INTEGER NOT NULL DEFAULT 0,
		downloaded    INTEGER NOT NULL DEFAULT 0,
		skipped       INTEGER NOT NULL DEFAULT 0,
		failed        INTEGER NOT NULL DEFAULT 0,
		failed_series TEXT[] NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_event (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		target_stream  TEXT NOT NULL,
		status         TEXT NOT NULL,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at   TIMESTAMPTZ,
		next_retry_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_event_pending ON outbox_event (status, next_retry_at)`,
}

// EnsureSchema creates the catalog tables when they do not exist yet.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

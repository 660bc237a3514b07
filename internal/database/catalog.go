package database

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/pokecardex-scraper/internal/models"
)

// ItemID is the stable key of a catalog item: its series and image file name.
func ItemID(item models.CatalogItem) string {
	return item.SeriesID + ":" + filepath.Base(item.LocalPath)
}

// ItemDiscoveredPayload is the body of a CATALOG_ITEM_DISCOVERED event.
type ItemDiscoveredPayload struct {
	ItemID string             `json:"itemId"`
	RunID  string             `json:"runId,omitempty"`
	Item   models.CatalogItem `json:"item"`
}

type ItemFilter struct {
	SeriesID    string
	ProductType models.ProductType
	Limit       int
	Offset      int
}

type CatalogRepository struct {
	db     *DB
	outbox *OutboxRepository
	logger *slog.Logger
}

func NewCatalogRepository(db *DB, outbox *OutboxRepository, logger *slog.Logger) *CatalogRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogRepository{db: db, outbox: outbox, logger: logger.With("component", "catalog_repository")}
}

// SaveSeries upserts the taxonomy, keeping its order in the position column.
func (r *CatalogRepository) SaveSeries(ctx context.Context, series []models.SeriesRef) error {
	if len(series) == 0 {
		return nil
	}

	return r.db.Transaction(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i, s := range series {
			batch.Queue(`
				INSERT INTO series (id, name, position)
				VALUES ($1, $2, $3)
				ON CONFLICT (id) DO UPDATE SET
					name = EXCLUDED.name,
					position = EXCLUDED.position,
					updated_at = now()`,
				s.ID, s.Name, i)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save series: %w", err)
		}
		return nil
	})
}

// SaveItems upserts items and, in the same transaction, queues a discovery
// event for every item not seen before. Items failing Validate are logged
// and left out; they never abort the rest of the batch. It returns the
// number of new items.
func (r *CatalogRepository) SaveItems(ctx context.Context, runID string, items []models.CatalogItem) (int, error) {
	items, rejected := partitionValid(items)
	for _, rej := range rejected {
		r.logger.Warn("invalid catalog item skipped",
			"run_id", runID,
			"series", rej.Item.SeriesID,
			"name", rej.Item.Name,
			"image_url", rej.Item.ImageURL,
			"problems", strings.Join(rej.Problems, "; "))
	}
	if len(rejected) > 0 {
		r.logger.Warn("catalog items rejected", "run_id", runID, "rejected", len(rejected), "kept", len(items))
	}
	if len(items) == 0 {
		return 0, nil
	}

	var runRef interface{}
	if runID != "" {
		runRef = runID
	}

	inserted := 0
	err := r.db.Transaction(ctx, func(tx pgx.Tx) error {
		for _, item := range items {
			id := ItemID(item)
			var isNew bool
			err := tx.QueryRow(ctx, `
				INSERT INTO catalog_items (id, series_id, set_name, name, product_type, image_url, local_path, last_run_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (id) DO UPDATE SET
					set_name = EXCLUDED.set_name,
					name = EXCLUDED.name,
					product_type = EXCLUDED.product_type,
					image_url = EXCLUDED.image_url,
					local_path = EXCLUDED.local_path,
					last_run_id = EXCLUDED.last_run_id,
					last_seen = now()
				RETURNING (xmax = 0)`,
				id, item.SeriesID, item.SetName, item.Name, string(item.ProductType),
				item.ImageURL, item.LocalPath, runRef,
			).Scan(&isNew)
			if err != nil {
				return fmt.Errorf("failed to save item %s: %w", id, err)
			}
			if !isNew {
				continue
			}

			inserted++
			event, err := NewOutboxEvent(AggregateCatalogItem, id, EventCatalogItemDiscovered,
				ItemDiscoveredPayload{ItemID: id, RunID: runID, Item: item})
			if err != nil {
				return err
			}
			if err := r.outbox.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// RejectedItem is a catalog item that failed validation.
type RejectedItem struct {
	Item     models.CatalogItem
	Problems []string
}

func partitionValid(items []models.CatalogItem) ([]models.CatalogItem, []RejectedItem) {
	valid := make([]models.CatalogItem, 0, len(items))
	var rejected []RejectedItem
	for _, item := range items {
		if problems := item.Validate(); len(problems) > 0 {
			rejected = append(rejected, RejectedItem{Item: item, Problems: problems})
			continue
		}
		valid = append(valid, item)
	}
	return valid, rejected
}

func (r *CatalogRepository) ListSeries(ctx context.Context) ([]models.SeriesRef, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT id, name FROM series ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	defer rows.Close()

	series := []models.SeriesRef{}
	for rows.Next() {
		var s models.SeriesRef
		if err := rows.Scan(&s.ID, &s.Name); err != nil {
			return nil, fmt.Errorf("failed to scan series: %w", err)
		}
		series = append(series, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return series, nil
}

func (r *CatalogRepository) ListItems(ctx context.Context, filter ItemFilter) ([]models.CatalogItem, error) {
	query, args := buildItemQuery(filter)

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []models.CatalogItem{}
	for rows.Next() {
		var item models.CatalogItem
		var productType string
		if err := rows.Scan(&item.SeriesID, &item.SetName, &item.Name, &productType, &item.ImageURL, &item.LocalPath); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		pt, err := models.ParseProductType(productType)
		if err != nil {
			pt = models.ProductTypeUnknown
		}
		item.ProductType = pt
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return items, nil
}

func buildItemQuery(filter ItemFilter) (string, []interface{}) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.SeriesID != "" {
		args = append(args, filter.SeriesID)
		conditions = append(conditions, fmt.Sprintf("series_id = $%d", len(args)))
	}
	if filter.ProductType != "" {
		args = append(args, string(filter.ProductType))
		conditions = append(conditions, fmt.Sprintf("product_type = $%d", len(args)))
	}

	var sb strings.Builder
	sb.WriteString(`SELECT series_id, set_name, name, product_type, image_url, local_path FROM catalog_items`)
	if len(conditions) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conditions, " AND "))
	}
	sb.WriteString(" ORDER BY series_id, first_seen, id")

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)
	sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		sb.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)))
	}

	return sb.String(), args
}

package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/pokecardex-scraper/internal/database"
	"github.com/maltedev/pokecardex-scraper/internal/events"
	"github.com/maltedev/pokecardex-scraper/internal/storage"
)

const (
	DefaultGroup    = "asset-mirror-group"
	DefaultConsumer = "asset-mirror-1"
)

// StreamClient is the subset of the redis client the consumer reads with.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

type Materializer interface {
	Materialize(ctx context.Context, imageURL, localPath string) (storage.Outcome, error)
}

// PathMapper places an image of a series under the local download root.
type PathMapper interface {
	LocalPath(seriesID, imageURL string) string
}

type Options struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
}

// Consumer mirrors discovered catalog images from the catalog stream into a
// local download root.
type Consumer struct {
	redis  StreamClient
	assets Materializer
	paths  PathMapper
	opts   Options
	logger *slog.Logger
}

func New(client StreamClient, assets Materializer, paths PathMapper, opts Options, logger *slog.Logger) *Consumer {
	if opts.Stream == "" {
		opts.Stream = database.DefaultStream
	}
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.Consumer == "" {
		opts.Consumer = DefaultConsumer
	}
	if opts.Block == 0 {
		opts.Block = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		redis:  client,
		assets: assets,
		paths:  paths,
		opts:   opts,
		logger: logger.With("component", "asset_mirror"),
	}
}

// Run reads the stream until ctx is cancelled. Messages are acknowledged
// only after they were handled.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.opts.Stream, c.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "stream", c.opts.Stream, "group", c.opts.Group)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			Streams:  []string{c.opts.Stream, ">"},
			Count:    10,
			Block:    c.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if err := c.HandleMessage(ctx, msg); err != nil {
					c.logger.Error("failed to process message", "id", msg.ID, "error", err)
					continue
				}
				if err := c.redis.XAck(ctx, c.opts.Stream, c.opts.Group, msg.ID).Err(); err != nil {
					c.logger.Error("failed to acknowledge message", "id", msg.ID, "error", err)
				}
			}
		}
	}
}

// HandleMessage processes one catalog stream entry. Unknown event types are
// accepted and ignored. A failed download is logged, not returned, so the
// message is still acknowledged.
func (c *Consumer) HandleMessage(ctx context.Context, entry redis.XMessage) error {
	msg, err := events.Decode(entry)
	if err != nil {
		return err
	}

	switch msg.EventType {
	case database.EventCatalogItemDiscovered:
		var payload database.ItemDiscoveredPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode item payload: %w", err)
		}
		c.mirror(ctx, payload)
	case database.EventCrawlCompleted:
		var payload database.CrawlCompletedPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode run payload: %w", err)
		}
		c.logger.Info("crawl completed",
			"run_id", msg.RunID,
			"series_id", msg.SeriesID,
			"items", payload.Stats.Items,
			"new_items", payload.NewItems,
			"failed", payload.Stats.Failed)
	default:
		c.logger.Debug("ignoring event", "type", msg.EventType, "id", entry.ID, "source", entry.Values[events.FieldSource])
	}
	return nil
}

func (c *Consumer) mirror(ctx context.Context, payload database.ItemDiscoveredPayload) {
	item := payload.Item
	localPath := c.paths.LocalPath(item.SeriesID, item.ImageURL)

	outcome, err := c.assets.Materialize(ctx, item.ImageURL, localPath)
	if err != nil {
		c.logger.Warn("image mirror failed",
			"item_id", payload.ItemID,
			"image_url", item.ImageURL,
			"error", err)
		return
	}

	c.logger.Info("image mirrored",
		"item_id", payload.ItemID,
		"path", localPath,
		"outcome", outcome.String())
}

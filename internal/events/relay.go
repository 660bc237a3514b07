package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/pokecardex-scraper/internal/database"
)

// StreamWriter appends entries to a Redis stream.
type StreamWriter interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// Outbox is the part of database.OutboxRepository the relay drains.
type Outbox interface {
	GetPending(ctx context.Context, limit int) ([]*database.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxLen caps each stream approximately; 0 keeps every entry.
	MaxLen int64
}

// Relay publishes committed outbox rows as catalog stream messages.
type Relay struct {
	stream StreamWriter
	outbox Outbox
	cfg    RelayConfig
	logger *slog.Logger
}

func NewRelay(stream StreamWriter, outbox Outbox, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		stream: stream,
		outbox: outbox,
		cfg:    cfg,
		logger: logger.With("component", "relay"),
	}
}

// Run flushes the outbox once, then on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started", "interval", r.cfg.PollInterval, "batch_size", r.cfg.BatchSize)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil {
			r.logger.Error("outbox flush failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch of pending events and returns how many reached
// the stream. Per-event failures are recorded on the outbox row and do not
// stop the batch.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	pending, err := r.outbox.GetPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending events: %w", err)
	}

	published := 0
	for _, event := range pending {
		streamID, err := r.publish(ctx, event)
		if err != nil {
			r.recordFailure(ctx, event, err)
			continue
		}

		if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
			// The entry is on the stream already; it will be sent again
			// on the next flush, so consumers must tolerate duplicates.
			r.logger.Error("failed to mark event processed", "outbox_id", event.ID, "error", err)
			continue
		}

		published++
		r.logger.Debug("event published",
			"outbox_id", event.ID,
			"event_type", event.EventType,
			"aggregate_id", event.AggregateID,
			"stream", event.TargetStream,
			"stream_id", streamID)
	}

	if len(pending) > 0 {
		r.logger.Info("outbox flushed", "pending", len(pending), "published", published)
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, event *database.OutboxEvent) (string, error) {
	msg, err := FromOutbox(event)
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: event.TargetStream,
		Values: msg.Values(),
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}

	id, err := r.stream.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", event.TargetStream, err)
	}
	return id, nil
}

func (r *Relay) recordFailure(ctx context.Context, event *database.OutboxEvent, cause error) {
	level := slog.LevelWarn
	if event.RetryCount+1 >= database.MaxRetryCount {
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "event publish failed",
		"outbox_id", event.ID,
		"event_type", event.EventType,
		"aggregate_id", event.AggregateID,
		"attempt", event.RetryCount+1,
		"error", cause)

	if err := r.outbox.MarkFailed(ctx, event.ID, cause); err != nil {
		r.logger.Error("failed to mark event failed", "outbox_id", event.ID, "error", err)
	}
}

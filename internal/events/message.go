package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/pokecardex-scraper/internal/database"
)

// Source identifies this service on every stream entry.
const Source = "pokecardex-scraper"

// Stream entry fields. Consumers filter on event_type and series_id without
// decoding the payload.
const (
	FieldEventType   = "event_type"
	FieldAggregateID = "aggregate_id"
	FieldOutboxID    = "outbox_id"
	FieldSeriesID    = "series_id"
	FieldRunID       = "run_id"
	FieldPayload     = "payload"
	FieldCreatedAt   = "created_at"
	FieldSource      = "source"
)

var ErrMalformedMessage = errors.New("malformed catalog message")

// Message is one catalog event as it travels on the stream.
type Message struct {
	StreamID    string
	OutboxID    string
	EventType   string
	AggregateID string
	SeriesID    string
	RunID       string
	CreatedAt   time.Time
	Payload     json.RawMessage
}

// FromOutbox builds the stream message for an outbox row. Known event types
// must carry their payload shape; series and run ids are lifted from it.
func FromOutbox(event *database.OutboxEvent) (*Message, error) {
	msg := &Message{
		OutboxID:    event.ID.String(),
		EventType:   event.EventType,
		AggregateID: event.AggregateID,
		CreatedAt:   event.CreatedAt,
		Payload:     event.Payload,
	}

	switch event.EventType {
	case database.EventCatalogItemDiscovered:
		var p database.ItemDiscoveredPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, event.EventType, err)
		}
		if p.Item.SeriesID == "" {
			return nil, fmt.Errorf("%w: %s payload has no series", ErrMalformedMessage, event.EventType)
		}
		msg.SeriesID = p.Item.SeriesID
		msg.RunID = p.RunID
	case database.EventCrawlCompleted:
		var p database.CrawlCompletedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, event.EventType, err)
		}
		msg.SeriesID = p.SeriesID
		msg.RunID = p.RunID
	default:
		if !json.Valid(event.Payload) {
			return nil, fmt.Errorf("%w: %s payload is not JSON", ErrMalformedMessage, event.EventType)
		}
	}

	return msg, nil
}

// Values is the XADD field map for m.
func (m *Message) Values() map[string]interface{} {
	values := map[string]interface{}{
		FieldEventType:   m.EventType,
		FieldAggregateID: m.AggregateID,
		FieldOutboxID:    m.OutboxID,
		FieldPayload:     string(m.Payload),
		FieldCreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339Nano),
		FieldSource:      Source,
	}
	if m.SeriesID != "" {
		values[FieldSeriesID] = m.SeriesID
	}
	if m.RunID != "" {
		values[FieldRunID] = m.RunID
	}
	return values
}

// Decode reads a stream entry written by the Relay.
func Decode(entry redis.XMessage) (*Message, error) {
	field := func(name string) string {
		s, _ := entry.Values[name].(string)
		return s
	}

	msg := &Message{
		StreamID:    entry.ID,
		OutboxID:    field(FieldOutboxID),
		EventType:   field(FieldEventType),
		AggregateID: field(FieldAggregateID),
		SeriesID:    field(FieldSeriesID),
		RunID:       field(FieldRunID),
	}
	if msg.EventType == "" {
		return nil, fmt.Errorf("%w: entry %s has no %s", ErrMalformedMessage, entry.ID, FieldEventType)
	}

	payload := field(FieldPayload)
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("%w: entry %s has an invalid payload", ErrMalformedMessage, entry.ID)
	}
	msg.Payload = json.RawMessage(payload)

	if raw := field(FieldCreatedAt); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %s created_at: %v", ErrMalformedMessage, entry.ID, err)
		}
		msg.CreatedAt = t
	}

	return msg, nil
}

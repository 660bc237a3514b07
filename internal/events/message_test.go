package events

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/pokecardex-scraper/internal/database"
	"github.com/maltedev/pokecardex-scraper/internal/models"
)

func TestDecode_ReadsWhatTheRelayWrites(t *testing.T) {
	runID := uuid.NewString()
	event := itemEvent(t, runID, boosterBox)

	msg, err := FromOutbox(event)
	require.NoError(t, err)

	// Redis hands every field back as a string.
	values := map[string]interface{}{}
	for k, v := range msg.Values() {
		values[k] = v.(string)
	}

	got, err := Decode(redis.XMessage{ID: "1760779800000-0", Values: values})
	require.NoError(t, err)

	assert.Equal(t, "1760779800000-0", got.StreamID)
	assert.Equal(t, database.EventCatalogItemDiscovered, got.EventType)
	assert.Equal(t, "SFA", got.SeriesID)
	assert.Equal(t, runID, got.RunID)
	assert.True(t, event.CreatedAt.Equal(got.CreatedAt))

	var payload database.ItemDiscoveredPayload
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, boosterBox, payload.Item)
}

func TestFromOutbox_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   string
	}{
		{"item payload not json", database.EventCatalogItemDiscovered, `{`},
		{"item without series", database.EventCatalogItemDiscovered, `{"itemId":"x","item":{}}`},
		{"run payload wrong shape", database.EventCrawlCompleted, `{"stats":"many"}`},
		{"unknown type with invalid json", "CATALOG_PRUNED", `nope`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromOutbox(&database.OutboxEvent{
				ID:          uuid.New(),
				EventType:   tt.eventType,
				AggregateID: "x",
				Payload:     json.RawMessage(tt.payload),
			})
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]interface{}
	}{
		{"no event type", map[string]interface{}{FieldPayload: `{}`}},
		{"payload not json", map[string]interface{}{FieldEventType: database.EventCrawlCompleted, FieldPayload: `{`}},
		{"bad timestamp", map[string]interface{}{FieldEventType: database.EventCrawlCompleted, FieldPayload: `{}`, FieldCreatedAt: "yesterday"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(redis.XMessage{ID: "9-0", Values: tt.values})
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestValues_OmitsEmptyIDs(t *testing.T) {
	msg, err := FromOutbox(runEvent(t, uuid.NewString(), models.CrawlStats{}))
	require.NoError(t, err)

	values := msg.Values()
	assert.NotContains(t, values, FieldSeriesID)
	assert.Contains(t, values, FieldRunID)
}

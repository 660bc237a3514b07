package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/pokecardex-scraper/internal/database"
	"github.com/maltedev/pokecardex-scraper/internal/models"
)

type MockStreamWriter struct {
	mock.Mock
}

func (m *MockStreamWriter) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	ret := m.Called(ctx, args)
	return redis.NewStringResult(ret.String(0), ret.Error(1))
}

type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) GetPending(ctx context.Context, limit int) ([]*database.OutboxEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*database.OutboxEvent), args.Error(1)
}

func (m *MockOutbox) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockOutbox) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	return m.Called(ctx, id, err).Error(0)
}

var boosterBox = models.CatalogItem{
	SeriesID:    "SFA",
	SetName:     "Scarlet & Violet",
	Name:        "SFA Booster Box",
	ProductType: models.ProductTypeBooster,
	ImageURL:    "https://www.pokecardex.com/img/sfa-box.png",
	LocalPath:   "downloads/pokecardex/SFA/sfa-box.png",
}

func itemEvent(t *testing.T, runID string, item models.CatalogItem) *database.OutboxEvent {
	t.Helper()
	id := database.ItemID(item)
	event, err := database.NewOutboxEvent(database.AggregateCatalogItem, id, database.EventCatalogItemDiscovered,
		database.ItemDiscoveredPayload{ItemID: id, RunID: runID, Item: item})
	require.NoError(t, err)
	event.ID = uuid.New()
	event.TargetStream = database.DefaultStream
	event.CreatedAt = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	return event
}

func runEvent(t *testing.T, runID string, stats models.CrawlStats) *database.OutboxEvent {
	t.Helper()
	event, err := database.NewOutboxEvent(database.AggregateCrawlRun, runID, database.EventCrawlCompleted,
		database.CrawlCompletedPayload{RunID: runID, Stats: stats, NewItems: stats.Items})
	require.NoError(t, err)
	event.ID = uuid.New()
	event.TargetStream = database.DefaultStream
	event.CreatedAt = time.Date(2026, 10, 18, 9, 45, 0, 0, time.UTC)
	return event
}

func TestRelay_FlushPublishesCatalogFields(t *testing.T) {
	ctx := context.Background()
	stream := new(MockStreamWriter)
	outbox := new(MockOutbox)
	relay := NewRelay(stream, outbox, nil, RelayConfig{BatchSize: 10, MaxLen: 50000})

	runID := uuid.NewString()
	discovered := itemEvent(t, runID, boosterBox)
	completed := runEvent(t, runID, models.CrawlStats{Series: 3, Items: 12, Downloaded: 11, Failed: 1})

	outbox.On("GetPending", ctx, 10).Return([]*database.OutboxEvent{discovered, completed}, nil)

	stream.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
		v := args.Values.(map[string]interface{})
		return args.Stream == database.DefaultStream &&
			args.MaxLen == 50000 && args.Approx &&
			v[FieldEventType] == database.EventCatalogItemDiscovered &&
			v[FieldAggregateID] == "SFA:sfa-box.png" &&
			v[FieldSeriesID] == "SFA" &&
			v[FieldRunID] == runID &&
			v[FieldOutboxID] == discovered.ID.String() &&
			v[FieldSource] == Source
	})).Return("1760779800000-0", nil).Once()

	stream.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
		v := args.Values.(map[string]interface{})
		_, hasSeries := v[FieldSeriesID]
		return v[FieldEventType] == database.EventCrawlCompleted &&
			v[FieldAggregateID] == runID &&
			v[FieldRunID] == runID &&
			!hasSeries
	})).Return("1760780700000-0", nil).Once()

	outbox.On("MarkProcessed", ctx, discovered.ID).Return(nil)
	outbox.On("MarkProcessed", ctx, completed.ID).Return(nil)

	published, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, published)

	stream.AssertExpectations(t)
	outbox.AssertExpectations(t)
}

func TestRelay_FlushFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("redis failure marks the event failed and the batch continues", func(t *testing.T) {
		stream := new(MockStreamWriter)
		outbox := new(MockOutbox)
		relay := NewRelay(stream, outbox, nil, RelayConfig{BatchSize: 10})

		etb := boosterBox
		etb.Name = "Scarlet & Violet - etb"
		etb.ProductType = models.ProductTypeETB
		etb.ImageURL = "https://www.pokecardex.com/img/sfa-etb.png"
		etb.LocalPath = "downloads/pokecardex/SFA/sfa-etb.png"

		first := itemEvent(t, "", boosterBox)
		second := itemEvent(t, "", etb)
		outbox.On("GetPending", ctx, 10).Return([]*database.OutboxEvent{first, second}, nil)

		stream.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values.(map[string]interface{})[FieldAggregateID] == "SFA:sfa-box.png"
		})).Return("", errors.New("connection reset"))
		stream.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values.(map[string]interface{})[FieldAggregateID] == "SFA:sfa-etb.png"
		})).Return("1-0", nil)

		outbox.On("MarkFailed", ctx, first.ID, mock.MatchedBy(func(err error) bool {
			return err.Error() == "xadd stream:catalog: connection reset"
		})).Return(nil)
		outbox.On("MarkProcessed", ctx, second.ID).Return(nil)

		published, err := relay.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, published)
		outbox.AssertExpectations(t)
	})

	t.Run("payload without its series never reaches redis", func(t *testing.T) {
		stream := new(MockStreamWriter)
		outbox := new(MockOutbox)
		relay := NewRelay(stream, outbox, nil, RelayConfig{BatchSize: 5})

		event := itemEvent(t, "", boosterBox)
		event.Payload = json.RawMessage(`{"itemId":"SFA:sfa-box.png","item":{"name":"SFA Booster Box"}}`)
		event.RetryCount = database.MaxRetryCount - 1

		outbox.On("GetPending", ctx, 5).Return([]*database.OutboxEvent{event}, nil)
		outbox.On("MarkFailed", ctx, event.ID, mock.MatchedBy(func(err error) bool {
			return errors.Is(err, ErrMalformedMessage)
		})).Return(nil)

		published, err := relay.Flush(ctx)
		require.NoError(t, err)
		assert.Zero(t, published)
		stream.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
		outbox.AssertExpectations(t)
	})

	t.Run("mark processed failure is not counted", func(t *testing.T) {
		stream := new(MockStreamWriter)
		outbox := new(MockOutbox)
		relay := NewRelay(stream, outbox, nil, RelayConfig{BatchSize: 5})

		event := runEvent(t, uuid.NewString(), models.CrawlStats{Series: 1})
		outbox.On("GetPending", ctx, 5).Return([]*database.OutboxEvent{event}, nil)
		stream.On("XAdd", ctx, mock.Anything).Return("1-0", nil)
		outbox.On("MarkProcessed", ctx, event.ID).Return(errors.New("tx aborted"))

		published, err := relay.Flush(ctx)
		require.NoError(t, err)
		assert.Zero(t, published)
		outbox.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("outbox read failure", func(t *testing.T) {
		outbox := new(MockOutbox)
		relay := NewRelay(new(MockStreamWriter), outbox, nil, RelayConfig{BatchSize: 5})
		outbox.On("GetPending", ctx, 5).Return(nil, errors.New("connection refused"))

		_, err := relay.Flush(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load pending events")
	})
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	outbox := new(MockOutbox)
	relay := NewRelay(new(MockStreamWriter), outbox, nil, RelayConfig{PollInterval: 20 * time.Millisecond, BatchSize: 10})

	ctx, cancel := context.WithCancel(context.Background())
	flushed := make(chan struct{}, 1)
	outbox.On("GetPending", mock.Anything, 10).
		Run(func(mock.Arguments) {
			select {
			case flushed <- struct{}{}:
			default:
			}
		}).
		Return([]*database.OutboxEvent{}, nil)

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("relay never flushed")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestNewRelay_Defaults(t *testing.T) {
	relay := NewRelay(new(MockStreamWriter), new(MockOutbox), nil, RelayConfig{})

	assert.Equal(t, 5*time.Second, relay.cfg.PollInterval)
	assert.Equal(t, 100, relay.cfg.BatchSize)
	assert.Zero(t, relay.cfg.MaxLen)
}

package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/blink-go/contracts"
)

func TestRepublishTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	now := time.Unix(1_700_000_000, 0)

	broker := &mockBroker{}
	registry := NewRegistry(broker)
	queue := registry.MustDeclare(QueueSpec{Name: "sms"})

	delayer := NewRedisRetryDelayer(client, WithDelayerClock(fixedClock(now)))
	msg := contracts.NewMessage(map[string]any{"to": "+1"}, contracts.Meta{RequestID: "req-1"})
	msg.IncrementRetryAttempt("provider busy")
	msg.Meta.RetryReturnToQueue = "sms"

	require.True(t, delayer.DelayMessageRetry(ctx, queue, newTestDelivery("sms", nil, newAcknowledger()), msg, time.Second))

	due, err := delayer.Due(ctx, now.Add(time.Second), 100)
	require.NoError(t, err)
	require.Len(t, due, 1)

	broker.On("PublishToRoute", mock.Anything, "sms", mock.MatchedBy(func(m *contracts.Message) bool {
		return m.RequestID() == "req-1" &&
			m.RetryAttempt() == 1 &&
			m.Meta.RetryReason == "provider busy" &&
			m.Meta.RetryReturnToQueue == "sms"
	}), RetryPriority).Return(true).Once()

	task := NewRepublishTask(delayer, registry, WithRepublishClock(fixedClock(now.Add(2*time.Second))))

	stats, err := task.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RepublishStats{Due: 1, Republished: 1}, stats)
	assert.Equal(t, stats, task.LastStats())

	n, err := delayer.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	broker.AssertExpectations(t)
}

func TestRepublishTaskRecords(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	seed := func(t *testing.T, members ...string) (*RedisRetryDelayer, *mockBroker, *Registry) {
		mr, client := newTestRedis(t)
		for _, member := range members {
			_, err := mr.ZAdd(DefaultRetryKey, float64(now.Unix()), member)
			require.NoError(t, err)
		}
		broker := &mockBroker{}
		registry := NewRegistry(broker)
		registry.MustDeclare(QueueSpec{
			Name: "sms",
			MessageType: contracts.MustMessageType("sms", map[string]any{
				"type":     "object",
				"required": []any{"to"},
			}),
		})
		return NewRedisRetryDelayer(client), broker, registry
	}

	t.Run("corrupt record is removed", func(t *testing.T) {
		store, broker, registry := seed(t, `not json`)
		task := NewRepublishTask(store, registry, WithRepublishClock(fixedClock(now)))

		stats, err := task.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, RepublishStats{Due: 1, Discarded: 1}, stats)
		assertStoreLen(t, store, 0)
		broker.AssertNotCalled(t, "PublishToRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown queue is removed", func(t *testing.T) {
		store, broker, registry := seed(t, `{"queue":"fax","message":{"data":{"to":"+1"},"meta":{}}}`)
		task := NewRepublishTask(store, registry, WithRepublishClock(fixedClock(now)))

		stats, err := task.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Discarded)
		assertStoreLen(t, store, 0)
		broker.AssertNotCalled(t, "PublishToRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("invalid message is removed", func(t *testing.T) {
		store, broker, registry := seed(t, `{"queue":"sms","message":{"data":{"body":"hi"},"meta":{}}}`)
		task := NewRepublishTask(store, registry, WithRepublishClock(fixedClock(now)))

		stats, err := task.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Discarded)
		assertStoreLen(t, store, 0)
		broker.AssertNotCalled(t, "PublishToRoute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failed publish keeps the record", func(t *testing.T) {
		store, broker, registry := seed(t, `{"queue":"sms","message":{"data":{"to":"+1"},"meta":{}}}`)
		broker.On("PublishToRoute", mock.Anything, "sms", mock.Anything, RetryPriority).Return(false).Once()
		task := NewRepublishTask(store, registry, WithRepublishClock(fixedClock(now)))

		stats, err := task.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, RepublishStats{Due: 1, Failed: 1}, stats)
		assertStoreLen(t, store, 1)
	})

	t.Run("one bad record does not block the rest", func(t *testing.T) {
		store, broker, registry := seed(t,
			`{"queue":"sms","message":{"data":{"to":"+1"},"meta":{"request_id":"a"}}}`,
			`garbage`,
			`{"queue":"sms","message":{"data":{"to":"+2"},"meta":{"request_id":"b"}}}`,
		)
		broker.On("PublishToRoute", mock.Anything, "sms", mock.Anything, RetryPriority).Return(true).Twice()
		task := NewRepublishTask(store, registry, WithRepublishClock(fixedClock(now)))

		stats, err := task.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, RepublishStats{Due: 3, Republished: 2, Discarded: 1}, stats)
		assertStoreLen(t, store, 0)
		broker.AssertExpectations(t)
	})

	t.Run("processing limit caps a run", func(t *testing.T) {
		store, broker, registry := seed(t,
			`{"queue":"sms","message":{"data":{"to":"+1"},"meta":{"request_id":"a"}}}`,
			`{"queue":"sms","message":{"data":{"to":"+2"},"meta":{"request_id":"b"}}}`,
			`{"queue":"sms","message":{"data":{"to":"+3"},"meta":{"request_id":"c"}}}`,
		)
		broker.On("PublishToRoute", mock.Anything, "sms", mock.Anything, RetryPriority).Return(true)
		task := NewRepublishTask(store, registry, WithProcessingLimit(2), WithRepublishClock(fixedClock(now)))

		stats, err := task.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Republished)
		assertStoreLen(t, store, 1)
	})
}

// blockingStore holds Due until released
type blockingStore struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) Due(ctx context.Context, now time.Time, limit int) ([]DueRetry, error) {
	s.calls.Add(1)
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil, nil
}

func (s *blockingStore) Remove(ctx context.Context, member string) error { return nil }

func (s *blockingStore) Len(ctx context.Context) (int64, error) { return 0, nil }

func TestRepublishTaskSkipsWhileBusy(t *testing.T) {
	ctx := context.Background()
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	task := NewRepublishTask(store, NewRegistry(&mockBroker{}))

	done := make(chan bool)
	go func() { done <- task.Tick(ctx) }()
	<-store.entered

	assert.True(t, task.Busy())
	assert.False(t, task.Tick(ctx), "tick while busy must be a no-op")
	assert.Equal(t, int32(1), store.calls.Load())

	close(store.release)
	assert.True(t, <-done)
	assert.False(t, task.Busy())

	assert.True(t, task.Tick(ctx))
	assert.Equal(t, int32(2), store.calls.Load())
}

func assertStoreLen(t *testing.T, store RetryStore, want int64) {
	t.Helper()
	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, n)
}

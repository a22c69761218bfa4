package health

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockInspector struct {
	mock.Mock
}

func (m *mockInspector) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *mockInspector) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(amqp.Queue), args.Error(1)
}

func TestBrokerChecker(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		inspector := &mockInspector{}
		inspector.On("IsConnected").Return(true)

		result := NewBrokerChecker(inspector, nil).Check(context.Background())
		assert.Equal(t, "rabbitmq", result.Name)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, true, result.Details["connection_open"])
	})

	t.Run("disconnected", func(t *testing.T) {
		inspector := &mockInspector{}
		inspector.On("IsConnected").Return(false)

		result := NewBrokerChecker(inspector, nil).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "Connection is closed", result.Message)
	})
}

func TestQueueChecker(t *testing.T) {
	tests := []struct {
		name       string
		queue      amqp.Queue
		err        error
		wantStatus Status
	}{
		{"healthy", amqp.Queue{Name: "sms", Messages: 3, Consumers: 1}, nil, StatusHealthy},
		{"deep queue", amqp.Queue{Name: "sms", Messages: 11, Consumers: 1}, nil, StatusDegraded},
		{"no consumers", amqp.Queue{Name: "sms", Consumers: 0}, nil, StatusDegraded},
		{"missing queue", amqp.Queue{}, errors.New("NOT_FOUND"), StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inspector := &mockInspector{}
			inspector.On("InspectQueue", mock.Anything, "sms").Return(tt.queue, tt.err)

			result := NewQueueChecker("sms", inspector, 10, nil).Check(context.Background())
			assert.Equal(t, "queue_sms", result.Name)
			assert.Equal(t, tt.wantStatus, result.Status)
			if tt.err != nil {
				assert.Equal(t, "NOT_FOUND", result.Error)
			} else {
				assert.Equal(t, tt.queue.Messages, result.Details["message_count"])
			}
			inspector.AssertExpectations(t)
		})
	}
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()

	t.Run("empty backlog", func(t *testing.T) {
		result := NewRedisChecker(client, "blink:retries", 2, nil).Check(ctx)
		assert.Equal(t, "redis", result.Name)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, int64(0), result.Details["retry_backlog"])
	})

	t.Run("high backlog", func(t *testing.T) {
		for i, member := range []string{"a", "b", "c"} {
			_, err := mr.ZAdd("blink:retries", float64(i), member)
			require.NoError(t, err)
		}

		result := NewRedisChecker(client, "blink:retries", 2, nil).Check(ctx)
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, int64(3), result.Details["retry_backlog"])
	})

	t.Run("unreachable", func(t *testing.T) {
		down := miniredis.NewMiniRedis()
		require.NoError(t, down.Start())
		addr := down.Addr()
		down.Close()

		dead := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
		t.Cleanup(func() { _ = dead.Close() })

		result := NewRedisChecker(dead, "blink:retries", 0, nil).Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.NotEmpty(t, result.Error)
	})
}

func TestMemoryChecker(t *testing.T) {
	t.Run("within limits", func(t *testing.T) {
		result := NewMemoryChecker(1_000_000, 2_000_000).Check(context.Background())
		assert.Equal(t, "memory", result.Name)
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Contains(t, result.Details, "memory_used_mb")
		assert.Contains(t, result.Details, "goroutines")
	})

	t.Run("over critical", func(t *testing.T) {
		result := NewMemoryChecker(0, 0).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Contains(t, result.Message, "Too many goroutines")
	})
}

func TestComponentChecker(t *testing.T) {
	checker := NewComponentChecker("republisher", func(ctx context.Context) (Status, string, map[string]interface{}, error) {
		return StatusDegraded, "behind", map[string]interface{}{"due": 4}, errors.New("slow tick")
	})

	result := checker.Check(context.Background())
	assert.Equal(t, "republisher", result.Name)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "behind", result.Message)
	assert.Equal(t, 4, result.Details["due"])
	assert.Equal(t, "slow tick", result.Error)
}

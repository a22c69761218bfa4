//go:build integration
// +build integration

package blink

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/blink-go/config"
	"github.com/glimte/blink-go/contracts"
)

func integrationConfig(t *testing.T, delayer string) config.Config {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := config.Default()
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		cfg.AMQP.URL = url
	}
	cfg.AMQP.Exchange = "blink-it"
	cfg.Retry.Delayer = delayer
	cfg.Retry.RepublishInterval = 100 * time.Millisecond
	cfg.Queues = []config.QueueConfig{{Name: fmt.Sprintf("blink-it-retry-%d", time.Now().UnixNano())}}
	return cfg
}

func runRetryRoundTrip(t *testing.T, client *Client, queue string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx))
	q, _ := client.Queue(queue)
	defer q.Delete(context.Background(), false, false)

	var calls atomic.Int32
	done := make(chan *contracts.Message, 1)

	_, err := client.Subscribe(ctx, queue, func(ctx context.Context, msg *contracts.Message) contracts.Result {
		if calls.Add(1) == 1 {
			return contracts.RetryRequested("first attempt fails")
		}
		done <- msg
		return contracts.Success(true)
	})
	require.NoError(t, err)

	ok, err := client.Publish(ctx, queue, contracts.NewMessage(map[string]any{"to": "+15550100"}, contracts.Meta{RequestID: "it-1"}))
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case msg := <-done:
		assert.Equal(t, "it-1", msg.RequestID())
		assert.Equal(t, 1, msg.RetryAttempt())
		assert.Equal(t, "first attempt fails", msg.Meta.RetryReason)
	case <-ctx.Done():
		t.Fatal("retried message never came back")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryIntegration(t *testing.T) {
	t.Run("in-memory delayer", func(t *testing.T) {
		cfg := integrationConfig(t, config.DelayerMemory)

		client, err := NewClient(cfg)
		require.NoError(t, err)
		defer client.Close()

		runRetryRoundTrip(t, client, cfg.Queues[0].Name)
	})

	t.Run("redis delayer and republisher", func(t *testing.T) {
		cfg := integrationConfig(t, config.DelayerRedis)

		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		client, err := NewClient(cfg, WithRedisClient(rdb))
		require.NoError(t, err)
		defer client.Close()

		require.NoError(t, client.StartRepublisher(context.Background()))
		runRetryRoundTrip(t, client, cfg.Queues[0].Name)

		assert.Eventually(t, func() bool {
			n, err := rdb.ZCard(context.Background(), cfg.Redis.Key).Result()
			return err == nil && n == 0
		}, 2*time.Second, 50*time.Millisecond, "republished records are removed")
	})
}

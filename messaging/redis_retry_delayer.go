package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/blink-go/contracts"
	"github.com/glimte/blink-go/internal/rabbitmq"
	"github.com/glimte/blink-go/internal/reliability"
)

// DefaultRetryKey is the sorted set holding delayed retries
const DefaultRetryKey = "blink:retries"

// RetryRecord is a delayed retry as stored in Redis
type RetryRecord struct {
	Queue   string          `json:"queue"`
	Message json.RawMessage `json:"message"`
}

// DueRetry is a stored retry whose time has come
type DueRetry struct {
	// Member is the raw sorted set member, used to remove the record
	Member string
	// At is when the retry became due
	At time.Time
}

// RetryStore reads back delayed retries
type RetryStore interface {
	Due(ctx context.Context, now time.Time, limit int) ([]DueRetry, error)
	Remove(ctx context.Context, member string) error
	Len(ctx context.Context) (int64, error)
}

// RedisRetryDelayer stores retries in a Redis sorted set scored by their
// redelivery time and acknowledges the original delivery. A RepublishTask
// moves due records back onto their queues.
type RedisRetryDelayer struct {
	client  redis.Cmdable
	key     string
	breaker *reliability.CircuitBreaker
	now     func() time.Time
	logger  *slog.Logger
}

// RedisDelayerOption configures a RedisRetryDelayer
type RedisDelayerOption func(*RedisRetryDelayer)

// WithRetryKey sets the sorted set key
func WithRetryKey(key string) RedisDelayerOption {
	return func(d *RedisRetryDelayer) {
		d.key = key
	}
}

// WithRedisDelayerLogger sets the logger
func WithRedisDelayerLogger(logger *slog.Logger) RedisDelayerOption {
	return func(d *RedisRetryDelayer) {
		d.logger = logger
	}
}

// WithStoreBreaker guards writes with the given circuit breaker
func WithStoreBreaker(cb *reliability.CircuitBreaker) RedisDelayerOption {
	return func(d *RedisRetryDelayer) {
		d.breaker = cb
	}
}

// WithDelayerClock overrides the clock used to score records
func WithDelayerClock(now func() time.Time) RedisDelayerOption {
	return func(d *RedisRetryDelayer) {
		d.now = now
	}
}

// NewRedisRetryDelayer creates a delayer on client
func NewRedisRetryDelayer(client redis.Cmdable, opts ...RedisDelayerOption) *RedisRetryDelayer {
	d := &RedisRetryDelayer{
		client: client,
		key:    DefaultRetryKey,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breaker == nil {
		d.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("retry-store"),
			reliability.WithBreakerLogger(d.logger))
	}
	return d
}

// Key returns the sorted set key
func (d *RedisRetryDelayer) Key() string {
	return d.key
}

// DelayMessageRetry stores msg for redelivery to queue after delay and acks
// the original. Storage failures leave the delivery untouched.
func (d *RedisRetryDelayer) DelayMessageRetry(ctx context.Context, queue *Queue, delivery *rabbitmq.Delivery, msg *contracts.Message, delay time.Duration) bool {
	member, err := encodeRetryRecord(queue.Name(), msg)
	if err != nil {
		d.logger.Error("failed to encode retry",
			"queue", queue.Name(),
			"requestId", msg.RequestID(),
			"error", err)
		return false
	}

	at := d.now().Add(delay)
	err = d.breaker.Execute(ctx, func() error {
		return d.client.ZAdd(ctx, d.key, redis.Z{
			Score:  retryScore(at),
			Member: member,
		}).Err()
	})
	if err != nil {
		d.logger.Error("failed to store retry",
			"queue", queue.Name(),
			"requestId", msg.RequestID(),
			"key", d.key,
			"error", err)
		return false
	}

	if err := delivery.Ack(); err != nil {
		// The retry is already stored, so the original may be seen again.
		d.logger.Error("failed to ack original delivery after storing retry",
			"queue", queue.Name(),
			"requestId", msg.RequestID(),
			"error", err)
	}

	d.logger.Debug("retry stored",
		"queue", queue.Name(),
		"requestId", msg.RequestID(),
		"attempt", msg.RetryAttempt(),
		"dueAt", at)
	return true
}

// Due returns up to limit records whose redelivery time is at or before now,
// earliest first
func (d *RedisRetryDelayer) Due(ctx context.Context, now time.Time, limit int) ([]DueRetry, error) {
	results, err := d.client.ZRangeByScoreWithScores(ctx, d.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(retryScore(now), 'f', -1, 64),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", d.key, err)
	}

	due := make([]DueRetry, 0, len(results))
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		due = append(due, DueRetry{Member: member, At: scoreTime(z.Score)})
	}
	return due, nil
}

// Remove deletes a record
func (d *RedisRetryDelayer) Remove(ctx context.Context, member string) error {
	if err := d.client.ZRem(ctx, d.key, member).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", d.key, err)
	}
	return nil
}

// Len returns the number of stored retries
func (d *RedisRetryDelayer) Len(ctx context.Context) (int64, error) {
	n, err := d.client.ZCard(ctx, d.key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", d.key, err)
	}
	return n, nil
}

func encodeRetryRecord(queue string, msg *contracts.Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	record, err := json.Marshal(RetryRecord{Queue: queue, Message: body})
	if err != nil {
		return "", err
	}
	return string(record), nil
}

// decodeRetryRecord parses a stored member
func decodeRetryRecord(member string) (RetryRecord, error) {
	var record RetryRecord
	if err := json.Unmarshal([]byte(member), &record); err != nil {
		return RetryRecord{}, err
	}
	if record.Queue == "" {
		return RetryRecord{}, fmt.Errorf("retry record has no queue")
	}
	if len(record.Message) == 0 {
		return RetryRecord{}, fmt.Errorf("retry record has no message")
	}
	return record, nil
}

// retryScore is a unix timestamp in seconds with millisecond precision
func retryScore(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func scoreTime(score float64) time.Time {
	return time.UnixMilli(int64(math.Round(score * 1000)))
}

var _ RetryStore = (*RedisRetryDelayer)(nil)

package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// BrokerInspector is the part of the broker the broker checks use
type BrokerInspector interface {
	IsConnected() bool
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

// BrokerChecker checks the RabbitMQ connection
type BrokerChecker struct {
	broker BrokerInspector
	logger *slog.Logger
}

// NewBrokerChecker creates a new RabbitMQ health checker
func NewBrokerChecker(broker BrokerInspector, logger *slog.Logger) *BrokerChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerChecker{
		broker: broker,
		logger: logger,
	}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.broker.IsConnected()
	result.Details["connection_open"] = connected
	if !connected {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		result.Duration = time.Since(start)
		c.logger.Warn("broker health check failed", "reason", result.Message)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// DefaultQueueDepthThreshold is the message count above which a queue is degraded
const DefaultQueueDepthThreshold = 10000

// QueueChecker checks if a specific queue exists and is accessible
type QueueChecker struct {
	queueName string
	broker    BrokerInspector
	threshold int
	logger    *slog.Logger
}

// NewQueueChecker creates a new queue health checker. A threshold of zero
// uses DefaultQueueDepthThreshold.
func NewQueueChecker(queueName string, broker BrokerInspector, threshold int, logger *slog.Logger) *QueueChecker {
	if threshold <= 0 {
		threshold = DefaultQueueDepthThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueChecker{
		queueName: queueName,
		broker:    broker,
		threshold: threshold,
		logger:    logger,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	queue, err := c.broker.InspectQueue(ctx, c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		c.logger.Warn("queue health check failed", "queue", c.queueName, "error", err)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Duration = time.Since(start)
	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	if queue.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}
	if queue.Consumers == 0 && result.Status == StatusHealthy {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has no consumers", c.queueName)
	}

	return result
}

// DefaultRetryBacklogThreshold is the number of parked retries above which
// the retry store is degraded
const DefaultRetryBacklogThreshold = 10000

// RedisChecker checks the Redis server holding delayed retries and reports
// the size of the retry backlog
type RedisChecker struct {
	client    redis.Cmdable
	key       string
	threshold int64
	logger    *slog.Logger
}

// NewRedisChecker creates a Redis health checker for the retry set at key.
// A threshold of zero uses DefaultRetryBacklogThreshold.
func NewRedisChecker(client redis.Cmdable, key string, threshold int64, logger *slog.Logger) *RedisChecker {
	if threshold <= 0 {
		threshold = DefaultRetryBacklogThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChecker{
		client:    client,
		key:       key,
		threshold: threshold,
		logger:    logger,
	}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Redis is not reachable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		c.logger.Warn("redis health check failed", "error", err)
		return result
	}

	backlog, err := c.client.ZCard(ctx, c.key).Result()
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "Retry backlog unavailable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["retry_key"] = c.key
	result.Details["retry_backlog"] = backlog

	if backlog > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Retry backlog is high: %d", backlog)
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// MemoryChecker checks goroutine count and memory usage
type MemoryChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewMemoryChecker creates a new memory checker
func NewMemoryChecker(warningGoroutines, criticalGoroutines int) *MemoryChecker {
	return &MemoryChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Memory usage is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}

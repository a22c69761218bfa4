package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/blink-go/contracts"
	"github.com/glimte/blink-go/internal/rabbitmq"
)

// InMemoryRetryDelayer holds retries in process timers. The original
// delivery stays unacknowledged until its timer fires, so nothing is lost
// on a crash, but pending retries do not survive a restart either: the
// broker simply redelivers the originals.
type InMemoryRetryDelayer struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*time.Timer
	closed  bool
}

// InMemoryDelayerOption configures an InMemoryRetryDelayer
type InMemoryDelayerOption func(*InMemoryRetryDelayer)

// WithInMemoryDelayerLogger sets the logger
func WithInMemoryDelayerLogger(logger *slog.Logger) InMemoryDelayerOption {
	return func(d *InMemoryRetryDelayer) {
		d.logger = logger
	}
}

// NewInMemoryRetryDelayer creates a timer based delayer
func NewInMemoryRetryDelayer(opts ...InMemoryDelayerOption) *InMemoryRetryDelayer {
	d := &InMemoryRetryDelayer{
		logger:  slog.Default(),
		pending: make(map[uint64]*time.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DelayMessageRetry republishes msg to queue after delay and then discards
// the original delivery. If the republish fails the original is requeued.
func (d *InMemoryRetryDelayer) DelayMessageRetry(ctx context.Context, queue *Queue, delivery *rabbitmq.Delivery, msg *contracts.Message, delay time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Warn("retry delayer closed, retry not scheduled",
			"queue", queue.Name(),
			"requestId", msg.RequestID())
		return false
	}

	id := d.nextID
	d.nextID++
	fireCtx := context.WithoutCancel(ctx)

	d.pending[id] = time.AfterFunc(delay, func() {
		d.fire(fireCtx, id, queue, delivery, msg)
	})

	d.logger.Debug("retry scheduled in memory",
		"queue", queue.Name(),
		"requestId", msg.RequestID(),
		"attempt", msg.RetryAttempt(),
		"delay", delay)
	return true
}

func (d *InMemoryRetryDelayer) fire(ctx context.Context, id uint64, queue *Queue, delivery *rabbitmq.Delivery, msg *contracts.Message) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()

	if !queue.Publish(ctx, msg) {
		d.logger.Error("failed to republish retry, requeueing original",
			"queue", queue.Name(),
			"requestId", msg.RequestID(),
			"attempt", msg.RetryAttempt())
		if err := delivery.Nack(true); err != nil {
			d.logger.Error("failed to requeue original delivery",
				"queue", queue.Name(),
				"requestId", msg.RequestID(),
				"error", err)
		}
		return
	}

	if err := delivery.Nack(false); err != nil {
		d.logger.Error("failed to discard original delivery after retry",
			"queue", queue.Name(),
			"requestId", msg.RequestID(),
			"error", err)
	}
}

// Pending returns the number of retries waiting on a timer
func (d *InMemoryRetryDelayer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops all pending timers. Their deliveries stay unacknowledged and
// return to the broker when the channel closes.
func (d *InMemoryRetryDelayer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for id, timer := range d.pending {
		timer.Stop()
		delete(d.pending, id)
	}
	return nil
}

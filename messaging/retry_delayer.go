package messaging

import (
	"context"
	"time"

	"github.com/glimte/blink-go/contracts"
	"github.com/glimte/blink-go/internal/rabbitmq"
)

// RetryDelayer schedules a message to be published back to its queue after
// a delay. It reports whether the retry was scheduled. On success the
// delayer owns settling the original delivery; on failure the delivery is
// left untouched.
type RetryDelayer interface {
	DelayMessageRetry(ctx context.Context, queue *Queue, delivery *rabbitmq.Delivery, msg *contracts.Message, delay time.Duration) bool
}

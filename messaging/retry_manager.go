package messaging

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/blink-go/contracts"
	"github.com/glimte/blink-go/internal/rabbitmq"
	"github.com/glimte/blink-go/internal/reliability"
)

// DefaultRetryLimit is the maximum number of retries of one message. A
// message whose retryAttempt has reached the limit is rejected, not only one
// that exceeds it: with ExponentialBackoff the 100 scheduled retries take
// about 23.5h, while allowing attempt 100 to retry once more would push the
// total past a day.
const DefaultRetryLimit = 100

// RetryManager decides whether a failed message is retried and with what
// delay, then hands it to a RetryDelayer
type RetryManager struct {
	limit   int
	backoff reliability.DelayFunc
	delayer  RetryDelayer
	fallback RetryDelayer
	logger   *slog.Logger
}

// RetryManagerOption configures a RetryManager
type RetryManagerOption func(*RetryManager)

// WithRetryLimit sets the maximum number of retries
func WithRetryLimit(limit int) RetryManagerOption {
	return func(rm *RetryManager) {
		rm.limit = limit
	}
}

// WithBackoff sets the delay curve
func WithBackoff(fn reliability.DelayFunc) RetryManagerOption {
	return func(rm *RetryManager) {
		rm.backoff = fn
	}
}

// WithRetryDelayer sets where retries are held until due
func WithRetryDelayer(d RetryDelayer) RetryManagerOption {
	return func(rm *RetryManager) {
		rm.delayer = d
	}
}

// WithFallbackDelayer sets a delayer that takes retries the primary delayer
// refuses, such as while the durable store is unreachable
func WithFallbackDelayer(d RetryDelayer) RetryManagerOption {
	return func(rm *RetryManager) {
		rm.fallback = d
	}
}

// WithRetryLogger sets the logger
func WithRetryLogger(logger *slog.Logger) RetryManagerOption {
	return func(rm *RetryManager) {
		rm.logger = logger
	}
}

// NewRetryManager creates a retry manager with ExponentialBackoff, the
// default limit and an in-memory delayer unless configured otherwise
func NewRetryManager(opts ...RetryManagerOption) *RetryManager {
	rm := &RetryManager{
		limit:   DefaultRetryLimit,
		backoff: reliability.ExponentialBackoff,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(rm)
	}
	if rm.delayer == nil {
		rm.delayer = NewInMemoryRetryDelayer(WithInMemoryDelayerLogger(rm.logger))
	}
	return rm
}

// Limit returns the retry limit
func (rm *RetryManager) Limit() int {
	return rm.limit
}

// Delayer returns the configured delayer
func (rm *RetryManager) Delayer() RetryDelayer {
	return rm.delayer
}

// Fallback returns the fallback delayer, or nil
func (rm *RetryManager) Fallback() RetryDelayer {
	return rm.fallback
}

// Retry schedules msg for another attempt on queue.
//
// It returns true when the retry is scheduled and the delayer owns the
// delivery. At the retry limit the delivery is discarded here and Retry
// returns false with no error. When the delayer fails, Retry returns
// ErrRetryNotScheduled and the delivery is left unsettled for the caller.
// A configured fallback delayer is tried before giving up.
func (rm *RetryManager) Retry(ctx context.Context, queue *Queue, delivery *rabbitmq.Delivery, msg *contracts.Message, reason error) (bool, error) {
	attempt := msg.RetryAttempt()

	if attempt >= rm.limit {
		rm.logger.Error("retry limit reached, discarding message",
			"queue", queue.Name(),
			"requestId", msg.RequestID(),
			"attempt", attempt,
			"limit", rm.limit,
			"error", reason)
		if err := delivery.Nack(false); err != nil {
			rm.logger.Error("failed to nack message",
				"queue", queue.Name(),
				"requestId", msg.RequestID(),
				"error", err)
		}
		return false, nil
	}

	delay := rm.backoff(attempt + 1)

	reasonText := retryReason(reason)
	msg.IncrementRetryAttempt(reasonText)
	msg.Meta.RetryReturnToQueue = queue.Name()

	if !rm.delayer.DelayMessageRetry(ctx, queue, delivery, msg, delay) {
		if rm.fallback == nil || !rm.fallback.DelayMessageRetry(ctx, queue, delivery, msg, delay) {
			rm.logger.Warn("retry not scheduled",
				"queue", queue.Name(),
				"requestId", msg.RequestID(),
				"attempt", msg.RetryAttempt())
			return false, ErrRetryNotScheduled
		}
		rm.logger.Warn("retry store unavailable, holding retry in fallback delayer",
			"queue", queue.Name(),
			"requestId", msg.RequestID(),
			"attempt", msg.RetryAttempt(),
			"delay", delay)
		return true, nil
	}

	rm.logger.Info("retry scheduled",
		"queue", queue.Name(),
		"requestId", msg.RequestID(),
		"attempt", msg.RetryAttempt(),
		"delay", delay,
		"reason", reasonText)
	return true, nil
}

// retryReason prefers the reason given with a retry request over the error text
func retryReason(err error) string {
	var retryErr *contracts.RetryRequestedError
	if errors.As(err, &retryErr) && retryErr.Reason != "" {
		return retryErr.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

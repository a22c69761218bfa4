package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/glimte/blink-go/contracts"
	"github.com/glimte/blink-go/internal/rabbitmq"
)

// Dequeuer runs the consumption pipeline of one queue: decode, validate,
// handle, then settle the delivery exactly once
type Dequeuer struct {
	queue        *Queue
	handler      contracts.Handler
	retryManager *RetryManager
	strict       bool
	requeueDelay time.Duration
	metrics      *deliveryMetrics
	logger       *slog.Logger
}

// DefaultRequeueDelay is how long a delivery whose retry could not be
// scheduled is held before it goes back to the broker
const DefaultRequeueDelay = 5 * time.Second

// DequeuerOption configures a Dequeuer
type DequeuerOption func(*Dequeuer)

// WithDequeuerLogger sets the logger
func WithDequeuerLogger(logger *slog.Logger) DequeuerOption {
	return func(d *Dequeuer) {
		d.logger = logger
	}
}

// WithRequeueDelay sets how long an unscheduled retry is held before the
// original delivery is requeued
func WithRequeueDelay(delay time.Duration) DequeuerOption {
	return func(d *Dequeuer) {
		d.requeueDelay = delay
	}
}

func withStrict(strict bool) DequeuerOption {
	return func(d *Dequeuer) {
		d.strict = strict
	}
}

// NewDequeuer creates the pipeline for queue. A nil retry manager gets the
// default one.
func NewDequeuer(queue *Queue, handler contracts.Handler, rm *RetryManager, opts ...DequeuerOption) *Dequeuer {
	d := &Dequeuer{
		queue:        queue,
		handler:      handler,
		retryManager: rm,
		requeueDelay: DefaultRequeueDelay,
		metrics:      newDeliveryMetrics(otel.Meter(meterName)),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.retryManager == nil {
		d.retryManager = NewRetryManager(WithRetryLogger(d.logger))
	}
	return d
}

// Dequeue processes one delivery. It is a rabbitmq.DeliveryHandler.
func (d *Dequeuer) Dequeue(ctx context.Context, delivery *rabbitmq.Delivery) {
	start := time.Now()

	msg, err := d.queue.MessageType().Decode(delivery.Body())
	if err != nil {
		d.logger.Error("failed to parse message",
			"queue", d.queue.Name(),
			"messageId", delivery.MessageID(),
			"error", err)
		d.nack(ctx, delivery, "parse", false)
		return
	}

	if err := msg.Validate(d.strict); err != nil {
		d.logger.Error("message failed validation",
			"queue", d.queue.Name(),
			"requestId", msg.RequestID(),
			"error", err)
		d.nack(ctx, delivery, "validation", false)
		return
	}

	result := d.invoke(ctx, msg)

	switch {
	case result.IsRetry():
		d.retry(ctx, delivery, msg, result)

	case result.Outcome == contracts.OutcomeSuccess:
		if err := delivery.Ack(); err != nil {
			d.logger.Error("failed to ack message",
				"queue", d.queue.Name(),
				"requestId", msg.RequestID(),
				"error", err)
			return
		}
		d.metrics.ack(ctx, d.queue.Name())
		d.logger.Debug("message processed",
			"queue", d.queue.Name(),
			"requestId", msg.RequestID(),
			"ok", result.OK,
			"duration", time.Since(start))

	default:
		d.logger.Error("message processing failed",
			"queue", d.queue.Name(),
			"requestId", msg.RequestID(),
			"attempt", msg.RetryAttempt(),
			"error", result.Err)
		d.nack(ctx, delivery, "fatal", false)
	}
}

// invoke runs the handler, turning a panic into a fatal result
func (d *Dequeuer) invoke(ctx context.Context, msg *contracts.Message) (result contracts.Result) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			result = contracts.Fatal(fmt.Errorf("handler panicked: %w", err))
		}
	}()
	return d.handler(ctx, msg)
}

func (d *Dequeuer) retry(ctx context.Context, delivery *rabbitmq.Delivery, msg *contracts.Message, result contracts.Result) {
	reason := result.Err
	if reason == nil {
		reason = errors.New(result.Reason())
	}

	scheduled, err := d.retryManager.Retry(ctx, d.queue, delivery, msg, reason)
	switch {
	case scheduled:
		d.metrics.retry(ctx, d.queue.Name())
	case err != nil:
		// Hold the delivery before requeueing so an unavailable retry store
		// does not turn into a redelivery loop at broker speed.
		d.logger.Warn("retry not scheduled, requeueing",
			"queue", d.queue.Name(),
			"requestId", msg.RequestID(),
			"delay", d.requeueDelay,
			"error", err)
		d.holdBeforeRequeue(ctx)
		d.nack(ctx, delivery, "retry_failed", true)
	default:
		d.metrics.nack(ctx, d.queue.Name(), "retry_limit")
	}
}

func (d *Dequeuer) holdBeforeRequeue(ctx context.Context) {
	if d.requeueDelay <= 0 {
		return
	}
	timer := time.NewTimer(d.requeueDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (d *Dequeuer) nack(ctx context.Context, delivery *rabbitmq.Delivery, reason string, requeue bool) {
	if err := delivery.Nack(requeue); err != nil {
		d.logger.Error("failed to nack message",
			"queue", d.queue.Name(),
			"messageId", delivery.MessageID(),
			"requeue", requeue,
			"error", err)
		return
	}
	d.metrics.nack(ctx, d.queue.Name(), reason)
}

package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"
)

// DeliveryHandler processes one delivery. It owns settling the delivery;
// anything left unsettled after a panic is discarded by the broker loop.
type DeliveryHandler func(ctx context.Context, d *Delivery)

// ConsumeOptions configures a subscription
type ConsumeOptions struct {
	// Prefetch bounds unacknowledged deliveries and concurrent handlers (default 10)
	Prefetch int
	// Limiter caps sustained throughput independently of Prefetch
	Limiter *rate.Limiter
	// ConsumerTag is generated when empty
	ConsumerTag string
}

// subscription is a consumer that survives reconnects
type subscription struct {
	tag      string
	queue    string
	handler  DeliveryHandler
	prefetch int
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}
}

// Subscribe starts consuming queue and returns the consumer tag. Each
// delivery runs in its own goroutine, at most Prefetch at a time.
func (b *Broker) Subscribe(ctx context.Context, queue string, handler DeliveryHandler, opts ConsumeOptions) (string, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}
	tag := opts.ConsumerTag
	if tag == "" {
		tag = fmt.Sprintf("%s-%s", queue, uuid.NewString()[:8])
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.current()
	if err != nil {
		return "", b.consumerError(queue, tag, "subscribe", err)
	}
	if _, exists := b.subscriptions[tag]; exists {
		return "", b.consumerError(queue, tag, "subscribe", fmt.Errorf("consumer tag already in use"))
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		tag:      tag,
		queue:    queue,
		handler:  handler,
		prefetch: opts.Prefetch,
		limiter:  opts.Limiter,
		ctx:      subCtx,
		cancel:   cancel,
		slots:    make(chan struct{}, opts.Prefetch),
	}

	if err := b.startConsuming(s, sub); err != nil {
		cancel()
		return "", err
	}
	b.subscriptions[tag] = sub

	b.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", opts.Prefetch)
	return tag, nil
}

// Unsubscribe cancels a consumer. Handlers already running are left to finish.
func (b *Broker) Unsubscribe(tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscriptions[tag]
	if !ok {
		return b.consumerError("", tag, "unsubscribe", ErrUnknownConsumer)
	}
	delete(b.subscriptions, tag)
	sub.cancel()

	if s := b.sess.Load(); s != nil && !s.ch.IsClosed() {
		if err := s.ch.Cancel(tag, false); err != nil {
			return b.consumerError(sub.queue, tag, "cancel", err)
		}
	}

	b.logger.Info("consumer stopped", "queue", sub.queue, "consumerTag", tag)
	return nil
}

// Wait blocks until every running delivery handler has returned
func (b *Broker) Wait() {
	b.handlers.Wait()
}

// startConsuming sets the consumer prefetch and starts a dispatch loop.
// Called with b.mu held.
func (b *Broker) startConsuming(s *session, sub *subscription) error {
	if err := s.ch.Qos(sub.prefetch, 0, false); err != nil {
		return b.consumerError(sub.queue, sub.tag, "qos", err)
	}

	deliveries, err := s.ch.Consume(
		sub.queue,
		sub.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return b.consumerError(sub.queue, sub.tag, "consume", err)
	}

	go b.dispatch(sub, deliveries)
	return nil
}

// dispatch hands deliveries to the handler until the subscription is
// cancelled or the channel closes. A closed channel is picked up again by
// the reconnect path.
func (b *Broker) dispatch(sub *subscription, deliveries <-chan amqp.Delivery) {
	handlerCtx := context.WithoutCancel(sub.ctx)

	for {
		select {
		case <-sub.ctx.Done():
			return

		case raw, ok := <-deliveries:
			if !ok {
				b.logger.Warn("delivery channel closed", "queue", sub.queue, "consumerTag", sub.tag)
				return
			}
			d := NewDelivery(sub.queue, raw)

			if sub.limiter != nil {
				if err := sub.limiter.Wait(sub.ctx); err != nil {
					b.release(d)
					return
				}
			}

			select {
			case sub.slots <- struct{}{}:
			case <-sub.ctx.Done():
				b.release(d)
				return
			}

			b.handlers.Add(1)
			go func() {
				defer func() {
					<-sub.slots
					b.handlers.Done()
				}()
				b.handle(handlerCtx, sub, d)
			}()
		}
	}
}

// handle runs the handler, containing any panic that escapes it
func (b *Broker) handle(ctx context.Context, sub *subscription, d *Delivery) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("delivery handler panicked",
				"queue", sub.queue,
				"messageId", d.MessageID(),
				"panic", r)
			if !d.Settled() {
				if err := d.Nack(false); err != nil {
					b.logger.Error("failed to nack message", "queue", sub.queue, "error", err)
				}
			}
		}
	}()

	sub.handler(ctx, d)

	b.logger.Debug("delivery handled",
		"queue", sub.queue,
		"messageId", d.MessageID(),
		"settled", d.Settled(),
		"duration", time.Since(start))
}

// release returns an undispatched delivery to the queue
func (b *Broker) release(d *Delivery) {
	if err := d.Nack(true); err != nil {
		b.logger.Warn("failed to requeue undispatched delivery", "queue", d.Queue(), "error", err)
	}
}

func (b *Broker) consumerError(queue, tag, op string, err error) error {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

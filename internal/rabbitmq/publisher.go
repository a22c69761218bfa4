package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/blink-go/contracts"
)

// PublishOption adjusts the outgoing AMQP message
type PublishOption func(*amqp.Publishing)

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(p *amqp.Publishing) {
		p.Priority = priority
	}
}

// WithHeaders merges headers into the outgoing message
func WithHeaders(headers amqp.Table) PublishOption {
	return func(p *amqp.Publishing) {
		if p.Headers == nil {
			p.Headers = amqp.Table{}
		}
		for k, v := range headers {
			p.Headers[k] = v
		}
	}
}

// PublishToRoute serializes msg and publishes it persistently to the topic
// exchange under routingKey, then waits for the broker confirm. It never
// blocks longer than the publish timeout and reports failure as false.
func (b *Broker) PublishToRoute(ctx context.Context, routingKey string, msg *contracts.Message, opts ...PublishOption) bool {
	if err := b.Publish(ctx, routingKey, msg, opts...); err != nil {
		b.logger.Error("failed to publish message",
			"routingKey", routingKey,
			"requestId", msg.RequestID(),
			"error", err)
		return false
	}
	return true
}

// Publish is PublishToRoute with the failure cause returned
func (b *Broker) Publish(ctx context.Context, routingKey string, msg *contracts.Message, opts ...PublishOption) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return b.publishError(routingKey, msg, fmt.Errorf("failed to marshal message: %w", err))
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.RequestID(),
		Timestamp:    time.Now(),
		Type:         msg.TypeName(),
		Body:         body,
	}
	for _, opt := range opts {
		opt(&publishing)
	}

	s, err := b.current()
	if err != nil {
		return b.publishError(routingKey, msg, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(
		ctx,
		b.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		publishing,
	)
	if err != nil {
		return b.publishError(routingKey, msg, err)
	}
	if confirm == nil {
		// Channel is not in confirm mode
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrPublishTimeout
		}
		return b.publishError(routingKey, msg, err)
	}
	if !acked {
		return b.publishError(routingKey, msg, ErrPublishNotConfirmed)
	}
	return nil
}

func (b *Broker) publishError(routingKey string, msg *contracts.Message, err error) error {
	return &PublishError{
		Exchange:   b.exchange,
		RoutingKey: routingKey,
		MessageID:  msg.RequestID(),
		Err:        err,
		Timestamp:  time.Now(),
	}
}

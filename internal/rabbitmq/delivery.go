package rabbitmq

import (
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery wraps a broker delivery so that it can be settled only once.
// After the first Ack or Nack every further call returns ErrAlreadySettled.
type Delivery struct {
	raw     amqp.Delivery
	queue   string
	settled atomic.Bool
}

// NewDelivery wraps d, received from queue
func NewDelivery(queue string, d amqp.Delivery) *Delivery {
	return &Delivery{raw: d, queue: queue}
}

// Body returns the raw payload
func (d *Delivery) Body() []byte { return d.raw.Body }

// Queue returns the queue the delivery was consumed from
func (d *Delivery) Queue() string { return d.queue }

// MessageID returns the AMQP message id
func (d *Delivery) MessageID() string { return d.raw.MessageId }

// RoutingKey returns the routing key the message was published with
func (d *Delivery) RoutingKey() string { return d.raw.RoutingKey }

// ConsumerTag returns the tag of the consumer that received the delivery
func (d *Delivery) ConsumerTag() string { return d.raw.ConsumerTag }

// Redelivered reports whether the broker has delivered this message before
func (d *Delivery) Redelivered() bool { return d.raw.Redelivered }

// Priority returns the message priority
func (d *Delivery) Priority() uint8 { return d.raw.Priority }

// Settled reports whether Ack or Nack has been called
func (d *Delivery) Settled() bool { return d.settled.Load() }

// Ack acknowledges the delivery
func (d *Delivery) Ack() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if err := d.raw.Ack(false); err != nil {
		return d.settleError("ack", err)
	}
	return nil
}

// Nack rejects the delivery. With requeue the broker redelivers it,
// otherwise it is discarded.
func (d *Delivery) Nack(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if err := d.raw.Nack(false, requeue); err != nil {
		return d.settleError("nack", err)
	}
	return nil
}

func (d *Delivery) settleError(op string, err error) error {
	return &ConsumerError{
		Queue:       d.queue,
		ConsumerTag: d.raw.ConsumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/blink-go/contracts"
	"github.com/glimte/blink-go/internal/rabbitmq"
)

// Broker is the part of the RabbitMQ transport queues depend on.
// *rabbitmq.Broker implements it.
type Broker interface {
	CreateQueue(ctx context.Context, name string, routes []string, opts rabbitmq.QueueOptions) (amqp.Queue, error)
	PublishToRoute(ctx context.Context, routingKey string, msg *contracts.Message, opts ...rabbitmq.PublishOption) bool
	Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler, opts rabbitmq.ConsumeOptions) (string, error)
	Unsubscribe(tag string) error
	PurgeQueue(ctx context.Context, name string) (int, error)
	DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) (int, error)
}

var _ Broker = (*rabbitmq.Broker)(nil)

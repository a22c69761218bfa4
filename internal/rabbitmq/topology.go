package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueOptions are the optional settings of a queue declaration
type QueueOptions struct {
	// MaxPriority enables priority delivery when non-zero (x-max-priority)
	MaxPriority uint8
	// Arguments are passed through to the declaration
	Arguments amqp.Table
}

// queueDeclaration is a declared queue remembered for replay after reconnect
type queueDeclaration struct {
	Name    string
	Routes  []string
	Options QueueOptions
}

func (d queueDeclaration) arguments() amqp.Table {
	args := amqp.Table{}
	for k, v := range d.Options.Arguments {
		args[k] = v
	}
	if d.Options.MaxPriority > 0 {
		args["x-max-priority"] = int32(d.Options.MaxPriority)
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// CreateQueue declares a durable queue and binds every route to the topic
// exchange. It is idempotent and the declaration is replayed after reconnect.
func (b *Broker) CreateQueue(ctx context.Context, name string, routes []string, opts QueueOptions) (amqp.Queue, error) {
	if err := ctx.Err(); err != nil {
		return amqp.Queue{}, topologyError("queue", name, "declare", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.current()
	if err != nil {
		return amqp.Queue{}, topologyError("queue", name, "declare", err)
	}

	decl := queueDeclaration{Name: name, Routes: append([]string(nil), routes...), Options: opts}
	q, err := declareQueue(s.ch, b.exchange, decl)
	if err != nil {
		return amqp.Queue{}, err
	}

	if _, known := b.queues[name]; !known {
		b.queueOrder = append(b.queueOrder, name)
	}
	b.queues[name] = decl

	b.logger.Debug("queue declared",
		"queue", q.Name,
		"routes", decl.Routes,
		"messages", q.Messages)
	return q, nil
}

// PurgeQueue removes all ready messages from a queue and returns how many
func (b *Broker) PurgeQueue(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, topologyError("queue", name, "purge", err)
	}

	s, err := b.current()
	if err != nil {
		return 0, topologyError("queue", name, "purge", err)
	}

	n, err := s.ch.QueuePurge(name, false)
	if err != nil {
		return 0, topologyError("queue", name, "purge", err)
	}
	return n, nil
}

// DeleteQueue deletes a queue and returns how many messages it held
func (b *Broker) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, topologyError("queue", name, "delete", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.current()
	if err != nil {
		return 0, topologyError("queue", name, "delete", err)
	}

	n, err := s.ch.QueueDelete(name, ifUnused, ifEmpty, false)
	if err != nil {
		return 0, topologyError("queue", name, "delete", err)
	}

	if _, known := b.queues[name]; known {
		delete(b.queues, name)
		for i, q := range b.queueOrder {
			if q == name {
				b.queueOrder = append(b.queueOrder[:i], b.queueOrder[i+1:]...)
				break
			}
		}
	}
	return n, nil
}

// InspectQueue returns the current message and consumer counts of a queue
func (b *Broker) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	if err := ctx.Err(); err != nil {
		return amqp.Queue{}, topologyError("queue", name, "inspect", err)
	}

	s, err := b.current()
	if err != nil {
		return amqp.Queue{}, topologyError("queue", name, "inspect", err)
	}

	q, err := s.ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, topologyError("queue", name, "inspect", err)
	}
	return q, nil
}

// declareExchange declares the shared durable topic exchange
func declareExchange(ch *amqp.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return topologyError("exchange", name, "declare", err)
	}
	return nil
}

// declareQueue declares a queue and its bindings on the given channel
func declareQueue(ch *amqp.Channel, exchange string, decl queueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		decl.Name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		decl.arguments(),
	)
	if err != nil {
		return amqp.Queue{}, topologyError("queue", decl.Name, "declare", err)
	}

	for _, route := range decl.Routes {
		if err := ch.QueueBind(q.Name, route, exchange, false, nil); err != nil {
			return amqp.Queue{}, topologyError("binding", decl.Name+" <- "+route, "bind", err)
		}
	}
	return q, nil
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

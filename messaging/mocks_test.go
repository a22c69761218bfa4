package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"

	"github.com/glimte/blink-go/contracts"
	"github.com/glimte/blink-go/internal/rabbitmq"
)

// Mock Broker
type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) CreateQueue(ctx context.Context, name string, routes []string, opts rabbitmq.QueueOptions) (amqp.Queue, error) {
	args := m.Called(ctx, name, routes, opts)
	return args.Get(0).(amqp.Queue), args.Error(1)
}

// PublishToRoute records the resulting priority instead of the option funcs
func (m *mockBroker) PublishToRoute(ctx context.Context, routingKey string, msg *contracts.Message, opts ...rabbitmq.PublishOption) bool {
	var p amqp.Publishing
	for _, opt := range opts {
		opt(&p)
	}
	args := m.Called(ctx, routingKey, msg, p.Priority)
	return args.Bool(0)
}

func (m *mockBroker) Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler, opts rabbitmq.ConsumeOptions) (string, error) {
	args := m.Called(ctx, queue, handler, opts)
	return args.String(0), args.Error(1)
}

func (m *mockBroker) Unsubscribe(tag string) error {
	args := m.Called(tag)
	return args.Error(0)
}

func (m *mockBroker) PurgeQueue(ctx context.Context, name string) (int, error) {
	args := m.Called(ctx, name)
	return args.Int(0), args.Error(1)
}

func (m *mockBroker) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) (int, error) {
	args := m.Called(ctx, name, ifUnused, ifEmpty)
	return args.Int(0), args.Error(1)
}

// Mock acknowledger behind a rabbitmq.Delivery
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// newAcknowledger accepts any settlement
func newAcknowledger() *mockAcknowledger {
	ack := &mockAcknowledger{}
	ack.On("Ack", mock.Anything, mock.Anything).Return(nil)
	ack.On("Nack", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	return ack
}

func newTestDelivery(queue string, body []byte, ack amqp.Acknowledger) *rabbitmq.Delivery {
	return rabbitmq.NewDelivery(queue, amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		MessageId:    "msg-1",
		RoutingKey:   queue,
		Body:         body,
	})
}

// Mock RetryDelayer
type mockDelayer struct {
	mock.Mock
}

func (m *mockDelayer) DelayMessageRetry(ctx context.Context, queue *Queue, delivery *rabbitmq.Delivery, msg *contracts.Message, delay time.Duration) bool {
	args := m.Called(ctx, queue, delivery, msg, delay)
	return args.Bool(0)
}

func newTestQueue(broker Broker, name string) *Queue {
	q, err := NewQueue(broker, QueueSpec{Name: name})
	if err != nil {
		panic(err)
	}
	return q
}

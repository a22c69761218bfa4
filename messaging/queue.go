package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/glimte/blink-go/contracts"
	"github.com/glimte/blink-go/internal/rabbitmq"
)

// QueueSpec declares a queue
type QueueSpec struct {
	// Name is the queue name. When empty it is derived from TypeName.
	Name string
	// TypeName is the Go-style queue type name, e.g. CustomerIoWebhookQueue
	TypeName string
	// Routes are extra routing keys bound to the queue besides its name
	Routes []string
	// MessageType decodes and validates deliveries. Defaults to free-form.
	MessageType *contracts.MessageType
	// MaxPriority enables priority delivery when non-zero
	MaxPriority uint8
}

// Queue is a named, routed queue on the broker carrying one message type
type Queue struct {
	name        string
	routes      []string
	messageType *contracts.MessageType
	options     rabbitmq.QueueOptions
	broker      Broker
	logger      *slog.Logger
}

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithQueueLogger sets the logger used by the queue and its consumers
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// NewQueue creates a queue from spec. The queue name is always its first route.
func NewQueue(broker Broker, spec QueueSpec, opts ...QueueOption) (*Queue, error) {
	name := spec.Name
	if name == "" {
		if spec.TypeName == "" {
			return nil, fmt.Errorf("queue needs a name or a type name")
		}
		name = QueueNameFromType(spec.TypeName)
	}

	msgType := spec.MessageType
	if msgType == nil {
		msgType = contracts.FreeFormMessageType
	}

	routes := []string{name}
	for _, route := range spec.Routes {
		if route != "" && route != name {
			routes = append(routes, route)
		}
	}

	q := &Queue{
		name:        name,
		routes:      routes,
		messageType: msgType,
		options:     rabbitmq.QueueOptions{MaxPriority: spec.MaxPriority},
		broker:      broker,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Routes returns the routing keys bound to the queue, name first
func (q *Queue) Routes() []string {
	return append([]string(nil), q.routes...)
}

// MessageType returns the type deliveries are decoded as
func (q *Queue) MessageType() *contracts.MessageType {
	return q.messageType
}

// Create declares the queue and its bindings
func (q *Queue) Create(ctx context.Context) error {
	declared, err := q.broker.CreateQueue(ctx, q.name, q.routes, q.options)
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", q.name, err)
	}
	if declared.Name != q.name {
		return fmt.Errorf("queue %s declared as %q: %w", q.name, declared.Name, ErrTopologyMismatch)
	}
	return nil
}

// Publish sends msg to the queue. It reports false when the broker did not
// confirm the message.
func (q *Queue) Publish(ctx context.Context, msg *contracts.Message, opts ...rabbitmq.PublishOption) bool {
	return q.broker.PublishToRoute(ctx, q.name, msg, opts...)
}

// Purge removes all ready messages and returns how many were removed
func (q *Queue) Purge(ctx context.Context) (int, error) {
	n, err := q.broker.PurgeQueue(ctx, q.name)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue %s: %w", q.name, err)
	}
	return n, nil
}

// Delete removes the queue and returns how many messages it held
func (q *Queue) Delete(ctx context.Context, ifUnused, ifEmpty bool) (int, error) {
	n, err := q.broker.DeleteQueue(ctx, q.name, ifUnused, ifEmpty)
	if err != nil {
		return 0, fmt.Errorf("failed to delete queue %s: %w", q.name, err)
	}
	return n, nil
}

// subscribeOptions holds the per-subscription settings
type subscribeOptions struct {
	prefetch     int
	limiter      *rate.Limiter
	retryManager *RetryManager
	strict       bool
	consumerTag  string
}

// SubscribeOption configures a subscription
type SubscribeOption func(*subscribeOptions)

// WithPrefetch bounds unacknowledged deliveries and concurrent handlers
func WithPrefetch(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		o.prefetch = n
	}
}

// WithRateLimit caps sustained consumption to perSecond messages per second
func WithRateLimit(perSecond float64) SubscribeOption {
	return func(o *subscribeOptions) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetryManager sets the retry manager used for retry results
func WithRetryManager(rm *RetryManager) SubscribeOption {
	return func(o *subscribeOptions) {
		o.retryManager = rm
	}
}

// WithStrictValidation rejects fields the message type does not declare
func WithStrictValidation() SubscribeOption {
	return func(o *subscribeOptions) {
		o.strict = true
	}
}

// WithConsumerTag sets an explicit consumer tag
func WithConsumerTag(tag string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.consumerTag = tag
	}
}

// Subscribe consumes the queue with handler and returns the consumer tag.
// Retry results go through the configured RetryManager, or a default one
// backed by an in-memory delayer.
func (q *Queue) Subscribe(ctx context.Context, handler contracts.Handler, opts ...SubscribeOption) (string, error) {
	o := &subscribeOptions{}
	for _, opt := range opts {
		opt(o)
	}

	rm := o.retryManager
	if rm == nil {
		rm = NewRetryManager(WithRetryLogger(q.logger))
	}

	dequeuer := NewDequeuer(q, handler, rm,
		WithDequeuerLogger(q.logger),
		withStrict(o.strict))

	tag, err := q.broker.Subscribe(ctx, q.name, dequeuer.Dequeue, rabbitmq.ConsumeOptions{
		Prefetch:    o.prefetch,
		Limiter:     o.limiter,
		ConsumerTag: o.consumerTag,
	})
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to queue %s: %w", q.name, err)
	}
	return tag, nil
}

// Unsubscribe stops the consumer with the given tag
func (q *Queue) Unsubscribe(tag string) error {
	return q.broker.Unsubscribe(tag)
}

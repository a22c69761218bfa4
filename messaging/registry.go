package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry holds the queues of a relay by name. Queues are declared
// explicitly at configuration time and looked up when delayed retries are
// republished.
type Registry struct {
	broker Broker
	logger *slog.Logger

	mu     sync.RWMutex
	queues map[string]*Queue
	order  []string
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger handed to declared queues
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry whose queues live on broker
func NewRegistry(broker Broker, opts ...RegistryOption) *Registry {
	r := &Registry{
		broker: broker,
		logger: slog.Default(),
		queues: make(map[string]*Queue),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Declare adds a queue built from spec. Names must be unique.
func (r *Registry) Declare(spec QueueSpec) (*Queue, error) {
	q, err := NewQueue(r.broker, spec, WithQueueLogger(r.logger))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.queues[q.Name()]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateQueue, q.Name())
	}
	r.queues[q.Name()] = q
	r.order = append(r.order, q.Name())
	return q, nil
}

// MustDeclare is Declare that panics on error
func (r *Registry) MustDeclare(spec QueueSpec) *Queue {
	q, err := r.Declare(spec)
	if err != nil {
		panic(err)
	}
	return q
}

// Get returns the queue with the given name
func (r *Registry) Get(name string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

// Queues returns all queues in declaration order
func (r *Registry) Queues() []*Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Queue, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.queues[name])
	}
	return out
}

// CreateAll declares every queue on the broker, stopping at the first failure
func (r *Registry) CreateAll(ctx context.Context) error {
	for _, q := range r.Queues() {
		if err := q.Create(ctx); err != nil {
			return err
		}
		r.logger.Info("queue ready", "queue", q.Name(), "routes", q.Routes())
	}
	return nil
}

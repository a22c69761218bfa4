// Copyright 2024 Blink Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blink wires the relay together from a config.Config: the broker,
// the queue registry, retries and the health registry.
package blink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/blink-go/config"
	"github.com/glimte/blink-go/contracts"
	"github.com/glimte/blink-go/health"
	"github.com/glimte/blink-go/interceptors"
	"github.com/glimte/blink-go/internal/forwarder"
	"github.com/glimte/blink-go/internal/rabbitmq"
	"github.com/glimte/blink-go/internal/reliability"
	"github.com/glimte/blink-go/messaging"
	"github.com/glimte/blink-go/serialization"
)

var (
	// ErrNoRetryStore is returned when the republisher is needed but retries
	// are kept in memory
	ErrNoRetryStore = errors.New("no durable retry store configured")

	// ErrNoForwardURL is returned when a queue has no forward_url
	ErrNoForwardURL = errors.New("queue has no forward url")
)

// Client provides the main entry point for blink-go
type Client struct {
	cfg          config.Config
	broker       *rabbitmq.Broker
	queueBroker  messaging.Broker
	types        *serialization.DefaultTypeRegistry
	registry     *messaging.Registry
	retryManager *messaging.RetryManager
	memory       *messaging.InMemoryRetryDelayer
	redis        redis.Cmdable
	ownedRedis   *redis.Client
	republisher  *messaging.RepublishTask
	health       *health.Registry
	logger       *slog.Logger

	mu   sync.Mutex
	tags []string
}

// NewClient builds a client from cfg. It does not connect; call Connect.
func NewClient(cfg config.Config, options ...ClientOption) (*Client, error) {
	opts := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(opts)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		types:  serialization.NewTypeRegistry(),
		health: health.NewRegistry(health.WithLogger(opts.logger)),
		logger: opts.logger,
	}

	for name, path := range cfg.MessageTypes {
		if _, err := c.types.RegisterSchemaFile(name, path); err != nil {
			return nil, fmt.Errorf("failed to load message type %s: %w", name, err)
		}
	}

	c.broker = rabbitmq.NewBroker(cfg.AMQP.URL,
		rabbitmq.WithLogger(c.logger),
		rabbitmq.WithExchange(cfg.AMQP.Exchange),
		rabbitmq.WithConnectionName(cfg.AMQP.ConnectionName),
		rabbitmq.WithConnectTimeout(cfg.AMQP.ConnectTimeout),
		rabbitmq.WithReconnectInterval(cfg.AMQP.ReconnectInterval),
		rabbitmq.WithPublishTimeout(cfg.AMQP.PublishTimeout),
	)

	c.queueBroker = c.broker
	if opts.broker != nil {
		c.queueBroker = opts.broker
	}

	c.registry = messaging.NewRegistry(c.queueBroker, messaging.WithRegistryLogger(c.logger))
	for _, qc := range cfg.Queues {
		msgType, err := c.types.Get(qc.MessageType)
		if err != nil {
			return nil, err
		}
		if _, err := c.registry.Declare(messaging.QueueSpec{
			Name:        qc.Name,
			TypeName:    qc.TypeName,
			Routes:      qc.Routes,
			MessageType: msgType,
			MaxPriority: qc.MaxPriority,
		}); err != nil {
			return nil, err
		}
	}

	var delayer, fallback messaging.RetryDelayer
	switch cfg.Retry.Delayer {
	case config.DelayerRedis:
		c.redis = opts.redis
		if c.redis == nil {
			c.ownedRedis = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			c.redis = c.ownedRedis
		}

		store := messaging.NewRedisRetryDelayer(c.redis,
			messaging.WithRetryKey(cfg.Redis.Key),
			messaging.WithRedisDelayerLogger(c.logger))
		delayer = store

		// While Redis refuses writes, retries wait in process timers instead
		// of going straight back to the broker.
		c.memory = messaging.NewInMemoryRetryDelayer(messaging.WithInMemoryDelayerLogger(c.logger))
		fallback = c.memory

		c.republisher = messaging.NewRepublishTask(store, c.registry,
			messaging.WithProcessingLimit(cfg.Retry.ProcessingLimit),
			messaging.WithRepublishInterval(cfg.Retry.RepublishInterval),
			messaging.WithRepublishLogger(c.logger))
	default:
		c.memory = messaging.NewInMemoryRetryDelayer(messaging.WithInMemoryDelayerLogger(c.logger))
		delayer = c.memory
	}

	rmOpts := []messaging.RetryManagerOption{
		messaging.WithRetryLimit(cfg.Retry.Limit),
		messaging.WithRetryDelayer(delayer),
		messaging.WithRetryLogger(c.logger),
	}
	if fallback != nil {
		rmOpts = append(rmOpts, messaging.WithFallbackDelayer(fallback))
	}
	c.retryManager = messaging.NewRetryManager(rmOpts...)

	c.registerHealthChecks()

	return c, nil
}

func (c *Client) registerHealthChecks() {
	c.health.Register(health.NewBrokerChecker(c.broker, c.logger))
	for _, q := range c.registry.Queues() {
		c.health.Register(health.NewQueueChecker(q.Name(), c.broker, 0, c.logger))
	}
	if c.redis != nil {
		c.health.Register(health.NewRedisChecker(c.redis, c.cfg.Redis.Key, 0, c.logger))
	}
	if c.republisher != nil {
		c.health.Register(health.NewComponentChecker("republisher", c.checkRepublisher))
	}
	c.health.Register(health.NewMemoryChecker(500, 1000))
	c.health.SetMetadata("exchange", c.cfg.AMQP.Exchange)
	c.health.SetMetadata("delayer", c.cfg.Retry.Delayer)
}

// checkRepublisher reports degraded while the last run left records behind
func (c *Client) checkRepublisher(ctx context.Context) (health.Status, string, map[string]interface{}, error) {
	stats := c.republisher.LastStats()
	details := map[string]interface{}{
		"busy":        c.republisher.Busy(),
		"due":         stats.Due,
		"republished": stats.Republished,
		"discarded":   stats.Discarded,
		"failed":      stats.Failed,
	}
	if stats.Failed > 0 {
		return health.StatusDegraded, fmt.Sprintf("%d retries failed to republish", stats.Failed), details, nil
	}
	return health.StatusHealthy, "Republisher is healthy", details, nil
}

// Connect connects to the broker and declares every configured queue
func (c *Client) Connect(ctx context.Context) error {
	if err := c.broker.Connect(ctx); err != nil {
		return err
	}
	if err := c.registry.CreateAll(ctx); err != nil {
		return fmt.Errorf("failed to create queues: %w", err)
	}
	return nil
}

// Config returns the configuration the client was built from
func (c *Client) Config() config.Config {
	return c.cfg
}

// Broker returns the underlying broker
func (c *Client) Broker() *rabbitmq.Broker {
	return c.broker
}

// Registry returns the queue registry
func (c *Client) Registry() *messaging.Registry {
	return c.registry
}

// Queue returns the declared queue called name
func (c *Client) Queue(name string) (*messaging.Queue, bool) {
	return c.registry.Get(name)
}

// RetryManager returns the shared retry manager
func (c *Client) RetryManager() *messaging.RetryManager {
	return c.retryManager
}

// Republisher returns the delayed retry republisher, or nil when retries are
// kept in memory
func (c *Client) Republisher() *messaging.RepublishTask {
	return c.republisher
}

// Health returns the health registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Publish publishes msg to the queue called name
func (c *Client) Publish(ctx context.Context, name string, msg *contracts.Message) (bool, error) {
	q, ok := c.registry.Get(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", messaging.ErrUnknownQueue, name)
	}
	if msg.Type == nil {
		msg.Type = q.MessageType()
	}
	return q.Publish(ctx, msg), nil
}

// Purge removes every ready message from the queue called name
func (c *Client) Purge(ctx context.Context, name string) (int, error) {
	q, ok := c.registry.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", messaging.ErrUnknownQueue, name)
	}
	return q.Purge(ctx)
}

// Subscribe consumes the queue called name with handler, applying the
// queue's configured prefetch, rate limit and validation mode
func (c *Client) Subscribe(ctx context.Context, name string, handler contracts.Handler) (string, error) {
	q, ok := c.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", messaging.ErrUnknownQueue, name)
	}

	tag, err := q.Subscribe(ctx, handler, c.subscribeOptions(c.queueConfig(q))...)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.tags = append(c.tags, tag)
	c.mu.Unlock()
	return tag, nil
}

func (c *Client) subscribeOptions(qc config.QueueConfig) []messaging.SubscribeOption {
	prefetch := qc.Prefetch
	if prefetch == 0 {
		prefetch = c.cfg.AMQP.Prefetch
	}

	opts := []messaging.SubscribeOption{
		messaging.WithPrefetch(prefetch),
		messaging.WithRetryManager(c.retryManager),
	}
	if qc.RateLimit > 0 {
		opts = append(opts, messaging.WithRateLimit(qc.RateLimit))
	}
	if qc.Strict {
		opts = append(opts, messaging.WithStrictValidation())
	}
	return opts
}

// queueConfig finds the config entry a registry queue was declared from
func (c *Client) queueConfig(q *messaging.Queue) config.QueueConfig {
	for _, qc := range c.cfg.Queues {
		if qc.Name == q.Name() || (qc.Name == "" && messaging.QueueNameFromType(qc.TypeName) == q.Name()) {
			return qc
		}
	}
	return config.QueueConfig{}
}

// ForwardingHandler builds the handler chain that forwards messages of the
// queue called name to its forward_url
func (c *Client) ForwardingHandler(name string) (contracts.Handler, error) {
	q, ok := c.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", messaging.ErrUnknownQueue, name)
	}
	qc := c.queueConfig(q)
	if qc.ForwardURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoForwardURL, name)
	}

	fwdOpts := []forwarder.Option{forwarder.WithLogger(c.logger.With("queue", name))}
	if qc.ForwardTimeout > 0 {
		fwdOpts = append(fwdOpts, forwarder.WithTimeout(qc.ForwardTimeout))
	}
	if qc.ForwardSecret != "" {
		fwdOpts = append(fwdOpts, forwarder.WithSigningSecret(qc.ForwardSecret))
	}
	fwd := forwarder.New(qc.ForwardURL, fwdOpts...)

	breaker := reliability.NewCircuitBreaker(
		reliability.WithName("forward-"+name),
		reliability.WithBreakerLogger(c.logger))

	builder := interceptors.NewDefaultInterceptorChainBuilder(c.logger).
		WithTracing(name).
		WithLogging()
	if qc.Filter != nil {
		filter, skip := buildFilter(qc.Filter)
		builder = builder.WithFilter(filter, skip)
	}
	if qc.HandlerTimeout > 0 {
		builder = builder.WithTimeout(qc.HandlerTimeout)
	}
	chain := builder.WithCircuitBreaker(breaker).Build()

	return chain.Then(fwd.Handle), nil
}

// buildFilter turns a queue filter config into a message filter: every match
// entry must hold, and at least one any entry when there are some
func buildFilter(fc *config.FilterConfig) (interceptors.MessageFilter, interceptors.SkipBehavior) {
	filters := make([]interceptors.MessageFilter, 0, len(fc.Match)+1)
	for _, m := range fc.Match {
		filters = append(filters, interceptors.NewFieldEqualsFilter(m.Field, m.Equals))
	}
	if len(fc.Any) > 0 {
		anyOf := make([]interceptors.MessageFilter, 0, len(fc.Any))
		for _, m := range fc.Any {
			anyOf = append(anyOf, interceptors.NewFieldEqualsFilter(m.Field, m.Equals))
		}
		filters = append(filters, interceptors.NewOrFilter(anyOf...))
	}

	skip := interceptors.SkipSilently
	switch fc.Skip {
	case config.SkipLog:
		skip = interceptors.SkipWithLog
	case config.SkipDiscard:
		skip = interceptors.SkipWithError
	}
	return interceptors.NewCompositeFilter(filters...), skip
}

// StartForwarding subscribes every queue that has a forward_url and returns
// the number of queues subscribed
func (c *Client) StartForwarding(ctx context.Context) (int, error) {
	n := 0
	for _, q := range c.registry.Queues() {
		if c.queueConfig(q).ForwardURL == "" {
			continue
		}
		handler, err := c.ForwardingHandler(q.Name())
		if err != nil {
			return n, err
		}
		if _, err := c.Subscribe(ctx, q.Name(), handler); err != nil {
			return n, err
		}
		c.logger.Info("forwarding queue", "queue", q.Name())
		n++
	}
	return n, nil
}

// StartRepublisher starts moving due delayed retries back onto their queues
func (c *Client) StartRepublisher(ctx context.Context) error {
	if c.republisher == nil {
		return ErrNoRetryStore
	}
	return c.republisher.Start(ctx)
}

// Close stops consumers and the republisher, waits for in-flight deliveries
// up to amqp.shutdown_timeout, then disconnects
func (c *Client) Close() error {
	var errs []error

	if c.republisher != nil {
		c.republisher.Stop()
	}

	c.mu.Lock()
	tags := c.tags
	c.tags = nil
	c.mu.Unlock()
	for _, tag := range tags {
		if err := c.queueBroker.Unsubscribe(tag); err != nil {
			c.logger.Debug("unsubscribe failed", "consumerTag", tag, "error", err)
		}
	}

	c.drain()

	if c.memory != nil {
		if err := c.memory.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.broker.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	if c.ownedRedis != nil {
		if err := c.ownedRedis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// drainer is a broker that can wait for its running delivery handlers
type drainer interface {
	Wait()
}

// drain waits for in-flight deliveries to settle before the channel closes,
// giving up after the configured shutdown timeout
func (c *Client) drain() {
	d, ok := c.queueBroker.(drainer)
	if !ok {
		return
	}

	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()

	timeout := c.cfg.AMQP.ShutdownTimeout
	if timeout <= 0 {
		<-done
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn("shutdown timed out waiting for in-flight deliveries", "timeout", timeout)
	}
}

// clientConfig holds client configuration
type clientConfig struct {
	logger *slog.Logger
	redis  redis.Cmdable
	broker messaging.Broker
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithRedisClient uses an existing Redis client for the retry store. The
// client is not closed by Close.
func WithRedisClient(client redis.Cmdable) ClientOption {
	return func(cfg *clientConfig) {
		cfg.redis = client
	}
}

// WithQueueBroker routes queue operations through broker instead of the
// client's own RabbitMQ broker
func WithQueueBroker(broker messaging.Broker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.broker = broker
	}
}

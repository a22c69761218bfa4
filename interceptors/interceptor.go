package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/blink-go/contracts"
)

// Interceptor wraps message handling and calls the next handler in the chain
type Interceptor interface {
	// Intercept processes a message and calls next
	Intercept(ctx context.Context, msg *contracts.Message, next contracts.Handler) contracts.Result

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *contracts.Message, next contracts.Handler) contracts.Result
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *contracts.Message, next contracts.Handler) contracts.Result) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Handler) contracts.Result {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then wraps final so that every interceptor runs before it, first added
// outermost
func (c *InterceptorChain) Then(final contracts.Handler) contracts.Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, msg *contracts.Message) contracts.Result {
			return interceptor.Intercept(ctx, msg, next)
		}
	}
	return handler
}

// Execute runs msg through the chain and final
func (c *InterceptorChain) Execute(ctx context.Context, msg *contracts.Message, final contracts.Handler) contracts.Result {
	return c.Then(final)(ctx, msg)
}

// Built-in interceptors

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Handler) contracts.Result {
	start := time.Now()

	i.logger.Debug("processing message",
		"requestId", msg.RequestID(),
		"messageType", msg.TypeName(),
		"attempt", msg.RetryAttempt(),
	)

	result := next(ctx, msg)
	duration := time.Since(start)

	switch {
	case result.IsRetry():
		i.logger.Warn("message processing will be retried",
			"requestId", msg.RequestID(),
			"messageType", msg.TypeName(),
			"duration", duration,
			"reason", result.Reason(),
		)
	case result.Outcome == contracts.OutcomeFatal:
		i.logger.Error("message processing failed",
			"requestId", msg.RequestID(),
			"messageType", msg.TypeName(),
			"duration", duration,
			"error", result.Err,
		)
	default:
		i.logger.Info("message processed successfully",
			"requestId", msg.RequestID(),
			"messageType", msg.TypeName(),
			"ok", result.OK,
			"duration", duration,
		)
	}

	return result
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

const tracerName = "github.com/glimte/blink-go/interceptors"

// TracingInterceptor starts a consumer span per message
type TracingInterceptor struct {
	tracer trace.Tracer
	queue  string
}

// TracingOption configures a TracingInterceptor
type TracingOption func(*TracingInterceptor)

// WithTracerProvider uses tp instead of the global tracer provider
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(i *TracingInterceptor) {
		i.tracer = tp.Tracer(tracerName)
	}
}

// NewTracingInterceptor creates a tracing interceptor for queue
func NewTracingInterceptor(queue string, opts ...TracingOption) *TracingInterceptor {
	i := &TracingInterceptor{tracer: otel.Tracer(tracerName), queue: queue}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Intercept implements Interceptor
func (i *TracingInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Handler) contracts.Result {
	spanCtx, span := i.tracer.Start(ctx, "blink.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", i.queue),
			attribute.String("blink.request_id", msg.RequestID()),
			attribute.String("blink.message_type", msg.TypeName()),
			attribute.Int("blink.retry_attempt", msg.RetryAttempt()),
		),
	)
	defer span.End()

	result := next(spanCtx, msg)

	span.SetAttributes(attribute.String("blink.outcome", result.Outcome.String()))
	if result.Err != nil {
		span.RecordError(result.Err)
	}
	if result.Outcome == contracts.OutcomeFatal {
		span.SetStatus(codes.Error, result.Reason())
	}
	return result
}

// Name implements Interceptor
func (i *TracingInterceptor) Name() string {
	return "TracingInterceptor"
}

// ErrHandlerTimeout is the cause of a retry after a handler timed out
var ErrHandlerTimeout = errors.New("message processing timed out")

// TimeoutInterceptor bounds handler time. A handler that overruns is asked
// to stop through its context and the message is retried.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Handler) contracts.Result {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan contracts.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- contracts.Fatal(fmt.Errorf("handler panicked: %v", r))
			}
		}()
		done <- next(timeoutCtx, msg)
	}()

	select {
	case result := <-done:
		return result
	case <-timeoutCtx.Done():
		return contracts.RetryAfter(fmt.Errorf("%w after %v for message %s", ErrHandlerTimeout, i.timeout, msg.RequestID()))
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// CircuitBreaker is the part of reliability.CircuitBreaker the interceptor uses
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// CircuitBreakerInterceptor stops calling a failing downstream. Retry
// results count as failures; while the circuit is open messages are retried
// without reaching the handler.
type CircuitBreakerInterceptor struct {
	circuitBreaker CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(circuitBreaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{circuitBreaker: circuitBreaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Handler) contracts.Result {
	var result contracts.Result
	ran := false

	err := i.circuitBreaker.Execute(ctx, func() error {
		ran = true
		result = next(ctx, msg)
		if result.IsRetry() {
			return result.Err
		}
		return nil
	})

	if !ran {
		return contracts.RetryAfter(err)
	}
	return result
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// Default interceptor chain builder

// DefaultInterceptorChainBuilder builds a common interceptor chain
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a new builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds logging interceptor
func (b *DefaultInterceptorChainBuilder) WithLogging() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithTracing adds tracing interceptor
func (b *DefaultInterceptorChainBuilder) WithTracing(queue string, opts ...TracingOption) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewTracingInterceptor(queue, opts...))
	return b
}

// WithTimeout adds timeout interceptor
func (b *DefaultInterceptorChainBuilder) WithTimeout(timeout time.Duration) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCircuitBreaker adds circuit breaker interceptor
func (b *DefaultInterceptorChainBuilder) WithCircuitBreaker(circuitBreaker CircuitBreaker) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewCircuitBreakerInterceptor(circuitBreaker))
	return b
}

// WithFilter adds a filtering interceptor
func (b *DefaultInterceptorChainBuilder) WithFilter(filter MessageFilter, skip SkipBehavior) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewFilteringInterceptor(filter, skip, b.logger))
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}

// Package interceptors provides middleware around message handlers.
//
// An interceptor wraps a contracts.Handler and may act before and after it,
// or return a contracts.Result without calling it. This package provides:
//   - Interceptor interface and chain management
//   - Built-in interceptors for common concerns
//   - Builder pattern for easy chain construction
//
// Built-in interceptors:
//   - LoggingInterceptor: Logs each outcome with timing information
//   - TracingInterceptor: Starts an OpenTelemetry consumer span per message
//   - TimeoutInterceptor: Retries messages whose handler overruns
//   - CircuitBreakerInterceptor: Retries without calling a failing downstream
//   - FilteringInterceptor: Skips messages that do not pass a filter
//
// Example usage:
//
//	chain := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithTracing(queue.Name()).
//		WithLogging().
//		WithTimeout(30 * time.Second).
//		Build()
//
//	_, err := queue.Subscribe(ctx, chain.Then(handler))
//
// Interceptors are executed in the order they are added to the chain, with the
// final handler being called last.
package interceptors

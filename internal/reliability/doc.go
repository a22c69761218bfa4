// Package reliability provides the timing and failure-isolation building
// blocks of the delivery pipeline.
//
// This package implements:
//   - DelayFunc curves: ExponentialBackoff and ConstantDelay for retry scheduling
//   - PeriodicTask: a fixed-interval runner that drops ticks while a run is in progress
//   - CircuitBreaker: fails fast while a dependency such as the delay store is down
//
// Example usage:
//
//	task := NewPeriodicTask("republish", time.Second, func(ctx context.Context) error {
//	    return republish(ctx)
//	})
//	if err := task.Start(ctx); err != nil {
//	    return err
//	}
//	defer task.Stop()
package reliability

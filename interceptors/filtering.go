package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/blink-go/contracts"
)

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *contracts.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the message without processing it
	SkipSilently SkipBehavior = iota
	// SkipWithError discards the message as failed
	SkipWithError
	// SkipWithLog acknowledges the message and logs that it was skipped
	SkipWithLog
)

// FilteringInterceptor filters messages based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor. A filter error is retried.
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next contracts.Handler) contracts.Result {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return contracts.RetryAfter(fmt.Errorf("filter error: %w", err))
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return contracts.Fatal(fmt.Errorf("message filtered: type=%s, id=%s", msg.TypeName(), msg.RequestID()))
		case SkipWithLog:
			i.logger.Info("message skipped by filter",
				"requestId", msg.RequestID(),
				"messageType", msg.TypeName())
			return contracts.Success(false)
		default: // SkipSilently
			return contracts.Success(false)
		}
	}

	return next(ctx, msg)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// FieldEqualsFilter passes messages whose data object has field set to value
type FieldEqualsFilter struct {
	field string
	value any
}

// NewFieldEqualsFilter creates a filter on a top-level data field
func NewFieldEqualsFilter(field string, value any) *FieldEqualsFilter {
	return &FieldEqualsFilter{field: field, value: value}
}

// ShouldProcess implements MessageFilter
func (f *FieldEqualsFilter) ShouldProcess(ctx context.Context, msg *contracts.Message) (bool, error) {
	data, ok := msg.Data.(map[string]any)
	if !ok {
		return false, nil
	}
	v, ok := data[f.field]
	if !ok {
		return false, nil
	}
	return fmt.Sprint(v) == fmt.Sprint(f.value), nil
}

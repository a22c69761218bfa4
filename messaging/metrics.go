package messaging

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/glimte/blink-go/messaging"

// deliveryMetrics counts terminal outcomes of deliveries
type deliveryMetrics struct {
	acked   metric.Int64Counter
	nacked  metric.Int64Counter
	retried metric.Int64Counter
}

func newDeliveryMetrics(meter metric.Meter) *deliveryMetrics {
	return &deliveryMetrics{
		acked:   int64Counter(meter, "blink.messages.acked", "Messages acknowledged after successful handling"),
		nacked:  int64Counter(meter, "blink.messages.nacked", "Messages rejected without a scheduled retry"),
		retried: int64Counter(meter, "blink.messages.retried", "Messages scheduled for delayed redelivery"),
	}
}

// int64Counter reports a failed instrument to the otel error handler and
// counts into a no-op instead
func int64Counter(meter metric.Meter, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		otel.Handle(fmt.Errorf("failed to create counter %s: %w", name, err))
		return noop.Int64Counter{}
	}
	return counter
}

func (m *deliveryMetrics) ack(ctx context.Context, queue string) {
	m.acked.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *deliveryMetrics) nack(ctx context.Context, queue, reason string) {
	m.nacked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", reason)))
}

func (m *deliveryMetrics) retry(ctx context.Context, queue string) {
	m.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

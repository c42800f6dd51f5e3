package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"holdingsitems/internal/reconcile"
)

// Hooks records reconciler measurements as OTel instruments.
type Hooks struct {
	operations   metric.Int64Counter
	duration     metric.Float64Histogram
	conflicts    metric.Int64Counter
	itemsChanged metric.Int64Counter
}

var _ reconcile.Hooks = (*Hooks)(nil)

func NewHooks(meter metric.Meter) (*Hooks, error) {
	operations, err := meter.Int64Counter("holdings.reconcile.operations",
		metric.WithDescription("Reconciler operations by outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("holdings.reconcile.duration",
		metric.WithDescription("Reconciler operation latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter("holdings.reconcile.conflicts",
		metric.WithDescription("Operations that lost a version or lock race"))
	if err != nil {
		return nil, err
	}
	itemsChanged, err := meter.Int64Counter("holdings.reconcile.items.changed",
		metric.WithDescription("Items whose reported state changed"))
	if err != nil {
		return nil, err
	}
	return &Hooks{
		operations:   operations,
		duration:     duration,
		conflicts:    conflicts,
		itemsChanged: itemsChanged,
	}, nil
}

func (h *Hooks) ObserveOperation(ctx context.Context, op string, status reconcile.ResultStatus, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", string(status)),
	)
	h.operations.Add(ctx, 1, attrs)
	h.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (h *Hooks) IncConflict(ctx context.Context, op string) {
	h.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

func (h *Hooks) IncItemsChanged(ctx context.Context, op string, n int) {
	if n <= 0 {
		return
	}
	h.itemsChanged.Add(ctx, int64(n), metric.WithAttributes(attribute.String("operation", op)))
}

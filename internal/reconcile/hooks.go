package reconcile

import (
	"context"
	"time"
)

// Hooks receives reconciler measurements. Implementations must be safe for
// concurrent use.
type Hooks interface {
	ObserveOperation(ctx context.Context, op string, status ResultStatus, elapsed time.Duration)
	IncConflict(ctx context.Context, op string)
	IncItemsChanged(ctx context.Context, op string, n int)
}

// NopHooks discards all measurements.
type NopHooks struct{}

func (NopHooks) ObserveOperation(context.Context, string, ResultStatus, time.Duration) {}
func (NopHooks) IncConflict(context.Context, string)                                  {}
func (NopHooks) IncItemsChanged(context.Context, string, int)                         {}

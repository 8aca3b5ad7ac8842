package peertransit

import (
	"context"
	"time"
)

// Hooks receives processor and reconciler events. Implementations must be safe for concurrent use.
type Hooks interface {
	// OnPop reports how many items were requested and how many were claimed.
	OnPop(ctx context.Context, box Box, batchSize int, popped int)
	OnDelivered(ctx context.Context, item Item, outcome Outcome)
	OnRetry(ctx context.Context, item Item, attempt int, delay time.Duration)
	OnAbandon(ctx context.Context, item Item, outcome Outcome)
	// OnStoreError reports a failed store operation; marker is empty for batch operations.
	OnStoreError(ctx context.Context, op string, marker string, err error)
	OnCycle(ctx context.Context, box Box, d time.Duration)
	OnRecovered(ctx context.Context, box Box, count int)
}

type noopHooks struct{}

func (noopHooks) OnPop(context.Context, Box, int, int)                {}
func (noopHooks) OnDelivered(context.Context, Item, Outcome)          {}
func (noopHooks) OnRetry(context.Context, Item, int, time.Duration)   {}
func (noopHooks) OnAbandon(context.Context, Item, Outcome)            {}
func (noopHooks) OnStoreError(context.Context, string, string, error) {}
func (noopHooks) OnCycle(context.Context, Box, time.Duration)         {}
func (noopHooks) OnRecovered(context.Context, Box, int)               {}

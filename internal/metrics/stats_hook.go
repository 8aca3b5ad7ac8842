package metrics

import (
	"context"
	"expvar"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mickamy/peertransit"
)

type counters struct {
	requested      atomic.Int64
	popped         atomic.Int64
	delivered      atomic.Int64
	retries        atomic.Int64
	abandoned      atomic.Int64
	recovered      atomic.Int64
	cycles         atomic.Int64
	cycleLatencyNs atomic.Int64
}

func (c *counters) snapshot() map[string]int64 {
	return map[string]int64{
		"requested":        c.requested.Load(),
		"popped":           c.popped.Load(),
		"delivered":        c.delivered.Load(),
		"retries":          c.retries.Load(),
		"abandoned":        c.abandoned.Load(),
		"recovered":        c.recovered.Load(),
		"cycles":           c.cycles.Load(),
		"cycle_latency_ns": c.cycleLatencyNs.Load(),
	}
}

// StatsHook publishes outbox and inbox counters via expvar.
type StatsHook struct {
	outbox      counters
	inbox       counters
	storeErrors atomic.Int64
}

// NewStatsHook registers an expvar entry named "<prefix>_stats".
func NewStatsHook(prefix string) *StatsHook {
	if prefix == "" {
		prefix = "peertransit"
	}
	h := &StatsHook{}
	expvar.Publish(fmt.Sprintf("%s_stats", prefix), expvar.Func(func() any {
		return h.snapshot()
	}))
	return h
}

func (h *StatsHook) box(b peertransit.Box) *counters {
	if b == peertransit.Inbox {
		return &h.inbox
	}
	return &h.outbox
}

// OnPop tracks how many items we asked for and how many were claimed.
func (h *StatsHook) OnPop(_ context.Context, box peertransit.Box, batchSize int, popped int) {
	c := h.box(box)
	c.requested.Add(int64(batchSize))
	c.popped.Add(int64(popped))
}

func (h *StatsHook) OnDelivered(_ context.Context, item peertransit.Item, _ peertransit.Outcome) {
	h.box(boxOf(item)).delivered.Add(1)
}

func (h *StatsHook) OnRetry(_ context.Context, item peertransit.Item, _ int, _ time.Duration) {
	h.box(boxOf(item)).retries.Add(1)
}

func (h *StatsHook) OnAbandon(_ context.Context, item peertransit.Item, _ peertransit.Outcome) {
	h.box(boxOf(item)).abandoned.Add(1)
}

func (h *StatsHook) OnStoreError(_ context.Context, _ string, _ string, _ error) {
	h.storeErrors.Add(1)
}

// OnCycle records cycle durations and counts.
func (h *StatsHook) OnCycle(_ context.Context, box peertransit.Box, d time.Duration) {
	c := h.box(box)
	c.cycles.Add(1)
	c.cycleLatencyNs.Add(d.Nanoseconds())
}

func (h *StatsHook) OnRecovered(_ context.Context, box peertransit.Box, count int) {
	h.box(box).recovered.Add(int64(count))
}

// inbox items are the only kind applied locally
func boxOf(item peertransit.Item) peertransit.Box {
	if item.Kind == peertransit.KindInboxTransfer {
		return peertransit.Inbox
	}
	return peertransit.Outbox
}

func (h *StatsHook) snapshot() map[string]any {
	return map[string]any{
		"outbox":       h.outbox.snapshot(),
		"inbox":        h.inbox.snapshot(),
		"store_errors": h.storeErrors.Load(),
	}
}

package peertransit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("peertransit")

// Logger captures processor logs; implementors can wrap logrus/slog/etc.
type Logger interface {
	Info(ctx context.Context, format string, v ...any)
	Warn(ctx context.Context, format string, v ...any)
	Error(ctx context.Context, format string, v ...any)
}

// Backoff returns the wait duration before the given attempt.
type Backoff func(attempt int) time.Duration

// Exponential creates a capped exponential backoff function.
func Exponential(base time.Duration, factor float64, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return base
		}
		d := float64(base)
		for i := 1; i < attempt; i++ {
			d *= factor
			if time.Duration(d) >= max {
				return max
			}
		}
		delay := time.Duration(d)
		if delay > max {
			return max
		}
		if delay < base {
			return base
		}
		return delay
	}
}

// Fixed waits d before every attempt.
func Fixed(d time.Duration) Backoff {
	return func(int) time.Duration {
		return d
	}
}

// WithJitter adds up to fraction*delay of random extra wait on top of b.
func WithJitter(b Backoff, fraction float64) Backoff {
	if fraction <= 0 {
		return b
	}
	return func(attempt int) time.Duration {
		d := b(attempt)
		if d <= 0 {
			return d
		}
		return d + time.Duration(rand.Float64()*fraction*float64(d))
	}
}

// Options configure Processor behaviour and tuning knobs.
type Options struct {
	// Tenant and Box label logs, hooks and history records.
	Tenant string
	Box    Box
	// BatchSize controls how many items are popped per cycle.
	BatchSize int
	// Concurrency bounds the number of workers running at once.
	Concurrency int
	// PollInterval is the longest sleep between cycles when no work exists.
	PollInterval time.Duration
	// MaxAttempts abandons an item with StatusMaxAttemptsExceeded once reached. Zero means unlimited.
	MaxAttempts int
	// Backoff computes the retry delay when a worker leaves the next run time to the processor.
	Backoff Backoff
	Logger  Logger
	Hooks   Hooks
	// History receives every outcome status of outbox items. Nil disables recording.
	History TransferHistory
	// WorkerID identifies this processor instance in logs.
	WorkerID string
	// Now supplies the current time; override for tests or custom time sources.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Box == "" {
		o.Box = Outbox
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.MaxAttempts < 0 {
		o.MaxAttempts = 0
	}
	if o.Backoff == nil {
		o.Backoff = Exponential(500*time.Millisecond, 2.0, 30*time.Second)
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Hooks == nil {
		o.Hooks = noopHooks{}
	}
	if o.WorkerID == "" {
		o.WorkerID = randomWorkerID()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Processor pops ready items from a Store and dispatches them to workers.
type Processor struct {
	store    Store
	registry Registry
	opts     Options
	pulse    chan struct{}
}

// NewProcessor wires a Store and worker Registry with the provided options.
func NewProcessor(store Store, registry Registry, opts Options) *Processor {
	opts.setDefaults()
	return &Processor{
		store:    store,
		registry: registry,
		opts:     opts,
		pulse:    make(chan struct{}, 1),
	}
}

// Pulse wakes the loop. It never blocks; pulses sent while one is pending coalesce.
func (p *Processor) Pulse() {
	select {
	case p.pulse <- struct{}{}:
	default:
	}
}

// Run processes items until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.opts.Logger.Info(ctx, "processor %s started tenant=%s box=%s", p.opts.WorkerID, p.opts.Tenant, p.opts.Box)
	for {
		n, err := p.ProcessOnce(ctx)
		if err != nil {
			p.opts.Logger.Error(ctx, "processor tenant=%s box=%s: %v", p.opts.Tenant, p.opts.Box, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && n >= p.opts.BatchSize {
			continue
		}

		timer := time.NewTimer(p.nextWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.pulse:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextWait sleeps until the next scheduled item but never longer than PollInterval.
func (p *Processor) nextWait(ctx context.Context) time.Duration {
	status, err := p.store.Status(ctx)
	if err != nil {
		p.opts.Hooks.OnStoreError(ctx, "status", "", err)
		return p.opts.PollInterval
	}
	if status.NextRunTime.IsZero() {
		return p.opts.PollInterval
	}
	d := status.NextRunTime.Sub(p.opts.Now())
	if d < 0 {
		return 0
	}
	return min(d, p.opts.PollInterval)
}

// ProcessOnce pops one batch, dispatches it and waits for every worker to return.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	start := p.opts.Now()
	defer func() {
		p.opts.Hooks.OnCycle(ctx, p.opts.Box, p.opts.Now().Sub(start))
	}()

	items, err := p.store.PopReadyBatch(ctx, p.opts.BatchSize)
	p.opts.Hooks.OnPop(ctx, p.opts.Box, p.opts.BatchSize, len(items))
	if err != nil {
		p.opts.Hooks.OnStoreError(ctx, "pop", "", err)
		return 0, fmt.Errorf("peertransit: failed to pop %s batch: %w", p.opts.Box, err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, p.opts.Concurrency)
	var wg sync.WaitGroup
dispatch:
	for _, item := range items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// undispatched items stay in flight until reconciliation releases them
			break dispatch
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.dispatch(ctx, item)
		}()
	}
	wg.Wait()
	return len(items), nil
}

func (p *Processor) dispatch(ctx context.Context, item Item) {
	ctx, span := tracer.Start(ctx, "Dispatching queue item", trace.WithAttributes(
		attribute.String("peertransit.tenant", item.Tenant),
		attribute.String("peertransit.box", string(p.opts.Box)),
		attribute.String("peertransit.kind", string(item.Kind)),
		attribute.String("peertransit.peer", item.Peer),
		attribute.Int("peertransit.attempt", item.AttemptCount),
	))
	defer span.End()

	worker, err := p.registry.Lookup(item.Kind)
	var outcome Outcome
	if err != nil {
		p.opts.Logger.Error(ctx, "item %s: %v", item.Marker, err)
		outcome = Retry("", time.Time{}, err.Error())
	} else {
		outcome = p.invoke(ctx, worker, item)
	}

	if ctx.Err() != nil {
		p.opts.Logger.Info(ctx, "item %s left in flight: %v", item.Marker, ctx.Err())
		span.SetStatus(codes.Error, "cancelled")
		return
	}

	span.SetAttributes(attribute.String("peertransit.outcome", outcome.Kind.String()))
	if outcome.Status != "" {
		span.SetAttributes(attribute.String("peertransit.status", string(outcome.Status)))
	}
	if outcome.Kind != OutcomeDelivered {
		span.SetStatus(codes.Error, outcome.Reason)
	}

	outcome, ok := p.apply(ctx, worker, item, outcome)
	if !ok {
		return
	}
	p.record(ctx, item, outcome)
}

func (p *Processor) invoke(ctx context.Context, worker Worker, item Item) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.opts.Logger.Error(ctx, "worker panic on item %s: %v", item.Marker, r)
			outcome = Retry(StatusUnknownServerError, time.Time{}, fmt.Sprintf("panic: %v", r))
		}
	}()
	return worker.Process(ctx, item)
}

// apply returns the outcome as stored and whether the store accepted it.
func (p *Processor) apply(ctx context.Context, worker Worker, item Item, outcome Outcome) (Outcome, bool) {
	if !outcome.ShouldMarkComplete() {
		attempt := item.AttemptCount + 1
		if p.opts.MaxAttempts == 0 || attempt < p.opts.MaxAttempts {
			return outcome, p.reschedule(ctx, item, attempt, outcome)
		}
		p.opts.Logger.Warn(ctx, "item %s abandoned after %d attempts: %s", item.Marker, attempt, outcome.Reason)
		outcome = Abandon(StatusMaxAttemptsExceeded, outcome.Reason)
	}

	if err := p.store.MarkComplete(ctx, item.Marker); err != nil {
		p.opts.Hooks.OnStoreError(ctx, "mark_complete", item.Marker, err)
		p.opts.Logger.Error(ctx, "mark complete failed marker=%s: %v", item.Marker, err)
		return outcome, false
	}
	if outcome.Kind == OutcomeDelivered {
		p.opts.Hooks.OnDelivered(ctx, item, outcome)
	} else {
		p.opts.Hooks.OnAbandon(ctx, item, outcome)
		p.opts.Logger.Warn(ctx, "item %s to %s abandoned status=%s: %s", item.Marker, item.Peer, outcome.Status, outcome.Reason)
	}
	if c, ok := worker.(Completer); ok {
		c.AfterComplete(ctx, item)
	}
	return outcome, true
}

func (p *Processor) reschedule(ctx context.Context, item Item, attempt int, outcome Outcome) bool {
	now := p.opts.Now().UTC()
	next := outcome.NextRunTime
	if next.IsZero() {
		next = now.Add(p.opts.Backoff(attempt))
	}
	delay := next.Sub(now)
	if err := p.store.MarkFailed(ctx, item.Marker, next); err != nil {
		p.opts.Hooks.OnStoreError(ctx, "mark_failed", item.Marker, err)
		p.opts.Logger.Error(ctx, "mark failed marker=%s: %v (reason: %s)", item.Marker, err, outcome.Reason)
		return false
	}
	p.opts.Hooks.OnRetry(ctx, item, attempt, delay)
	p.opts.Logger.Warn(ctx, "item %s to %s scheduled for retry #%d in %s: %s", item.Marker, item.Peer, attempt, delay, outcome.Reason)
	return true
}

func (p *Processor) record(ctx context.Context, item Item, outcome Outcome) {
	if p.opts.History == nil || p.opts.Box != Outbox || outcome.Status == "" {
		return
	}
	if err := p.opts.History.Record(ctx, item.Tenant, item.File, item.Peer, outcome.Status); err != nil {
		p.opts.Logger.Warn(ctx, "history record failed file=%s peer=%s: %v", item.File, item.Peer, err)
	}
}

// noopLogger discards all logs.
type noopLogger struct{}

// Info implements Logger.
func (noopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (noopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (noopLogger) Error(context.Context, string, ...any) {}

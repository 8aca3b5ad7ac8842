package peertransit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Locker is a lease held while one instance reconciles a tenant.
type Locker interface {
	Lock(ctx context.Context, ttl time.Duration) error
	// Extend renews a held lease for another ttl.
	Extend(ctx context.Context, ttl time.Duration) error
	Unlock(ctx context.Context) error
}

// ReconcileTarget pairs a store with the processor to wake when items are recovered.
type ReconcileTarget struct {
	Box    Box
	Store  Store
	Pulser Pulser
}

// ReconcilerOptions configure the reconciliation loop.
type ReconcilerOptions struct {
	Tenant string
	// Interval between passes.
	Interval time.Duration
	// RecoveryAge is how long an item may stay in flight before it is considered abandoned.
	RecoveryAge time.Duration
	// Locker, when set, must be acquired before a pass; contention skips the pass.
	Locker Locker
	// LeaseTTL is the lifetime of the lease; it is renewed every LeaseTTL/3 while a pass runs.
	// Defaults to Interval.
	LeaseTTL time.Duration
	Logger   Logger
	Hooks    Hooks
	Now      func() time.Time
}

func (o *ReconcilerOptions) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.RecoveryAge <= 0 {
		o.RecoveryAge = 5 * time.Minute
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = o.Interval
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Hooks == nil {
		o.Hooks = noopHooks{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Reconciler periodically releases in-flight items whose worker died.
type Reconciler struct {
	targets []ReconcileTarget
	opts    ReconcilerOptions
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewReconciler(targets []ReconcileTarget, opts ReconcilerOptions) *Reconciler {
	opts.setDefaults()
	return &Reconciler{
		targets: targets,
		opts:    opts,
		stopCh:  make(chan struct{}),
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()

	r.opts.Logger.Info(ctx, "reconciler started tenant=%s interval=%s recovery_age=%s", r.opts.Tenant, r.opts.Interval, r.opts.RecoveryAge)
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.opts.Logger.Error(ctx, "reconcile tenant=%s: %v", r.opts.Tenant, err)
			}
		}
	}
}

// RunOnce performs a single pass and returns the recovered count per box.
func (r *Reconciler) RunOnce(ctx context.Context) (map[Box]int, error) {
	if r.opts.Locker != nil {
		if err := r.opts.Locker.Lock(ctx, r.opts.LeaseTTL); err != nil {
			r.opts.Logger.Info(ctx, "reconcile tenant=%s skipped: %v", r.opts.Tenant, err)
			return nil, nil
		}
		stop := r.renewLease(ctx)
		defer func() {
			stop()
			if err := r.opts.Locker.Unlock(ctx); err != nil {
				r.opts.Logger.Warn(ctx, "reconcile tenant=%s unlock: %v", r.opts.Tenant, err)
			}
		}()
	}

	cutoff := r.opts.Now().UTC().Add(-r.opts.RecoveryAge)
	counts := make(map[Box]int, len(r.targets))
	var errs []error
	for _, target := range r.targets {
		n, err := target.Store.RecoverDead(ctx, cutoff)
		if err != nil {
			r.opts.Hooks.OnStoreError(ctx, "recover_dead", "", err)
			errs = append(errs, fmt.Errorf("peertransit: failed to recover %s: %w", target.Box, err))
			continue
		}
		counts[target.Box] = n
		if n == 0 {
			continue
		}
		r.opts.Hooks.OnRecovered(ctx, target.Box, n)
		r.opts.Logger.Info(ctx, "recovered %d abandoned %s items tenant=%s", n, target.Box, r.opts.Tenant)
		if target.Pulser != nil {
			target.Pulser.Pulse()
		}
	}
	return counts, errors.Join(errs...)
}

// renewLease keeps the lease alive while a pass outlasts LeaseTTL. The returned func stops renewal.
func (r *Reconciler) renewLease(ctx context.Context) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(r.opts.LeaseTTL/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := r.opts.Locker.Extend(ctx, r.opts.LeaseTTL); err != nil {
					r.opts.Logger.Warn(ctx, "reconcile tenant=%s lease lost: %v", r.opts.Tenant, err)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

package peertransit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrTenantRunning is returned when a tenant is started twice.
	ErrTenantRunning = errors.New("peertransit: tenant already running")
	// ErrTenantNotFound is returned for tenants the supervisor does not run.
	ErrTenantNotFound = errors.New("peertransit: tenant not found")
)

// TenantRuntime is everything needed to run one tenant's queues.
type TenantRuntime struct {
	Tenant        string
	OutboxStore   Store
	InboxStore    Store
	OutboxWorkers Registry
	InboxWorkers  Registry
	Outbox        Options
	Inbox         Options
	Reconcile     ReconcilerOptions
}

// TenantHandle exposes a running tenant's loops.
type TenantHandle struct {
	ID          string
	Outbox      *Processor
	Inbox       *Processor
	OutboxStore Store
	InboxStore  Store
	Reconciler  *Reconciler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (h *TenantHandle) stop() {
	h.cancel()
	h.Reconciler.Stop()
	h.wg.Wait()
}

// Supervisor owns the per-tenant processor and reconciliation loops.
type Supervisor struct {
	logger  Logger
	mu      sync.Mutex
	tenants map[string]*TenantHandle
}

func NewSupervisor(logger Logger) *Supervisor {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Supervisor{
		logger:  logger,
		tenants: make(map[string]*TenantHandle),
	}
}

// StartTenant launches one outbox processor, one inbox processor and one reconciler for rt.Tenant.
func (s *Supervisor) StartTenant(ctx context.Context, rt TenantRuntime) (*TenantHandle, error) {
	if rt.Tenant == "" {
		return nil, errors.New("peertransit: tenant is required")
	}
	if rt.OutboxStore == nil || rt.InboxStore == nil {
		return nil, fmt.Errorf("peertransit: tenant %s needs both stores", rt.Tenant)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[rt.Tenant]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantRunning, rt.Tenant)
	}

	rt.Outbox.Tenant, rt.Outbox.Box = rt.Tenant, Outbox
	rt.Inbox.Tenant, rt.Inbox.Box = rt.Tenant, Inbox
	rt.Reconcile.Tenant = rt.Tenant

	outbox := NewProcessor(rt.OutboxStore, rt.OutboxWorkers, rt.Outbox)
	inbox := NewProcessor(rt.InboxStore, rt.InboxWorkers, rt.Inbox)
	reconciler := NewReconciler([]ReconcileTarget{
		{Box: Outbox, Store: rt.OutboxStore, Pulser: outbox},
		{Box: Inbox, Store: rt.InboxStore, Pulser: inbox},
	}, rt.Reconcile)

	runCtx, cancel := context.WithCancel(ctx)
	h := &TenantHandle{
		ID:          rt.Tenant,
		Outbox:      outbox,
		Inbox:       inbox,
		OutboxStore: rt.OutboxStore,
		InboxStore:  rt.InboxStore,
		Reconciler:  reconciler,
		cancel:      cancel,
	}
	for _, p := range []*Processor{outbox, inbox} {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := p.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error(runCtx, "tenant %s %s processor stopped: %v", rt.Tenant, p.opts.Box, err)
			}
		}()
	}
	reconciler.Start(runCtx)

	s.tenants[rt.Tenant] = h
	s.logger.Info(ctx, "tenant %s started", rt.Tenant)
	return h, nil
}

// StopTenant cancels a tenant's loops and waits for them to return.
func (s *Supervisor) StopTenant(id string) error {
	s.mu.Lock()
	h, ok := s.tenants[id]
	delete(s.tenants, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	h.stop()
	s.logger.Info(context.Background(), "tenant %s stopped", id)
	return nil
}

// Stop stops every tenant.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	handles := make([]*TenantHandle, 0, len(s.tenants))
	for _, h := range s.tenants {
		handles = append(handles, h)
	}
	clear(s.tenants)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.stop()
		}()
	}
	wg.Wait()
}

// Tenant returns the handle of a running tenant.
func (s *Supervisor) Tenant(id string) (*TenantHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.tenants[id]
	return h, ok
}

// Tenants lists running tenants in lexical order.
func (s *Supervisor) Tenants() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Inbox returns the inbox store of identity and the processor to pulse after enqueueing into it.
func (s *Supervisor) Inbox(identity string) (Store, Pulser, bool) {
	h, ok := s.Tenant(identity)
	if !ok {
		return nil, nil, false
	}
	return h.InboxStore, h.Inbox, true
}

// Outbox returns the outbox store of identity and the processor to pulse after enqueueing into it.
func (s *Supervisor) Outbox(identity string) (Store, Pulser, bool) {
	h, ok := s.Tenant(identity)
	if !ok {
		return nil, nil, false
	}
	return h.OutboxStore, h.Outbox, true
}

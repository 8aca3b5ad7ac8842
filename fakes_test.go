package peertransit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/stores"
)

const tenant = "frodo.example"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newOutbox(clk *testClock) *stores.MemoryStore {
	return stores.NewMemoryStore(peertransit.Scope{Tenant: tenant, Box: peertransit.Outbox}, stores.WithMemoryNow(clk.Now))
}

func newFileID() peertransit.FileID {
	return peertransit.FileID{DriveID: uuid.New(), FileID: uuid.New()}
}

func newTransferItem(t *testing.T, file peertransit.FileID, recipient string) peertransit.Item {
	t.Helper()
	item, err := peertransit.NewItem(tenant, file, recipient, peertransit.KindFileTransfer, peertransit.TransferInstructions{
		GlobalTransitID: uuid.New(),
		TargetDrive:     uuid.New(),
	})
	if err != nil {
		t.Fatalf("NewItem() error = %v", err)
	}
	return item
}

func mustEnqueue(t *testing.T, store peertransit.Store, items ...peertransit.Item) {
	t.Helper()
	for _, item := range items {
		if err := store.Enqueue(context.Background(), nil, item); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel")
	}
}

func signal(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// scriptedWorker returns its outcomes in order and repeats the last one.
type scriptedWorker struct {
	mu       sync.Mutex
	outcomes []peertransit.Outcome
	calls    []peertransit.Item
	called   chan struct{}
}

func newScriptedWorker(outcomes ...peertransit.Outcome) *scriptedWorker {
	return &scriptedWorker{outcomes: outcomes, called: make(chan struct{}, 64)}
}

func (w *scriptedWorker) Process(_ context.Context, item peertransit.Item) peertransit.Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, item)
	signal(w.called)
	idx := min(len(w.calls)-1, len(w.outcomes)-1)
	return w.outcomes[idx]
}

func (w *scriptedWorker) Calls() []peertransit.Item {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]peertransit.Item(nil), w.calls...)
}

type faultyStore struct {
	peertransit.Store
	popErr          error
	markFailedErr   error
	markCompleteErr error
	statusErr       error
	recoverErr      error
}

func (s *faultyStore) PopReadyBatch(ctx context.Context, max int) ([]peertransit.Item, error) {
	if s.popErr != nil {
		return nil, s.popErr
	}
	return s.Store.PopReadyBatch(ctx, max)
}

func (s *faultyStore) MarkFailed(ctx context.Context, marker string, next time.Time) error {
	if s.markFailedErr != nil {
		return s.markFailedErr
	}
	return s.Store.MarkFailed(ctx, marker, next)
}

func (s *faultyStore) MarkComplete(ctx context.Context, marker string) error {
	if s.markCompleteErr != nil {
		return s.markCompleteErr
	}
	return s.Store.MarkComplete(ctx, marker)
}

func (s *faultyStore) Status(ctx context.Context) (peertransit.Status, error) {
	if s.statusErr != nil {
		return peertransit.Status{}, s.statusErr
	}
	return s.Store.Status(ctx)
}

func (s *faultyStore) RecoverDead(ctx context.Context, olderThan time.Time) (int, error) {
	if s.recoverErr != nil {
		return 0, s.recoverErr
	}
	return s.Store.RecoverDead(ctx, olderThan)
}

type fakeHistory struct {
	mu      sync.Mutex
	records map[string][]peertransit.TransferStatus
	err     error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{records: make(map[string][]peertransit.TransferStatus)}
}

func (h *fakeHistory) Record(_ context.Context, _ string, file peertransit.FileID, recipient string, status peertransit.TransferStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	key := file.String() + "|" + recipient
	h.records[key] = append(h.records[key], status)
	return nil
}

func (h *fakeHistory) Get(_ context.Context, _ string, file peertransit.FileID) (map[string]peertransit.HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]peertransit.HistoryRecord)
	prefix := file.String() + "|"
	for key, statuses := range h.records {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out[key[len(prefix):]] = peertransit.HistoryRecord{Status: statuses[len(statuses)-1]}
		}
	}
	return out, nil
}

// Statuses returns every status recorded for file and recipient, oldest first.
func (h *fakeHistory) Statuses(file peertransit.FileID, recipient string) []peertransit.TransferStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]peertransit.TransferStatus(nil), h.records[file.String()+"|"+recipient]...)
}

type pulseCounter struct {
	mu sync.Mutex
	n  int
}

func (p *pulseCounter) Pulse() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
}

func (p *pulseCounter) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

type hookSpy struct {
	mu          sync.Mutex
	pops        []popMetric
	delivered   []peertransit.Outcome
	retries     []retryMetric
	abandoned   []peertransit.Outcome
	storeErrors []storeError
	cycles      int
	recovered   map[peertransit.Box]int

	deliveredCh chan struct{}
	cycleCh     chan struct{}
}

type popMetric struct {
	box    peertransit.Box
	batch  int
	popped int
}

type retryMetric struct {
	attempt int
	delay   time.Duration
}

type storeError struct {
	op     string
	marker string
}

func newHookSpy() *hookSpy {
	return &hookSpy{
		recovered:   make(map[peertransit.Box]int),
		deliveredCh: make(chan struct{}, 64),
		cycleCh:     make(chan struct{}, 1),
	}
}

func (m *hookSpy) OnPop(_ context.Context, box peertransit.Box, batchSize int, popped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pops = append(m.pops, popMetric{box: box, batch: batchSize, popped: popped})
}

func (m *hookSpy) OnDelivered(_ context.Context, _ peertransit.Item, outcome peertransit.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, outcome)
	signal(m.deliveredCh)
}

func (m *hookSpy) OnRetry(_ context.Context, _ peertransit.Item, attempt int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = append(m.retries, retryMetric{attempt: attempt, delay: delay})
}

func (m *hookSpy) OnAbandon(_ context.Context, _ peertransit.Item, outcome peertransit.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned = append(m.abandoned, outcome)
}

func (m *hookSpy) OnStoreError(_ context.Context, op string, marker string, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeErrors = append(m.storeErrors, storeError{op: op, marker: marker})
}

func (m *hookSpy) OnCycle(context.Context, peertransit.Box, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
	signal(m.cycleCh)
}

func (m *hookSpy) OnRecovered(_ context.Context, box peertransit.Box, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovered[box] += count
}

func (m *hookSpy) Delivered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delivered)
}

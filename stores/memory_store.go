package stores

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/internal/sqlutil"
)

// MemoryStore keeps a box in process memory.
type MemoryStore struct {
	scope peertransit.Scope
	now   func() time.Time

	mu     sync.Mutex
	nextID int64
	rows   map[int64]*peertransit.Item
	keys   map[uniqueKey]int64
}

type uniqueKey struct {
	file peertransit.FileID
	peer string
	kind peertransit.PayloadKind
}

type MemoryOption func(*MemoryStore)

func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(scope peertransit.Scope, opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		scope: scope,
		now:   time.Now,
		rows:  make(map[int64]*peertransit.Item),
		keys:  make(map[uniqueKey]int64),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Enqueue ignores exec; memory rows cannot join a SQL transaction.
func (s *MemoryStore) Enqueue(ctx context.Context, _ peertransit.Executor, item peertransit.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	item, err := prepare(s.scope, item, s.now().UTC())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := uniqueKey{file: item.File, peer: item.Peer, kind: item.Kind}
	if _, ok := s.keys[key]; ok {
		return nil
	}
	s.nextID++
	item.ID = s.nextID
	item.Marker = ""
	item.CheckedOutAt = time.Time{}
	item.State = bytes.Clone(item.State)
	s.rows[item.ID] = &item
	s.keys[key] = item.ID
	return nil
}

func (s *MemoryStore) PopReadyBatch(ctx context.Context, max int) ([]peertransit.Item, error) {
	if max <= 0 {
		return nil, errBatchSize
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	ready := make([]peertransit.Item, 0, len(s.rows))
	for _, row := range s.rows {
		if row.Marker == "" && !row.NextRunTime.After(now) {
			ready = append(ready, *row)
		}
	}
	sortItems(ready)
	if len(ready) > max {
		ready = ready[:max]
	}

	stamp := peertransit.NewBatchStamp()
	for i := range ready {
		row := s.rows[ready[i].ID]
		row.Marker = peertransit.MarkerFor(stamp, row.ID)
		row.CheckedOutAt = now
		ready[i] = clone(*row)
	}
	return ready, nil
}

func (s *MemoryStore) MarkComplete(ctx context.Context, marker string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byMarker(marker)
	if !ok {
		return nil
	}
	delete(s.rows, row.ID)
	delete(s.keys, uniqueKey{file: row.File, peer: row.Peer, kind: row.Kind})
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, marker string, nextRunTime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byMarker(marker)
	if !ok {
		return fmt.Errorf("%w: %s", peertransit.ErrMarkerNotFound, marker)
	}
	row.Marker = ""
	row.CheckedOutAt = time.Time{}
	row.AttemptCount++
	row.NextRunTime = sqlutil.FromUnixMillis(sqlutil.UnixMillis(nextRunTime))
	return nil
}

func (s *MemoryStore) RecoverDead(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if row.Marker != "" && row.CheckedOutAt.Before(olderThan) {
			row.Marker = ""
			row.CheckedOutAt = time.Time{}
			row.NextRunTime = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Status(ctx context.Context) (peertransit.Status, error) {
	if err := ctx.Err(); err != nil {
		return peertransit.Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status := peertransit.Status{Total: len(s.rows)}
	for _, row := range s.rows {
		if row.Marker != "" {
			status.InFlight++
			continue
		}
		if status.NextRunTime.IsZero() || row.NextRunTime.Before(status.NextRunTime) {
			status.NextRunTime = row.NextRunTime
		}
	}
	return status, nil
}

func (s *MemoryStore) CountForFile(ctx context.Context, file peertransit.FileID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if row.File == file {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the row with id; tests use it to inspect state.
func (s *MemoryStore) Get(id int64) (peertransit.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return peertransit.Item{}, false
	}
	return clone(*row), true
}

// Items returns copies of every row in pop order.
func (s *MemoryStore) Items() []peertransit.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]peertransit.Item, 0, len(s.rows))
	for _, row := range s.rows {
		items = append(items, clone(*row))
	}
	sortItems(items)
	return items
}

func (s *MemoryStore) byMarker(marker string) (*peertransit.Item, bool) {
	if marker == "" {
		return nil, false
	}
	if _, id, ok := peertransit.ParseMarker(marker); ok {
		row, found := s.rows[id]
		return row, found && row.Marker == marker
	}
	return nil, false
}

func clone(item peertransit.Item) peertransit.Item {
	item.State = bytes.Clone(item.State)
	return item
}

package peertransit

import (
	"context"
	"database/sql"
	"time"
)

// Executor is the minimal surface needed from *sql.Tx or *sql.DB.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Scope binds a store to one tenant's box.
type Scope struct {
	Tenant string
	Box    Box
}

// Status summarises a box.
type Status struct {
	// Total counts every row in the box.
	Total int
	// InFlight counts rows currently holding a marker.
	InFlight int
	// NextRunTime is the earliest next run of a ready item; zero when nothing is ready.
	NextRunTime time.Time
}

// Store is the durable queue behind an outbox or inbox.
type Store interface {
	// Enqueue inserts a ready item. A nil exec uses the store's own database.
	// Enqueueing an item whose (file, peer, kind) already exists is a no-op.
	Enqueue(ctx context.Context, exec Executor, item Item) error
	// PopReadyBatch claims up to max ready items whose next run time has passed.
	PopReadyBatch(ctx context.Context, max int) ([]Item, error)
	// MarkComplete deletes the item holding marker. Unknown markers are ignored.
	MarkComplete(ctx context.Context, marker string) error
	// MarkFailed releases the item, increments its attempt count and reschedules it.
	MarkFailed(ctx context.Context, marker string, nextRunTime time.Time) error
	// RecoverDead releases items claimed before olderThan and makes them ready now.
	RecoverDead(ctx context.Context, olderThan time.Time) (int, error)
	// Status reports queue depth and the next scheduled run.
	Status(ctx context.Context) (Status, error)
	// CountForFile counts the rows (ready or in flight) for a file.
	CountForFile(ctx context.Context, file FileID) (int, error)
}

package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/internal/sqlutil"
)

// SQLiteStore stores a box in SQLite. Pops are a single UPDATE ... RETURNING statement.
type SQLiteStore struct {
	db    *sql.DB
	scope peertransit.Scope
	table string
	now   func() time.Time
}

// SQLiteOption customises the SQLite store.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteTable overrides the table name.
func WithSQLiteTable(name string) SQLiteOption {
	return func(s *SQLiteStore) {
		if name != "" {
			s.table = name
		}
	}
}

// WithSQLiteNow overrides the time source.
func WithSQLiteNow(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLiteStore builds a store for scope over db.
func NewSQLiteStore(db *sql.DB, scope peertransit.Scope, opts ...SQLiteOption) *SQLiteStore {
	store := &SQLiteStore{
		db:    db,
		scope: scope,
		table: TableFor(scope.Box),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Enqueue inserts a ready item, ignoring duplicates of (file, peer, kind).
func (s *SQLiteStore) Enqueue(ctx context.Context, exec peertransit.Executor, item peertransit.Item) error {
	item, err := prepare(s.scope, item, s.now().UTC())
	if err != nil {
		return err
	}
	if exec == nil {
		exec = s.db
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (%s) DO NOTHING",
		s.tableIdent(), insertColumns, uniqueColumns,
	)
	_, err = exec.ExecContext(ctx, query, insertArgs(item)...)
	return err
}

// PopReadyBatch claims up to max ready items.
func (s *SQLiteStore) PopReadyBatch(ctx context.Context, max int) ([]peertransit.Item, error) {
	if max <= 0 {
		return nil, errBatchSize
	}
	now := sqlutil.UnixMillis(s.now().UTC())
	query := fmt.Sprintf(`
UPDATE %s
SET marker = ? || '/' || id,
    checked_out_at = ?
WHERE id IN (
    SELECT id FROM %s
    WHERE tenant = ?
      AND marker IS NULL
      AND next_run_at <= ?
    ORDER BY priority, next_run_at, id
    LIMIT ?
)
RETURNING %s;`, s.tableIdent(), s.tableIdent(), itemColumns)

	rows, err := s.db.QueryContext(ctx, query, peertransit.NewBatchStamp(), now, s.scope.Tenant, now, max)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) { _ = rows.Close() }(rows)
	return scanItems(rows)
}

// MarkComplete deletes the row holding marker.
func (s *SQLiteStore) MarkComplete(ctx context.Context, marker string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE tenant = ? AND marker = ?", s.tableIdent())
	_, err := s.db.ExecContext(ctx, query, s.scope.Tenant, marker)
	return err
}

// MarkFailed returns the row to ready with one more attempt.
func (s *SQLiteStore) MarkFailed(ctx context.Context, marker string, nextRunTime time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET marker = NULL,
    checked_out_at = NULL,
    attempt_count = attempt_count + 1,
    next_run_at = ?
WHERE tenant = ? AND marker = ?`, s.tableIdent())
	res, err := s.db.ExecContext(ctx, query, sqlutil.UnixMillis(nextRunTime), s.scope.Tenant, marker)
	if err != nil {
		return err
	}
	return markerAffected(res, marker)
}

// RecoverDead releases rows claimed before olderThan.
func (s *SQLiteStore) RecoverDead(ctx context.Context, olderThan time.Time) (int, error) {
	query := fmt.Sprintf(`
UPDATE %s
SET marker = NULL,
    checked_out_at = NULL,
    next_run_at = ?
WHERE tenant = ? AND marker IS NOT NULL AND checked_out_at < ?`, s.tableIdent())
	res, err := s.db.ExecContext(ctx, query, sqlutil.UnixMillis(s.now().UTC()), s.scope.Tenant, sqlutil.UnixMillis(olderThan))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Status summarises the box.
func (s *SQLiteStore) Status(ctx context.Context) (peertransit.Status, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*), COUNT(marker), MIN(CASE WHEN marker IS NULL THEN next_run_at END) FROM %s WHERE tenant = ?",
		s.tableIdent(),
	)
	return scanStatus(s.db.QueryRowContext(ctx, query, s.scope.Tenant))
}

// CountForFile counts rows for file.
func (s *SQLiteStore) CountForFile(ctx context.Context, file peertransit.FileID) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE tenant = ? AND drive_id = ? AND file_id = ?", s.tableIdent())
	var n int
	err := s.db.QueryRowContext(ctx, query, s.scope.Tenant, file.DriveID.String(), file.FileID.String()).Scan(&n)
	return n, err
}

func (s *SQLiteStore) tableIdent() string {
	return sqlutil.QuoteIdentifier(s.table, `"`)
}

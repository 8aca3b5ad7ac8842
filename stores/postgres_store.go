package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/internal/sqlutil"
)

type PostgresStore struct {
	db    *sql.DB
	scope peertransit.Scope
	table string
	now   func() time.Time
}

type PostgresOption func(*PostgresStore)

func WithPostgresTable(table string) PostgresOption {
	return func(s *PostgresStore) {
		if table != "" {
			s.table = table
		}
	}
}

func WithPostgresNow(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewPostgresStore(db *sql.DB, scope peertransit.Scope, opts ...PostgresOption) *PostgresStore {
	store := &PostgresStore{
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

func (s *PostgresStore) Enqueue(ctx context.Context, exec peertransit.Executor, item peertransit.Item) error {
	item, err := prepare(s.scope, item, s.now().UTC())
	if err != nil {
		return err
	}
	if exec == nil {
		exec = s.db
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ON CONFLICT (%s) DO NOTHING",
		s.tableIdent(), insertColumns, uniqueColumns,
	)
	_, err = exec.ExecContext(ctx, query, insertArgs(item)...)
	return err
}

func (s *PostgresStore) PopReadyBatch(ctx context.Context, max int) ([]peertransit.Item, error) {
	if max <= 0 {
		return nil, errBatchSize
	}
	now := sqlutil.UnixMillis(s.now().UTC())
	query := fmt.Sprintf(`
WITH candidates AS (
    SELECT id FROM %s
    WHERE tenant = $1
      AND marker IS NULL
      AND next_run_at <= $2
    ORDER BY priority, next_run_at, id
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE %s AS o
SET marker = $4::text || '/' || o.id::text,
    checked_out_at = $2
FROM candidates
WHERE o.id = candidates.id
RETURNING o.id, o.tenant, o.drive_id, o.file_id, o.peer, o.kind, o.priority, o.state,
          o.attempt_count, o.next_run_at, o.created_at, o.marker, o.checked_out_at, o.correlation_id;
`, s.tableIdent(), s.tableIdent())

	rows, err := s.db.QueryContext(ctx, query, s.scope.Tenant, now, max, peertransit.NewBatchStamp())
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)
	return scanItems(rows)
}

func (s *PostgresStore) MarkComplete(ctx context.Context, marker string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE tenant = $1 AND marker = $2", s.tableIdent())
	_, err := s.db.ExecContext(ctx, query, s.scope.Tenant, marker)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, marker string, nextRunTime time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET marker = NULL,
    checked_out_at = NULL,
    attempt_count = attempt_count + 1,
    next_run_at = $3
WHERE tenant = $1 AND marker = $2`, s.tableIdent())
	res, err := s.db.ExecContext(ctx, query, s.scope.Tenant, marker, sqlutil.UnixMillis(nextRunTime))
	if err != nil {
		return err
	}
	return markerAffected(res, marker)
}

func (s *PostgresStore) RecoverDead(ctx context.Context, olderThan time.Time) (int, error) {
	query := fmt.Sprintf(`
UPDATE %s
SET marker = NULL,
    checked_out_at = NULL,
    next_run_at = $2
WHERE tenant = $1 AND marker IS NOT NULL AND checked_out_at < $3`, s.tableIdent())
	res, err := s.db.ExecContext(ctx, query, s.scope.Tenant, sqlutil.UnixMillis(s.now().UTC()), sqlutil.UnixMillis(olderThan))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Status(ctx context.Context) (peertransit.Status, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*), COUNT(marker), MIN(CASE WHEN marker IS NULL THEN next_run_at END) FROM %s WHERE tenant = $1",
		s.tableIdent(),
	)
	return scanStatus(s.db.QueryRowContext(ctx, query, s.scope.Tenant))
}

func (s *PostgresStore) CountForFile(ctx context.Context, file peertransit.FileID) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE tenant = $1 AND drive_id = $2 AND file_id = $3", s.tableIdent())
	var n int
	err := s.db.QueryRowContext(ctx, query, s.scope.Tenant, file.DriveID.String(), file.FileID.String()).Scan(&n)
	return n, err
}

func (s *PostgresStore) tableIdent() string {
	return sqlutil.QuoteIdentifier(s.table, `"`)
}

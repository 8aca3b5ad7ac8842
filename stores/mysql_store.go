package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/internal/sqlutil"
)

type MySQLStore struct {
	db    *sql.DB
	scope peertransit.Scope
	table string
	now   func() time.Time
}

type MySQLOption func(*MySQLStore)

func WithMySQLTable(table string) MySQLOption {
	return func(s *MySQLStore) {
		if table != "" {
			s.table = table
		}
	}
}

func WithMySQLNow(now func() time.Time) MySQLOption {
	return func(s *MySQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMySQLStore(db *sql.DB, scope peertransit.Scope, opts ...MySQLOption) *MySQLStore {
	store := &MySQLStore{
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

func (s *MySQLStore) Enqueue(ctx context.Context, exec peertransit.Executor, item peertransit.Item) error {
	item, err := prepare(s.scope, item, s.now().UTC())
	if err != nil {
		return err
	}
	if exec == nil {
		exec = s.db
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE id = id",
		s.tableIdent(), insertColumns,
	)
	_, err = exec.ExecContext(ctx, query, insertArgs(item)...)
	return err
}

// PopReadyBatch locks candidates with SKIP LOCKED, stamps them and reads them back in one transaction.
func (s *MySQLStore) PopReadyBatch(ctx context.Context, max int) ([]peertransit.Item, error) {
	if max <= 0 {
		return nil, errBatchSize
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := sqlutil.UnixMillis(s.now().UTC())
	ids, err := s.selectCandidateIDs(ctx, tx, now, max)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if err := s.markInFlight(ctx, tx, ids, peertransit.NewBatchStamp(), now); err != nil {
		return nil, err
	}

	items, err := s.fetchItems(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *MySQLStore) selectCandidateIDs(ctx context.Context, tx *sql.Tx, now int64, limit int) ([]int64, error) {
	query := fmt.Sprintf(`
SELECT id FROM %s
WHERE tenant = ?
  AND marker IS NULL
  AND next_run_at <= ?
ORDER BY priority, next_run_at, id
LIMIT %d
FOR UPDATE SKIP LOCKED`, s.tableIdent(), limit)
	rows, err := tx.QueryContext(ctx, query, s.scope.Tenant, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *MySQLStore) markInFlight(ctx context.Context, tx *sql.Tx, ids []int64, stamp string, now int64) error {
	query := fmt.Sprintf(`
UPDATE %s
SET marker = CONCAT(?, '/', id),
    checked_out_at = ?
WHERE id IN (%s)`, s.tableIdent(), sqlutil.Placeholders(len(ids)))
	args := append([]any{stamp, now}, sqlutil.Args(ids)...)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (s *MySQLStore) fetchItems(ctx context.Context, tx *sql.Tx, ids []int64) ([]peertransit.Item, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id IN (%s)", itemColumns, s.tableIdent(), sqlutil.Placeholders(len(ids)))
	rows, err := tx.QueryContext(ctx, query, sqlutil.Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *MySQLStore) MarkComplete(ctx context.Context, marker string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE tenant = ? AND marker = ?", s.tableIdent())
	_, err := s.db.ExecContext(ctx, query, s.scope.Tenant, marker)
	return err
}

func (s *MySQLStore) MarkFailed(ctx context.Context, marker string, nextRunTime time.Time) error {
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

func (s *MySQLStore) RecoverDead(ctx context.Context, olderThan time.Time) (int, error) {
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

func (s *MySQLStore) Status(ctx context.Context) (peertransit.Status, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*), COUNT(marker), MIN(CASE WHEN marker IS NULL THEN next_run_at END) FROM %s WHERE tenant = ?",
		s.tableIdent(),
	)
	return scanStatus(s.db.QueryRowContext(ctx, query, s.scope.Tenant))
}

func (s *MySQLStore) CountForFile(ctx context.Context, file peertransit.FileID) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE tenant = ? AND drive_id = ? AND file_id = ?", s.tableIdent())
	var n int
	err := s.db.QueryRowContext(ctx, query, s.scope.Tenant, file.DriveID.String(), file.FileID.String()).Scan(&n)
	return n, err
}

func (s *MySQLStore) tableIdent() string {
	return sqlutil.QuoteIdentifier(s.table, "`")
}

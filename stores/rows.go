// Package stores implements peertransit.Store over Postgres, MySQL, SQLite and memory.
package stores

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/internal/sqlutil"
)

const (
	OutboxTable = "peer_outbox"
	InboxTable  = "peer_inbox"
)

// TableFor returns the default table of a box.
func TableFor(box peertransit.Box) string {
	if box == peertransit.Inbox {
		return InboxTable
	}
	return OutboxTable
}

const itemColumns = "id, tenant, drive_id, file_id, peer, kind, priority, state, attempt_count, next_run_at, created_at, marker, checked_out_at, correlation_id"

var errBatchSize = errors.New("peertransit: batch size must be positive")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (peertransit.Item, error) {
	var (
		item       peertransit.Item
		driveID    string
		fileID     string
		kind       string
		state      []byte
		nextRunAt  int64
		createdAt  int64
		marker     sql.NullString
		checkedOut sql.NullInt64
	)
	if err := row.Scan(
		&item.ID, &item.Tenant, &driveID, &fileID, &item.Peer, &kind, &item.Priority, &state,
		&item.AttemptCount, &nextRunAt, &createdAt, &marker, &checkedOut, &item.CorrelationID,
	); err != nil {
		return peertransit.Item{}, err
	}
	var err error
	if item.File.DriveID, err = uuid.Parse(driveID); err != nil {
		return peertransit.Item{}, fmt.Errorf("peertransit: row %d has invalid drive id: %w", item.ID, err)
	}
	if item.File.FileID, err = uuid.Parse(fileID); err != nil {
		return peertransit.Item{}, fmt.Errorf("peertransit: row %d has invalid file id: %w", item.ID, err)
	}
	item.Kind = peertransit.PayloadKind(kind)
	item.State = bytes.Clone(state)
	item.NextRunTime = sqlutil.FromUnixMillis(nextRunAt)
	item.CreatedTime = sqlutil.FromUnixMillis(createdAt)
	item.Marker = sqlutil.StringOrEmpty(marker)
	item.CheckedOutAt = sqlutil.NullMillis(checkedOut)
	return item, nil
}

func scanItems(rows *sql.Rows) ([]peertransit.Item, error) {
	var items []peertransit.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortItems(items)
	return items, nil
}

// sortItems restores pop order, which RETURNING does not guarantee.
func sortItems(items []peertransit.Item) {
	slices.SortFunc(items, func(a, b peertransit.Item) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		if c := a.NextRunTime.Compare(b.NextRunTime); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// prepare validates item for scope and fills in timestamps.
func prepare(scope peertransit.Scope, item peertransit.Item, now time.Time) (peertransit.Item, error) {
	if item.Tenant == "" {
		item.Tenant = scope.Tenant
	}
	if item.Tenant != scope.Tenant {
		return peertransit.Item{}, fmt.Errorf("peertransit: item tenant %q does not match store tenant %q", item.Tenant, scope.Tenant)
	}
	if err := item.Validate(); err != nil {
		return peertransit.Item{}, err
	}
	if len(item.State) == 0 {
		item.State = []byte("{}")
	}
	if item.CreatedTime.IsZero() {
		item.CreatedTime = now
	}
	if item.NextRunTime.IsZero() {
		item.NextRunTime = now
	}
	return item, nil
}

func insertArgs(item peertransit.Item) []any {
	return []any{
		item.Tenant,
		item.File.DriveID.String(),
		item.File.FileID.String(),
		item.Peer,
		string(item.Kind),
		item.Priority,
		[]byte(item.State),
		item.AttemptCount,
		sqlutil.UnixMillis(item.NextRunTime),
		sqlutil.UnixMillis(item.CreatedTime),
		item.CorrelationID,
	}
}

const insertColumns = "tenant, drive_id, file_id, peer, kind, priority, state, attempt_count, next_run_at, created_at, correlation_id"

const uniqueColumns = "tenant, drive_id, file_id, peer, kind"

func scanStatus(row rowScanner) (peertransit.Status, error) {
	var (
		status  peertransit.Status
		nextRun sql.NullInt64
	)
	if err := row.Scan(&status.Total, &status.InFlight, &nextRun); err != nil {
		return peertransit.Status{}, err
	}
	status.NextRunTime = sqlutil.NullMillis(nextRun)
	return status, nil
}

func markerAffected(res sql.Result, marker string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", peertransit.ErrMarkerNotFound, marker)
	}
	return nil
}

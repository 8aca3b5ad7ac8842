package stores_test

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/stores"
)

var columns = []string{
	"id", "tenant", "drive_id", "file_id", "peer", "kind", "priority", "state",
	"attempt_count", "next_run_at", "created_at", "marker", "checked_out_at", "correlation_id",
}

func fixedNow() time.Time {
	return time.UnixMilli(1_700_000_000_000).UTC()
}

func itemRow(id int64, marker string) []driver.Value {
	now := fixedNow().UnixMilli()
	return []driver.Value{
		id, tenant, uuid.NewString(), uuid.NewString(), "sam.example", "file_transfer", 0, []byte(`{}`),
		2, now, now, marker, now, "req-1",
	}
}

func TestPostgresPopReadyBatchClaimsInOneStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := stores.NewPostgresStore(db, peertransit.Scope{Tenant: tenant, Box: peertransit.Outbox},
		stores.WithPostgresNow(fixedNow))

	mock.ExpectQuery(`WITH candidates AS .*FOR UPDATE SKIP LOCKED.*UPDATE "peer_outbox" AS o.*RETURNING`).
		WithArgs(tenant, fixedNow().UnixMilli(), 10, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(itemRow(2, "stamp/2")...).
			AddRow(itemRow(1, "stamp/1")...))

	items, err := store.PopReadyBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[0].ID, "items are returned in pop order")
	assert.Equal(t, "stamp/1", items[0].Marker)
	assert.Equal(t, 2, items[0].AttemptCount)
	assert.Equal(t, fixedNow(), items[0].CheckedOutAt)
	assert.Equal(t, "req-1", items[0].CorrelationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnqueueIgnoresDuplicates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := stores.NewPostgresStore(db, peertransit.Scope{Tenant: tenant, Box: peertransit.Inbox},
		stores.WithPostgresNow(fixedNow))

	mock.ExpectExec(`INSERT INTO "peer_inbox" .* ON CONFLICT \(tenant, drive_id, file_id, peer, kind\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	item := peertransit.Item{
		File: peertransit.FileID{DriveID: uuid.New(), FileID: uuid.New()},
		Peer: "sam.example",
		Kind: peertransit.KindInboxTransfer,
	}
	require.NoError(t, store.Enqueue(context.Background(), nil, item))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkFailedUnknownMarker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := stores.NewPostgresStore(db, peertransit.Scope{Tenant: tenant, Box: peertransit.Outbox})
	next := fixedNow().Add(time.Minute)
	mock.ExpectExec(`UPDATE "peer_outbox"\s+SET marker = NULL,.*attempt_count = attempt_count \+ 1`).
		WithArgs(tenant, "gone/7", next.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.MarkFailed(context.Background(), "gone/7", next)
	assert.ErrorIs(t, err, peertransit.ErrMarkerNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecoverDeadKeepsAttemptCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := stores.NewPostgresStore(db, peertransit.Scope{Tenant: tenant, Box: peertransit.Outbox},
		stores.WithPostgresNow(fixedNow))
	cutoff := fixedNow().Add(-5 * time.Minute)
	mock.ExpectExec(`UPDATE "peer_outbox"\s+SET marker = NULL,\s+checked_out_at = NULL,\s+next_run_at = \$2\s+WHERE tenant = \$1 AND marker IS NOT NULL AND checked_out_at < \$3`).
		WithArgs(tenant, fixedNow().UnixMilli(), cutoff.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.RecoverDead(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLPopReadyBatchUsesTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := stores.NewMySQLStore(db, peertransit.Scope{Tenant: tenant, Box: peertransit.Outbox},
		stores.WithMySQLNow(fixedNow))
	now := fixedNow().UnixMilli()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM `peer_outbox`.*LIMIT 5\\s+FOR UPDATE SKIP LOCKED").
		WithArgs(tenant, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(4)).AddRow(int64(9)))
	mock.ExpectExec("UPDATE `peer_outbox`\\s+SET marker = CONCAT\\(\\?, '/', id\\),\\s+checked_out_at = \\?\\s+WHERE id IN \\(\\?,\\?\\)").
		WithArgs(sqlmock.AnyArg(), now, int64(4), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("SELECT id, tenant, .* FROM `peer_outbox` WHERE id IN \\(\\?,\\?\\)").
		WithArgs(int64(4), int64(9)).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(itemRow(4, "s/4")...).AddRow(itemRow(9, "s/9")...))
	mock.ExpectCommit()

	items, err := store.PopReadyBatch(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "s/4", items[0].Marker)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLPopReadyBatchEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := stores.NewMySQLStore(db, peertransit.Scope{Tenant: tenant, Box: peertransit.Outbox},
		stores.WithMySQLNow(fixedNow))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM `peer_outbox`").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	items, err := store.PopReadyBatch(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLEnqueueIgnoresDuplicates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := stores.NewMySQLStore(db, peertransit.Scope{Tenant: tenant, Box: peertransit.Outbox})
	mock.ExpectExec("INSERT INTO `peer_outbox` .* ON DUPLICATE KEY UPDATE id = id").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Enqueue(context.Background(), nil, peertransit.Item{
		File: peertransit.FileID{DriveID: uuid.New(), FileID: uuid.New()},
		Peer: "sam.example",
		Kind: peertransit.KindFileTransfer,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPopReadyBatchRejectsNonPositiveBatch(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	scope := peertransit.Scope{Tenant: tenant, Box: peertransit.Outbox}
	for name, store := range map[string]peertransit.Store{
		"postgres": stores.NewPostgresStore(db, scope),
		"mysql":    stores.NewMySQLStore(db, scope),
		"sqlite":   stores.NewSQLiteStore(db, scope),
		"memory":   stores.NewMemoryStore(scope),
	} {
		_, err := store.PopReadyBatch(context.Background(), 0)
		assert.Error(t, err, name)
	}
}

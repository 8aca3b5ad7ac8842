package database

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	_ "modernc.org/sqlite"

	"github.com/mickamy/peertransit/stores"
)

// OpenSQLite returns a private in-memory SQLite DB with the queue schema applied.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:peertransit_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping sqlite: %v", err)
	}
	if _, err := stores.Migrate(db, stores.SQLite, migrate.Up); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db
}

package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/mickamy/peertransit/stores"
)

// OpenMySQL connects to MYSQL_DSN (go-sql-driver format), migrates and empties both queues.
// The test is skipped when MYSQL_DSN is unset.
func OpenMySQL(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("MYSQL_DSN not set")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("open mysql (%s): %v", dsn, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping mysql (%s): %v", dsn, err)
	}
	if _, err := stores.Migrate(db, stores.MySQL, migrate.Up); err != nil {
		t.Fatalf("migrate mysql: %v", err)
	}
	for _, table := range []string{"peer_outbox", "peer_inbox"} {
		if _, err := db.ExecContext(ctx, "TRUNCATE "+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return db
}

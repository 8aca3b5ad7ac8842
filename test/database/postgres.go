package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/mickamy/peertransit/stores"
)

// OpenPostgres connects to POSTGRES_DSN, migrates and empties both queues.
// The test is skipped when POSTGRES_DSN is unset.
func OpenPostgres(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres (%s): %v", dsn, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres (%s): %v", dsn, err)
	}
	if _, err := stores.Migrate(db, stores.Postgres, migrate.Up); err != nil {
		t.Fatalf("migrate postgres: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE peer_outbox, peer_inbox`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

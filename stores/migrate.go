package stores

import (
	"database/sql"
	"embed"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

// Dialect names a SQL backend the way sql-migrate does.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite3"
	Memory   Dialect = "memory"
)

//go:embed sql
var sqlFiles embed.FS

// Migrations returns the embedded schema for dialect.
func Migrations(dialect Dialect) migrate.MigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: sqlFiles,
		Root:       "sql/" + string(dialect),
	}
}

// Migrate applies (migrate.Up) or rolls back (migrate.Down) the queue schema and returns the number of migrations run.
func Migrate(db *sql.DB, dialect Dialect, direction migrate.MigrationDirection) (int, error) {
	switch dialect {
	case Postgres, MySQL, SQLite:
	default:
		return 0, fmt.Errorf("peertransit: no migrations for dialect %q", dialect)
	}
	n, err := migrate.Exec(db, string(dialect), Migrations(dialect), direction)
	if err != nil {
		return n, fmt.Errorf("peertransit: migrate %s: %w", dialect, err)
	}
	return n, nil
}

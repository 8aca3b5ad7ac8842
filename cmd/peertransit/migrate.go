package main

import (
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/mickamy/peertransit/config"
	"github.com/mickamy/peertransit/stores"
)

func migrateCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply or roll back the outbox and inbox schema",
	}
	cmd.AddCommand(migrateCommand("up", migrate.Up, "Applied %d migrations!\n"))
	cmd.AddCommand(migrateCommand("down", migrate.Down, "Rolled back %d migrations!\n"))
	return cmd
}

func migrateCommand(use string, direction migrate.MigrationDirection, done string) *cobra.Command {
	return &cobra.Command{
		Use: use,
		RunE: func(cmd *cobra.Command, args []string) error {
			cnf, err := config.Fetch()
			if err != nil {
				return err
			}
			db, err := stores.Open(cnf.DataSource.Dns)
			if err != nil {
				return fmt.Errorf("error connecting to database: %w", err)
			}
			defer func() { _ = db.Close() }()

			n, err := db.Migrate(direction)
			if err != nil {
				return fmt.Errorf("error migrating %s: %w", use, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), done, n)
			return nil
		},
	}
}

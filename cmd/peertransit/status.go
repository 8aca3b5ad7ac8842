package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/config"
	"github.com/mickamy/peertransit/stores"
)

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print queue depth per tenant and box",
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
			return printStatus(cmd.Context(), cmd.OutOrStdout(), db, cnf.Tenants)
		},
	}
}

func printStatus(ctx context.Context, out io.Writer, db *stores.DB, tenants []string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tBOX\tTOTAL\tIN FLIGHT\tNEXT RUN")
	for _, tenant := range tenants {
		for _, box := range []peertransit.Box{peertransit.Outbox, peertransit.Inbox} {
			st, err := db.Store(peertransit.Scope{Tenant: tenant, Box: box}).Status(ctx)
			if err != nil {
				return fmt.Errorf("status of %s %s: %w", tenant, box, err)
			}
			next := "-"
			if !st.NextRunTime.IsZero() {
				next = st.NextRunTime.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", tenant, box, st.Total, st.InFlight, next)
		}
	}
	return w.Flush()
}

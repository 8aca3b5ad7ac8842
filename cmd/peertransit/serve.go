package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mickamy/peertransit/config"
	"github.com/mickamy/peertransit/internal/metrics"
)

func serveCommand() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the perimeter and every tenant's outbox, inbox and reconciliation loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cnf, err := config.Fetch()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cnf, skipMigrate)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply schema migrations on start")
	return cmd
}

func serve(ctx context.Context, cnf *config.Configuration, skipMigrate bool) error {
	a, err := newApp(ctx, cnf, appOptions{Hooks: metrics.NewStatsHook("peertransit")})
	if err != nil {
		return err
	}
	defer a.close()

	if !skipMigrate {
		n, err := a.db.Migrate(migrate.Up)
		if err != nil {
			return err
		}
		logrus.WithField("applied", n).Info("schema migrated")
	}
	if err := a.startTenants(ctx); err != nil {
		return err
	}

	if cnf.Server.MetricsPort != "" {
		metricsServer := startMetricsServer(":" + cnf.Server.MetricsPort)
		defer shutdown(metricsServer)
	}

	server := &http.Server{
		Addr:              ":" + cnf.Server.Port,
		Handler:           a.perimeter.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{"port": cnf.Server.Port, "tenants": a.supervisor.Tenants()}).Info("perimeter listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logrus.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	shutdown(server)
	return nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logrus.Infof("metrics available at http://localhost%s/debug/vars", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Warn("metrics server stopped")
		}
	}()
	return server
}

func shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("server shutdown")
	}
}

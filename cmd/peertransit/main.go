package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mickamy/peertransit/config"
	"github.com/mickamy/peertransit/internal/logging"
)

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration every subcommand reads through config.Fetch.
func preRun(configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		return logging.Configure(cnf.Log.Level, cnf.Log.JSON)
	}
}

func newCLI() *cobra.Command {
	var configFile string
	rootCmd := &cobra.Command{
		Use:           "peertransit",
		Short:         "Peer to peer file transit outbox and inbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./"+config.DefaultConfigFile, "configuration file")
	rootCmd.PersistentPreRunE = preRun(&configFile)

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(migrateCommands())
	rootCmd.AddCommand(statusCommand())
	rootCmd.AddCommand(sendCommands())
	return rootCmd
}

func main() {
	defer recoverPanic()

	if err := newCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

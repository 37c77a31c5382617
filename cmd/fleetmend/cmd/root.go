// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetmend/fleetmend/internal/version"
)

var (
	// Configuration path
	configFile string

	// Verbose enables debug logging
	verbose bool

	// Base URL of the server the client commands talk to
	serverURL string

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fleetmend",
	Short: "Fleet Remediation Service",
	Long: `Fleetmend executes approved remediation commands against monitored
servers. It runs the approval-and-execution service and provides client
commands for registering connections and driving remediation actions
through their approval workflow.`,
	Version: fmt.Sprintf("%s (commit: %s)", version.Version, version.Commit),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewConnectionCommand())
	rootCmd.AddCommand(NewActionCommand())

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8088", "Base URL of the fleetmend server")
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Parallel research pipeline over WebSocket",
	Long: `Quill runs a plan/solve/aggregate research pipeline behind a
WebSocket session protocol.

The server plans a question into parallel section tasks, solves them
concurrently with bounded workers and retries, and aggregates the results
into a single report. Clients attach over WebSocket, confirm or edit the
plan, cancel or restart individual tasks, and can reconnect mid-run with a
signed state snapshot without losing events.

Start a server with "quill serve" and attach with "quill client".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(tracesCmd)
	rootCmd.AddCommand(versionCmd)
}

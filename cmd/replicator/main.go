// Package main provides the entry point of the replicator node and its inspection commands.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "replicator",
	Short: "multi-master document replication with conflict resolution",
	Long: `replicator (v` + version + `)

Hosts replicated databases, exchanges changes with peer nodes and resolves
conflicting writes by script, designated database or latest write.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, console)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(tombstonesCmd)
	rootCmd.AddCommand(rejectionsCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(solverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

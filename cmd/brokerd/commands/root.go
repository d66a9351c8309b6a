// Package commands implements brokerd's CLI, grounded on
// marmos91-dittofs's cmd/dfs/commands root command layout.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "brokerd",
	Short: "mini-rpc-broker - a single-process RPC broker",
	Long: `brokerd is a single-process RPC broker: clients connect over a shared
transport, register as handlers for named procedures, and call procedures
registered by other clients. The broker itself never executes procedure
bodies; it only routes calls, responses, and cancellations between
connected clients.

Use "brokerd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and parses flags.
// Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command, for tests.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default: built-in defaults + env overrides)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
}

// GetConfigFile returns the --config flag value.
func GetConfigFile() string {
	return cfgFile
}

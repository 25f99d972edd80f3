// Package commands implements the CLI commands for the crawler worker.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/telecrawl/telecrawl/internal/logger"
	"github.com/telecrawl/telecrawl/pkg/config"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "telecrawl",
	Short: "Distributed chat-channel history crawler",
	Long: `telecrawl is a worker that consumes crawl tasks from NATS JetStream,
leases an authenticated session from the shared pool, iterates channel
history through the client library and publishes every message to the
outbound stream.

All configuration comes from the environment (PG_DSN, NATS_DSN, ...).
Use "telecrawl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sessionCmd)
}

// initLogger initializes the structured logger from configuration.
func initLogger(cfg *config.Config) error {
	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	return logger.Init(logger.Config{
		Level:  level,
		Format: "text",
		Output: "stdout",
	})
}

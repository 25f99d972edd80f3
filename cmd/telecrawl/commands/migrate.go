package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telecrawl/telecrawl/pkg/config"
	"github.com/telecrawl/telecrawl/pkg/directory"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Apply pending schema migrations to the session directory database.

Migrations are embedded in the binary and create the "crawler" schema with
the sessions, entities, mapping and collection tables. Run this once before
starting the first worker and again after every upgrade.

Examples:
  # Run migrations against the configured database
  PG_DSN=postgres://crawler:secret@db:5432/crawler telecrawl migrate`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}

	if err := directory.RunMigrations(cmd.Context(), cfg.PGDSN); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Println("Migrations completed successfully")
	return nil
}

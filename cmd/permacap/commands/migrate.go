package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/pkg/config"
	"github.com/permacap/permacap/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Run database migrations for the link database.

This command applies pending migrations to the configured database
(SQLite or PostgreSQL). It is required after upgrading permacap when
schema changes have been made. The start command also migrates on boot;
migrate exists for deployments that roll schema forward separately.

Examples:
  # Run migrations with default config
  permacap migrate

  # Run migrations with custom config
  permacap migrate --config /etc/permacap/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("Running database migrations", "type", cfg.Database.Type)

	// Opening the store applies the schema (AutoMigrate for SQLite,
	// embedded SQL migrations for PostgreSQL)
	ctx := context.Background()
	st, err := store.New(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Verify the migration worked by checking if we can query jobs
	if _, err := st.CountJobsByStatus(ctx); err != nil {
		return fmt.Errorf("migration verification failed: %w", err)
	}

	fmt.Printf("Migrations completed successfully (database type: %s)\n", cfg.Database.Type)
	return nil
}

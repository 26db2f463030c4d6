package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/permacap/permacap/pkg/blob"
	"github.com/permacap/permacap/pkg/config"
	"github.com/permacap/permacap/pkg/store"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the permacap configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  permacap config validate

  # Validate specific config file
  permacap config validate --config /etc/permacap/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Get config path from parent's persistent flag
	configPath, _ := cmd.Flags().GetString("config")

	// Load and validate configuration
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	// Determine path for display
	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	// Additional validation checks
	var warnings []string

	// Replication without credentials fails on the first upload
	if cfg.Replication.Enabled {
		if cfg.InternetArchive.AccessKey == "" || cfg.InternetArchive.SecretKey == "" {
			warnings = append(warnings, "Replication enabled but archive credentials are not configured - uploads will fail")
		}
	}

	// A shared database with node-local archives loses WARCs on failover
	if cfg.Database.Type == store.DatabaseTypePostgres && cfg.Blob.Type == blob.StoreTypeLocal {
		warnings = append(warnings, "PostgreSQL database with local blob storage - archives are not shared between nodes")
	}

	// Print results
	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	replicationState := "disabled"
	if cfg.Replication.Enabled {
		replicationState = "enabled"
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Database type:   %s\n", cfg.Database.Type)
	fmt.Printf("  Blob storage:    %s\n", cfg.Blob.Type)
	fmt.Printf("  API port:        %d\n", cfg.API.Port)
	fmt.Printf("  Replication:     %s\n", replicationState)
	fmt.Printf("  Log level:       %s\n", cfg.Logging.Level)

	return nil
}

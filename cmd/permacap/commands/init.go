package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/permacap/permacap/internal/cli/prompt"
	"github.com/permacap/permacap/pkg/blob"
	"github.com/permacap/permacap/pkg/config"
	"github.com/permacap/permacap/pkg/store"
)

var (
	initForce          bool
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Initialize a permacap configuration file.

Walks through the key settings interactively (database backend, blob
storage, archive replication credentials) and writes the result. Use
--non-interactive to write a default configuration without prompting.

By default, the configuration file is created at $XDG_CONFIG_HOME/permacap/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize interactively at the default location
  permacap init

  # Initialize with custom path
  permacap init --config /etc/permacap/config.yaml

  # Write defaults without prompting
  permacap init --non-interactive

  # Force overwrite existing config
  permacap init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVar(&initNonInteractive, "non-interactive", false, "Write defaults without prompting")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config file already exists: %s\n\nUse --force to overwrite", configPath)
	}

	cfg := config.GetDefaultConfig()

	if !initNonInteractive {
		if err := promptConfig(cfg); err != nil {
			if prompt.IsAborted(err) {
				fmt.Println("Aborted, no configuration written.")
				return nil
			}
			return err
		}
	}

	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Review the configuration file and adjust capture limits if needed")
	fmt.Println("  2. Start the daemon with: permacap start")
	fmt.Printf("  3. Or specify custom config: permacap start --config %s\n", configPath)

	if cfg.Replication.Enabled {
		fmt.Println("\nSecurity note:")
		fmt.Println("  The configuration file holds your archive credentials and was written with 0600 permissions.")
		fmt.Println("  To keep credentials out of the file, clear them and use environment variables instead:")
		fmt.Println("    export PERMACAP_INTERNET_ARCHIVE_ACCESS_KEY=...")
		fmt.Println("    export PERMACAP_INTERNET_ARCHIVE_SECRET_KEY=...")
	}

	return nil
}

// promptConfig walks the user through the settings that differ between
// deployments. Everything else keeps its default and can be edited in
// the written file.
func promptConfig(cfg *config.Config) error {
	// Database backend
	dbType, err := prompt.Select("Database backend", []prompt.SelectOption{
		{Label: "SQLite", Value: string(store.DatabaseTypeSQLite), Description: "Single node, zero setup. Stored next to the config file."},
		{Label: "PostgreSQL", Value: string(store.DatabaseTypePostgres), Description: "Shared database for multi-node deployments."},
	})
	if err != nil {
		return err
	}
	cfg.Database.Type = store.DatabaseType(dbType)

	if cfg.Database.Type == store.DatabaseTypePostgres {
		if cfg.Database.Postgres.Host, err = prompt.Input("PostgreSQL host", "localhost"); err != nil {
			return err
		}
		if cfg.Database.Postgres.Port, err = prompt.InputPort("PostgreSQL port", 5432); err != nil {
			return err
		}
		if cfg.Database.Postgres.Database, err = prompt.Input("PostgreSQL database", "permacap"); err != nil {
			return err
		}
		if cfg.Database.Postgres.User, err = prompt.Input("PostgreSQL user", "permacap"); err != nil {
			return err
		}
		if cfg.Database.Postgres.Password, err = prompt.Password("PostgreSQL password"); err != nil {
			return err
		}
	}

	// Blob storage for finished WARC files
	blobType, err := prompt.Select("WARC storage", []prompt.SelectOption{
		{Label: "Local filesystem", Value: string(blob.StoreTypeLocal), Description: "Archives stored on this machine."},
		{Label: "S3-compatible object storage", Value: string(blob.StoreTypeS3), Description: "AWS S3, MinIO, or compatible."},
	})
	if err != nil {
		return err
	}
	cfg.Blob.Type = blob.StoreType(blobType)

	if cfg.Blob.Type == blob.StoreTypeS3 {
		if cfg.Blob.S3.Bucket, err = prompt.InputRequired("S3 bucket"); err != nil {
			return err
		}
		if cfg.Blob.S3.Region, err = prompt.Input("S3 region", "us-east-1"); err != nil {
			return err
		}
		if cfg.Blob.S3.Endpoint, err = prompt.InputOptional("S3 endpoint (leave empty for AWS)"); err != nil {
			return err
		}
		if cfg.Blob.S3.AccessKeyID, err = prompt.InputOptional("S3 access key (leave empty to use ambient credentials)"); err != nil {
			return err
		}
		if cfg.Blob.S3.AccessKeyID != "" {
			if cfg.Blob.S3.SecretAccessKey, err = prompt.Password("S3 secret key"); err != nil {
				return err
			}
		}
	}

	// Internet Archive replication
	enableReplication, err := prompt.Confirm("Enable Internet Archive replication", false)
	if err != nil {
		return err
	}
	cfg.Replication.Enabled = enableReplication

	if enableReplication {
		if cfg.InternetArchive.AccessKey, err = prompt.InputRequired("Archive access key"); err != nil {
			return err
		}
		if cfg.InternetArchive.SecretKey, err = prompt.Password("Archive secret key"); err != nil {
			return err
		}
		if cfg.InternetArchive.Collection, err = prompt.Input("Archive collection", cfg.InternetArchive.Collection); err != nil {
			return err
		}
	}

	// Operational API
	if cfg.API.Port, err = prompt.InputPort("API port", cfg.API.Port); err != nil {
		return err
	}

	return nil
}

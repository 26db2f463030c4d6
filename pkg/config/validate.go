package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for structural and cross-field errors.
//
// Struct tags (required, oneof, min/max ranges) are enforced via
// go-playground/validator; anything the tags cannot express (conditional
// requirements between sections) is checked explicitly afterwards.
//
// Validate does not mutate the configuration; normalization happens in
// ApplyDefaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return describeValidationError(err)
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry is enabled but no endpoint is configured")
	}
	if cfg.Telemetry.Profiling.Enabled && cfg.Telemetry.Profiling.Endpoint == "" {
		return fmt.Errorf("profiling is enabled but no endpoint is configured")
	}
	if cfg.Logging.Output == "file" && cfg.Logging.Dir == "" {
		return fmt.Errorf("logging output is 'file' but no logging dir is configured")
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := cfg.Blob.Validate(); err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	if err := cfg.Capture.Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	// Replication needs working archive credentials; a node that only
	// captures can leave the whole section disabled.
	if cfg.Replication.Enabled {
		if err := cfg.InternetArchive.Validate(); err != nil {
			return fmt.Errorf("internet_archive: %w", err)
		}
		if err := cfg.Replication.Validate(); err != nil {
			return fmt.Errorf("replication: %w", err)
		}
	}

	return nil
}

// describeValidationError rewrites validator.ValidationErrors into a single
// readable error naming the offending field and constraint.
func describeValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err
	}

	first := verrs[0]
	if first.Param() != "" {
		return fmt.Errorf("invalid value for %s: failed '%s=%s' constraint (got %v)",
			first.Namespace(), first.Tag(), first.Param(), first.Value())
	}
	return fmt.Errorf("invalid value for %s: failed '%s' constraint (got %v)",
		first.Namespace(), first.Tag(), first.Value())
}

package ia

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds credentials and endpoints for the Internet Archive client.
type Config struct {
	// S3Endpoint is the base URL of the ias3 upload API.
	// Default: https://s3.us.archive.org
	S3Endpoint string `mapstructure:"s3_endpoint" yaml:"s3_endpoint"`

	// MetadataEndpoint is the base URL of the item metadata API.
	// Default: https://archive.org
	MetadataEndpoint string `mapstructure:"metadata_endpoint" yaml:"metadata_endpoint"`

	// AccessKey and SecretKey are the ias3 credential pair, sent as
	// "authorization: LOW <access>:<secret>" on every write request.
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`

	// Collection is the archive collection new daily items are filed under.
	// Default: permacap
	Collection string `mapstructure:"collection" yaml:"collection"`

	// IdentifierPrefix is prepended to the date when naming daily items
	// (e.g. "permacap" -> "permacap_2026-08-25").
	// Default: permacap
	IdentifierPrefix string `mapstructure:"identifier_prefix" yaml:"identifier_prefix"`

	// RequestTimeout bounds metadata reads and the load probe. Uploads and
	// deletes are not subject to it; they run under the caller's task
	// context, whose soft time limit already bounds them.
	// Default: 60s
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// RequestsPerSecond paces all outgoing requests through a shared
	// client-side limiter.
	// Default: 5
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"omitempty,gt=0" yaml:"requests_per_second"`

	// TaskLimitMargin is the fraction of a granted task ration at which a
	// share is considered "approaching its limit" and uploads back off.
	// Applies to the access-key, global, and per-bucket shares reported by
	// the check_limit probe.
	// Default: 0.8
	TaskLimitMargin float64 `mapstructure:"task_limit_margin" validate:"omitempty,gt=0,lte=1" yaml:"task_limit_margin"`
}

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.S3Endpoint == "" {
		c.S3Endpoint = "https://s3.us.archive.org"
	}
	if c.MetadataEndpoint == "" {
		c.MetadataEndpoint = "https://archive.org"
	}
	if c.Collection == "" {
		c.Collection = "permacap"
	}
	if c.IdentifierPrefix == "" {
		c.IdentifierPrefix = "permacap"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 5
	}
	if c.TaskLimitMargin == 0 {
		c.TaskLimitMargin = 0.8
	}
}

// Validate checks the configuration. Credentials are required: a node with
// replication enabled cannot talk to the archive without them.
func (c *Config) Validate() error {
	if c.AccessKey == "" {
		return fmt.Errorf("access_key is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret_key is required")
	}
	for name, endpoint := range map[string]string{
		"s3_endpoint":       c.S3Endpoint,
		"metadata_endpoint": c.MetadataEndpoint,
	} {
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must be an http(s) URL, got %q", name, endpoint)
		}
	}
	if c.IdentifierPrefix == "" {
		return fmt.Errorf("identifier_prefix is required")
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be positive, got %v", c.RequestsPerSecond)
	}
	if c.TaskLimitMargin <= 0 || c.TaskLimitMargin > 1 {
		return fmt.Errorf("task_limit_margin must be in (0, 1], got %v", c.TaskLimitMargin)
	}
	return nil
}

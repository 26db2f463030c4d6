// Package blob stores finished WARC files.
//
// Two implementations are provided: a local filesystem store for single-node
// deployments and an S3 store for object storage. Both are addressed by
// slash-separated relative paths; the capture engine writes archives under
// warcs/<guid>.warc.gz and the replication engine streams them back out.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/permacap/permacap/internal/bytesize"
)

// ErrNotFound is returned when the requested blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is the interface for WARC blob storage.
type Store interface {
	// Open returns a reader for the blob at path.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Write stores the blob read from r at path, replacing any previous
	// content, and returns the number of bytes written.
	Write(ctx context.Context, path string, r io.Reader) (int64, error)

	// Size returns the stored size of the blob at path.
	Size(ctx context.Context, path string) (int64, error)
}

// WARCPath returns the storage path of a link's archive file.
func WARCPath(guid string) string {
	return "warcs/" + guid + ".warc.gz"
}

// StoreType identifies a blob store backend.
type StoreType string

const (
	// StoreTypeLocal stores blobs on the local filesystem.
	StoreTypeLocal StoreType = "local"

	// StoreTypeS3 stores blobs in S3-compatible object storage.
	StoreTypeS3 StoreType = "s3"
)

// Config selects and configures the blob store backend.
type Config struct {
	Type  StoreType   `mapstructure:"type" yaml:"type"`
	Local LocalConfig `mapstructure:"local" yaml:"local,omitempty"`
	S3    S3Config    `mapstructure:"s3" yaml:"s3,omitempty"`
}

// LocalConfig configures the filesystem store.
type LocalConfig struct {
	// Dir is the root directory for stored blobs.
	// Default: $XDG_DATA_HOME/permacap/blobs
	Dir string `mapstructure:"dir" yaml:"dir,omitempty"`

	// MinFreeSpace refuses writes when the filesystem has less free space
	// than this, so a full disk degrades to failed captures instead of
	// corrupt archives.
	MinFreeSpace bytesize.ByteSize `mapstructure:"min_free_space" yaml:"min_free_space,omitempty"`
}

// S3Config configures the S3 store.
type S3Config struct {
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// Endpoint overrides the AWS endpoint, for MinIO and other
	// S3-compatible services.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// UsePathStyle forces path-style addressing (required by MinIO).
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style,omitempty"`

	// MaxRetries bounds retries of transient errors per operation.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries,omitempty"`

	// InitialBackoff is the delay before the first retry; subsequent
	// retries back off exponentially up to MaxBackoff.
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff,omitempty"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = StoreTypeLocal
	}

	if c.Type == StoreTypeLocal {
		if c.Local.Dir == "" {
			dataDir := os.Getenv("XDG_DATA_HOME")
			if dataDir == "" {
				homeDir, _ := os.UserHomeDir()
				dataDir = filepath.Join(homeDir, ".local", "share")
			}
			c.Local.Dir = filepath.Join(dataDir, "permacap", "blobs")
		}
		if c.Local.MinFreeSpace == 0 {
			c.Local.MinFreeSpace = 500 * bytesize.MiB
		}
	}

	if c.Type == StoreTypeS3 {
		if c.S3.MaxRetries == 0 {
			c.S3.MaxRetries = 3
		}
		if c.S3.InitialBackoff == 0 {
			c.S3.InitialBackoff = 100 * time.Millisecond
		}
		if c.S3.MaxBackoff == 0 {
			c.S3.MaxBackoff = 2 * time.Second
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Type {
	case StoreTypeLocal:
		if c.Local.Dir == "" {
			return fmt.Errorf("local blob dir is required")
		}
	case StoreTypeS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket is required")
		}
		if c.S3.Region == "" && c.S3.Endpoint == "" {
			return fmt.Errorf("s3 region or endpoint is required")
		}
	default:
		return fmt.Errorf("unsupported blob store type: %s", c.Type)
	}
	return nil
}

// New creates the blob store selected by the configuration.
func New(ctx context.Context, cfg *Config) (Store, error) {
	switch cfg.Type {
	case StoreTypeLocal:
		return NewLocal(&cfg.Local)
	case StoreTypeS3:
		return NewS3(ctx, &cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported blob store type: %s", cfg.Type)
	}
}

package ia

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, "https://s3.us.archive.org", cfg.S3Endpoint)
	assert.Equal(t, "https://archive.org", cfg.MetadataEndpoint)
	assert.Equal(t, "permacap", cfg.Collection)
	assert.Equal(t, "permacap", cfg.IdentifierPrefix)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5.0, cfg.RequestsPerSecond)
	assert.Equal(t, 0.8, cfg.TaskLimitMargin)
}

func TestConfigApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		S3Endpoint:        "http://localhost:9999",
		Collection:        "test-collection",
		RequestsPerSecond: 50,
	}
	cfg.ApplyDefaults()

	assert.Equal(t, "http://localhost:9999", cfg.S3Endpoint)
	assert.Equal(t, "test-collection", cfg.Collection)
	assert.Equal(t, 50.0, cfg.RequestsPerSecond)
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		cfg := Config{AccessKey: "ak", SecretKey: "sk"}
		cfg.ApplyDefaults()
		return cfg
	}

	validCfg := valid()
	require.NoError(t, validCfg.Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing access key",
			mutate:  func(c *Config) { c.AccessKey = "" },
			wantErr: "access_key",
		},
		{
			name:    "missing secret key",
			mutate:  func(c *Config) { c.SecretKey = "" },
			wantErr: "secret_key",
		},
		{
			name:    "non-http s3 endpoint",
			mutate:  func(c *Config) { c.S3Endpoint = "ftp://example.org" },
			wantErr: "s3_endpoint",
		},
		{
			name:    "non-http metadata endpoint",
			mutate:  func(c *Config) { c.MetadataEndpoint = "archive.org" },
			wantErr: "metadata_endpoint",
		},
		{
			name:    "empty identifier prefix",
			mutate:  func(c *Config) { c.IdentifierPrefix = "" },
			wantErr: "identifier_prefix",
		},
		{
			name:    "negative request rate",
			mutate:  func(c *Config) { c.RequestsPerSecond = -1 },
			wantErr: "requests_per_second",
		},
		{
			name:    "margin above one",
			mutate:  func(c *Config) { c.TaskLimitMargin = 1.5 },
			wantErr: "task_limit_margin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWARCKey(t *testing.T) {
	assert.Equal(t, "archive-ABCD-1234.warc.gz", WARCKey("ABCD-1234"))
}

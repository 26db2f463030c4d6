package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/permacap/permacap/internal/bytesize"
)

// yamlSafePath converts a filesystem path to a YAML-safe representation.
// On Windows, backslashes in double-quoted YAML strings are interpreted as
// escape sequences (e.g. \U -> Unicode escape), causing parse errors.
func yamlSafePath(p string) string {
	return filepath.ToSlash(p)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, `
logging:
  level: "debug"

shutdown_timeout: 45s

database:
  type: sqlite
  sqlite:
    path: "`+yamlSafePath(tmpDir)+`/permacap.db"

blob:
  type: local
  local:
    dir: "`+yamlSafePath(tmpDir)+`/blobs"
    min_free_space: 100Mi

api:
  port: 9999
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Explicit values, with the level normalized to uppercase
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected level DEBUG, got %s", cfg.Logging.Level)
	}
	if cfg.ShutdownTimeout != 45*time.Second {
		t.Errorf("expected shutdown timeout 45s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.API.Port != 9999 {
		t.Errorf("expected API port 9999, got %d", cfg.API.Port)
	}
	if cfg.Blob.Local.MinFreeSpace != 100*bytesize.MiB {
		t.Errorf("expected min free space 100Mi, got %v", cfg.Blob.Local.MinFreeSpace)
	}

	// Unspecified sections get defaults
	if cfg.Logging.Format != "text" {
		t.Errorf("expected default format text, got %s", cfg.Logging.Format)
	}
	if cfg.InternetArchive.Collection != "permacap" {
		t.Errorf("expected default collection, got %s", cfg.InternetArchive.Collection)
	}
	if cfg.Capture.Workers == 0 {
		t.Error("expected capture workers default to be applied")
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected default level INFO, got %s", cfg.Logging.Level)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("expected default API port 8080, got %d", cfg.API.Port)
	}
	if cfg.Replication.Enabled {
		t.Error("replication should be disabled by default")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: "INFO"
`)
	t.Setenv("PERMACAP_LOGGING_LEVEL", "ERROR")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("expected env override ERROR, got %s", cfg.Logging.Level)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "logging: [unclosed\n")

	if _, err := Load(configPath); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
api:
  port: 70000
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("expected validation failure message, got: %v", err)
	}
}

func TestMustLoad_MissingDefaultConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	_, err := MustLoad("")
	if err == nil {
		t.Fatal("expected error when default config is missing")
	}
	if !strings.Contains(err.Error(), "permacap init") {
		t.Errorf("error should point at permacap init, got: %v", err)
	}
}

func TestMustLoad_MissingExplicitConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	_, err := MustLoad(missing)
	if err == nil {
		t.Fatal("expected error for missing explicit config")
	}
	if !strings.Contains(err.Error(), missing) {
		t.Errorf("error should name the missing path, got: %v", err)
	}
}

func TestMustLoad_Success(t *testing.T) {
	configPath := writeConfig(t, `
logging:
  level: "WARN"
`)

	cfg, err := MustLoad(configPath)
	if err != nil {
		t.Fatalf("MustLoad failed: %v", err)
	}
	if cfg.Logging.Level != "WARN" {
		t.Errorf("expected level WARN, got %s", cfg.Logging.Level)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.API.Port = 9191
	cfg.InternetArchive.AccessKey = "ak"
	cfg.InternetArchive.SecretKey = "sk"
	cfg.Replication.Enabled = true

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat failed: %v", err)
		}
		// The file carries archive credentials
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("expected 0600 permissions, got %o", perm)
		}
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.API.Port != 9191 {
		t.Errorf("expected port 9191 after reload, got %d", loaded.API.Port)
	}
	if !loaded.Replication.Enabled {
		t.Error("expected replication to stay enabled after reload")
	}
	if loaded.InternetArchive.AccessKey != "ak" {
		t.Errorf("expected access key to survive the round trip, got %q", loaded.InternetArchive.AccessKey)
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	want := filepath.Join(dir, "permacap", "config.yaml")
	if got := GetDefaultConfigPath(); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	if DefaultConfigExists() {
		t.Error("DefaultConfigExists should be false in a fresh dir")
	}
	if err := os.MkdirAll(filepath.Dir(want), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(want, []byte("logging:\n  level: INFO\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if !DefaultConfigExists() {
		t.Error("DefaultConfigExists should see the written file")
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default() should validate, got %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
ledger:
  rpc_url: http://localhost:20332
  timeout: 5s
validator:
  state_backend: redis
  redis_addr: localhost:6379
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath() error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
	if cfg.Ledger.Timeout != 5*time.Second {
		t.Errorf("Ledger.Timeout = %v, want 5s", cfg.Ledger.Timeout)
	}
	// Unset fields keep defaults.
	if cfg.Aggregator.Workers != 8 {
		t.Errorf("Aggregator.Workers = %d, want default 8", cfg.Aggregator.Workers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("LoadFromPath() should fail for a missing file")
	}
	var pe *errdefs.Error
	if !errors.As(err, &pe) || pe.Code != errdefs.CodeConfig {
		t.Errorf("expected a CONFIG_ERROR, got %v", err)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}
	if cfg.Validator.StateBackend != "memory" {
		t.Errorf("StateBackend = %s, want memory default", cfg.Validator.StateBackend)
	}
}

func TestValidateRejectsRedisWithoutAddr(t *testing.T) {
	cfg := Default()
	cfg.Validator.StateBackend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject redis backend without an address")
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.ContentStore.Backend = "s3"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject unknown content store backend")
	}
}

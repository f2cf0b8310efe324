// Package config loads pipeline configuration from YAML with environment
// overrides applied by the caller. Missing required values are startup
// errors, never request-time errors.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
)

// Config is the root pipeline configuration.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Enclave      EnclaveConfig      `yaml:"enclave"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Validator    ValidatorConfig    `yaml:"validator"`
	ContentStore ContentStoreConfig `yaml:"content_store"`
	Aggregator   AggregatorConfig   `yaml:"aggregator"`
	Rewards      RewardsConfig      `yaml:"rewards"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// LoggingConfig configures the logrus-backed logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// EnclaveConfig configures the confidential runtime.
type EnclaveConfig struct {
	// Mode is "simulation" or "hardware".
	Mode           string `yaml:"mode" env:"ENCLAVE_MODE"`
	EnclaveID      string `yaml:"enclave_id" env:"ENCLAVE_ID"`
	SealingKeyPath string `yaml:"sealing_key_path" env:"SEALING_KEY_PATH"`
	SealedSeedPath string `yaml:"sealed_seed_path" env:"SEALED_SEED_PATH"`
}

// LedgerConfig configures the external ledger RPC client.
type LedgerConfig struct {
	RPCURL     string        `yaml:"rpc_url" env:"LEDGER_RPC_URL"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rate_limit"`
	MaxRetries int           `yaml:"max_retries"`
}

// ValidatorConfig configures the validation gate.
type ValidatorConfig struct {
	// StateBackend selects the anti-replay state store: "memory" or "redis".
	StateBackend string `yaml:"state_backend" env:"VALIDATOR_STATE_BACKEND"`
	RedisAddr    string `yaml:"redis_addr" env:"VALIDATOR_REDIS_ADDR"`
	RedisDB      int    `yaml:"redis_db"`
	// StrictOwnership rejects readings when ownership cannot be verified,
	// instead of warning and continuing.
	StrictOwnership  bool          `yaml:"strict_ownership"`
	OwnershipTimeout time.Duration `yaml:"ownership_timeout"`
}

// ContentStoreConfig configures encrypted payload persistence.
type ContentStoreConfig struct {
	// Backend selects "memory" or "disk".
	Backend string `yaml:"backend" env:"STORE_BACKEND"`
	Path    string `yaml:"path" env:"STORE_PATH"`
	// Retention bounds the maintenance sweep; objects older than this are
	// pruned.
	Retention time.Duration `yaml:"retention"`
}

// AggregatorConfig configures windowed aggregation.
type AggregatorConfig struct {
	// Workers bounds concurrent record fetch+decrypt fan-out.
	Workers     int `yaml:"workers"`
	RecordLimit int `yaml:"record_limit"`
}

// RewardsConfig configures the daily reward run.
type RewardsConfig struct {
	// ArchiveDSN enables the Postgres audit archive when set.
	ArchiveDSN string `yaml:"archive_dsn" env:"REWARDS_ARCHIVE_DSN"`
}

// SchedulerConfig holds cron expressions for the periodic jobs.
type SchedulerConfig struct {
	AggregationRefresh string `yaml:"aggregation_refresh"`
	DailyRewards       string `yaml:"daily_rewards"`
	MaintenanceSweep   string `yaml:"maintenance_sweep"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" env:"METRICS_ADDR"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Enclave: EnclaveConfig{
			Mode:           "simulation",
			EnclaveID:      "pipeline-enclave",
			SealingKeyPath: "data/sealing.key",
			SealedSeedPath: "data/master.seed",
		},
		Ledger: LedgerConfig{
			Timeout:    10 * time.Second,
			RateLimit:  50,
			MaxRetries: 3,
		},
		Validator: ValidatorConfig{
			StateBackend:     "memory",
			OwnershipTimeout: 3 * time.Second,
		},
		ContentStore: ContentStoreConfig{
			Backend:   "memory",
			Retention: 90 * 24 * time.Hour,
		},
		Aggregator: AggregatorConfig{Workers: 8, RecordLimit: 1000},
		Scheduler: SchedulerConfig{
			AggregationRefresh: "0 * * * *",
			DailyRewards:       "15 0 * * *",
			MaintenanceSweep:   "45 3 * * *",
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9109"},
	}
}

// Load reads configuration from config/pipeline.yaml.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "pipeline.yaml"))
}

// LoadFromPath reads configuration from a specific path. Values not present
// in the file keep their defaults.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Config(fmt.Sprintf("read config: %v", err)).WithCause(err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errdefs.Config(fmt.Sprintf("parse config: %v", err)).WithCause(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or falls back to defaults when the file
// does not exist. Parse and validation failures are still fatal.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return LoadFromPath(path)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Validator.StateBackend {
	case "memory":
	case "redis":
		if c.Validator.RedisAddr == "" {
			return errdefs.Config("validator.redis_addr is required when state_backend is redis")
		}
	default:
		return errdefs.Config(fmt.Sprintf("validator.state_backend must be memory or redis, got %q", c.Validator.StateBackend))
	}

	switch c.Enclave.Mode {
	case "simulation", "hardware":
	default:
		return errdefs.Config(fmt.Sprintf("enclave.mode must be simulation or hardware, got %q", c.Enclave.Mode))
	}

	switch c.ContentStore.Backend {
	case "memory":
	case "disk":
		if c.ContentStore.Path == "" {
			return errdefs.Config("content_store.path is required when backend is disk")
		}
	default:
		return errdefs.Config(fmt.Sprintf("content_store.backend must be memory or disk, got %q", c.ContentStore.Backend))
	}

	if c.Aggregator.Workers <= 0 {
		return errdefs.Config("aggregator.workers must be positive")
	}
	if c.Ledger.Timeout <= 0 {
		return errdefs.Config("ledger.timeout must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errdefs.Config("metrics.addr is required when metrics are enabled")
	}
	return nil
}

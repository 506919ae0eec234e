// Package config loads the coordinator's configuration: YAML file values
// merged over the defaults, then environment-variable overrides. No
// command-line flag overrides are applied; cmd/auctiond's --config flag
// only selects the YAML file. The structure is a top-level Config with
// nested per-concern sections, a DefaultConfig constructor, and a
// Validate method, parsed with gopkg.in/yaml.v2.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config is the coordinator's full configuration.
type Config struct {
	Store   StoreConfig            `yaml:"store"`
	Intake  IntakeConfig           `yaml:"intake"`
	Log     LogConfig              `yaml:"log"`
	Metrics MetricsConfig          `yaml:"metrics"`
	Chains  map[string]ChainConfig `yaml:"chains"`
}

// StoreConfig configures the pgx-backed durable store.
type StoreConfig struct {
	DSN             string `yaml:"dsn"`
	MaxConns        int32  `yaml:"max_conns"`
	ConnectTimeoutS int    `yaml:"connect_timeout_seconds"`
}

// IntakeConfig configures the bid-intake HTTP/WS API.
type IntakeConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ChainConfig configures a single chain the coordinator drives.
type ChainConfig struct {
	Variant               string `yaml:"variant"` // "svm" or "evm"
	RPCEndpoint           string `yaml:"rpc_endpoint"`
	ExpressRelayProgramID string `yaml:"express_relay_program_id"`
}

// DefaultConfig returns a Config with sensible defaults; no chains are
// configured by default since there is no universally sensible one.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DSN:             "postgres://localhost:5432/auction?sslmode=disable",
			MaxConns:        10,
			ConnectTimeoutS: 5,
		},
		Intake: IntakeConfig{
			Host: "127.0.0.1",
			Port: 9000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Chains: map[string]ChainConfig{},
	}
}

// Load reads a YAML configuration file, merges it over the defaults, and
// applies environment-variable overrides. Missing path is not an error;
// the defaults (plus any env overrides) are validated and returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies AUCTIOND_* environment variables over
// whatever the YAML file (or defaults) set. It is the last override
// step: no flag overrides are applied after Load returns.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUCTIOND_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("AUCTIOND_INTAKE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Intake.Port = n
		}
	}
	if v := os.Getenv("AUCTIOND_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks the configuration for correctness, section by section.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn must not be empty")
	}
	if c.Store.MaxConns <= 0 {
		return fmt.Errorf("config: store.max_conns must be positive")
	}
	if c.Intake.Port <= 0 || c.Intake.Port > 65535 {
		return fmt.Errorf("config: invalid intake port: %d", c.Intake.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	for id, chain := range c.Chains {
		if chain.Variant != "svm" && chain.Variant != "evm" {
			return fmt.Errorf("config: chain %q has unknown variant %q", id, chain.Variant)
		}
		if chain.RPCEndpoint == "" {
			return fmt.Errorf("config: chain %q missing rpc_endpoint", id)
		}
		if chain.ExpressRelayProgramID == "" {
			return fmt.Errorf("config: chain %q missing express_relay_program_id", id)
		}
	}
	return nil
}

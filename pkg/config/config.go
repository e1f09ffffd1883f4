// Package config loads the governance core's YAML configuration: store
// backends, component constants and the outbound integrations.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegis-labs/aegis/core/pkg/anomaly"
	"github.com/aegis-labs/aegis/core/pkg/approval"
	"github.com/aegis-labs/aegis/core/pkg/governor"
	"github.com/aegis-labs/aegis/core/pkg/observability"
	"github.com/aegis-labs/aegis/core/pkg/trust"
)

// StoreConfig selects a persistence backend.
type StoreConfig struct {
	// Backend is "memory", "sqlite" or "postgres".
	Backend string `yaml:"backend"`
	// DSN is the sqlite path or postgres connection string.
	DSN string `yaml:"dsn"`
}

// RedisConfig connects the lockout store. When disabled, lockouts live in
// process memory and are cleaned by the sweeper.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WebhookConfig drives the anomaly alerter. An empty URL disables alerts.
type WebhookConfig struct {
	URL         string `yaml:"url"`
	MinSeverity string `yaml:"min_severity"`
}

// PolicyConfig selects where rules come from. The built-in default rule
// set applies when both sources are empty.
type PolicyConfig struct {
	BundleDir string `yaml:"bundle_dir"`
	DSLFile   string `yaml:"dsl_file"`
}

// Config is the full configuration tree.
type Config struct {
	Ledger        StoreConfig           `yaml:"ledger"`
	TrustStore    StoreConfig           `yaml:"trust_store"`
	ApprovalStore StoreConfig           `yaml:"approval_store"`
	Redis         RedisConfig           `yaml:"redis"`
	Webhook       WebhookConfig         `yaml:"webhook"`
	Policy        PolicyConfig          `yaml:"policy"`
	Trust         trust.Config          `yaml:"trust"`
	Approval      approval.Config       `yaml:"approval"`
	Anomaly       anomaly.Config        `yaml:"anomaly"`
	Governor      governor.Config       `yaml:"governor"`
	Observability *observability.Config `yaml:"observability"`
	SweepInterval time.Duration         `yaml:"sweep_interval"`
}

// Default returns the full default tree: in-memory stores, default
// component constants, telemetry off.
func Default() *Config {
	return &Config{
		Ledger:        StoreConfig{Backend: "memory"},
		TrustStore:    StoreConfig{Backend: "memory"},
		ApprovalStore: StoreConfig{Backend: "memory"},
		Redis:         RedisConfig{Addr: "localhost:6379"},
		Webhook:       WebhookConfig{MinSeverity: "HIGH"},
		Trust:         trust.DefaultConfig(),
		Approval:      approval.DefaultConfig(),
		Anomaly:       anomaly.DefaultConfig(),
		Governor:      governor.DefaultConfig(),
		Observability: observability.DefaultConfig(),
		SweepInterval: time.Minute,
	}
}

// Load reads a YAML file over the defaults, so a partial file only
// overrides what it names.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	stores := []struct {
		name string
		sc   StoreConfig
	}{
		{"ledger", c.Ledger},
		{"trust_store", c.TrustStore},
		{"approval_store", c.ApprovalStore},
	}
	for _, s := range stores {
		switch s.sc.Backend {
		case "memory":
		case "sqlite", "postgres":
			if s.sc.DSN == "" {
				return fmt.Errorf("config: %s backend %q needs a dsn", s.name, s.sc.Backend)
			}
		default:
			return fmt.Errorf("config: %s has unknown backend %q", s.name, s.sc.Backend)
		}
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep_interval must be positive")
	}
	return nil
}

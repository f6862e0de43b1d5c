// Package config loads the clearing kernel's static configuration from a
// YAML file, grounded on the donor's services/*/config.go pattern of a flat
// struct decoded with gopkg.in/yaml.v3 and a handful of required-field
// checks performed after decode rather than via struct tags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the kernel daemon's top-level configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Database      DatabaseConfig      `yaml:"database"`
	Kernel        KernelConfig        `yaml:"kernel"`
	Admin         AdminConfig         `yaml:"admin"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServiceConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"`
}

// DatabaseConfig selects sqlite (dev/test) or postgres (production) per
// spec §9's storage-layer open question.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite|postgres
	DSN    string `yaml:"dsn"`
}

// KernelConfig carries the kernel's own signing identity. PrivateKeyHex is
// expected to come from a mounted secret or environment variable in
// production, never committed alongside this file.
type KernelConfig struct {
	PublicKeyHex  string `yaml:"public_key_hex"`
	PrivateKeyHex string `yaml:"private_key_hex"`
}

type AdminConfig struct {
	PublicKeysHex []string `yaml:"public_keys_hex"`
}

type ObservabilityConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTelEndpoint string `yaml:"otel_endpoint"`
	MetricsPort  int    `yaml:"metrics_port"`
}

// Load reads and decodes path, applying defaults and validating the fields
// the daemon cannot start without.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "clearing-kernel"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.MetricsPort == 0 {
		c.Observability.MetricsPort = 9090
	}
}

func (c *Config) validate() error {
	if c.Kernel.PublicKeyHex == "" || c.Kernel.PrivateKeyHex == "" {
		return fmt.Errorf("kernel.public_key_hex and kernel.private_key_hex are required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if len(c.Admin.PublicKeysHex) == 0 {
		return fmt.Errorf("admin.public_keys_hex must list at least one admin key")
	}
	return nil
}

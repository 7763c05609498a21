// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads host configuration from YAML files with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreDriver identifies an instance-store backend.
type StoreDriver string

const (
	// DriverMemory keeps instance state in process memory.
	DriverMemory StoreDriver = "memory"
	// DriverSQLite persists instance state to a SQLite database file.
	DriverSQLite StoreDriver = "sqlite"
	// DriverRedis persists instance state to a Redis server.
	DriverRedis StoreDriver = "redis"
)

// StoreConfig selects and configures the instance store.
type StoreConfig struct {
	// Driver selects the backend: memory, sqlite, or redis.
	Driver StoreDriver `yaml:"driver"`

	// Path is the database file path (sqlite only).
	Path string `yaml:"path,omitempty"`

	// Addr is the server address (redis only), e.g. "localhost:6379".
	Addr string `yaml:"addr,omitempty"`

	// KeyPrefix namespaces redis keys. Default: "baton:".
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// TimeoutConfig holds the host's wait budgets.
type TimeoutConfig struct {
	// Operation bounds each host operation wait. Default: 30s.
	Operation time.Duration `yaml:"operation"`

	// Persistence bounds store commands issued by the host itself.
	// Default: 5m.
	Persistence time.Duration `yaml:"persistence"`

	// Tracking bounds tracking flushes so a stuck sink cannot stall the
	// runtime indefinitely. Default: 30s.
	Tracking time.Duration `yaml:"tracking"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level host configuration.
type Config struct {
	Store    StoreConfig   `yaml:"store"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Log      LogConfig     `yaml:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:    DriverMemory,
			KeyPrefix: "baton:",
		},
		Timeouts: TimeoutConfig{
			Operation:   30 * time.Second,
			Persistence: 5 * time.Minute,
			Tracking:    30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML configuration file, applies defaults for missing
// fields, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv applies environment-variable overrides.
// Supported: BATON_STORE_DRIVER, BATON_STORE_PATH, BATON_STORE_ADDR.
func (c *Config) applyEnv() {
	if v := os.Getenv("BATON_STORE_DRIVER"); v != "" {
		c.Store.Driver = StoreDriver(v)
	}
	if v := os.Getenv("BATON_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("BATON_STORE_ADDR"); v != "" {
		c.Store.Addr = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Store.Addr == "" {
			return fmt.Errorf("store.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Timeouts.Operation <= 0 {
		return fmt.Errorf("timeouts.operation must be positive")
	}

	return nil
}

// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hjson/hjson-go/v4"
)

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse HJSON to intermediate map
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	// Convert to JSON and unmarshal to struct (for type safety)
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with default values applied and validated.
func (l *Loader) LoadWithDefaults(ctx context.Context, path string) (*Config, error) {
	cfg, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfig searches for a config file in the current directory.
// It looks for strand.hjson first, then strand.json.
func (l *Loader) FindConfig() (string, error) {
	candidates := []string{
		"strand.hjson",
		"strand.json",
	}

	for _, name := range candidates {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("config file not found (looked for strand.hjson, strand.json)")
}

// Default returns a fully-defaulted configuration, used when no config file
// exists.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for missing config fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7333
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}

	if cfg.Backend.Command == "" {
		cfg.Backend.Command = "claude"
	}
	if cfg.Backend.JournalDir == "" {
		cfg.Backend.JournalDir = stateDir("journals")
	}

	if cfg.Storage.SnapshotDir == "" {
		cfg.Storage.SnapshotDir = stateDir("snapshots")
	}
	if cfg.Storage.RunsFile == "" {
		cfg.Storage.RunsFile = stateDir("runs.json")
	}

	if cfg.Dispatch.RetryAttempts == 0 {
		cfg.Dispatch.RetryAttempts = 2
	}
	if cfg.Dispatch.RetryDelay == "" {
		cfg.Dispatch.RetryDelay = "250ms"
	}
	if cfg.Dispatch.PollInterval == "" {
		cfg.Dispatch.PollInterval = "1s"
	}
	if cfg.Dispatch.CoalesceWindow == "" {
		cfg.Dispatch.CoalesceWindow = "100ms"
	}
}

// Validate checks the configuration for inconsistencies.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", cfg.Server.Port)
	}
	if cfg.Backend.Command == "" {
		return fmt.Errorf("backend.command is required")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"dispatch.retry_delay", cfg.Dispatch.RetryDelay},
		{"dispatch.poll_interval", cfg.Dispatch.PollInterval},
		{"dispatch.coalesce_window", cfg.Dispatch.CoalesceWindow},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", field.name, field.value)
		}
	}
	return nil
}

// Duration parses a config duration string, falling back to def on error.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// stateDir returns a path under the user's strand state directory.
func stateDir(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".strand", name)
	}
	return filepath.Join(home, ".strand", name)
}

// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the strand configuration file (HJSON with a JSON
// fallback) and applies defaults and validation.
package config

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Backend  BackendConfig  `json:"backend"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`
	Session  SessionConfig  `json:"session"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`
}

// BackendConfig configures the supervised agent process.
type BackendConfig struct {
	// Command is the agent CLI binary.
	Command string `json:"command"`
	// Args are prepended to every invocation.
	Args []string `json:"args"`
	// UsePTY runs the agent under a pseudo-terminal and exposes the raw
	// output byte channel.
	UsePTY bool `json:"use_pty"`
	// JournalDir is where per-session event journals are written.
	JournalDir string `json:"journal_dir"`
}

// StorageConfig configures on-disk state.
type StorageConfig struct {
	// SnapshotDir holds cached serialized session state.
	SnapshotDir string `json:"snapshot_dir"`
	// RunsFile is the persisted run registry.
	RunsFile string `json:"runs_file"`
}

// DispatchConfig tunes event routing resilience.
type DispatchConfig struct {
	// RetryAttempts is the number of push registration attempts before the
	// polling fallback takes over.
	RetryAttempts int `json:"retry_attempts"`
	// RetryDelay is the base delay between attempts (e.g. "250ms").
	RetryDelay string `json:"retry_delay"`
	// PollInterval is the fallback journal re-read interval (e.g. "1s").
	PollInterval string `json:"poll_interval"`
	// CoalesceWindow collapses rapid sync requests (e.g. "100ms").
	CoalesceWindow string `json:"coalesce_window"`
}

// SessionConfig sets initial session options.
type SessionConfig struct {
	Model          string `json:"model"`
	PermissionMode string `json:"permission_mode"`
	Platform       string `json:"platform"`
	RemoteHost     string `json:"remote_host"`
}

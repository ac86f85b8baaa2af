// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strand.hjson")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_HJSON(t *testing.T) {
	path := writeConfig(t, `
{
  // comments are allowed
  server: {
    host: "0.0.0.0"
    port: 9000
  }
  backend: {
    command: "claude"
    args: ["--output-format", "stream-json"]
    use_pty: false
  }
}
`)

	cfg, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Backend.Command != "claude" {
		t.Errorf("command = %q", cfg.Backend.Command)
	}
	if len(cfg.Backend.Args) != 2 {
		t.Errorf("args = %v", cfg.Backend.Args)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeConfig(t, `{ backend: { command: "claude" } }`)

	cfg, err := NewLoader().LoadWithDefaults(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadWithDefaults: %v", err)
	}
	if cfg.Server.Port != 7333 {
		t.Errorf("default port = %d, want 7333", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host = %q", cfg.Server.Host)
	}
	if cfg.Dispatch.RetryAttempts != 2 {
		t.Errorf("default retry attempts = %d", cfg.Dispatch.RetryAttempts)
	}
	if cfg.Dispatch.PollInterval != "1s" {
		t.Errorf("default poll interval = %q", cfg.Dispatch.PollInterval)
	}
	if cfg.Storage.SnapshotDir == "" {
		t.Error("snapshot dir default missing")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := NewLoader().Load(context.Background(), "/nonexistent/strand.hjson")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := Default()
	bad.Server.Port = -1
	if err := Validate(bad); err == nil {
		t.Error("expected port error")
	}

	bad = Default()
	bad.Backend.Command = ""
	if err := Validate(bad); err == nil {
		t.Error("expected command error")
	}

	bad = Default()
	bad.Dispatch.PollInterval = "often"
	if err := Validate(bad); err == nil {
		t.Error("expected duration error")
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("got %v", got)
	}
	if got := Duration("junk", time.Second); got != time.Second {
		t.Errorf("fallback got %v", got)
	}
	if got := Duration("-5s", time.Second); got != time.Second {
		t.Errorf("negative got %v", got)
	}
}

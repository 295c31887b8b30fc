// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "buildfarm.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Scheduler.ScanInterval != 15*time.Second {
		t.Errorf("scan_interval = %v, want 15s", cfg.Scheduler.ScanInterval)
	}
	if cfg.Scheduler.CancelTimeout != 180*time.Second {
		t.Errorf("cancel_timeout = %v, want 180s", cfg.Scheduler.CancelTimeout)
	}
	if cfg.Scheduler.ResetThreshold != 5 || cfg.Scheduler.ResetFailureThreshold != 3 {
		t.Errorf("thresholds = %d/%d, want 5/3",
			cfg.Scheduler.ResetThreshold, cfg.Scheduler.ResetFailureThreshold)
	}
	if !cfg.Scheduler.Prefetch {
		t.Error("expected prefetch enabled by default")
	}
	if cfg.LogTail.Compression != "zstd" {
		t.Errorf("compression = %q, want zstd", cfg.LogTail.Compression)
	}
	if cfg.Logging.Format != "text" || cfg.Logging.Level != "info" {
		t.Errorf("logging = %+v, want text at info", cfg.Logging)
	}
}

func TestLoad_RequiresBuildfarmConfig(t *testing.T) {
	t.Setenv("BUILDFARM_CONFIG", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when BUILDFARM_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "BUILDFARM_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_WithBuildfarmConfig(t *testing.T) {
	configPath := writeConfig(t, `
environment: staging
database:
  path: /test/farm.db
`)
	t.Setenv("BUILDFARM_CONFIG", configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Database.Path != "/test/farm.db" {
		t.Errorf("database.path = %q, want /test/farm.db", cfg.Database.Path)
	}
}

func TestLoadFile(t *testing.T) {
	configPath := writeConfig(t, `
environment: development
state_dir: /srv/farm
scheduler:
  scan_interval: 5s
  cancel_timeout: 2m
  reset_threshold: 2
  reset_failure_threshold: 4
  prefetch: false
worker:
  socket_timeout: 10s
  vm_resume_command: "ssh ${vm_host} reset ${buildd_name}"
registry:
  path: ${BUILDFARM_STATE}/builders.jsonc
logtail:
  compression: lz4
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Scheduler.ScanInterval != 5*time.Second {
		t.Errorf("scan_interval = %v, want 5s", cfg.Scheduler.ScanInterval)
	}
	if cfg.Scheduler.CancelTimeout != 2*time.Minute {
		t.Errorf("cancel_timeout = %v, want 2m", cfg.Scheduler.CancelTimeout)
	}
	if cfg.Scheduler.ResetThreshold != 2 || cfg.Scheduler.ResetFailureThreshold != 4 {
		t.Errorf("thresholds = %d/%d, want 2/4",
			cfg.Scheduler.ResetThreshold, cfg.Scheduler.ResetFailureThreshold)
	}
	if cfg.Scheduler.Prefetch {
		t.Error("prefetch should be disabled")
	}
	// Unset fields keep their defaults.
	if cfg.Scheduler.WatcherInterval != 15*time.Second {
		t.Errorf("watcher_interval = %v, want default 15s", cfg.Scheduler.WatcherInterval)
	}
	if cfg.Database.Path != "/srv/farm/buildfarm.db" {
		t.Errorf("database.path = %q, want /srv/farm/buildfarm.db", cfg.Database.Path)
	}
	if cfg.Registry.Path != "/srv/farm/builders.jsonc" {
		t.Errorf("registry.path = %q, want /srv/farm/builders.jsonc", cfg.Registry.Path)
	}
	if cfg.Worker.VMResumeCommand != "ssh ${vm_host} reset ${buildd_name}" {
		t.Errorf("vm_resume_command was modified: %q", cfg.Worker.VMResumeCommand)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
environment: staging
database:
  path: /base.db
worker:
  vm_resume_command: base
staging:
  database:
    path: /staging.db
  worker:
    vm_resume_command: staging-reset ${vm_host}
  logging:
    level: debug
production:
  database:
    path: /production.db
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Database.Path != "/staging.db" {
		t.Errorf("database.path = %q, want /staging.db", cfg.Database.Path)
	}
	if cfg.Worker.VMResumeCommand != "staging-reset ${vm_host}" {
		t.Errorf("vm_resume_command = %q", cfg.Worker.VMResumeCommand)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
}

func TestProductionDefaults(t *testing.T) {
	configPath := writeConfig(t, "environment: production\n")

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("production logging.format = %q, want json", cfg.Logging.Format)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad environment", func(c *Config) { c.Environment = "qa" }, "invalid environment"},
		{"zero scan interval", func(c *Config) { c.Scheduler.ScanInterval = 0 }, "scheduler.scan_interval"},
		{"negative cancel timeout", func(c *Config) { c.Scheduler.CancelTimeout = -time.Second }, "scheduler.cancel_timeout"},
		{"zero reset threshold", func(c *Config) { c.Scheduler.ResetThreshold = 0 }, "scheduler.reset_threshold"},
		{"zero reset failure threshold", func(c *Config) { c.Scheduler.ResetFailureThreshold = 0 }, "scheduler.reset_failure_threshold"},
		{"empty database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown compression", func(c *Config) { c.LogTail.Compression = "gzip" }, "logtail.compression"},
		{"unknown level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"unknown format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate()
			if test.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Fatalf("Validate error = %v, want mention of %q", err, test.wantErr)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	level, err := LoggingConfig{Level: "warn"}.SlogLevel()
	if err != nil {
		t.Fatalf("SlogLevel: %v", err)
	}
	if level != slog.LevelWarn {
		t.Errorf("level = %v, want WARN", level)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("BUILDFARM_TEST_VAR", "from-env")

	tests := []struct {
		input string
		vars  map[string]string
		want  string
	}{
		{"${vm_host}:${buildd_name}", map[string]string{"vm_host": "h1", "buildd_name": "bob"}, "h1:bob"},
		{"${BUILDFARM_TEST_VAR}/x", nil, "from-env/x"},
		{"${BUILDFARM_UNSET_VAR:-fallback}", nil, "fallback"},
		{"no variables", nil, "no variables"},
	}
	for _, test := range tests {
		if got := ExpandVars(test.input, test.vars); got != test.want {
			t.Errorf("ExpandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.StateDir = filepath.Join(root, "state")
	cfg.Database.Path = filepath.Join(root, "db", "farm.db")
	cfg.Registry.Path = filepath.Join(root, "registry", "builders.jsonc")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, dir := range []string{"state", "db", "registry"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
}

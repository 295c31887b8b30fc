// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local runs against mock workers.
	Development Environment = "development"
	// Staging is for pre-production build farms.
	Staging Environment = "staging"
	// Production is the live build farm.
	Production Environment = "production"
)

// Config is the build farm manager configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// StateDir is the base directory for the database and registry.
	StateDir string `yaml:"state_dir"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Database  DatabaseConfig  `yaml:"database"`
	Registry  RegistryConfig  `yaml:"registry"`
	LogTail   LogTailConfig   `yaml:"logtail"`
	Logging   LoggingConfig   `yaml:"logging"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Database *DatabaseConfig `yaml:"database,omitempty"`
	Registry *RegistryConfig `yaml:"registry,omitempty"`
	Worker   *WorkerConfig   `yaml:"worker,omitempty"`
	Logging  *LoggingConfig  `yaml:"logging,omitempty"`
}

// SchedulerConfig is the dispatch and escalation policy.
type SchedulerConfig struct {
	// ScanInterval is the delay between two ticks of one builder's
	// scanner.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// WatcherInterval is the delay between fleet refreshes.
	WatcherInterval time.Duration `yaml:"watcher_interval"`

	// CancelTimeout bounds how long a builder may take to abort a
	// cancelled build before the builder is reset.
	CancelTimeout time.Duration `yaml:"cancel_timeout"`

	// ResetThreshold is the number of consecutive builder failures
	// between reset attempts.
	ResetThreshold int `yaml:"reset_threshold"`

	// ResetFailureThreshold is the number of failed reset attempts
	// after which the builder is disabled.
	ResetFailureThreshold int `yaml:"reset_failure_threshold"`

	// Prefetch serves vitals from a snapshot loaded once per fleet
	// refresh instead of querying the store on every tick.
	Prefetch bool `yaml:"prefetch"`

	// HeadOverrunEstimate is assumed as the remaining time of a
	// running job that has exceeded its estimated duration.
	HeadOverrunEstimate time.Duration `yaml:"head_overrun_estimate"`

	// MinimumEstimate is the floor of every start time estimate.
	MinimumEstimate time.Duration `yaml:"minimum_estimate"`
}

// WorkerConfig configures the connection to remote workers.
type WorkerConfig struct {
	// SocketTimeout bounds one RPC to a non-virtualized worker.
	SocketTimeout time.Duration `yaml:"socket_timeout"`

	// VirtualizedSocketTimeout bounds one RPC to a virtualized worker.
	VirtualizedSocketTimeout time.Duration `yaml:"virtualized_socket_timeout"`

	// VMResumeCommand resets a virtual worker. ${vm_host} and
	// ${buildd_name} are substituted per builder. Empty disables
	// resuming.
	VMResumeCommand string `yaml:"vm_resume_command"`

	// ResumeTimeout bounds one run of VMResumeCommand.
	ResumeTimeout time.Duration `yaml:"resume_timeout"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// RegistryConfig configures the builder registry file.
type RegistryConfig struct {
	// Path is a JSON-with-comments file listing builders. Empty means
	// builders are managed directly in the store.
	Path string `yaml:"path"`

	// Watch triggers an immediate fleet refresh when the file changes.
	Watch bool `yaml:"watch"`
}

// LogTailConfig configures storage of build log tails.
type LogTailConfig struct {
	// Compression is one of "zstd", "lz4" or "none".
	Compression string `yaml:"compression"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Default returns the default configuration, used as the base before
// the file is loaded.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".cache", "buildfarm")

	return &Config{
		Environment: Development,
		StateDir:    stateDir,
		Scheduler: SchedulerConfig{
			ScanInterval:          15 * time.Second,
			WatcherInterval:       15 * time.Second,
			CancelTimeout:         180 * time.Second,
			ResetThreshold:        5,
			ResetFailureThreshold: 3,
			Prefetch:              true,
			HeadOverrunEstimate:   120 * time.Second,
			MinimumEstimate:       5 * time.Second,
		},
		Worker: WorkerConfig{
			SocketTimeout:            40 * time.Second,
			VirtualizedSocketTimeout: 30 * time.Second,
			ResumeTimeout:            60 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "${BUILDFARM_STATE}/buildfarm.db",
		},
		Registry: RegistryConfig{
			Watch: true,
		},
		LogTail: LogTailConfig{
			Compression: "zstd",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the file named by BUILDFARM_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("BUILDFARM_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("BUILDFARM_CONFIG environment variable not set; " +
			"set it to the path of your buildfarm.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The result
// is not validated; call [Config.Validate].
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{
				Logging: &LoggingConfig{
					Level:  "info",
					Format: "json",
				},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Database != nil {
		if overrides.Database.Path != "" {
			c.Database.Path = overrides.Database.Path
		}
		if overrides.Database.PoolSize != 0 {
			c.Database.PoolSize = overrides.Database.PoolSize
		}
	}

	if overrides.Registry != nil {
		if overrides.Registry.Path != "" {
			c.Registry.Path = overrides.Registry.Path
		}
		// Watch is a bool, so it is always applied from overrides.
		c.Registry.Watch = overrides.Registry.Watch
	}

	if overrides.Worker != nil {
		if overrides.Worker.SocketTimeout != 0 {
			c.Worker.SocketTimeout = overrides.Worker.SocketTimeout
		}
		if overrides.Worker.VirtualizedSocketTimeout != 0 {
			c.Worker.VirtualizedSocketTimeout = overrides.Worker.VirtualizedSocketTimeout
		}
		if overrides.Worker.VMResumeCommand != "" {
			c.Worker.VMResumeCommand = overrides.Worker.VMResumeCommand
		}
		if overrides.Worker.ResumeTimeout != 0 {
			c.Worker.ResumeTimeout = overrides.Worker.ResumeTimeout
		}
	}

	if overrides.Logging != nil {
		if overrides.Logging.Level != "" {
			c.Logging.Level = overrides.Logging.Level
		}
		if overrides.Logging.Format != "" {
			c.Logging.Format = overrides.Logging.Format
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.StateDir = ExpandVars(c.StateDir, vars)
	vars["BUILDFARM_STATE"] = c.StateDir

	c.Database.Path = ExpandVars(c.Database.Path, vars)
	c.Registry.Path = ExpandVars(c.Registry.Path, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// ExpandVars expands ${VAR} and ${VAR:-default} in s. Names are looked
// up in vars first, then in the process environment.
func ExpandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	positive := map[string]time.Duration{
		"scheduler.scan_interval":           c.Scheduler.ScanInterval,
		"scheduler.watcher_interval":        c.Scheduler.WatcherInterval,
		"scheduler.cancel_timeout":          c.Scheduler.CancelTimeout,
		"scheduler.head_overrun_estimate":   c.Scheduler.HeadOverrunEstimate,
		"worker.socket_timeout":             c.Worker.SocketTimeout,
		"worker.virtualized_socket_timeout": c.Worker.VirtualizedSocketTimeout,
		"worker.resume_timeout":             c.Worker.ResumeTimeout,
	}
	for name, value := range positive {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, value))
		}
	}
	if c.Scheduler.MinimumEstimate < 0 {
		errs = append(errs, fmt.Errorf("scheduler.minimum_estimate must not be negative"))
	}

	if c.Scheduler.ResetThreshold < 1 {
		errs = append(errs, fmt.Errorf("scheduler.reset_threshold must be at least 1"))
	}
	if c.Scheduler.ResetFailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("scheduler.reset_failure_threshold must be at least 1"))
	}

	if c.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}

	if !contains([]string{"zstd", "lz4", "none"}, c.LogTail.Compression) {
		errs = append(errs, fmt.Errorf("logtail.compression must be one of: zstd, lz4, none"))
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if !contains([]string{"json", "text"}, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be json or text"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories holding the database and the
// registry file.
func (c *Config) EnsurePaths() error {
	paths := []string{c.StateDir, filepath.Dir(c.Database.Path)}
	if c.Registry.Path != "" {
		paths = append(paths, filepath.Dir(c.Registry.Path))
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

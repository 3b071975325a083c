// Package config defines the shellgate configuration and loads it from a
// YAML file plus environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Pattern is one whitelist entry for a command. Patterns are read-only at
// runtime; the whitelist package compiles them into a Validator.
type Pattern struct {
	Command               string   `yaml:"command"`
	AllowedArgs           []string `yaml:"allowed_args,omitempty"`
	ArgPatterns           []string `yaml:"arg_patterns,omitempty"`
	TimeoutMS             int      `yaml:"timeout_ms,omitempty"`
	WorkingDirRestriction string   `yaml:"working_dir_restriction,omitempty"` // none | project-only | specific
	AllowedWorkingDirs    []string `yaml:"allowed_working_dirs,omitempty"`
	RequiresConfirmation  bool     `yaml:"requires_confirmation"`
	Description           string   `yaml:"description,omitempty"`
}

// EnvPolicy controls which variables child processes inherit.
type EnvPolicy struct {
	Blocked []string `yaml:"blocked,omitempty"`
	Allowed []string `yaml:"allowed,omitempty"`
}

// QueueConfig configures the async job queue. All durations are expressed in
// milliseconds in the file, matching the ASYNC_QUEUE_* environment variables.
type QueueConfig struct {
	BaseDir  string `yaml:"base_dir,omitempty"`
	Subdir   string `yaml:"subdir,omitempty"`
	Capacity int    `yaml:"capacity,omitempty"`

	CleanupIntervalMS   int `yaml:"cleanup_interval_ms,omitempty"`
	RetentionMS         int `yaml:"retention_ms,omitempty"`
	ShutdownTimeoutMS   int `yaml:"shutdown_timeout_ms,omitempty"`
	ProcessorIntervalMS int `yaml:"processor_interval_ms,omitempty"`
	BridgeIntervalMS    int `yaml:"bridge_interval_ms,omitempty"`

	CleanupInterval   time.Duration `yaml:"-"`
	Retention         time.Duration `yaml:"-"`
	ShutdownTimeout   time.Duration `yaml:"-"`
	ProcessorInterval time.Duration `yaml:"-"`
	BridgeInterval    time.Duration `yaml:"-"`
}

// LogConfig configures log output.
type LogConfig struct {
	Level            string `yaml:"level,omitempty"`
	File             string `yaml:"file,omitempty"`
	MaxSizeMB        int    `yaml:"max_size_mb,omitempty"`
	RotationStrategy string `yaml:"rotation_strategy,omitempty"` // truncate | rotate
	KeepFiles        int    `yaml:"keep_files,omitempty"`
	Format           string `yaml:"format,omitempty"` // text | json
}

// Config is the whole service configuration.
type Config struct {
	StartDirectory   string        `yaml:"start_directory,omitempty"`
	ProjectRoots     []string      `yaml:"project_roots,omitempty"`
	DefaultTimeout   time.Duration `yaml:"-"`
	DefaultTimeoutMS int           `yaml:"default_timeout_ms,omitempty"`
	MaxConcurrent    int           `yaml:"max_concurrent,omitempty"`

	Patterns []Pattern   `yaml:"whitelist"`
	Env      EnvPolicy   `yaml:"env,omitempty"`
	Queue    QueueConfig `yaml:"queue,omitempty"`
	Log      LogConfig   `yaml:"log,omitempty"`
}

const (
	DefaultTimeout         = 30 * time.Second
	DefaultMaxConcurrent   = 3
	DefaultQueueSubdir     = "async-queue"
	DefaultQueueCapacity   = 100
	DefaultCleanupInterval = 5 * time.Minute
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultShutdownTimeout = 30 * time.Second
	DefaultTickInterval    = 5 * time.Second

	MinTimeout = time.Second
	MaxTimeout = 5 * time.Minute

	MaxMaxConcurrent = 10
)

// New returns a Config with all defaults applied.
func New() *Config {
	cwd, _ := os.Getwd()
	return &Config{
		StartDirectory: cwd,
		DefaultTimeout: DefaultTimeout,
		MaxConcurrent:  DefaultMaxConcurrent,
		Queue: QueueConfig{
			Subdir:            DefaultQueueSubdir,
			Capacity:          DefaultQueueCapacity,
			CleanupInterval:   DefaultCleanupInterval,
			Retention:         DefaultRetention,
			ShutdownTimeout:   DefaultShutdownTimeout,
			ProcessorInterval: DefaultTickInterval,
			BridgeInterval:    DefaultTickInterval,
		},
		Log: LogConfig{
			Level:            "info",
			Format:           "text",
			RotationStrategy: "truncate",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file named
// by MCP_SHELL_CONFIG_PATH (or path, if given), then environment overrides.
func Load(path string) (*Config, error) {
	c := New()

	if path == "" {
		path = os.Getenv("MCP_SHELL_CONFIG_PATH")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		if c.DefaultTimeoutMS > 0 {
			c.DefaultTimeout = time.Duration(c.DefaultTimeoutMS) * time.Millisecond
		}
		ms := func(v int, d *time.Duration) {
			if v > 0 {
				*d = time.Duration(v) * time.Millisecond
			}
		}
		ms(c.Queue.CleanupIntervalMS, &c.Queue.CleanupInterval)
		ms(c.Queue.RetentionMS, &c.Queue.Retention)
		ms(c.Queue.ShutdownTimeoutMS, &c.Queue.ShutdownTimeout)
		ms(c.Queue.ProcessorIntervalMS, &c.Queue.ProcessorInterval)
		ms(c.Queue.BridgeIntervalMS, &c.Queue.BridgeInterval)
	}

	c.applyEnv()

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MCP_SHELL_START_DIRECTORY"); v != "" {
		c.StartDirectory = v
	}
	if v := os.Getenv("MCP_SHELL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrent = n
		}
	}
	if v := os.Getenv("MCP_SHELL_TIMEOUT"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.DefaultTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("MCP_SHELL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}

	if v := os.Getenv("ASYNC_QUEUE_BASE_DIR"); v != "" {
		c.Queue.BaseDir = v
	}
	if v := os.Getenv("ASYNC_QUEUE_SUBDIR"); v != "" {
		c.Queue.Subdir = v
	}
	if v := os.Getenv("ASYNC_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.Capacity = n
		}
	}
	if v := os.Getenv("ASYNC_QUEUE_CLEANUP_INTERVAL"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Queue.CleanupInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ASYNC_QUEUE_RETENTION"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Queue.Retention = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv("LOG_MAX_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Log.MaxSizeMB = n
		}
	}
	if v := os.Getenv("LOG_ROTATION_STRATEGY"); v != "" {
		c.Log.RotationStrategy = v
	}
	if v := os.Getenv("LOG_KEEP_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Log.KeepFiles = n
		}
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

func (c *Config) validate() error {
	if c.MaxConcurrent < 1 || c.MaxConcurrent > MaxMaxConcurrent {
		return fmt.Errorf("max_concurrent must be between 1 and %d, got %d", MaxMaxConcurrent, c.MaxConcurrent)
	}
	if c.DefaultTimeout < MinTimeout || c.DefaultTimeout > MaxTimeout {
		return fmt.Errorf("default timeout must be between %v and %v, got %v", MinTimeout, MaxTimeout, c.DefaultTimeout)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	switch c.Log.RotationStrategy {
	case "", "truncate", "rotate":
	default:
		return fmt.Errorf("log rotation strategy must be truncate or rotate, got %q", c.Log.RotationStrategy)
	}
	for i, p := range c.Patterns {
		if p.Command == "" {
			return fmt.Errorf("whitelist entry %d has no command", i)
		}
		switch p.WorkingDirRestriction {
		case "", "none", "project-only", "specific":
		default:
			return fmt.Errorf("whitelist entry %q: unknown working_dir_restriction %q", p.Command, p.WorkingDirRestriction)
		}
		if p.WorkingDirRestriction == "specific" && len(p.AllowedWorkingDirs) == 0 {
			return fmt.Errorf("whitelist entry %q: specific restriction needs allowed_working_dirs", p.Command)
		}
	}

	// The start directory is always an implicit project root.
	if c.StartDirectory != "" {
		abs, err := filepath.Abs(c.StartDirectory)
		if err != nil {
			return fmt.Errorf("resolving start directory: %w", err)
		}
		c.StartDirectory = abs
		found := false
		for _, r := range c.ProjectRoots {
			if r == abs {
				found = true
			}
		}
		if !found {
			c.ProjectRoots = append(c.ProjectRoots, abs)
		}
	}

	return nil
}

// QueueDir returns the directory holding queue state.
func (c *Config) QueueDir() string {
	base := c.Queue.BaseDir
	if base == "" {
		base = filepath.Join(c.StartDirectory, ".shellgate")
	}
	return filepath.Join(base, c.Queue.Subdir)
}

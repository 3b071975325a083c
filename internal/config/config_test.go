package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, "whitelist: []\n"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if c.MaxConcurrent != DefaultMaxConcurrent {
		t.Errorf("MaxConcurrent = %d, want %d", c.MaxConcurrent, DefaultMaxConcurrent)
	}
	if c.DefaultTimeout != DefaultTimeout {
		t.Errorf("DefaultTimeout = %v, want %v", c.DefaultTimeout, DefaultTimeout)
	}
	if c.Queue.Retention != DefaultRetention {
		t.Errorf("Queue.Retention = %v, want %v", c.Queue.Retention, DefaultRetention)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
default_timeout_ms: 5000
max_concurrent: 5
whitelist:
  - command: echo
    arg_patterns: ["^[\\w\\s\\-_.]+$"]
    requires_confirmation: false
    description: Echo text
  - command: git push
    requires_confirmation: true
    working_dir_restriction: project-only
queue:
  capacity: 10
  retention_ms: 60000
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if c.DefaultTimeout != 5*time.Second {
		t.Errorf("DefaultTimeout = %v, want 5s", c.DefaultTimeout)
	}
	if c.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", c.MaxConcurrent)
	}
	if len(c.Patterns) != 2 {
		t.Fatalf("len(Patterns) = %d, want 2", len(c.Patterns))
	}
	if c.Patterns[1].Command != "git push" || !c.Patterns[1].RequiresConfirmation {
		t.Errorf("pattern 1 = %+v", c.Patterns[1])
	}
	if c.Queue.Retention != time.Minute {
		t.Errorf("Queue.Retention = %v, want 1m", c.Queue.Retention)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MCP_SHELL_MAX_CONCURRENT", "7")
	t.Setenv("MCP_SHELL_TIMEOUT", "2000")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("ASYNC_QUEUE_CAPACITY", "42")

	c, err := Load(writeConfig(t, "whitelist: []\n"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if c.MaxConcurrent != 7 {
		t.Errorf("MaxConcurrent = %d, want 7", c.MaxConcurrent)
	}
	if c.DefaultTimeout != 2*time.Second {
		t.Errorf("DefaultTimeout = %v, want 2s", c.DefaultTimeout)
	}
	if c.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", c.Log.Format)
	}
	if c.Queue.Capacity != 42 {
		t.Errorf("Queue.Capacity = %d, want 42", c.Queue.Capacity)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "concurrency too high", body: "max_concurrent: 50\nwhitelist: []\n"},
		{name: "timeout too low", body: "default_timeout_ms: 10\nwhitelist: []\n"},
		{name: "bad restriction", body: "whitelist:\n  - command: ls\n    working_dir_restriction: anywhere\n"},
		{name: "specific without dirs", body: "whitelist:\n  - command: ls\n    working_dir_restriction: specific\n"},
		{name: "empty command", body: "whitelist:\n  - description: oops\n"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, test.body)); err == nil {
				t.Errorf("Load() succeeded, want error")
			}
		})
	}
}

func TestStartDirectoryBecomesProjectRoot(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MCP_SHELL_START_DIRECTORY", dir)

	c, err := Load(writeConfig(t, "whitelist: []\n"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	found := false
	for _, r := range c.ProjectRoots {
		if r == dir {
			found = true
		}
	}
	if !found {
		t.Errorf("ProjectRoots %v does not include start directory %s", c.ProjectRoots, dir)
	}
}

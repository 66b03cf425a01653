// Package config loads controller configuration from TERMBRIDGE_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds everything the controller needs at startup.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:7681"`

	// StateDir holds the restore database; defaults to ~/.termbridge.
	StateDir string `envconfig:"STATE_DIR"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`

	// DefaultShell and ShellArgs mirror the editor's terminal settings.
	DefaultShell string   `envconfig:"DEFAULT_SHELL"`
	ShellArgs    []string `envconfig:"SHELL_ARGS"`

	// HostPath overrides pty host executable discovery.
	HostPath string `envconfig:"HOST_PATH"`
	// DisableDirect forces the sidecar strategy.
	DisableDirect bool `envconfig:"DISABLE_DIRECT" default:"false"`

	HostStartupTimeout time.Duration `envconfig:"HOST_STARTUP_TIMEOUT" default:"10s"`
	RPCTimeout         time.Duration `envconfig:"RPC_TIMEOUT" default:"30s"`

	SpawnRetries    uint          `envconfig:"SPAWN_RETRIES" default:"3"`
	SpawnRetryDelay time.Duration `envconfig:"SPAWN_RETRY_DELAY" default:"150ms"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("termbridge", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// DBPath returns the restore database location under the state dir.
func (c *Config) DBPath() (string, error) {
	dir := c.StateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve state dir: %w", err)
		}
		dir = filepath.Join(home, ".termbridge")
	}
	return filepath.Join(dir, "termbridge.db"), nil
}

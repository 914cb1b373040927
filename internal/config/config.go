// Package config manages azenumrbac global and workspace-level configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/azenumrbac/azenumrbac/internal/core"
	"gopkg.in/yaml.v3"
)

const (
	ConfigDirName    = ".azenumrbac"
	ConfigFileName   = "config.json"
	ScopeFileName    = "scope.yaml"
	DefaultLogLevel  = "info"
	DefaultOutputDir = "AzureEnumRBAC"
)

// GlobalConfig holds user-level configuration for the azenumrbac CLI.
type GlobalConfig struct {
	LogLevel         string `json:"log_level"`
	OutputDir        string `json:"output_dir"`         // Workspace directory for intermediate and final files
	AzBinary         string `json:"az_binary"`          // Path or name of the az executable
	MaxAttempts      int    `json:"max_attempts"`       // Attempts per az invocation before giving up
	RetryBackoffMS   int    `json:"retry_backoff_ms"`   // Linear backoff between attempts
	RatePerSecond    int    `json:"rate_per_second"`    // az invocations per second
	CacheTTLSeconds  int    `json:"cache_ttl_seconds"`  // Response cache lifetime
	UserProfileBatch int    `json:"user_profile_batch"` // Profiles fetched between intermediate checkpoints
	AssumeYes        bool   `json:"assume_yes"`         // Answer yes to install prompts
	Offline          bool   `json:"offline"`            // Never re-collect missing intermediates
}

// DefaultGlobalConfig returns sensible defaults.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		LogLevel:         DefaultLogLevel,
		OutputDir:        DefaultOutputDir,
		AzBinary:         "az",
		MaxAttempts:      3,
		RetryBackoffMS:   2000,
		RatePerSecond:    5,
		CacheTTLSeconds:  300,
		UserProfileBatch: 50,
	}
}

// RetryBackoff returns the configured backoff as a duration.
func (c GlobalConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// CacheTTL returns the configured cache lifetime as a duration.
func (c GlobalConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Validate rejects values that would stall or disable the collector.
func (c GlobalConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RatePerSecond < 1 {
		return fmt.Errorf("rate_per_second must be at least 1, got %d", c.RatePerSecond)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}
	if c.AzBinary == "" {
		return fmt.Errorf("az_binary must not be empty")
	}
	return nil
}

// ConfigDir returns the global config directory path.
func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// LoadGlobalConfig loads the global config from ~/.azenumrbac/config.json.
func LoadGlobalConfig() (GlobalConfig, error) {
	return LoadGlobalConfigFrom(filepath.Join(ConfigDir(), ConfigFileName))
}

// LoadGlobalConfigFrom loads a global config file, returning defaults when
// the file does not exist.
func LoadGlobalConfigFrom(path string) (GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultGlobalConfig(), nil
		}
		return GlobalConfig{}, err
	}

	cfg := DefaultGlobalConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return GlobalConfig{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// SaveGlobalConfig persists the global config to ~/.azenumrbac/config.json.
func SaveGlobalConfig(cfg GlobalConfig) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0600)
}

// LoadScope reads the workspace scope file. A missing file means no
// restriction: every subscription the session can see is enumerated.
func LoadScope(workspacePath string) (core.Scope, error) {
	var scope core.Scope
	data, err := os.ReadFile(filepath.Join(workspacePath, ScopeFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return scope, nil
		}
		return scope, err
	}
	if err := yaml.Unmarshal(data, &scope); err != nil {
		return scope, fmt.Errorf("parsing %s: %w", ScopeFileName, err)
	}
	return scope, nil
}

// SaveScope writes the workspace scope file.
func SaveScope(workspacePath string, scope core.Scope) error {
	if err := os.MkdirAll(workspacePath, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(scope)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workspacePath, ScopeFileName), data, 0600)
}

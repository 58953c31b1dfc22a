// Package config loads and saves the streamchat YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"streamchat/internal/domain"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for streamchat.
type Config struct {
	General GeneralConfig      `yaml:"general"`
	Chat    ChatConfig         `yaml:"chat"`
	API     APIConfig          `yaml:"api"`
	Tabs    []domain.TabConfig `yaml:"tabs"`
	Dwell   DwellConfig        `yaml:"dwell"`
	Metrics MetricsConfig      `yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile,omitempty"`
}

// ChatConfig configures the streaming chat transport.
type ChatConfig struct {
	URL       string      `yaml:"url"`
	CancelURL string      `yaml:"cancelUrl"`
	Flow      domain.Flow `yaml:"flow"`
	Token     string      `yaml:"token,omitempty"`
	Anonymous bool        `yaml:"anonymous,omitempty"`

	// Initial-connection retry policy.
	MaxAttempts   int `yaml:"maxAttempts"`
	BackoffBaseMs int `yaml:"backoffBaseMs"`
	BackoffCapMs  int `yaml:"backoffCapMs"`

	// Ceiling on the stop-generation handshake.
	StopTimeoutMs int `yaml:"stopTimeoutMs"`

	// PageContent is optional host-page context attached to every prompt.
	PageContent string `yaml:"pageContent,omitempty"`
}

// BackoffBase returns the backoff base as a duration.
func (c ChatConfig) BackoffBase() time.Duration { return time.Duration(c.BackoffBaseMs) * time.Millisecond }

// BackoffCap returns the backoff cap as a duration.
func (c ChatConfig) BackoffCap() time.Duration { return time.Duration(c.BackoffCapMs) * time.Millisecond }

// StopTimeout returns the cancel-handshake ceiling as a duration.
func (c ChatConfig) StopTimeout() time.Duration { return time.Duration(c.StopTimeoutMs) * time.Millisecond }

// APIConfig configures the session REST collaborator.
type APIConfig struct {
	BaseURL        string `yaml:"baseUrl"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// DwellConfig configures time-on-route tracking.
type DwellConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalSeconds int    `yaml:"intervalSeconds"`
	DBPath          string `yaml:"dbPath,omitempty"` // empty = log-only sink
}

// MetricsConfig exposes the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DefaultConfigDir returns ~/.streamchat.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".streamchat"
	}
	return filepath.Join(home, ".streamchat")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads and validates a config file. Missing fields fall back to
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configs the client cannot run with.
func (c *Config) Validate() error {
	if c.Chat.URL == "" {
		return fmt.Errorf("config: chat.url is required")
	}
	if len(c.Tabs) == 0 {
		return fmt.Errorf("config: at least one tab is required")
	}
	seen := make(map[string]bool, len(c.Tabs))
	for _, t := range c.Tabs {
		if t.Name == "" {
			return fmt.Errorf("config: tab with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("config: duplicate tab %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

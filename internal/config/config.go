package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models gateline.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret    string `yaml:"jwt_secret"`
		TokenTTL     string `yaml:"token_ttl"`
		AgentKeyTag  string `yaml:"agent_key_tag"`
		LastUsedSkew string `yaml:"last_used_debounce"`
	} `yaml:"auth"`
	Pagination struct {
		DefaultLimit int `yaml:"default_limit"`
		MaxLimit     int `yaml:"max_limit"`
	} `yaml:"pagination"`
}

// Default returns a config with working defaults for a local workspace.
func Default() *Config {
	c := &Config{}
	c.Server.Listen = "127.0.0.1:8080"
	c.Server.BasePath = "/v0"
	c.Auth.TokenTTL = "24h"
	c.Auth.AgentKeyTag = "agk"
	c.Auth.LastUsedSkew = "5m"
	c.Pagination.DefaultLimit = 50
	c.Pagination.MaxLimit = 100
	return c
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config.server.listen is required")
	}
	if c.Pagination.DefaultLimit <= 0 {
		return fmt.Errorf("config.pagination.default_limit must be positive")
	}
	if c.Pagination.MaxLimit < c.Pagination.DefaultLimit {
		return fmt.Errorf("config.pagination.max_limit must be >= default_limit")
	}
	if c.Auth.AgentKeyTag == "" {
		return fmt.Errorf("config.auth.agent_key_tag is required")
	}
	if _, err := time.ParseDuration(c.Auth.TokenTTL); err != nil {
		return fmt.Errorf("config.auth.token_ttl: %w", err)
	}
	if _, err := time.ParseDuration(c.Auth.LastUsedSkew); err != nil {
		return fmt.Errorf("config.auth.last_used_debounce: %w", err)
	}
	return nil
}

// TokenTTL returns the parsed session token lifetime.
func (c *Config) TokenTTL() time.Duration {
	d, err := time.ParseDuration(c.Auth.TokenTTL)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// LastUsedDebounce returns how stale last_used_at must be before the next
// successful agent authentication refreshes it.
func (c *Config) LastUsedDebounce() time.Duration {
	d, err := time.ParseDuration(c.Auth.LastUsedSkew)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// ToYAML renders config for `gl config show`.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

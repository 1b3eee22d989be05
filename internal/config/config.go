// Package config handles configuration loading and management for quill.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for quill.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Session   SessionConfig   `mapstructure:"session"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

// ServerConfig holds WebSocket listener settings.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `mapstructure:"addr"`
	// HeartbeatInterval is how often idle connections are pinged.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// WriteTimeout bounds a single outbound frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
}

// PipelineConfig holds pipeline execution settings.
type PipelineConfig struct {
	// Concurrency bounds simultaneously running solver tasks.
	Concurrency int `mapstructure:"concurrency"`
	// MaxRetry is the number of additional attempts after a task failure.
	MaxRetry int `mapstructure:"max_retry"`
	// RetryDelay is the fixed delay between attempts of one task.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// ConfirmPlan gates solving behind an explicit plan confirmation.
	ConfirmPlan bool `mapstructure:"confirm_plan"`
	// ConfirmTimeout bounds how long a confirmation stays open before it
	// resolves as declined.
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// SessionConfig holds per-session protocol settings.
type SessionConfig struct {
	// SigningKey signs reconnect state snapshots. Empty means a random
	// key is generated at startup, invalidating snapshots across restarts.
	SigningKey string `mapstructure:"signing_key"`
	// BufferCapacity caps each session's unacknowledged event buffer.
	// Zero means unbounded.
	BufferCapacity int `mapstructure:"buffer_capacity"`
}

// StorageConfig holds trace persistence settings.
type StorageConfig struct {
	// Path is the SQLite database location. Empty uses the XDG default.
	Path string `mapstructure:"path"`
	// Retention is how long finished traces are kept. Zero keeps forever.
	Retention time.Duration `mapstructure:"retention"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	// Model overrides the default model for planning and solving.
	Model string `mapstructure:"model"`
	// UseBedrock routes requests through AWS Bedrock instead of the API.
	UseBedrock bool `mapstructure:"use_bedrock"`
	// BedrockRegion is the AWS region for Bedrock requests.
	BedrockRegion string `mapstructure:"bedrock_region"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, QUILL_SIGNING_KEY)
// 2. Project config (.quill.yaml in current directory or parent)
// 3. User config (~/.config/quill/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load user config from XDG path
	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// Environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("")

	// Map specific environment variables
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("session.signing_key", "QUILL_SIGNING_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Session.SigningKey = expandEnv(cfg.Session.SigningKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Session.SigningKey = expandEnv(cfg.Session.SigningKey)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("server.addr", cfg.Server.Addr)
	v.Set("server.heartbeat_interval", cfg.Server.HeartbeatInterval.String())
	v.Set("server.write_timeout", cfg.Server.WriteTimeout.String())
	v.Set("server.read_limit", cfg.Server.ReadLimit)
	v.Set("pipeline.concurrency", cfg.Pipeline.Concurrency)
	v.Set("pipeline.max_retry", cfg.Pipeline.MaxRetry)
	v.Set("pipeline.retry_delay", cfg.Pipeline.RetryDelay.String())
	v.Set("pipeline.confirm_plan", cfg.Pipeline.ConfirmPlan)
	v.Set("pipeline.confirm_timeout", cfg.Pipeline.ConfirmTimeout.String())
	v.Set("session.signing_key", cfg.Session.SigningKey)
	v.Set("session.buffer_capacity", cfg.Session.BufferCapacity)
	v.Set("storage.path", cfg.Storage.Path)
	v.Set("storage.retention", cfg.Storage.Retention.String())
	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.bedrock_region", cfg.Anthropic.BedrockRegion)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("server.heartbeat_interval", "30s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.read_limit", 1048576)

	// Pipeline defaults
	v.SetDefault("pipeline.concurrency", 5)
	v.SetDefault("pipeline.max_retry", 1)
	v.SetDefault("pipeline.retry_delay", "3s")
	v.SetDefault("pipeline.confirm_plan", true)
	v.SetDefault("pipeline.confirm_timeout", "2m")

	// Session defaults
	v.SetDefault("session.signing_key", "")
	v.SetDefault("session.buffer_capacity", 0)

	// Storage defaults
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.retention", "0s")

	// Anthropic defaults
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.bedrock_region", "")
}

// getUserConfigDir returns the XDG config directory for quill.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "quill")
	}

	// Fall back to ~/.config/quill
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "quill")
	}
	return filepath.Join(home, ".config", "quill")
}

// findProjectConfig searches for .quill.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".quill.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8787",
			HeartbeatInterval: 30 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadLimit:         1048576,
		},
		Pipeline: PipelineConfig{
			Concurrency:    5,
			MaxRetry:       1,
			RetryDelay:     3 * time.Second,
			ConfirmPlan:    true,
			ConfirmTimeout: 2 * time.Minute,
		},
		Session: SessionConfig{
			SigningKey:     "",
			BufferCapacity: 0,
		},
		Storage: StorageConfig{
			Path:      "",
			Retention: 0,
		},
		Anthropic: AnthropicConfig{
			APIKey: "",
		},
	}
}

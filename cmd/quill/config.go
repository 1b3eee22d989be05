package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/quill/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify quill configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/quill/config.yaml
Project-specific overrides can be placed in .quill.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("server.addr: %s\n", cfg.Server.Addr)
	fmt.Printf("server.heartbeat_interval: %s\n", cfg.Server.HeartbeatInterval)
	fmt.Printf("server.write_timeout: %s\n", cfg.Server.WriteTimeout)
	fmt.Printf("server.read_limit: %d\n", cfg.Server.ReadLimit)
	fmt.Printf("pipeline.concurrency: %d\n", cfg.Pipeline.Concurrency)
	fmt.Printf("pipeline.max_retry: %d\n", cfg.Pipeline.MaxRetry)
	fmt.Printf("pipeline.retry_delay: %s\n", cfg.Pipeline.RetryDelay)
	fmt.Printf("pipeline.confirm_plan: %t\n", cfg.Pipeline.ConfirmPlan)
	fmt.Printf("pipeline.confirm_timeout: %s\n", cfg.Pipeline.ConfirmTimeout)
	fmt.Printf("session.buffer_capacity: %d\n", cfg.Session.BufferCapacity)
	fmt.Printf("storage.path: %s\n", displayOrUnset(cfg.Storage.Path))
	fmt.Printf("storage.retention: %s\n", cfg.Storage.Retention)
	fmt.Printf("anthropic.api_key: %s\n", maskedKey(cfg))
	fmt.Printf("anthropic.model: %s\n", displayOrUnset(cfg.Anthropic.Model))
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("anthropic.bedrock_region: %s\n", displayOrUnset(cfg.Anthropic.BedrockRegion))
}

func displayOrUnset(value string) string {
	if value == "" {
		return "(not set)"
	}
	return value
}

// maskedKey renders the effective API key masked, with where it came from.
func maskedKey(cfg *config.Config) string {
	source := config.GetAPIKeySource(cfg)
	if source == config.KeySourceNone {
		return "(not set)"
	}
	key, err := config.GetAPIKey(cfg)
	if err != nil {
		return "(not set)"
	}
	return fmt.Sprintf("%s (from %s)", config.MaskAPIKey(key), source)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "server.addr":
		return cfg.Server.Addr, nil
	case "server.heartbeat_interval":
		return cfg.Server.HeartbeatInterval.String(), nil
	case "server.write_timeout":
		return cfg.Server.WriteTimeout.String(), nil
	case "server.read_limit":
		return strconv.FormatInt(cfg.Server.ReadLimit, 10), nil
	case "pipeline.concurrency":
		return strconv.Itoa(cfg.Pipeline.Concurrency), nil
	case "pipeline.max_retry":
		return strconv.Itoa(cfg.Pipeline.MaxRetry), nil
	case "pipeline.retry_delay":
		return cfg.Pipeline.RetryDelay.String(), nil
	case "pipeline.confirm_plan":
		return strconv.FormatBool(cfg.Pipeline.ConfirmPlan), nil
	case "pipeline.confirm_timeout":
		return cfg.Pipeline.ConfirmTimeout.String(), nil
	case "session.buffer_capacity":
		return strconv.Itoa(cfg.Session.BufferCapacity), nil
	case "storage.path":
		return displayOrUnset(cfg.Storage.Path), nil
	case "storage.retention":
		return cfg.Storage.Retention.String(), nil
	case "anthropic.api_key":
		return maskedKey(cfg), nil
	case "anthropic.model":
		return displayOrUnset(cfg.Anthropic.Model), nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "anthropic.bedrock_region":
		return displayOrUnset(cfg.Anthropic.BedrockRegion), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "server.addr":
		cfg.Server.Addr = value
	case "server.heartbeat_interval":
		return setDuration(&cfg.Server.HeartbeatInterval, value)
	case "server.write_timeout":
		return setDuration(&cfg.Server.WriteTimeout, value)
	case "server.read_limit":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid read limit: %s", value)
		}
		cfg.Server.ReadLimit = n
	case "pipeline.concurrency":
		return setInt(&cfg.Pipeline.Concurrency, value)
	case "pipeline.max_retry":
		return setInt(&cfg.Pipeline.MaxRetry, value)
	case "pipeline.retry_delay":
		return setDuration(&cfg.Pipeline.RetryDelay, value)
	case "pipeline.confirm_plan":
		return setBool(&cfg.Pipeline.ConfirmPlan, value)
	case "pipeline.confirm_timeout":
		return setDuration(&cfg.Pipeline.ConfirmTimeout, value)
	case "session.buffer_capacity":
		return setInt(&cfg.Session.BufferCapacity, value)
	case "storage.path":
		cfg.Storage.Path = value
	case "storage.retention":
		return setDuration(&cfg.Storage.Retention, value)
	case "anthropic.api_key":
		// ${VAR} references are expanded at load time, not here.
		if !strings.HasPrefix(value, "${") {
			if err := config.ValidateAPIKey(value); err != nil {
				return err
			}
		}
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_bedrock":
		return setBool(&cfg.Anthropic.UseBedrock, value)
	case "anthropic.bedrock_region":
		cfg.Anthropic.BedrockRegion = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

func setDuration(dst *time.Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %s", value)
	}
	*dst = d
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid number: %s", value)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean: %s", value)
	}
	*dst = b
	return nil
}

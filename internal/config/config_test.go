package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != "127.0.0.1:8787" {
		t.Errorf("expected default addr '127.0.0.1:8787', got %q", cfg.Server.Addr)
	}

	if cfg.Server.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected heartbeat interval 30s, got %v", cfg.Server.HeartbeatInterval)
	}

	if cfg.Pipeline.Concurrency != 5 {
		t.Errorf("expected concurrency 5, got %d", cfg.Pipeline.Concurrency)
	}

	if cfg.Pipeline.MaxRetry != 1 {
		t.Errorf("expected max retry 1, got %d", cfg.Pipeline.MaxRetry)
	}

	if cfg.Pipeline.RetryDelay != 3*time.Second {
		t.Errorf("expected retry delay 3s, got %v", cfg.Pipeline.RetryDelay)
	}

	if !cfg.Pipeline.ConfirmPlan {
		t.Error("expected pipeline.confirm_plan to be true")
	}

	if cfg.Pipeline.ConfirmTimeout != 2*time.Minute {
		t.Errorf("expected confirm timeout 2m, got %v", cfg.Pipeline.ConfirmTimeout)
	}

	if cfg.Session.BufferCapacity != 0 {
		t.Errorf("expected unbounded buffer, got %d", cfg.Session.BufferCapacity)
	}
}

func TestLoadFromPath(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  addr: 0.0.0.0:9000
  heartbeat_interval: 15s
pipeline:
  concurrency: 8
  max_retry: 3
  retry_delay: 500ms
  confirm_plan: false
  confirm_timeout: 30s
session:
  signing_key: topsecret
  buffer_capacity: 2048
storage:
  path: /tmp/quill-test.db
  retention: 72h
anthropic:
  api_key: test-key
  model: claude-sonnet-4-20250514
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Errorf("expected addr '0.0.0.0:9000', got %q", cfg.Server.Addr)
	}

	if cfg.Server.HeartbeatInterval != 15*time.Second {
		t.Errorf("expected heartbeat interval 15s, got %v", cfg.Server.HeartbeatInterval)
	}

	if cfg.Pipeline.Concurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.Pipeline.Concurrency)
	}

	if cfg.Pipeline.MaxRetry != 3 {
		t.Errorf("expected max retry 3, got %d", cfg.Pipeline.MaxRetry)
	}

	if cfg.Pipeline.RetryDelay != 500*time.Millisecond {
		t.Errorf("expected retry delay 500ms, got %v", cfg.Pipeline.RetryDelay)
	}

	if cfg.Pipeline.ConfirmPlan {
		t.Error("expected confirm_plan false")
	}

	if cfg.Session.SigningKey != "topsecret" {
		t.Errorf("expected signing key 'topsecret', got %q", cfg.Session.SigningKey)
	}

	if cfg.Session.BufferCapacity != 2048 {
		t.Errorf("expected buffer capacity 2048, got %d", cfg.Session.BufferCapacity)
	}

	if cfg.Storage.Path != "/tmp/quill-test.db" {
		t.Errorf("expected storage path '/tmp/quill-test.db', got %q", cfg.Storage.Path)
	}

	if cfg.Storage.Retention != 72*time.Hour {
		t.Errorf("expected retention 72h, got %v", cfg.Storage.Retention)
	}

	if cfg.Anthropic.APIKey != "test-key" {
		t.Errorf("expected api_key 'test-key', got %q", cfg.Anthropic.APIKey)
	}

	if cfg.Anthropic.Model != "claude-sonnet-4-20250514" {
		t.Errorf("expected model override, got %q", cfg.Anthropic.Model)
	}
}

func TestLoadFromPath_PartialConfigKeepsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
pipeline:
  concurrency: 2
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Pipeline.Concurrency != 2 {
		t.Errorf("expected concurrency 2, got %d", cfg.Pipeline.Concurrency)
	}

	// Untouched sections fall back to defaults.
	if cfg.Pipeline.MaxRetry != 1 {
		t.Errorf("expected default max retry 1, got %d", cfg.Pipeline.MaxRetry)
	}
	if cfg.Server.Addr != "127.0.0.1:8787" {
		t.Errorf("expected default addr, got %q", cfg.Server.Addr)
	}
}

func TestLoadFromPath_MissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadFromPath_ExpandsEnvReferences(t *testing.T) {
	t.Setenv("QUILL_TEST_KEY", "sk-ant-from-env")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
anthropic:
  api_key: ${QUILL_TEST_KEY}
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Anthropic.APIKey != "sk-ant-from-env" {
		t.Errorf("expected expanded api key, got %q", cfg.Anthropic.APIKey)
	}
}

func TestSaveAndReload(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	cfg := Default()
	cfg.Server.Addr = "127.0.0.1:9999"
	cfg.Pipeline.Concurrency = 7

	if err := Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded, err := LoadFromPath(GetUserConfigPath())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if reloaded.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("expected saved addr, got %q", reloaded.Server.Addr)
	}
	if reloaded.Pipeline.Concurrency != 7 {
		t.Errorf("expected saved concurrency 7, got %d", reloaded.Pipeline.Concurrency)
	}
}

func TestGetSigningKey(t *testing.T) {
	t.Run("configured key used verbatim", func(t *testing.T) {
		cfg := &Config{Session: SessionConfig{SigningKey: "stable-key"}}
		key, err := GetSigningKey(cfg)
		if err != nil {
			t.Fatalf("GetSigningKey failed: %v", err)
		}
		if string(key) != "stable-key" {
			t.Errorf("expected configured key, got %q", key)
		}
	})

	t.Run("missing key generates random", func(t *testing.T) {
		a, err := GetSigningKey(&Config{})
		if err != nil {
			t.Fatalf("GetSigningKey failed: %v", err)
		}
		b, err := GetSigningKey(&Config{})
		if err != nil {
			t.Fatalf("GetSigningKey failed: %v", err)
		}
		if len(a) != 32 {
			t.Errorf("generated key length = %d, want 32", len(a))
		}
		if string(a) == string(b) {
			t.Error("two generated keys are identical")
		}
	})
}

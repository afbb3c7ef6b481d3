package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Model.Endpoint != "http://localhost:11434/v1" {
		t.Errorf("expected default endpoint http://localhost:11434/v1, got %s", cfg.Model.Endpoint)
	}
	if cfg.Model.Temperature != 0.2 {
		t.Errorf("expected default temperature 0.2, got %f", cfg.Model.Temperature)
	}
	if cfg.Manager.RetryBudget != 2 {
		t.Errorf("expected default retry budget 2, got %d", cfg.Manager.RetryBudget)
	}
	if !cfg.QABlocksOnError() {
		t.Error("expected QA blocking on error by default")
	}
	if cfg.Stream.SubscriberBuffer != 256 {
		t.Errorf("expected default subscriber buffer 256, got %d", cfg.Stream.SubscriberBuffer)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing model endpoint",
			modify:  func(c *Config) { c.Model.Endpoint = "" },
			wantErr: true,
		},
		{
			name:    "temperature too low",
			modify:  func(c *Config) { c.Model.Temperature = -0.1 },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.Model.Temperature = 1.1 },
			wantErr: true,
		},
		{
			name:    "unknown provider",
			modify:  func(c *Config) { c.Model.Provider = "bard" },
			wantErr: true,
		},
		{
			name:    "negative retry budget",
			modify:  func(c *Config) { c.Manager.RetryBudget = -1 },
			wantErr: true,
		},
		{
			name:    "zero dispatch timeout",
			modify:  func(c *Config) { c.Manager.WorkerDispatchTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "confidence floor out of range",
			modify:  func(c *Config) { c.Manager.IntentConfidenceFloor = 1.5 },
			wantErr: true,
		},
		{
			name: "unknown tier override",
			modify: func(c *Config) {
				c.Manager.BrainTierOverrides = map[string]string{"estimator": "turbo"}
			},
			wantErr: true,
		},
		{
			name: "valid tier override",
			modify: func(c *Config) {
				c.Manager.BrainTierOverrides = map[string]string{"estimator": "high"}
			},
			wantErr: false,
		},
		{
			name:    "zero subscriber buffer",
			modify:  func(c *Config) { c.Stream.SubscriberBuffer = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
server:
  addr: ":9090"
model:
  endpoint: "http://test:1234/v1"
  provider: "anthropic"
  temperature: 0.5
  timeout: 10m
  tiers:
    high:
      - claude-sonnet
      - gpt-4o
nats:
  url: "nats://test:4222"
manager:
  worker_dispatch_timeout: 2m
  retry_budget: 3
  brain_tier_overrides:
    takeoff: high
intake:
  allowed_patterns:
    - "**/*.pdf"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Model.Endpoint != "http://test:1234/v1" {
		t.Errorf("expected endpoint http://test:1234/v1, got %s", cfg.Model.Endpoint)
	}
	if cfg.Model.Provider != "anthropic" {
		t.Errorf("expected provider anthropic, got %s", cfg.Model.Provider)
	}
	if cfg.Model.Timeout != 10*time.Minute {
		t.Errorf("expected timeout 10m, got %v", cfg.Model.Timeout)
	}
	if len(cfg.Model.Tiers["high"]) != 2 {
		t.Errorf("expected 2 models in high tier, got %d", len(cfg.Model.Tiers["high"]))
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Manager.WorkerDispatchTimeout != 2*time.Minute {
		t.Errorf("expected dispatch timeout 2m, got %v", cfg.Manager.WorkerDispatchTimeout)
	}
	if cfg.Manager.RetryBudget != 3 {
		t.Errorf("expected retry budget 3, got %d", cfg.Manager.RetryBudget)
	}
	if cfg.Manager.BrainTierOverrides["takeoff"] != "high" {
		t.Errorf("expected takeoff override high, got %s", cfg.Manager.BrainTierOverrides["takeoff"])
	}
	if len(cfg.Intake.AllowedPatterns) != 1 {
		t.Errorf("expected 1 intake pattern, got %d", len(cfg.Intake.AllowedPatterns))
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	blockOff := false
	override := &Config{
		Model: ModelConfig{
			Provider: "ollama",
		},
		Manager: ManagerConfig{
			RetryBudget:    4,
			QABlockOnError: &blockOff,
			BrainTierOverrides: map[string]string{
				"qa-validator": "low",
			},
		},
	}

	base.Merge(override)

	if base.Model.Provider != "ollama" {
		t.Errorf("expected provider ollama, got %s", base.Model.Provider)
	}
	// Endpoint should remain from base since override didn't set it
	if base.Model.Endpoint != "http://localhost:11434/v1" {
		t.Errorf("expected endpoint to remain default, got %s", base.Model.Endpoint)
	}
	if base.Manager.RetryBudget != 4 {
		t.Errorf("expected retry budget 4, got %d", base.Manager.RetryBudget)
	}
	if base.QABlocksOnError() {
		t.Error("expected QA blocking disabled after merge")
	}
	if base.Manager.BrainTierOverrides["qa-validator"] != "low" {
		t.Errorf("expected qa-validator override low, got %s", base.Manager.BrainTierOverrides["qa-validator"])
	}
	// Dispatch timeout should remain from base
	if base.Manager.WorkerDispatchTimeout != 10*time.Minute {
		t.Errorf("expected dispatch timeout to remain default, got %v", base.Manager.WorkerDispatchTimeout)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.NATS.URL = "nats://saved:4222"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.NATS.URL != "nats://saved:4222" {
		t.Errorf("expected NATS URL nats://saved:4222, got %s", loaded.NATS.URL)
	}
}

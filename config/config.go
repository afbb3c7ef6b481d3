// Package config provides configuration loading and management for buildlens.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete buildlens configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	NATS    NATSConfig    `yaml:"nats"`
	Manager ManagerConfig `yaml:"manager"`
	Stream  StreamConfig  `yaml:"stream"`
	Intake  IntakeConfig  `yaml:"intake"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	// Addr is the listen address for the HTTP API (default: :8080)
	Addr string `yaml:"addr"`
}

// ModelConfig configures the LLM model settings
type ModelConfig struct {
	// Endpoint is the OpenAI-compatible API endpoint (default: http://localhost:11434/v1)
	Endpoint string `yaml:"endpoint"`
	// Provider selects the request codec: openai, anthropic, or ollama
	Provider string `yaml:"provider"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses
	Timeout time.Duration `yaml:"timeout"`
	// APIKeyEnv names the environment variable holding the provider API key
	APIKeyEnv string `yaml:"api_key_env"`
	// Tiers maps a brain tier (low, medium, high) to an ordered model
	// fallback chain. Empty tiers fall back to built-in defaults.
	Tiers map[string][]string `yaml:"tiers"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (default: nats://localhost:4222)
	URL string `yaml:"url"`
	// Name is the client connection name
	Name string `yaml:"name"`
}

// ManagerConfig configures the autonomous manager loop
type ManagerConfig struct {
	// WorkerDispatchTimeout bounds a single worker dispatch
	WorkerDispatchTimeout time.Duration `yaml:"worker_dispatch_timeout"`
	// DecisionTimeout bounds how long a pending decision may wait for the user
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
	// RunTimeout bounds a full manager run for one message
	RunTimeout time.Duration `yaml:"run_timeout"`
	// RetryBudget is the number of retries per worker step
	RetryBudget int `yaml:"retry_budget"`
	// ParallelDispatchEnabled allows independent steps to run concurrently.
	// Off by default; the canonical sequences are dependency chains.
	ParallelDispatchEnabled bool `yaml:"parallel_dispatch_enabled"`
	// BrainTierOverrides forces a tier for named workers (worker -> tier)
	BrainTierOverrides map[string]string `yaml:"brain_tier_overrides"`
	// IntentConfidenceFloor is the minimum LLM classification confidence
	// before falling back to the default heuristic (default: 0.5)
	IntentConfidenceFloor float64 `yaml:"intent_confidence_floor"`
	// QABlockOnError blocks export when QA found a severity=error finding
	QABlockOnError *bool `yaml:"qa_block_on_error"`
}

// StreamConfig configures the event broadcaster
type StreamConfig struct {
	// SubscriberBuffer is the per-subscriber event buffer size
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// HeartbeatInterval is the SSE keepalive interval
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// IntakeConfig configures document intake validation
type IntakeConfig struct {
	// AllowedPatterns is the glob allowlist for uploaded file names
	// (doublestar syntax). Empty allows all.
	AllowedPatterns []string `yaml:"allowed_patterns"`
	// SpreadsheetServiceURL is the base URL of the sheet attachment service
	SpreadsheetServiceURL string `yaml:"spreadsheet_service_url"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	blockOnError := true
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Model: ModelConfig{
			Endpoint:    "http://localhost:11434/v1",
			Provider:    "openai",
			Temperature: 0.2,
			Timeout:     5 * time.Minute,
			APIKeyEnv:   "BUILDLENS_API_KEY",
		},
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "buildlens",
		},
		Manager: ManagerConfig{
			WorkerDispatchTimeout: 10 * time.Minute,
			DecisionTimeout:       30 * time.Minute,
			RunTimeout:            60 * time.Minute,
			RetryBudget:           2,
			IntentConfidenceFloor: 0.5,
			QABlockOnError:        &blockOnError,
		},
		Stream: StreamConfig{
			SubscriberBuffer:  256,
			HeartbeatInterval: 30 * time.Second,
		},
		Intake: IntakeConfig{
			AllowedPatterns: []string{
				"**/*.pdf", "**/*.txt", "**/*.csv",
				"**/*.html", "**/*.htm",
				"**/*.xlsx", "**/*.xls",
			},
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Model.Endpoint == "" {
		return fmt.Errorf("model.endpoint is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	switch c.Model.Provider {
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("model.provider must be openai, anthropic, or ollama, got %q", c.Model.Provider)
	}
	if c.Manager.RetryBudget < 0 {
		return fmt.Errorf("manager.retry_budget must not be negative")
	}
	if c.Manager.WorkerDispatchTimeout <= 0 {
		return fmt.Errorf("manager.worker_dispatch_timeout must be positive")
	}
	if c.Manager.DecisionTimeout <= 0 {
		return fmt.Errorf("manager.decision_timeout must be positive")
	}
	if c.Manager.RunTimeout <= 0 {
		return fmt.Errorf("manager.run_timeout must be positive")
	}
	if c.Manager.IntentConfidenceFloor < 0 || c.Manager.IntentConfidenceFloor > 1 {
		return fmt.Errorf("manager.intent_confidence_floor must be between 0 and 1")
	}
	for worker, tier := range c.Manager.BrainTierOverrides {
		switch tier {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("manager.brain_tier_overrides[%s]: unknown tier %q", worker, tier)
		}
	}
	if c.Stream.SubscriberBuffer <= 0 {
		return fmt.Errorf("stream.subscriber_buffer must be positive")
	}
	return nil
}

// QABlocksOnError reports whether a severity=error QA finding should
// block export. Defaults to true when unset.
func (c *Config) QABlocksOnError() bool {
	if c.Manager.QABlockOnError == nil {
		return true
	}
	return *c.Manager.QABlockOnError
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML configuration on top of the defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}

	// Model
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.Provider != "" {
		c.Model.Provider = other.Model.Provider
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}
	if other.Model.APIKeyEnv != "" {
		c.Model.APIKeyEnv = other.Model.APIKeyEnv
	}
	for tier, chain := range other.Model.Tiers {
		if c.Model.Tiers == nil {
			c.Model.Tiers = make(map[string][]string)
		}
		c.Model.Tiers[tier] = chain
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Name != "" {
		c.NATS.Name = other.NATS.Name
	}

	// Manager
	if other.Manager.WorkerDispatchTimeout != 0 {
		c.Manager.WorkerDispatchTimeout = other.Manager.WorkerDispatchTimeout
	}
	if other.Manager.DecisionTimeout != 0 {
		c.Manager.DecisionTimeout = other.Manager.DecisionTimeout
	}
	if other.Manager.RunTimeout != 0 {
		c.Manager.RunTimeout = other.Manager.RunTimeout
	}
	if other.Manager.RetryBudget != 0 {
		c.Manager.RetryBudget = other.Manager.RetryBudget
	}
	if other.Manager.ParallelDispatchEnabled {
		c.Manager.ParallelDispatchEnabled = true
	}
	for worker, tier := range other.Manager.BrainTierOverrides {
		if c.Manager.BrainTierOverrides == nil {
			c.Manager.BrainTierOverrides = make(map[string]string)
		}
		c.Manager.BrainTierOverrides[worker] = tier
	}
	if other.Manager.IntentConfidenceFloor != 0 {
		c.Manager.IntentConfidenceFloor = other.Manager.IntentConfidenceFloor
	}
	if other.Manager.QABlockOnError != nil {
		c.Manager.QABlockOnError = other.Manager.QABlockOnError
	}

	// Stream
	if other.Stream.SubscriberBuffer != 0 {
		c.Stream.SubscriberBuffer = other.Stream.SubscriberBuffer
	}
	if other.Stream.HeartbeatInterval != 0 {
		c.Stream.HeartbeatInterval = other.Stream.HeartbeatInterval
	}

	// Intake
	if len(other.Intake.AllowedPatterns) > 0 {
		c.Intake.AllowedPatterns = other.Intake.AllowedPatterns
	}
	if other.Intake.SpreadsheetServiceURL != "" {
		c.Intake.SpreadsheetServiceURL = other.Intake.SpreadsheetServiceURL
	}
}

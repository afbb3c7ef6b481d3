package model

import (
	"encoding/json"
	"sync"
)

// Registry maps brain tiers to model preference chains and model names
// to endpoints. The allocator asks it which model serves a tier; the LLM
// client asks it where that model lives.
type Registry struct {
	mu        sync.RWMutex
	tiers     map[Tier]*TierConfig
	endpoints map[string]*EndpointConfig
	defaults  *DefaultsConfig
	health    *healthState
}

// TierConfig is one tier's model preference chain.
type TierConfig struct {
	// Description says what kind of work the tier carries.
	Description string `json:"description"`

	// Preferred lists models best-first.
	Preferred []string `json:"preferred"`

	// Fallback extends the chain when every preferred model fails.
	Fallback []string `json:"fallback"`
}

// EndpointConfig locates one model.
type EndpointConfig struct {
	// Provider names the API dialect: anthropic, openai, or ollama.
	Provider string `json:"provider"`

	// URL overrides the provider's default base URL.
	URL string `json:"url,omitempty"`

	// Model is the identifier sent on the wire.
	Model string `json:"model"`

	// MaxTokens is the model's context window.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// DefaultsConfig names the model used when no tier matches.
type DefaultsConfig struct {
	Model string `json:"model"`
}

// NewRegistry builds a registry from explicit tier and endpoint maps.
func NewRegistry(tiers map[Tier]*TierConfig, endpoints map[string]*EndpointConfig) *Registry {
	return &Registry{
		tiers:     tiers,
		endpoints: endpoints,
		defaults: &DefaultsConfig{
			Model: "default",
		},
	}
}

// NewDefaultRegistry returns the built-in routing: hosted Claude models
// per tier with local Ollama fallbacks.
func NewDefaultRegistry() *Registry {
	return &Registry{
		tiers: map[Tier]*TierConfig{
			TierLow: {
				Description: "Mechanical transforms, simple extraction",
				Preferred:   []string{"claude-haiku"},
				Fallback:    []string{"llama3.2"},
			},
			TierMedium: {
				Description: "Standard document analysis and mapping",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"claude-haiku", "qwen"},
			},
			TierHigh: {
				Description: "Heavy reasoning, takeoff math, visual content",
				Preferred:   []string{"claude-opus", "claude-sonnet"},
				Fallback:    []string{"qwen"},
			},
		},
		endpoints: map[string]*EndpointConfig{
			"claude-opus": {
				Provider:  "anthropic",
				Model:     "claude-opus-4-1-20250805",
				MaxTokens: 200000,
			},
			"claude-sonnet": {
				Provider:  "anthropic",
				Model:     "claude-sonnet-4-20250514",
				MaxTokens: 200000,
			},
			"claude-haiku": {
				Provider:  "anthropic",
				Model:     "claude-3-5-haiku-20241022",
				MaxTokens: 200000,
			},
			"qwen": {
				Provider:  "ollama",
				URL:       "http://localhost:11434/v1",
				Model:     "qwen2.5:14b",
				MaxTokens: 128000,
			},
			"llama3.2": {
				Provider:  "ollama",
				URL:       "http://localhost:11434/v1",
				Model:     "llama3.2",
				MaxTokens: 128000,
			},
		},
		defaults: &DefaultsConfig{
			Model: "qwen",
		},
	}
}

// Resolve returns the tier's first-choice model, or the default model
// for unknown tiers.
func (r *Registry) Resolve(tier Tier) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.tiers[tier]; ok && len(cfg.Preferred) > 0 {
		return cfg.Preferred[0]
	}
	return r.defaults.Model
}

// GetFallbackChain returns the tier's full chain, preferred then
// fallback, in try order.
func (r *Registry) GetFallbackChain(tier Tier) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.tiers[tier]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	return []string{r.defaults.Model}
}

// GetEndpoint returns a model's endpoint, nil when unconfigured.
func (r *Registry) GetEndpoint(modelName string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoints[modelName]
}

// ContextWindow returns the context window of the preferred model for a
// tier, or 0 when unknown.
func (r *Registry) ContextWindow(tier Tier) int {
	name := r.Resolve(tier)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.endpoints[name]; ok {
		return ep.MaxTokens
	}
	return 0
}

// SetTier installs or replaces a tier's chain. Config reloads use this
// to steer routing live.
func (r *Registry) SetTier(tier Tier, cfg *TierConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tiers == nil {
		r.tiers = make(map[Tier]*TierConfig)
	}
	r.tiers[tier] = cfg
}

// SetEndpoint installs or replaces a model's endpoint.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[name] = cfg
}

// SetDefault changes the model used for unknown tiers.
func (r *Registry) SetDefault(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.defaults == nil {
		r.defaults = &DefaultsConfig{}
	}
	r.defaults.Model = model
}

// ListTiers returns the configured tiers in no particular order.
func (r *Registry) ListTiers() []Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tiers := make([]Tier, 0, len(r.tiers))
	for tier := range r.tiers {
		tiers = append(tiers, tier)
	}
	return tiers
}

// ListEndpoints returns the configured endpoint names in no particular order.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	return names
}

// MarshalJSON snapshots the routing tables. Health state stays out; it
// is runtime observation, not configuration.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return json.Marshal(struct {
		Tiers     map[Tier]*TierConfig       `json:"tiers"`
		Endpoints map[string]*EndpointConfig `json:"endpoints"`
		Defaults  *DefaultsConfig            `json:"defaults,omitempty"`
	}{
		Tiers:     r.tiers,
		Endpoints: r.endpoints,
		Defaults:  r.defaults,
	})
}

// UnmarshalJSON restores the routing tables.
func (r *Registry) UnmarshalJSON(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tmp struct {
		Tiers     map[Tier]*TierConfig       `json:"tiers"`
		Endpoints map[string]*EndpointConfig `json:"endpoints"`
		Defaults  *DefaultsConfig            `json:"defaults,omitempty"`
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}

	r.tiers = tmp.Tiers
	r.endpoints = tmp.Endpoints
	r.defaults = tmp.Defaults
	return nil
}

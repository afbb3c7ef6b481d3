package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// RegistryConfig represents the JSON configuration structure for the
// model registry, used for import/export and the admin surface.
type RegistryConfig struct {
	Tiers     map[string]*TierConfig     `json:"tiers"`
	Endpoints map[string]*EndpointConfig `json:"endpoints"`
	Defaults  *DefaultsConfig            `json:"defaults,omitempty"`
}

// LoadFromFile loads a registry configuration from a JSON file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return LoadFromJSON(data)
}

// LoadFromJSON loads a registry from JSON data.
func LoadFromJSON(data []byte) (*Registry, error) {
	var regConfig RegistryConfig
	if err := json.Unmarshal(data, &regConfig); err != nil {
		return nil, fmt.Errorf("parse registry config: %w", err)
	}

	return registryFromConfig(&regConfig), nil
}

// registryFromConfig converts a RegistryConfig to a Registry.
func registryFromConfig(cfg *RegistryConfig) *Registry {
	tiers := make(map[Tier]*TierConfig, len(cfg.Tiers))
	for k, v := range cfg.Tiers {
		tier := ParseTier(k)
		if tier == "" {
			continue
		}
		tiers[tier] = v
	}

	defaults := cfg.Defaults
	if defaults == nil {
		defaults = &DefaultsConfig{Model: "default"}
	}

	return &Registry{
		tiers:     tiers,
		endpoints: cfg.Endpoints,
		defaults:  defaults,
	}
}

// ToConfig converts a Registry to a RegistryConfig for serialization.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tiers := make(map[string]*TierConfig, len(r.tiers))
	for k, v := range r.tiers {
		tiers[string(k)] = v
	}

	return &RegistryConfig{
		Tiers:     tiers,
		Endpoints: r.endpoints,
		Defaults:  r.defaults,
	}
}

// FromServiceConfig builds a registry from the service-level model
// settings: tier chains from the YAML config overlaid on the built-in
// defaults, with unknown model names given endpoints at the configured
// provider and URL.
func FromServiceConfig(tiers map[string][]string, provider, url string) *Registry {
	reg := NewDefaultRegistry()

	for name, chain := range tiers {
		tier := ParseTier(name)
		if tier == "" || len(chain) == 0 {
			continue
		}
		reg.SetTier(tier, &TierConfig{Preferred: chain})

		for _, modelName := range chain {
			if reg.GetEndpoint(modelName) != nil {
				continue
			}
			reg.SetEndpoint(modelName, &EndpointConfig{
				Provider: provider,
				URL:      url,
				Model:    modelName,
			})
		}
	}

	return reg
}

package llm

import (
	"net/http"
	"sync"
)

// Provider adapts one LLM API dialect: endpoint layout, auth headers,
// and the request/response codec.
type Provider interface {
	// Name is the identifier endpoints reference ("anthropic", "openai", "ollama").
	Name() string

	// BuildURL produces the full completions URL from an endpoint base.
	BuildURL(baseURL string) string

	// SetHeaders adds the provider's auth and version headers.
	SetHeaders(req *http.Request)

	// BuildRequestBody encodes the request. A nil temperature means the
	// provider default; zero means deterministic.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse decodes the provider's response body.
	ParseResponse(body []byte, model string) (*Response, error)
}

var (
	providersMu sync.RWMutex
	providers   = make(map[string]Provider)
)

// RegisterProvider makes a provider resolvable by name. Provider
// implementations call this from init.
func RegisterProvider(p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[p.Name()] = p
}

// GetProvider looks up a registered provider, nil when unknown.
func GetProvider(name string) Provider {
	providersMu.RLock()
	defer providersMu.RUnlock()
	return providers[name]
}

// ListProviders returns the registered provider names.
func ListProviders() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}

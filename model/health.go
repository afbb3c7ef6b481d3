package model

import (
	"sync"
	"time"
)

// EndpointHealth is a point-in-time view of one endpoint's availability.
type EndpointHealth struct {
	Available       bool      `json:"available"`
	LastSuccess     time.Time `json:"last_success,omitempty"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	FailureCount    int       `json:"failure_count"`
	CircuitOpen     bool      `json:"circuit_open"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig tunes the per-endpoint circuit breaker.
type HealthConfig struct {
	// FailureThreshold is how many consecutive failures open the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit blocks requests before
	// letting a probe through.
	RecoveryTimeout time.Duration

	// HalfOpenRequests is how many probe requests the half-open state admits.
	HalfOpenRequests int
}

// DefaultHealthConfig returns the breaker defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// healthState is the registry's circuit breaker. One mutex guards the
// config and all per-endpoint entries; operations are short enough that
// finer locking buys nothing.
type healthState struct {
	mu        sync.Mutex
	cfg       HealthConfig
	endpoints map[string]*EndpointHealth
}

func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{
		cfg:       cfg,
		endpoints: make(map[string]*EndpointHealth),
	}
}

// entry returns the tracked state for an endpoint, creating a fresh
// available entry on first sight. Callers hold h.mu.
func (h *healthState) entry(name string) *EndpointHealth {
	st, ok := h.endpoints[name]
	if !ok {
		st = &EndpointHealth{Available: true}
		h.endpoints[name] = st
	}
	return st
}

func (h *healthState) success(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.entry(name)
	st.LastSuccess = time.Now()
	st.FailureCount = 0
	st.Available = true
	st.CircuitOpen = false
}

func (h *healthState) failure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.entry(name)
	st.LastFailure = time.Now()
	st.FailureCount++
	if st.FailureCount >= h.cfg.FailureThreshold {
		st.CircuitOpen = true
		st.CircuitOpenedAt = time.Now()
		st.Available = false
	}
}

// allowed reports whether requests may go to the endpoint. An open
// circuit past its recovery timeout admits a probe (half-open).
func (h *healthState) allowed(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.endpoints[name]
	if !ok || !st.CircuitOpen {
		return true
	}
	return time.Since(st.CircuitOpenedAt) > h.cfg.RecoveryTimeout
}

func (h *healthState) snapshot(name string) *EndpointHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.endpoints[name]
	if !ok {
		return nil
	}
	out := *st
	return &out
}

// breaker lazily initializes the health tracker. Registries built by
// literal construction or JSON unmarshal start without one.
func (r *Registry) breaker() *healthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.health == nil {
		r.health = newHealthState(DefaultHealthConfig())
	}
	return r.health
}

// MarkEndpointSuccess records a successful request and closes the
// endpoint's circuit.
func (r *Registry) MarkEndpointSuccess(name string) {
	r.breaker().success(name)
}

// MarkEndpointFailure records a failed request, opening the circuit at
// the failure threshold.
func (r *Registry) MarkEndpointFailure(name string) {
	r.breaker().failure(name)
}

// IsEndpointAvailable reports whether the endpoint should receive
// requests. Untracked endpoints are available.
func (r *Registry) IsEndpointAvailable(name string) bool {
	r.mu.RLock()
	h := r.health
	r.mu.RUnlock()
	if h == nil {
		return true
	}
	return h.allowed(name)
}

// GetEndpointHealth returns a copy of the endpoint's health, or nil when
// the endpoint has never been marked.
func (r *Registry) GetEndpointHealth(name string) *EndpointHealth {
	r.mu.RLock()
	h := r.health
	r.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h.snapshot(name)
}

// GetAvailableFallbackChain filters a tier's fallback chain to endpoints
// whose circuits admit requests. When every endpoint is down the full
// chain comes back: trying something beats trying nothing.
func (r *Registry) GetAvailableFallbackChain(tier Tier) []string {
	chain := r.GetFallbackChain(tier)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}

// SetHealthConfig replaces the breaker configuration, keeping any
// recorded endpoint state.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.health == nil {
		r.health = newHealthState(cfg)
		return
	}
	r.health.mu.Lock()
	r.health.cfg = cfg
	r.health.mu.Unlock()
}

// ResetEndpointHealth forgets an endpoint's recorded state.
func (r *Registry) ResetEndpointHealth(name string) {
	r.mu.RLock()
	h := r.health
	r.mu.RUnlock()
	if h == nil {
		return
	}
	h.mu.Lock()
	delete(h.endpoints, name)
	h.mu.Unlock()
}

package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		input string
		want  Tier
	}{
		{"low", TierLow},
		{"medium", TierMedium},
		{"high", TierHigh},
		{"turbo", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseTier(tt.input); got != tt.want {
				t.Errorf("ParseTier(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	r := NewDefaultRegistry()

	if got := r.Resolve(TierHigh); got != "claude-opus" {
		t.Errorf("Resolve(high) = %s, want claude-opus", got)
	}
	if got := r.Resolve(TierLow); got != "claude-haiku" {
		t.Errorf("Resolve(low) = %s, want claude-haiku", got)
	}
	// Unknown tier falls back to the default model.
	if got := r.Resolve(Tier("unknown")); got != "qwen" {
		t.Errorf("Resolve(unknown) = %s, want qwen", got)
	}
}

func TestGetFallbackChain(t *testing.T) {
	r := NewDefaultRegistry()

	chain := r.GetFallbackChain(TierMedium)
	want := []string{"claude-sonnet", "claude-haiku", "qwen"}
	if len(chain) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(chain), len(want))
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, chain[i], want[i])
		}
	}
}

func TestContextWindow(t *testing.T) {
	r := NewDefaultRegistry()

	if got := r.ContextWindow(TierHigh); got != 200000 {
		t.Errorf("ContextWindow(high) = %d, want 200000", got)
	}
}

func TestFromServiceConfig(t *testing.T) {
	r := FromServiceConfig(map[string][]string{
		"high": {"my-local-model"},
	}, "ollama", "http://localhost:11434/v1")

	if got := r.Resolve(TierHigh); got != "my-local-model" {
		t.Errorf("Resolve(high) = %s, want my-local-model", got)
	}

	ep := r.GetEndpoint("my-local-model")
	if ep == nil {
		t.Fatal("expected endpoint for my-local-model")
	}
	if ep.Provider != "ollama" {
		t.Errorf("provider = %s, want ollama", ep.Provider)
	}

	// Built-in tiers survive when not overridden.
	if got := r.Resolve(TierLow); got != "claude-haiku" {
		t.Errorf("Resolve(low) = %s, want claude-haiku", got)
	}
}

func TestRegistryJSONRoundTrip(t *testing.T) {
	r := NewDefaultRegistry()

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal registry: %v", err)
	}

	var loaded Registry
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal registry: %v", err)
	}

	if got := loaded.Resolve(TierHigh); got != "claude-opus" {
		t.Errorf("round-tripped Resolve(high) = %s, want claude-opus", got)
	}
}

func TestCircuitBreaker(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenRequests: 1,
	})

	if !r.IsEndpointAvailable("claude-sonnet") {
		t.Fatal("endpoint should start available")
	}

	r.MarkEndpointFailure("claude-sonnet")
	if !r.IsEndpointAvailable("claude-sonnet") {
		t.Error("one failure should not open the circuit")
	}

	r.MarkEndpointFailure("claude-sonnet")
	if r.IsEndpointAvailable("claude-sonnet") {
		t.Error("circuit should open after threshold failures")
	}

	// After the recovery timeout a test request is allowed (half-open).
	time.Sleep(60 * time.Millisecond)
	if !r.IsEndpointAvailable("claude-sonnet") {
		t.Error("circuit should allow a test request after recovery timeout")
	}

	r.MarkEndpointSuccess("claude-sonnet")
	if !r.IsEndpointAvailable("claude-sonnet") {
		t.Error("success should close the circuit")
	}
	if h := r.GetEndpointHealth("claude-sonnet"); h == nil || h.FailureCount != 0 {
		t.Error("success should reset the failure count")
	}
}

func TestAvailableFallbackChainSkipsOpenCircuits(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	})

	r.MarkEndpointFailure("claude-sonnet")

	chain := r.GetAvailableFallbackChain(TierMedium)
	for _, name := range chain {
		if name == "claude-sonnet" {
			t.Error("open-circuit endpoint should be filtered from the chain")
		}
	}
}

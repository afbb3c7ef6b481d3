package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/structhub/buildlens/llm"
)

func TestAnthropicProvider_BuildURL(t *testing.T) {
	p := &AnthropicProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"default", "", "https://api.anthropic.com/v1/messages"},
		{"custom base", "https://proxy.internal", "https://proxy.internal/v1/messages"},
		{"trailing slash", "https://api.anthropic.com/", "https://api.anthropic.com/v1/messages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}

	messages := []llm.Message{
		{Role: "system", Content: "You map construction documents to trades."},
		{Role: "user", Content: "Panel schedule on E-101."},
		{Role: "assistant", Content: "Noted."},
		{Role: "user", Content: "Map the trades."},
	}

	temp := 0.7
	body, err := p.BuildRequestBody("claude-sonnet", messages, &temp, 2048)
	require.NoError(t, err)

	s := string(body)
	// The system prompt moves to the top-level field.
	assert.Contains(t, s, `"system":"You map construction documents to trades."`)
	assert.NotContains(t, s, `"role":"system"`)
	assert.Contains(t, s, `"model":"claude-sonnet"`)
	assert.Contains(t, s, `"max_tokens":2048`)
	assert.Contains(t, s, `"role":"user"`)
	assert.Contains(t, s, `"role":"assistant"`)
}

func TestAnthropicProvider_BuildRequestBody_Defaults(t *testing.T) {
	p := &AnthropicProvider{}

	body, err := p.BuildRequestBody("claude-sonnet",
		[]llm.Message{{Role: "user", Content: "hi"}}, nil, 0)
	require.NoError(t, err)

	// max_tokens is mandatory for this API; nil temperature is omitted.
	assert.Contains(t, string(body), `"max_tokens":4096`)
	assert.NotContains(t, string(body), `"temperature"`)
}

func TestAnthropicProvider_BuildRequestBody_ZeroTemperature(t *testing.T) {
	p := &AnthropicProvider{}

	temp := 0.0
	body, err := p.BuildRequestBody("claude-sonnet",
		[]llm.Message{{Role: "user", Content: "hi"}}, &temp, 0)
	require.NoError(t, err)

	// Explicit zero survives encoding; only nil means provider default.
	assert.Contains(t, string(body), `"temperature":0`)
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}

	body := []byte(`{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"content": [{"type": "text", "text": "{\"trade_mapping\": []}"}],
		"model": "claude-sonnet-4-20250514",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 15, "output_tokens": 8}
	}`)

	resp, err := p.ParseResponse(body, "claude-sonnet")
	require.NoError(t, err)

	assert.Equal(t, `{"trade_mapping": []}`, resp.Content)
	assert.Equal(t, "claude-sonnet-4-20250514", resp.Model)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 15, resp.Usage.PromptTokens)
	assert.Equal(t, 8, resp.Usage.CompletionTokens)
	assert.Equal(t, 23, resp.Usage.TotalTokens)
}

func TestAnthropicProvider_ParseResponse_JoinsTextBlocks(t *testing.T) {
	p := &AnthropicProvider{}

	body := []byte(`{
		"content": [
			{"type": "text", "text": "electrical, "},
			{"type": "text", "text": "hvac"}
		],
		"model": "claude-sonnet",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 4}
	}`)

	resp, err := p.ParseResponse(body, "claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "electrical, hvac", resp.Content)
}

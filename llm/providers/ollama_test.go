package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/structhub/buildlens/llm"
)

func TestOllamaProvider_BuildURL(t *testing.T) {
	p := &OllamaProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"default", "", "http://localhost:11434/v1/chat/completions"},
		{"custom base", "http://llm.internal:8080/v1", "http://llm.internal:8080/v1/chat/completions"},
		{"trailing slash", "http://localhost:11434/v1/", "http://localhost:11434/v1/chat/completions"},
		{"full path already", "http://localhost:11434/v1/chat/completions", "http://localhost:11434/v1/chat/completions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestOllamaProvider_BuildRequestBody(t *testing.T) {
	p := &OllamaProvider{}

	messages := []llm.Message{
		{Role: "system", Content: "You are a construction scope analyst."},
		{Role: "user", Content: "List the scope items."},
	}

	temp := 0.7
	body, err := p.BuildRequestBody("qwen2.5:14b", messages, &temp, 2048)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, `"model":"qwen2.5:14b"`)
	// OpenAI format keeps system in the message list.
	assert.Contains(t, s, `"role":"system"`)
	assert.Contains(t, s, `"role":"user"`)
	assert.Contains(t, s, `"temperature":0.7`)
	assert.Contains(t, s, `"max_tokens":2048`)
}

func TestOllamaProvider_BuildRequestBody_OmitsUnsetOptions(t *testing.T) {
	p := &OllamaProvider{}

	body, err := p.BuildRequestBody("qwen2.5:14b",
		[]llm.Message{{Role: "user", Content: "hi"}}, nil, 0)
	require.NoError(t, err)

	assert.NotContains(t, string(body), `"temperature"`)
	assert.NotContains(t, string(body), `"max_tokens"`)
}

func TestOllamaProvider_BuildRequestBody_ZeroTemperature(t *testing.T) {
	p := &OllamaProvider{}

	temp := 0.0
	body, err := p.BuildRequestBody("qwen2.5:14b",
		[]llm.Message{{Role: "user", Content: "hi"}}, &temp, 0)
	require.NoError(t, err)

	// Zero is deterministic sampling, not "unset".
	assert.Contains(t, string(body), `"temperature":0`)
}

func TestOllamaProvider_ParseResponse(t *testing.T) {
	p := &OllamaProvider{}

	body := []byte(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "qwen2.5:14b",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "{\"scope_items\": []}"},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 6, "total_tokens": 16}
	}`)

	resp, err := p.ParseResponse(body, "qwen2.5:14b")
	require.NoError(t, err)

	assert.Equal(t, `{"scope_items": []}`, resp.Content)
	assert.Equal(t, "qwen2.5:14b", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 6, resp.Usage.CompletionTokens)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
}

func TestOllamaProvider_ParseResponse_NoChoices(t *testing.T) {
	p := &OllamaProvider{}

	_, err := p.ParseResponse([]byte(`{"id": "chatcmpl-1", "choices": []}`), "qwen2.5:14b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

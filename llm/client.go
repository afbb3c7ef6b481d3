// Package llm provides a provider-agnostic LLM client. Requests name a
// brain tier; the model registry resolves the tier to a fallback chain
// of endpoints and the client walks the chain with retry, circuit
// breaker feedback, and optional call auditing.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/structhub/buildlens/model"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client sends completion requests to tier-resolved model endpoints.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger

	// callStore, when set, persists every call for audit.
	callStore *CallStore
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // system, user, or assistant
	Content string `json:"content"`
}

// Request is a completion request against a brain tier.
type Request struct {
	// Tier selects the capability class; the registry maps it to models.
	Tier model.Tier

	// Messages is the conversation to complete.
	Messages []Message

	// Temperature is nil for the endpoint default, zero for deterministic.
	Temperature *float64

	// MaxTokens caps the response length when positive.
	MaxTokens int
}

// TokenUsage reports token consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completion result.
type Response struct {
	// RequestID correlates this call with audit records and trace entries.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the model that actually served the request.
	Model string

	// Usage reports token consumption.
	Usage TokenUsage

	// FinishReason is why generation stopped.
	FinishReason string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig replaces the retry defaults.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithCallStore enables call auditing with timing and token usage.
func WithCallStore(store *CallStore) ClientOption {
	return func(client *Client) {
		client.callStore = store
	}
}

// NewClient creates a client over a model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			// Large completions take a while.
			Timeout: 180 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete resolves the tier to a fallback chain and walks it until an
// endpoint answers. Transient failures retry in place; fatal ones stop
// the walk immediately.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Tier == "" {
		return nil, fmt.Errorf("tier is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	requestID := uuid.New().String()
	startedAt := time.Now()
	traceCtx := GetTraceContext(ctx)

	tier := req.Tier
	if !tier.IsValid() {
		tier = model.TierMedium
	}
	chain := c.registry.GetAvailableFallbackChain(tier)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no models configured for tier %s", req.Tier)
	}

	rec := &CallRecord{
		RequestID: requestID,
		SessionID: traceCtx.SessionID,
		Worker:    traceCtx.Worker,
		Tier:      string(req.Tier),
		Messages:  req.Messages,
		StartedAt: startedAt,
	}

	var lastErr error
	for _, modelName := range chain {
		endpoint := c.registry.GetEndpoint(modelName)
		if endpoint == nil {
			c.logger.Debug("No endpoint for model, skipping", "model", modelName)
			continue
		}
		if !c.registry.IsEndpointAvailable(modelName) {
			c.logger.Debug("Endpoint circuit open, skipping", "model", modelName)
			continue
		}

		resp, attempts, err := c.attemptEndpoint(ctx, endpoint, modelName, req)
		rec.Retries += attempts - 1

		if err == nil {
			resp.RequestID = requestID

			rec.Model = resp.Model
			rec.Provider = endpoint.Provider
			rec.Response = resp.Content
			rec.PromptTokens = resp.Usage.PromptTokens
			rec.CompletionTokens = resp.Usage.CompletionTokens
			rec.TotalTokens = resp.Usage.TotalTokens
			rec.FinishReason = resp.FinishReason
			rec.ContextBudget = endpoint.MaxTokens
			c.finishRecord(ctx, rec)

			return resp, nil
		}

		rec.FallbacksUsed = append(rec.FallbacksUsed, modelName)
		lastErr = err

		c.logger.Warn("Endpoint failed, trying fallback",
			"model", modelName,
			"provider", endpoint.Provider,
			"error", err)

		// Fatal means the request itself is wrong; no fallback will fix it.
		if IsFatal(err) {
			c.logger.Warn("Fatal error, not trying fallbacks", "error", err)

			rec.Model = modelName
			rec.Provider = endpoint.Provider
			rec.Error = err.Error()
			rec.ContextBudget = endpoint.MaxTokens
			c.finishRecord(ctx, rec)

			return nil, err
		}
	}

	rec.Error = fmt.Sprintf("all endpoints failed: %v", lastErr)
	c.finishRecord(ctx, rec)

	return nil, fmt.Errorf("all endpoints failed for tier %s: %w", req.Tier, lastErr)
}

// finishRecord stamps completion timing and hands the record to the
// call store. Audit failures log and never surface to the caller.
func (c *Client) finishRecord(ctx context.Context, rec *CallRecord) {
	if c.callStore == nil {
		return
	}

	rec.CompletedAt = time.Now()
	rec.DurationMs = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()

	if err := c.callStore.Store(ctx, rec); err != nil {
		c.logger.Warn("Failed to record LLM call",
			"request_id", rec.RequestID,
			"session_id", rec.SessionID,
			"tier", rec.Tier,
			"error", err)
	}
}

// attemptEndpoint sends to one endpoint, retrying transient failures up
// to the configured budget. The attempt count comes back for audit.
func (c *Client) attemptEndpoint(ctx context.Context, ep *model.EndpointConfig, modelName string, req Request) (*Response, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.send(ctx, ep, req)
		if err == nil {
			c.registry.MarkEndpointSuccess(modelName)
			return resp, attempt, nil
		}
		lastErr = err

		// Fatal errors point at configuration, not endpoint health, so
		// the breaker stays untouched.
		if IsFatal(err) {
			return nil, attempt, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			pause := c.retryConfig.delay(attempt)
			c.logger.Debug("Request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", pause,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(pause):
			}
		}
	}

	c.registry.MarkEndpointFailure(modelName)
	return nil, c.retryConfig.MaxAttempts, lastErr
}

// send executes a single HTTP round trip through the endpoint's provider.
func (c *Client) send(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.BuildURL(ep.URL)
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, statusError(httpResp.StatusCode, respBody)
	}

	return provider.ParseResponse(respBody, ep.Model)
}

// statusError classifies a non-200 response. Rate limits and server
// errors retry; auth and bad-request errors do not.
func statusError(statusCode int, body []byte) error {
	detail := string(body)
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, detail)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		return NewFatalError(err)
	}
}

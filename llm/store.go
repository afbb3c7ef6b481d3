package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

// CallsBucket is the KV bucket name for LLM call records.
const CallsBucket = "LLM_CALLS"

// CallRecord represents a single LLM API call with full context for audit.
type CallRecord struct {
	// RequestID uniquely identifies this LLM call.
	RequestID string `json:"request_id"`

	// SessionID correlates this call with the analysis session that made it.
	SessionID string `json:"session_id,omitempty"`

	// Worker is the worker that initiated this call (if any).
	Worker string `json:"worker,omitempty"`

	// Tier is the brain tier requested (low, medium, high).
	Tier string `json:"tier"`

	// Model is the actual model that was used for this call.
	Model string `json:"model"`

	// Provider is the LLM provider (anthropic, ollama, openai, etc.).
	Provider string `json:"provider"`

	// Messages is the input message history sent to the LLM.
	Messages []Message `json:"messages"`

	// Response is the generated content from the LLM.
	Response string `json:"response"`

	// PromptTokens is the number of input/prompt tokens consumed.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the number of output/completion tokens generated.
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is the total tokens consumed (prompt + completion).
	TotalTokens int `json:"total_tokens"`

	// ContextBudget is the maximum context window size for this model (optional).
	ContextBudget int `json:"context_budget,omitempty"`

	// FinishReason indicates why generation stopped (stop, length, etc.).
	FinishReason string `json:"finish_reason"`

	// StartedAt is when the LLM call began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the LLM call finished.
	CompletedAt time.Time `json:"completed_at"`

	// DurationMs is the call duration in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// Error contains any error message if the call failed.
	Error string `json:"error,omitempty"`

	// Retries is the number of retry attempts made.
	Retries int `json:"retries"`

	// FallbacksUsed lists models tried before success (if fallback was needed).
	FallbacksUsed []string `json:"fallbacks_used,omitempty"`
}

// CallStore persists LLM call records to a JetStream KV bucket so that
// sessions can be audited after the fact: which models ran, with what
// prompts, at what cost.
type CallStore struct {
	nc     *natsclient.Client
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// NewCallStore creates a new LLM call store and its backing bucket.
func NewCallStore(nc *natsclient.Client, logger *slog.Logger) (*CallStore, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS client required")
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:      CallsBucket,
		Description: "LLM call records for session audit",
		TTL:         7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &CallStore{
		nc:     nc,
		bucket: bucket,
		logger: logger,
	}, nil
}

// Store saves a call record keyed by request id.
func (s *CallStore) Store(ctx context.Context, record *CallRecord) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if record.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}

	if _, err := s.bucket.Put(ctx, record.RequestID, data); err != nil {
		return fmt.Errorf("put call record: %w", err)
	}

	s.logger.Debug("Recorded LLM call",
		"request_id", record.RequestID,
		"session_id", record.SessionID,
		"tier", record.Tier,
		"model", record.Model)

	return nil
}

// Get retrieves a call record by request id.
func (s *CallStore) Get(ctx context.Context, requestID string) (*CallRecord, error) {
	entry, err := s.bucket.Get(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("get call record: %w", err)
	}

	var record CallRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return nil, fmt.Errorf("unmarshal call record: %w", err)
	}

	return &record, nil
}

// ListBySession retrieves all call records for a session, oldest first.
func (s *CallStore) ListBySession(ctx context.Context, sessionID string) ([]*CallRecord, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		// Empty bucket returns ErrNoKeysFound - this is not an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var records []*CallRecord
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue // Skip errors for individual keys
		}

		var record CallRecord
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			continue
		}

		if record.SessionID != sessionID {
			continue
		}

		records = append(records, &record)
	}

	SortByStartTime(records)
	return records, nil
}

// SortByStartTime sorts records chronologically by StartedAt.
func SortByStartTime(records []*CallRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
}

// TraceContext holds call attribution extracted from context.
type TraceContext struct {
	SessionID string
	Worker    string
}

// traceContextKey is the context key for trace information.
type traceContextKey struct{}

// WithTraceContext adds call attribution to a context.
func WithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// GetTraceContext extracts call attribution from a context.
func GetTraceContext(ctx context.Context) TraceContext {
	if tc, ok := ctx.Value(traceContextKey{}).(TraceContext); ok {
		return tc
	}
	return TraceContext{}
}

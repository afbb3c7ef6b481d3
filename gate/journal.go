package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/structhub/buildlens/session"
)

// DecisionsBucket is the KV bucket name for decision records.
const DecisionsBucket = "DECISIONS"

// DecisionRecord is one decision's lifecycle entry in the journal.
type DecisionRecord struct {
	SessionID   string                  `json:"session_id"`
	DecisionID  string                  `json:"decision_id"`
	Status      string                  `json:"status"` // pending, answered, expired
	Request     session.DecisionRequest `json:"request"`
	Response    string                  `json:"response,omitempty"`
	Synthesized bool                    `json:"synthesized,omitempty"`
	ResolvedAt  *time.Time              `json:"resolved_at,omitempty"`
}

// Journal persists decision records to a JetStream KV bucket so every
// decision a session ever asked stays inspectable after the run. It is
// an audit surface; the gate never reads it back.
type Journal struct {
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// NewJournal creates the journal and its backing bucket.
func NewJournal(nc *natsclient.Client, logger *slog.Logger) (*Journal, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS client required")
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:      DecisionsBucket,
		Description: "User decision records for session audit",
		TTL:         7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Journal{bucket: bucket, logger: logger}, nil
}

// record writes one entry, keyed session.decision so a session's full
// decision history is retained. Failures log and never block the gate.
func (j *Journal) record(ctx context.Context, rec DecisionRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		j.logger.Warn("Marshal decision record failed",
			"session_id", rec.SessionID,
			"decision_id", rec.DecisionID,
			"error", err)
		return
	}

	key := fmt.Sprintf("%s.%s", rec.SessionID, rec.DecisionID)
	if _, err := j.bucket.Put(ctx, key, data); err != nil {
		j.logger.Warn("Decision journal write failed",
			"session_id", rec.SessionID,
			"decision_id", rec.DecisionID,
			"error", err)
	}
}

// List returns the recorded decisions for one session.
func (j *Journal) List(ctx context.Context, sessionID string) ([]DecisionRecord, error) {
	keys, err := j.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	prefix := sessionID + "."
	var records []DecisionRecord
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := j.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec DecisionRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

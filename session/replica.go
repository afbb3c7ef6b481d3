package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

// SessionsBucket is the KV bucket name for session state replicas.
const SessionsBucket = "SESSIONS"

// replicaBuffer is the pending-write queue size. Writes beyond it are
// dropped; the replica is a read-through copy, not the source of truth.
const replicaBuffer = 256

// Replica mirrors every committed session snapshot into a JetStream KV
// bucket for durability and audit. The store never reads from it during
// a run; it exists so operators and external tools can inspect sessions
// and so restarts can list what ran before.
type Replica struct {
	nc     *natsclient.Client
	bucket jetstream.KeyValue
	logger *slog.Logger

	writes chan *AppState
}

// NewReplica creates the replica and its backing KV bucket.
func NewReplica(nc *natsclient.Client, logger *slog.Logger) (*Replica, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	ctx := context.Background()

	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      SessionsBucket,
		Description: "Construction analysis session state replicas",
		TTL:         7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Replica{
		nc:     nc,
		bucket: bucket,
		logger: logger,
		writes: make(chan *AppState, replicaBuffer),
	}, nil
}

// Start begins draining queued writes. Stops when ctx is cancelled.
func (r *Replica) Start(ctx context.Context) {
	go r.drain(ctx)
}

// ChangeFunc returns a store callback that queues each committed
// snapshot for persistence. Trace-only mutations are skipped: workers
// append trace entries constantly and the trace rides along with the
// next pipeline-relevant write. It never blocks the store: if the
// queue is full the write is dropped and a later snapshot supersedes it.
func (r *Replica) ChangeFunc() ChangeFunc {
	return func(sessionID string, snap *AppState, diff Diff) {
		if diff.TraceOnly() {
			return
		}
		select {
		case r.writes <- snap:
		default:
			r.logger.Warn("Replica queue full, dropping snapshot",
				slog.String("session_id", sessionID))
		}
	}
}

func (r *Replica) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-r.writes:
			if err := r.Save(ctx, snap); err != nil {
				r.logger.Warn("Replica write failed",
					slog.String("session_id", snap.SessionID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Save writes one snapshot to the bucket.
func (r *Replica) Save(ctx context.Context, snap *AppState) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if _, err := r.bucket.Put(ctx, snap.SessionID, data); err != nil {
		return fmt.Errorf("put session: %w", err)
	}

	return nil
}

// Load retrieves a persisted snapshot by session id.
func (r *Replica) Load(ctx context.Context, sessionID string) (*AppState, error) {
	entry, err := r.bucket.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var snap AppState
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	return &snap, nil
}

// List returns the ids of all persisted sessions.
func (r *Replica) List(ctx context.Context) ([]string, error) {
	keys, err := r.bucket.Keys(ctx)
	if err != nil {
		// Empty bucket returns ErrNoKeysFound - this is not an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

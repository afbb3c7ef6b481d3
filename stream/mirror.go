package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
)

// mirrorQueueSize bounds the mirror's internal queue. The mirror is an
// audit sink, not the delivery path, so overflow drops with a log line.
const mirrorQueueSize = 512

// Mirror publishes every broadcast event to JetStream for durability and
// after-the-fact audit. Subjects follow session.events.<session_id>.<type>
// so consumers can subscribe per session or per event type.
type Mirror struct {
	nc     *natsclient.Client
	events chan Event
	logger *slog.Logger
}

// NewMirror creates a NATS event mirror.
func NewMirror(nc *natsclient.Client, logger *slog.Logger) (*Mirror, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS client required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		nc:     nc,
		events: make(chan Event, mirrorQueueSize),
		logger: logger,
	}, nil
}

// Sink returns a SinkFunc for Broadcaster.AddSink. It never blocks the
// publisher: queue overflow drops the event from the mirror only.
func (m *Mirror) Sink() SinkFunc {
	return func(ev Event) {
		select {
		case m.events <- ev:
		default:
			mirrorDroppedEvents.Inc()
			m.logger.Warn("Event mirror queue full, dropping event",
				"session_id", ev.SessionID,
				"type", ev.Type)
		}
	}
}

// Start drains the mirror queue until ctx is cancelled.
func (m *Mirror) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.publish(ctx, ev)
		}
	}
}

// publish wraps the event in a message envelope and writes it to the
// session events stream.
func (m *Mirror) publish(ctx context.Context, ev Event) {
	baseMsg := message.NewBaseMessage(SessionEventType, &ev, "buildlens")
	data, err := json.Marshal(baseMsg)
	if err != nil {
		m.logger.Warn("Marshal event for mirror failed",
			"session_id", ev.SessionID,
			"type", ev.Type,
			"error", err)
		return
	}

	subject := fmt.Sprintf("session.events.%s.%s", ev.SessionID, ev.Type)
	if err := m.nc.PublishToStream(ctx, subject, data); err != nil {
		m.logger.Warn("Mirror publish failed",
			"subject", subject,
			"error", err)
	}
}

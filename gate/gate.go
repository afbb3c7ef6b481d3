// Package gate mediates user decisions during an analysis run.
//
// A worker that needs user input suspends its session behind the gate:
// the gate records the pending decision in session state, announces it to
// subscribers, and resumes the manager when the user answers or the
// decision times out. Exactly one decision may be outstanding per session.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/structhub/buildlens/session"
	"github.com/structhub/buildlens/stream"
)

// DefaultTimeout applies when a decision request carries no timeout.
const DefaultTimeout = 5 * time.Minute

// sweepInterval is how often the monitor scans for expired decisions.
// A sweep rather than per-decision timers means a restart cannot strand
// an awaiting_user session.
const sweepInterval = 1 * time.Second

// Outcome is how a pending decision resolved.
type Outcome struct {
	DecisionID string
	Response   string

	// Synthesized is true when the timeout auto-selected the default.
	Synthesized bool

	// TimedOut is true when the decision expired with no default; the
	// session carries a recoverable user_timeout error.
	TimedOut bool
}

// Gate owns pending decisions across all sessions.
type Gate struct {
	store          *session.Store
	broadcaster    *stream.Broadcaster
	journal        *Journal
	logger         *slog.Logger
	defaultTimeout time.Duration
	now            func() time.Time

	mu      sync.Mutex
	waiters map[string]chan Outcome
}

// Option configures a Gate.
type Option func(*Gate)

// WithDefaultTimeout overrides the fallback decision timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.defaultTimeout = d
		}
	}
}

// WithLogger sets the gate's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithJournal enables the KV decision audit journal.
func WithJournal(j *Journal) Option {
	return func(g *Gate) {
		g.journal = j
	}
}

// withClock overrides time for tests.
func withClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// New creates a decision gate over a session store.
func New(store *session.Store, broadcaster *stream.Broadcaster, opts ...Option) *Gate {
	g := &Gate{
		store:          store,
		broadcaster:    broadcaster,
		logger:         slog.Default(),
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
		waiters:        make(map[string]chan Outcome),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Open records a pending decision, moves the session to awaiting_user,
// and announces it. Opening while another decision is pending is a
// programming error and fails immediately.
func (g *Gate) Open(ctx context.Context, sessionID string, req session.DecisionRequest) (string, error) {
	if req.DecisionID == "" {
		req.DecisionID = session.NewDecisionID()
	}
	if req.Timeout <= 0 {
		req.Timeout = g.defaultTimeout
	}
	req.CreatedAt = g.now().UTC()

	// The waiter must exist before the decision is visible in state, or a
	// fast Submit or sweep could resolve it with nowhere to deliver the
	// outcome.
	g.mu.Lock()
	prev, hadPrev := g.waiters[sessionID]
	ch := make(chan Outcome, 1)
	g.waiters[sessionID] = ch
	g.mu.Unlock()

	_, _, err := g.store.Apply(ctx, sessionID, func(st *session.AppState) error {
		if st.PendingDecision != nil {
			return fmt.Errorf("decision %s already pending", st.PendingDecision.DecisionID)
		}
		st.PendingDecision = &req
		st.Status = session.StatusAwaitingUser
		st.AppendTrace("decision-gate", "info", "awaiting user decision: "+req.Prompt,
			map[string]any{"decision_id": req.DecisionID, "kind": string(req.Kind)})
		return nil
	})
	if err != nil {
		g.mu.Lock()
		if hadPrev {
			g.waiters[sessionID] = prev
			// An outcome for the earlier decision may have landed on the
			// replacement channel in the window; forward it.
			select {
			case o := <-ch:
				prev <- o
			default:
			}
		} else if g.waiters[sessionID] == ch {
			delete(g.waiters, sessionID)
		}
		g.mu.Unlock()
		return "", fmt.Errorf("open decision: %w", err)
	}

	g.broadcaster.Publish(stream.NewEvent(stream.EventUserDecisionNeeded, sessionID,
		stream.UserDecisionNeededData{
			DecisionID:      req.DecisionID,
			DecisionType:    string(req.Kind),
			Prompt:          req.Prompt,
			Options:         req.Options,
			DefaultOption:   req.DefaultOption,
			TimeoutSeconds:  int(req.Timeout.Seconds()),
			CanSkip:         req.CanSkip,
			AffectsWorkflow: req.AffectsWorkflow,
			Context:         map[string]any{},
		}))

	if g.journal != nil {
		g.journal.record(ctx, DecisionRecord{
			SessionID:  sessionID,
			DecisionID: req.DecisionID,
			Status:     "pending",
			Request:    req,
		})
	}

	g.logger.Info("Decision opened",
		"session_id", sessionID,
		"decision_id", req.DecisionID,
		"kind", req.Kind,
		"timeout", req.Timeout)

	return req.DecisionID, nil
}

// Submit resolves a pending decision with the user's response. Fails
// ErrStaleDecision when decision_id does not match the pending decision.
func (g *Gate) Submit(ctx context.Context, sessionID, decisionID, response string) error {
	return g.resolve(ctx, sessionID, decisionID, response, Outcome{
		DecisionID: decisionID,
		Response:   response,
	})
}

// resolve validates and commits a decision response, then wakes the
// session's waiter.
func (g *Gate) resolve(ctx context.Context, sessionID, decisionID, response string, outcome Outcome) error {
	var resolved session.DecisionRequest
	_, _, err := g.store.Apply(ctx, sessionID, func(st *session.AppState) error {
		pending := st.PendingDecision
		if pending == nil || pending.DecisionID != decisionID {
			return session.ErrStaleDecision
		}
		resolved = *pending

		// Enumerated decisions must pick a listed option; free-form
		// kinds carry no options.
		if len(pending.Options) > 0 && !hasOption(pending.Options, response) {
			return fmt.Errorf("response %q is not one of the offered options", response)
		}

		if st.ManagerNotes == nil {
			st.ManagerNotes = make(map[string]any)
		}
		st.ManagerNotes["last_decision"] = map[string]any{
			"decision_id": decisionID,
			"response":    response,
			"synthesized": outcome.Synthesized,
			"at":          g.now().UTC().Format(time.RFC3339),
		}
		st.PendingDecision = nil
		st.Status = session.StatusRunning
		st.AppendTrace("decision-gate", "info", "decision resolved",
			map[string]any{"decision_id": decisionID, "response": response})
		return nil
	})
	if err != nil {
		return err
	}

	g.wake(sessionID, outcome)

	if g.journal != nil {
		now := g.now().UTC()
		g.journal.record(ctx, DecisionRecord{
			SessionID:   sessionID,
			DecisionID:  decisionID,
			Status:      "answered",
			Request:     resolved,
			Response:    response,
			Synthesized: outcome.Synthesized,
			ResolvedAt:  &now,
		})
	}

	g.logger.Info("Decision resolved",
		"session_id", sessionID,
		"decision_id", decisionID,
		"synthesized", outcome.Synthesized)

	return nil
}

// Await blocks until the session's pending decision resolves or the
// context is cancelled. The manager calls this after a worker signals
// needs_user_input. The outcome buffers in the waiter channel, so a
// decision resolved before the manager arrives here is not lost.
func (g *Gate) Await(ctx context.Context, sessionID string) (Outcome, error) {
	g.mu.Lock()
	ch, ok := g.waiters[sessionID]
	g.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("no pending decision for session %s", sessionID)
	}

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case outcome := <-ch:
		g.mu.Lock()
		if g.waiters[sessionID] == ch {
			delete(g.waiters, sessionID)
		}
		g.mu.Unlock()
		return outcome, nil
	}
}

// wake delivers the outcome to the session's waiter, if any. The map
// entry stays until Await consumes it.
func (g *Gate) wake(sessionID string, outcome Outcome) {
	g.mu.Lock()
	ch, ok := g.waiters[sessionID]
	g.mu.Unlock()
	if !ok {
		return
	}

	// The channel is buffered and each decision resolves once, so the
	// send cannot block; the guard keeps a stray double-wake harmless.
	select {
	case ch <- outcome:
	default:
	}
}

// Start runs the timeout sweep until ctx is cancelled.
func (g *Gate) Start(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

// sweep expires overdue decisions. With a default option the decision
// auto-selects it; otherwise the session gets a recoverable user_timeout
// error and the manager decides what to do.
func (g *Gate) sweep(ctx context.Context) {
	for _, sessionID := range g.store.List(ctx) {
		st, err := g.store.Read(ctx, sessionID)
		if err != nil || st.PendingDecision == nil {
			continue
		}

		pending := st.PendingDecision
		age := g.now().Sub(pending.CreatedAt)
		if age <= pending.Timeout {
			continue
		}

		g.logger.Info("Decision timed out",
			"session_id", sessionID,
			"decision_id", pending.DecisionID,
			"age", age,
			"timeout", pending.Timeout)

		if pending.DefaultOption != "" {
			err := g.resolve(ctx, sessionID, pending.DecisionID, pending.DefaultOption, Outcome{
				DecisionID:  pending.DecisionID,
				Response:    pending.DefaultOption,
				Synthesized: true,
			})
			if err != nil {
				g.logger.Warn("Auto-select default failed",
					"session_id", sessionID,
					"decision_id", pending.DecisionID,
					"error", err)
			}
			continue
		}

		g.expire(ctx, sessionID, pending.DecisionID)
	}
}

// expire fails a decision that has no default option.
func (g *Gate) expire(ctx context.Context, sessionID, decisionID string) {
	var expired session.DecisionRequest
	_, _, err := g.store.Apply(ctx, sessionID, func(st *session.AppState) error {
		if st.PendingDecision == nil || st.PendingDecision.DecisionID != decisionID {
			return session.ErrStaleDecision
		}
		expired = *st.PendingDecision
		st.PendingDecision = nil
		st.Status = session.StatusRunning
		st.Error = &session.StateError{
			Kind:        session.ErrKindUserTimeout,
			Message:     "user decision timed out",
			Recoverable: true,
		}
		st.AppendTrace("decision-gate", "warn", "decision timed out with no default",
			map[string]any{"decision_id": decisionID})
		return nil
	})
	if err != nil {
		g.logger.Warn("Expire decision failed",
			"session_id", sessionID,
			"decision_id", decisionID,
			"error", err)
		return
	}

	if g.journal != nil {
		now := g.now().UTC()
		g.journal.record(ctx, DecisionRecord{
			SessionID:  sessionID,
			DecisionID: decisionID,
			Status:     "expired",
			Request:    expired,
			ResolvedAt: &now,
		})
	}

	g.wake(sessionID, Outcome{DecisionID: decisionID, TimedOut: true})
}

func hasOption(options []session.DecisionOption, id string) bool {
	for _, opt := range options {
		if opt.ID == id {
			return true
		}
	}
	return false
}

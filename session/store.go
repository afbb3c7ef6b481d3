package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ChangeFunc receives a post-commit snapshot and the diff of the
// mutation that produced it. Callbacks run in commit order for a given
// session and must not block.
type ChangeFunc func(sessionID string, snap *AppState, diff Diff)

// Store owns one AppState per session. All mutations to a session go
// through a single serialized entry point; readers get deep-copied
// snapshots. Sessions are fully independent of each other.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	graph    FieldGraph
	onChange []ChangeFunc
	logger   *slog.Logger
}

type sessionEntry struct {
	mu    sync.Mutex
	state *AppState
}

// NewStore creates a store using the given field dependency graph.
func NewStore(graph FieldGraph, logger *slog.Logger) *Store {
	if graph == nil {
		graph = DefaultFieldGraph()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*sessionEntry),
		graph:    graph,
		logger:   logger,
	}
}

// OnChange registers a post-commit callback. Register all callbacks
// before the store receives traffic; registration is not synchronized
// with commits.
func (s *Store) OnChange(fn ChangeFunc) {
	s.onChange = append(s.onChange, fn)
}

// Graph returns the field dependency graph the store enforces.
func (s *Store) Graph() FieldGraph {
	return s.graph
}

// Create registers a new session from initial intake and returns its
// first snapshot.
func (s *Store) Create(_ context.Context, sessionID, query string, files []FileRef) (*AppState, error) {
	now := time.Now().UTC()
	state := &AppState{
		SessionID: sessionID,
		Query:     query,
		Files:     files,
		Status:    StatusIntakeReady,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if query == "" && len(files) == 0 {
		state.Status = StatusNew
	}

	s.mu.Lock()
	if _, exists := s.sessions[sessionID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("create session %s: %w", sessionID, ErrAlreadyExists)
	}
	entry := &sessionEntry{state: state}
	s.sessions[sessionID] = entry
	s.mu.Unlock()

	s.logger.Info("Session created",
		slog.String("session_id", sessionID),
		slog.Int("files", len(files)))

	return state.Clone(), nil
}

// Read returns a snapshot of the session.
func (s *Store) Read(_ context.Context, sessionID string) (*AppState, error) {
	entry, err := s.entry(sessionID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state.Clone(), nil
}

// List returns all known session ids, sorted.
func (s *Store) List(_ context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Apply runs the mutation atomically against the session's state and
// returns the new snapshot plus a diff of what changed. Mutations
// against terminal sessions fail ErrFrozen; mutations that violate
// decision exclusivity or dependency-before-use fail
// ErrInvalidTransition and leave the state untouched.
func (s *Store) Apply(_ context.Context, sessionID string, fn func(*AppState) error) (*AppState, Diff, error) {
	return s.apply(sessionID, fn, false)
}

// Reopen is Apply for sessions in a terminal status: send_message on a
// completed session goes through here to start a fresh turn.
func (s *Store) Reopen(_ context.Context, sessionID string, fn func(*AppState) error) (*AppState, Diff, error) {
	return s.apply(sessionID, fn, true)
}

func (s *Store) apply(sessionID string, fn func(*AppState) error, allowFrozen bool) (*AppState, Diff, error) {
	entry, err := s.entry(sessionID)
	if err != nil {
		return nil, Diff{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	before := entry.state
	if before.Status.IsTerminal() && !allowFrozen {
		return nil, Diff{}, fmt.Errorf("session %s is %s: %w", sessionID, before.Status, ErrFrozen)
	}

	working := before.Clone()
	if err := fn(working); err != nil {
		return nil, Diff{}, err
	}
	working.SessionID = before.SessionID
	working.CreatedAt = before.CreatedAt
	working.UpdatedAt = time.Now().UTC()

	diff := computeDiff(before, working)
	if err := s.checkInvariants(before, working, diff); err != nil {
		return nil, Diff{}, err
	}

	entry.state = working
	snap := working.Clone()

	// Fire while holding the entry lock so callbacks observe commits
	// in order. Callbacks must not block.
	for _, fn := range s.onChange {
		fn(sessionID, snap, diff)
	}

	return snap, diff, nil
}

// checkInvariants rejects mutations that would corrupt the session:
// decision exclusivity (pending_decision non-nil exactly when status is
// awaiting_user) and dependency-before-use (a field may only become
// populated while all its prerequisites are populated).
func (s *Store) checkInvariants(before, after *AppState, diff Diff) error {
	hasPending := after.PendingDecision != nil
	awaiting := after.Status == StatusAwaitingUser
	if hasPending != awaiting {
		return fmt.Errorf("pending_decision %v but status %s: %w",
			hasPending, after.Status, ErrInvalidTransition)
	}

	for _, field := range diff.Changed {
		if !after.FieldPopulated(field) || before.FieldPopulated(field) {
			continue
		}
		for _, prereq := range s.graph.Prerequisites(field) {
			if !after.FieldPopulated(prereq) {
				return fmt.Errorf("field %s written before prerequisite %s: %w",
					field, prereq, ErrInvalidTransition)
			}
		}
	}

	return nil
}

// Rewind clears a field and all its transitive dependents, drops any
// recorded error, and transitions the session back to running so the
// manager can re-plan. Sessions awaiting user input cannot be rewound;
// resolve or cancel the decision first.
func (s *Store) Rewind(_ context.Context, sessionID, field string) (*AppState, error) {
	entry, err := s.entry(sessionID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	before := entry.state
	if before.Status == StatusAwaitingUser {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotRewindable)
	}

	cleared := append([]string{field}, s.graph.TransitiveDependents(field)...)

	working := before.Clone()
	for _, f := range cleared {
		working.ClearField(f)
	}
	working.Error = nil
	working.Status = StatusRunning
	working.AppendTrace("manager", "info", fmt.Sprintf("rewind: cleared %s", field),
		map[string]any{"cleared_fields": cleared})
	working.UpdatedAt = time.Now().UTC()

	diff := computeDiff(before, working)
	entry.state = working
	snap := working.Clone()

	for _, fn := range s.onChange {
		fn(sessionID, snap, diff)
	}

	s.logger.Info("Session rewound",
		slog.String("session_id", sessionID),
		slog.String("field", field),
		slog.Int("cleared", len(cleared)))

	return snap, nil
}

func (s *Store) entry(sessionID string) (*sessionEntry, error) {
	s.mu.RLock()
	entry, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return entry, nil
}

// Package httpapi exposes the session lifecycle over HTTP plus an SSE
// event stream per session.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/structhub/buildlens/gate"
	"github.com/structhub/buildlens/manager"
	"github.com/structhub/buildlens/session"
	"github.com/structhub/buildlens/stream"
)

// maxBodySize bounds request bodies; inline file data arrives here.
const maxBodySize = 32 << 20 // 32 MB

// DefaultHeartbeat is the SSE keepalive interval when none is configured.
const DefaultHeartbeat = 30 * time.Second

// Server wires the HTTP surface to the orchestration components.
type Server struct {
	store           *session.Store
	mgr             *manager.Manager
	gate            *gate.Gate
	broadcaster     *stream.Broadcaster
	logger          *slog.Logger
	heartbeat       time.Duration
	allowedPatterns []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHeartbeat sets the SSE keepalive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithAllowedPatterns sets the intake file-name allowlist (doublestar
// globs). Empty allows everything.
func WithAllowedPatterns(patterns []string) Option {
	return func(s *Server) {
		s.allowedPatterns = patterns
	}
}

// NewServer creates the HTTP surface over the assembled components.
func NewServer(store *session.Store, mgr *manager.Manager, g *gate.Gate, broadcaster *stream.Broadcaster, opts ...Option) *Server {
	s := &Server{
		store:       store,
		mgr:         mgr,
		gate:        g,
		broadcaster: broadcaster,
		logger:      slog.Default(),
		heartbeat:   DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHTTPHandlers registers the session API endpoints.
func (s *Server) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", s.handleCreate)
	mux.HandleFunc("GET /sessions/{id}", s.handleGet)
	mux.HandleFunc("GET /sessions/{id}/trace", s.handleTrace)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /sessions/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /sessions/{id}/decision", s.handleDecision)
	mux.HandleFunc("POST /sessions/{id}/rewind", s.handleRewind)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancel)
}

// CreateSessionRequest is the body for POST /sessions.
type CreateSessionRequest struct {
	Query string            `json:"query"`
	Files []session.FileRef `json:"files,omitempty"`
}

// MessageRequest is the body for POST /sessions/{id}/messages.
type MessageRequest struct {
	Text        string            `json:"text"`
	Attachments []session.FileRef `json:"attachments,omitempty"`
}

// DecisionRequest is the body for POST /sessions/{id}/decision.
type DecisionRequest struct {
	DecisionID string `json:"decision_id"`
	Response   string `json:"response"`
}

// RewindRequest is the body for POST /sessions/{id}/rewind.
type RewindRequest struct {
	Field string `json:"field"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if name, ok := s.disallowedFile(req.Files); !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("file %q is not an accepted document type", name))
		return
	}

	sessionID := session.NewSessionID()
	snap, err := s.store.Create(ctx, sessionID, req.Query, req.Files)
	if err != nil {
		s.logger.Error("Failed to create session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	if snap.Status == session.StatusIntakeReady {
		if err := s.mgr.StartRun(sessionID); err != nil {
			s.logger.Error("Failed to start run", "session_id", sessionID, "error", err)
		}
	}

	s.logger.Info("Session created via HTTP",
		"session_id", sessionID,
		"files", len(req.Files))

	s.writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	snap, err := s.store.Read(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, sessionID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	snap, err := s.store.Read(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, sessionID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"trace":      snap.Trace,
	})
}

// handleMessage appends a user turn and starts a new run. Terminal
// sessions are reopened for a fresh turn against their existing state.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" && len(req.Attachments) == 0 {
		s.writeError(w, http.StatusBadRequest, "text or attachments required")
		return
	}
	if name, ok := s.disallowedFile(req.Attachments); !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("file %q is not an accepted document type", name))
		return
	}

	if s.mgr.Running(sessionID) {
		s.writeError(w, http.StatusConflict, "a run is already in progress for this session")
		return
	}

	snap, err := s.store.Read(ctx, sessionID)
	if err != nil {
		s.writeStoreError(w, sessionID, err)
		return
	}
	if snap.PendingDecision != nil {
		s.writeError(w, http.StatusConflict, "session is awaiting a decision; answer it first")
		return
	}

	mutate := func(st *session.AppState) error {
		if req.Text != "" {
			st.Query = req.Text
		}
		st.Files = append(st.Files, req.Attachments...)
		st.Status = session.StatusIntakeReady
		st.Error = nil
		st.AppendTrace("client", "info", "message received",
			map[string]any{"attachments": len(req.Attachments)})
		return nil
	}

	if snap.Status.IsTerminal() {
		snap, _, err = s.store.Reopen(ctx, sessionID, mutate)
	} else {
		snap, _, err = s.store.Apply(ctx, sessionID, mutate)
	}
	if err != nil {
		s.writeStoreError(w, sessionID, err)
		return
	}

	if err := s.mgr.StartRun(sessionID); err != nil {
		s.logger.Error("Failed to start run", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DecisionID == "" || req.Response == "" {
		s.writeError(w, http.StatusBadRequest, "decision_id and response are required")
		return
	}

	if err := s.gate.Submit(ctx, sessionID, req.DecisionID, req.Response); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrStaleDecision):
			s.writeError(w, http.StatusConflict, "decision is no longer pending")
		default:
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	snap, err := s.store.Read(ctx, sessionID)
	if err != nil {
		s.writeStoreError(w, sessionID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	var req RewindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !knownField(req.Field) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown field %q", req.Field))
		return
	}

	snap, err := s.mgr.Rewind(ctx, sessionID, req.Field)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrNotRewindable):
			s.writeError(w, http.StatusConflict, "session is awaiting a decision; answer or cancel it first")
		default:
			s.logger.Error("Rewind failed", "session_id", sessionID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "rewind failed")
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	if err := s.mgr.Cancel(sessionID); err != nil {
		if errors.Is(err, manager.ErrNoActiveRun) {
			s.writeError(w, http.StatusConflict, "no run in progress for this session")
			return
		}
		s.logger.Error("Cancel failed", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}

	snap, err := s.store.Read(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, sessionID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleEvents streams the session's events as SSE. Events dropped by a
// slow client surface as a "dropped" count on the next event envelope.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	if _, err := s.store.Read(ctx, sessionID); err != nil {
		s.writeStoreError(w, sessionID, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := s.broadcaster.Subscribe(sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer s.broadcaster.Unsubscribe(sub)

	if err := s.sendSSE(w, flusher, "connected", map[string]string{"session_id": sessionID}); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if err := s.sendSSE(w, flusher, "heartbeat", map[string]any{}); err != nil {
				s.logger.Debug("SSE client disconnected", "session_id", sessionID)
				return
			}

		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := s.sendSSE(w, flusher, ev.Type, ev); err != nil {
				s.logger.Debug("SSE client disconnected", "session_id", sessionID)
				return
			}
		}
	}
}

// sendSSE writes one SSE frame and flushes it.
func (s *Server) sendSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("Failed to marshal SSE data", "error", err)
		return nil
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	flusher.Flush()
	return nil
}

// sessionID extracts and validates the path id.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "session ID required")
		return "", false
	}
	if !strings.HasPrefix(id, "s-") {
		s.writeError(w, http.StatusBadRequest, "invalid session ID format (must start with 's-')")
		return "", false
	}
	return id, true
}

// disallowedFile returns the first file name outside the allowlist.
func (s *Server) disallowedFile(files []session.FileRef) (string, bool) {
	if len(s.allowedPatterns) == 0 {
		return "", true
	}
	for _, f := range files {
		allowed := false
		for _, pattern := range s.allowedPatterns {
			if ok, err := doublestar.Match(pattern, f.Name); err == nil && ok {
				allowed = true
				break
			}
			base := pattern
			if idx := strings.LastIndex(pattern, "/"); idx >= 0 {
				base = pattern[idx+1:]
			}
			if ok, err := doublestar.Match(base, f.Name); err == nil && ok {
				allowed = true
				break
			}
		}
		if !allowed {
			return f.Name, false
		}
	}
	return "", true
}

func knownField(field string) bool {
	switch field {
	case session.FieldFiles, session.FieldProcessedFiles, session.FieldTradeMapping,
		session.FieldScopeItems, session.FieldTakeoffData, session.FieldEstimate,
		session.FieldQAFindings, session.FieldExportArtifacts:
		return true
	}
	return false
}

func (s *Server) writeStoreError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrFrozen):
		s.writeError(w, http.StatusConflict, "session has finished")
	default:
		s.logger.Error("Store operation failed", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

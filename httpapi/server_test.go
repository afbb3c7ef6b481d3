package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/gate"
	"github.com/structhub/buildlens/intent"
	"github.com/structhub/buildlens/manager"
	"github.com/structhub/buildlens/model"
	"github.com/structhub/buildlens/session"
	"github.com/structhub/buildlens/stream"
	"github.com/structhub/buildlens/worker"
)

type stubWorker struct {
	desc worker.Descriptor
	run  func(call int, ctx context.Context, st *session.AppState) (*worker.Result, error)

	mu    sync.Mutex
	calls int
}

func (s *stubWorker) Descriptor() worker.Descriptor { return s.desc }

func (s *stubWorker) Run(ctx context.Context, st *session.AppState, _ brain.Choice) (*worker.Result, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.run(call, ctx, st)
}

func (s *stubWorker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func stageWrites(field string) worker.Writes {
	switch field {
	case session.FieldProcessedFiles:
		return worker.Writes{ProcessedFiles: map[string]session.FileContent{
			"plans.pdf": {Pages: []session.Page{{Type: session.PageTypeText, Content: "panel schedule"}}},
		}}
	case session.FieldTradeMapping:
		return worker.Writes{TradeMapping: []session.TradeMapping{
			{Trade: "electrical", SectionRef: "plans.pdf#1", Confidence: 0.9},
		}}
	case session.FieldScopeItems:
		return worker.Writes{ScopeItems: []session.ScopeItem{{Trade: "electrical", Item: "panel install"}}}
	case session.FieldTakeoffData:
		return worker.Writes{TakeoffData: []session.TakeoffLine{{ScopeRef: "scope-1", Quantity: 1, Unit: "EA"}}}
	case session.FieldEstimate:
		return worker.Writes{Estimate: &session.Estimate{
			Lines: []session.EstimateLine{{LineRef: "scope-1", UnitCost: 2400, Extended: 2400}},
			Total: 2400,
		}}
	case session.FieldQAFindings:
		return worker.Writes{QAFindings: []session.QAFinding{{Severity: session.SeverityInfo, Message: "validated"}}}
	case session.FieldExportArtifacts:
		return worker.Writes{ExportArtifacts: map[string]string{"estimate.csv": "line_ref\n"}}
	default:
		return worker.Writes{}
	}
}

var testStages = []struct {
	name     string
	requires []string
	produces []string
}{
	{"file-reader", []string{session.FieldFiles}, []string{session.FieldProcessedFiles}},
	{"trade-mapper", []string{session.FieldProcessedFiles}, []string{session.FieldTradeMapping}},
	{"scope", []string{session.FieldProcessedFiles, session.FieldTradeMapping}, []string{session.FieldScopeItems}},
	{"takeoff", []string{session.FieldScopeItems}, []string{session.FieldTakeoffData}},
	{"estimator", []string{session.FieldTakeoffData}, []string{session.FieldEstimate}},
	{"qa-validator", []string{session.FieldEstimate}, []string{session.FieldQAFindings}},
	{"exporter", []string{session.FieldEstimate}, []string{session.FieldExportArtifacts}},
}

func stageWorkers() map[string]*stubWorker {
	workers := make(map[string]*stubWorker, len(testStages))
	for _, def := range testStages {
		produces := def.produces
		workers[def.name] = &stubWorker{
			desc: worker.Descriptor{
				Name:     def.name,
				Requires: def.requires,
				Produces: produces,
				SkipIfFresh: func(st *session.AppState) bool {
					for _, f := range produces {
						if !st.FieldPopulated(f) {
							return false
						}
					}
					return true
				},
			},
			run: func(_ int, _ context.Context, _ *session.AppState) (*worker.Result, error) {
				return worker.OK(stageWrites(produces[0])), nil
			},
		}
	}
	return workers
}

type apiEnv struct {
	store   *session.Store
	mgr     *manager.Manager
	workers map[string]*stubWorker
	ts      *httptest.Server
}

func newAPIEnv(t *testing.T, workers map[string]*stubWorker, opts ...Option) *apiEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := session.NewStore(nil, logger)
	broadcaster := stream.NewBroadcaster(stream.WithLogger(logger))
	g := gate.New(store, broadcaster, gate.WithLogger(logger))
	allocator := brain.NewAllocator(model.NewDefaultRegistry(), nil, logger)
	classifier := intent.NewClassifier(nil, intent.WithLogger(logger))

	ordered := make([]worker.Worker, 0, len(testStages))
	for _, def := range testStages {
		ordered = append(ordered, workers[def.name])
	}
	registry, err := worker.NewRegistry(ordered...)
	require.NoError(t, err)

	mgr := manager.New(store, classifier, allocator, registry, broadcaster, g,
		manager.WithLogger(logger))
	t.Cleanup(mgr.Close)

	server := NewServer(store, mgr, g, broadcaster, append([]Option{WithLogger(logger)}, opts...)...)
	mux := http.NewServeMux()
	server.RegisterHTTPHandlers(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &apiEnv{store: store, mgr: mgr, workers: workers, ts: ts}
}

func (e *apiEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (e *apiEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeState(t *testing.T, resp *http.Response) *session.AppState {
	t.Helper()
	defer resp.Body.Close()
	var st session.AppState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return &st
}

func (e *apiEnv) waitForStatus(t *testing.T, sessionID string, want session.Status) *session.AppState {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, err := e.store.Read(context.Background(), sessionID)
		if err == nil && st.Status == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s", sessionID, want)
	return nil
}

func estimateRequest() CreateSessionRequest {
	return CreateSessionRequest{
		Query: "estimate these plans",
		Files: []session.FileRef{{Name: "plans.pdf", Mime: "application/pdf", Size: 2048}},
	}
}

func TestCreateSession_RunsToCompletion(t *testing.T) {
	env := newAPIEnv(t, stageWorkers())

	resp := env.post(t, "/sessions", estimateRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeState(t, resp)
	assert.True(t, strings.HasPrefix(created.SessionID, "s-"))
	assert.Equal(t, session.StatusIntakeReady, created.Status)

	env.waitForStatus(t, created.SessionID, session.StatusComplete)

	resp = env.get(t, "/sessions/"+created.SessionID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeState(t, resp)
	require.NotNil(t, st.Estimate)
	assert.NotEmpty(t, st.ExportArtifacts)
}

func TestCreateSession_RejectsDisallowedFile(t *testing.T) {
	env := newAPIEnv(t, stageWorkers(), WithAllowedPatterns([]string{"**/*.pdf"}))

	resp := env.post(t, "/sessions", CreateSessionRequest{
		Query: "estimate this",
		Files: []session.FileRef{{Name: "malware.exe", Mime: "application/octet-stream"}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSession_Errors(t *testing.T) {
	env := newAPIEnv(t, stageWorkers())

	resp := env.get(t, "/sessions/s-missing1")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.get(t, "/sessions/bogus")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitDecision_Flow(t *testing.T) {
	workers := stageWorkers()
	workers["file-reader"].run = func(call int, _ context.Context, _ *session.AppState) (*worker.Result, error) {
		if call == 1 {
			return worker.NeedsUserInput(session.DecisionRequest{
				Kind:   session.DecisionConfirmProceed,
				Prompt: "proceed with OCR?",
				Options: []session.DecisionOption{
					{ID: "yes", Label: "Yes"},
					{ID: "no", Label: "No"},
				},
				Timeout: time.Minute,
			}), nil
		}
		return worker.OK(stageWrites(session.FieldProcessedFiles)), nil
	}
	env := newAPIEnv(t, workers)

	resp := env.post(t, "/sessions", estimateRequest())
	created := decodeState(t, resp)

	st := env.waitForStatus(t, created.SessionID, session.StatusAwaitingUser)
	require.NotNil(t, st.PendingDecision)
	decisionID := st.PendingDecision.DecisionID

	// Stale decision id conflicts.
	resp = env.post(t, "/sessions/"+created.SessionID+"/decision",
		DecisionRequest{DecisionID: "d-deadbeef", Response: "yes"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Off-menu response is rejected.
	resp = env.post(t, "/sessions/"+created.SessionID+"/decision",
		DecisionRequest{DecisionID: decisionID, Response: "maybe"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.post(t, "/sessions/"+created.SessionID+"/decision",
		DecisionRequest{DecisionID: decisionID, Response: "yes"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resolved := decodeState(t, resp)
	assert.Nil(t, resolved.PendingDecision)

	env.waitForStatus(t, created.SessionID, session.StatusComplete)
	assert.Equal(t, 2, env.workers["file-reader"].callCount())
}

func TestSendMessage_ReopensCompletedSession(t *testing.T) {
	env := newAPIEnv(t, stageWorkers())

	resp := env.post(t, "/sessions", estimateRequest())
	created := decodeState(t, resp)
	env.waitForStatus(t, created.SessionID, session.StatusComplete)

	resp = env.post(t, "/sessions/"+created.SessionID+"/messages",
		MessageRequest{Text: "export the estimate to csv"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	st := env.waitForStatus(t, created.SessionID, session.StatusComplete)
	assert.Equal(t, intent.TagExportExisting, st.Intent.Tag)
	// The export was still fresh from the first run, so the step skipped.
	assert.Equal(t, 1, env.workers["exporter"].callCount())
}

func TestRewind_RecomputesTail(t *testing.T) {
	env := newAPIEnv(t, stageWorkers())

	resp := env.post(t, "/sessions", estimateRequest())
	created := decodeState(t, resp)
	env.waitForStatus(t, created.SessionID, session.StatusComplete)

	resp = env.post(t, "/sessions/"+created.SessionID+"/rewind",
		RewindRequest{Field: session.FieldEstimate})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	snap := decodeState(t, resp)
	assert.Nil(t, snap.Estimate)

	env.waitForStatus(t, created.SessionID, session.StatusComplete)
	assert.Equal(t, 2, env.workers["estimator"].callCount())
	assert.Equal(t, 1, env.workers["file-reader"].callCount())

	resp = env.post(t, "/sessions/"+created.SessionID+"/rewind",
		RewindRequest{Field: "astral_plane"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancel_FailsSession(t *testing.T) {
	workers := stageWorkers()
	started := make(chan struct{})
	var once sync.Once
	workers["file-reader"].run = func(_ int, ctx context.Context, _ *session.AppState) (*worker.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	env := newAPIEnv(t, workers)

	resp := env.post(t, "/sessions", estimateRequest())
	created := decodeState(t, resp)
	<-started

	resp = env.post(t, "/sessions/"+created.SessionID+"/cancel", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeState(t, resp)
	assert.Equal(t, session.StatusFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Equal(t, session.ErrKindCancelled, st.Error.Kind)

	// Nothing left to cancel.
	resp = env.post(t, "/sessions/"+created.SessionID+"/cancel", struct{}{})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEvents_StreamsOverSSE(t *testing.T) {
	workers := stageWorkers()
	release := make(chan struct{})
	workers["file-reader"].run = func(_ int, ctx context.Context, _ *session.AppState) (*worker.Result, error) {
		select {
		case <-release:
			return worker.OK(stageWrites(session.FieldProcessedFiles)), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	env := newAPIEnv(t, workers)

	resp := env.post(t, "/sessions", estimateRequest())
	created := decodeState(t, resp)

	sse := env.get(t, "/sessions/"+created.SessionID+"/events")
	defer sse.Body.Close()
	require.Equal(t, http.StatusOK, sse.StatusCode)
	assert.Equal(t, "text/event-stream", sse.Header.Get("Content-Type"))

	reader := bufio.NewReader(sse.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected", strings.TrimSpace(line))

	close(release)

	var sawSubstep, sawCompleted bool
	deadline := time.After(3 * time.Second)
	for !sawCompleted {
		select {
		case <-deadline:
			t.Fatal("never saw workflow completion on the SSE stream")
		default:
		}
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: agent_substep") {
			sawSubstep = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, fmt.Sprintf("%q", stream.ChangeWorkflowCompleted)) {
			sawCompleted = true
		}
	}
	assert.True(t, sawSubstep)
}

func TestSendMessage_ConflictsWhileAwaitingDecision(t *testing.T) {
	workers := stageWorkers()
	workers["file-reader"].run = func(call int, _ context.Context, _ *session.AppState) (*worker.Result, error) {
		if call == 1 {
			return worker.NeedsUserInput(session.DecisionRequest{
				Kind:    session.DecisionConfirmProceed,
				Prompt:  "proceed?",
				Options: []session.DecisionOption{{ID: "yes", Label: "Yes"}},
				Timeout: time.Minute,
			}), nil
		}
		return worker.OK(stageWrites(session.FieldProcessedFiles)), nil
	}
	env := newAPIEnv(t, workers)

	resp := env.post(t, "/sessions", estimateRequest())
	created := decodeState(t, resp)
	env.waitForStatus(t, created.SessionID, session.StatusAwaitingUser)

	resp = env.post(t, "/sessions/"+created.SessionID+"/messages",
		MessageRequest{Text: "also add the landscaping"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

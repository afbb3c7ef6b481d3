// Package manager runs the autonomous control loop for each session.
//
// The loop is not a fixed pipeline: classify, plan, dispatch one step,
// merge its writes, reassess, repeat. The manager is the only component
// that applies worker writes, records session errors, or moves a session
// to a terminal status. One logical run per session at a time; sessions
// are fully independent.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/gate"
	"github.com/structhub/buildlens/intent"
	"github.com/structhub/buildlens/planner"
	"github.com/structhub/buildlens/session"
	"github.com/structhub/buildlens/stream"
	"github.com/structhub/buildlens/worker"
)

// Default loop parameters, overridable via options.
const (
	DefaultDispatchTimeout = 10 * time.Minute
	DefaultRunTimeout      = 60 * time.Minute
	DefaultRetryBudget     = 2
	DefaultRetryBaseDelay  = 500 * time.Millisecond
	DefaultRetryMaxDelay   = 8 * time.Second

	// maxReplans bounds decision-resume and intake re-planning so a
	// misbehaving worker cannot spin the loop forever.
	maxReplans = 8
)

// ErrRunInProgress is returned when a run is requested for a session
// that already has one.
var ErrRunInProgress = errors.New("manager run already in progress")

// ErrNoActiveRun is returned by Cancel when nothing is running.
var ErrNoActiveRun = errors.New("no active manager run")

// errRunFailed marks a run that already finalized its session as failed.
var errRunFailed = errors.New("manager run failed")

// Manager drives sessions from intake to a terminal status.
type Manager struct {
	store       *session.Store
	classifier  *intent.Classifier
	allocator   *brain.Allocator
	registry    *worker.Registry
	broadcaster *stream.Broadcaster
	gate        *gate.Gate
	logger      *slog.Logger

	dispatchTimeout time.Duration
	runTimeout      time.Duration
	retryBudget     int
	retryBaseDelay  time.Duration
	retryMaxDelay   time.Duration
	parallel        bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	running map[string]*runHandle
}

// runHandle tracks one in-flight run.
type runHandle struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDispatchTimeout bounds a single worker dispatch attempt.
func WithDispatchTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dispatchTimeout = d
		}
	}
}

// WithRunTimeout bounds a full run for one message.
func WithRunTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.runTimeout = d
		}
	}
}

// WithRetryBudget sets the number of retries per worker dispatch.
func WithRetryBudget(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.retryBudget = n
		}
	}
}

// WithParallelDispatch allows independent consecutive steps to run
// concurrently. Off by default.
func WithParallelDispatch(enabled bool) Option {
	return func(m *Manager) {
		m.parallel = enabled
	}
}

// withBackoff overrides retry delays for tests.
func withBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		m.retryBaseDelay = base
		m.retryMaxDelay = max
	}
}

// New creates a manager over the assembled components.
func New(store *session.Store, classifier *intent.Classifier, allocator *brain.Allocator,
	registry *worker.Registry, broadcaster *stream.Broadcaster, g *gate.Gate, opts ...Option) *Manager {

	rootCtx, rootCancel := context.WithCancel(context.Background())
	m := &Manager{
		store:           store,
		classifier:      classifier,
		allocator:       allocator,
		registry:        registry,
		broadcaster:     broadcaster,
		gate:            g,
		logger:          slog.Default(),
		dispatchTimeout: DefaultDispatchTimeout,
		runTimeout:      DefaultRunTimeout,
		retryBudget:     DefaultRetryBudget,
		retryBaseDelay:  DefaultRetryBaseDelay,
		retryMaxDelay:   DefaultRetryMaxDelay,
		rootCtx:         rootCtx,
		rootCancel:      rootCancel,
		running:         make(map[string]*runHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close cancels every in-flight run and waits for them to finish.
func (m *Manager) Close() {
	m.rootCancel()

	m.mu.Lock()
	handles := make([]*runHandle, 0, len(m.running))
	for _, h := range m.running {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		<-h.done
	}
}

// StartRun launches a run for the session in the background.
func (m *Manager) StartRun(sessionID string) error {
	h, err := m.register(m.rootCtx, sessionID)
	if err != nil {
		return err
	}
	go m.execute(h)
	return nil
}

// Run drives the session to a terminal status and blocks until done.
func (m *Manager) Run(ctx context.Context, sessionID string) error {
	h, err := m.register(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.execute(h)
}

// Cancel aborts the session's in-flight run. The run finalizes the
// session as failed with error kind cancelled before returning.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	h, ok := m.running[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNoActiveRun)
	}
	h.cancel()
	<-h.done
	return nil
}

// Rewind clears a field (and its dependents) and re-plans. A running
// loop is cancelled first so the rewind sees a quiescent session.
func (m *Manager) Rewind(ctx context.Context, sessionID, field string) (*session.AppState, error) {
	m.mu.Lock()
	h, ok := m.running[sessionID]
	m.mu.Unlock()
	if ok {
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	snap, err := m.store.Rewind(ctx, sessionID, field)
	if err != nil {
		return nil, err
	}

	if err := m.StartRun(sessionID); err != nil {
		return nil, err
	}
	return snap, nil
}

// Running reports whether the session has an in-flight run.
func (m *Manager) Running(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[sessionID]
	return ok
}

func (m *Manager) register(parent context.Context, sessionID string) (*runHandle, error) {
	ctx, cancel := context.WithTimeout(parent, m.runTimeout)

	m.mu.Lock()
	if _, exists := m.running[sessionID]; exists {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrRunInProgress)
	}
	h := &runHandle{
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.running[sessionID] = h
	m.mu.Unlock()

	return h, nil
}

func (m *Manager) execute(h *runHandle) error {
	defer func() {
		h.cancel()
		m.mu.Lock()
		delete(m.running, h.sessionID)
		m.mu.Unlock()
		close(h.done)
	}()

	runsStarted.Inc()
	start := time.Now()

	err := m.run(h.ctx, h.sessionID)
	switch {
	case err == nil:
		runsCompleted.WithLabelValues("complete").Inc()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		m.finalizeCancelled(h.sessionID, err)
		runsCompleted.WithLabelValues("cancelled").Inc()
	case errors.Is(err, errRunFailed):
		runsCompleted.WithLabelValues("failed").Inc()
	default:
		// Infrastructure failure (store unreachable, unknown session).
		m.logger.Error("Manager run aborted",
			"session_id", h.sessionID,
			"error", err)
		runsCompleted.WithLabelValues("failed").Inc()
	}

	m.logger.Info("Manager run finished",
		"session_id", h.sessionID,
		"duration", time.Since(start),
		"error", err)

	return err
}

// run is the loop body: classify, plan, execute, re-plan on resume.
func (m *Manager) run(ctx context.Context, sessionID string) error {
	snap, _, err := m.store.Apply(ctx, sessionID, func(st *session.AppState) error {
		st.Status = session.StatusRunning
		st.AppendTrace("manager", "info", "run started", nil)
		return nil
	})
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	m.emitStateChange(sessionID, stream.ChangeWorkflowStarted, "intake", nil, 0, snap)

	tag, err := m.classify(ctx, sessionID)
	if err != nil {
		return err
	}

	for replans := 0; ; replans++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if replans > maxReplans {
			return m.failRun(ctx, sessionID, session.ErrKindInvariantViolation, "",
				fmt.Sprintf("re-plan budget exhausted after %d plans", replans))
		}

		snap, err := m.store.Read(ctx, sessionID)
		if err != nil {
			return err
		}

		// Spreadsheet integration is an intake detour: pull the files
		// down, then re-classify against the enriched session.
		if tag == intent.TagSpreadsheetIntegration {
			tag, err = m.runSpreadsheetIntake(ctx, sessionID)
			if err != nil {
				return err
			}
			continue
		}

		plan, err := planner.Build(tag, snap, m.registry)
		if err != nil {
			var unmet *planner.UnmetDependencyError
			if errors.As(err, &unmet) {
				return m.failRun(ctx, sessionID, session.ErrKindUnmetDependency, unmet.Worker, unmet.Error())
			}
			return m.failRun(ctx, sessionID, session.ErrKindUnmetDependency, "", err.Error())
		}

		m.emitThinking(sessionID, "route_planning", "planning", planSummary(plan),
			planFactors(plan), 1.0)

		outcome, err := m.executePlan(ctx, sessionID, tag, plan)
		if err != nil {
			return err
		}
		if outcome == planReplan {
			continue
		}
		break
	}

	return m.completeRun(ctx, sessionID, tag)
}

// runSpreadsheetIntake dispatches the intake worker and returns the
// re-classified intent once files are populated.
func (m *Manager) runSpreadsheetIntake(ctx context.Context, sessionID string) (string, error) {
	outcome, err := m.executePlan(ctx, sessionID, intent.TagSpreadsheetIntegration, planner.Plan{
		Intent: intent.TagSpreadsheetIntegration,
		Steps:  []planner.Step{{Worker: "spreadsheet-intake", Rationale: "fetch sheet attachments"}},
	})
	if err != nil {
		return "", err
	}
	if outcome == planReplan {
		// Decision resolved; dispatch the intake worker again with the
		// user's selection recorded in manager notes.
		return intent.TagSpreadsheetIntegration, nil
	}

	snap, err := m.store.Read(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !snap.FieldPopulated(session.FieldFiles) {
		return "", m.failRun(ctx, sessionID, session.ErrKindIntakeInvalid, "spreadsheet-intake",
			"spreadsheet intake produced no files")
	}

	snap, _, err = m.store.Apply(ctx, sessionID, func(st *session.AppState) error {
		st.Status = session.StatusFilesReady
		st.AppendTrace("manager", "info", "sheet files ready for analysis", nil)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("mark files ready: %w", err)
	}
	m.emitStateChange(sessionID, stream.ChangePhaseTransition, "files_ready_for_analysis", nil, 0, snap)

	tag, err := m.classify(ctx, sessionID)
	if err != nil {
		return "", err
	}
	// The sheet URL is still in the query; with files now in hand the
	// only sensible reading is a full analysis.
	if tag == intent.TagSpreadsheetIntegration {
		tag = intent.TagFullEstimation
		_, _, err = m.store.Apply(ctx, sessionID, func(st *session.AppState) error {
			st.Intent = &session.Intent{
				Tag:        tag,
				Confidence: 1,
				Metadata:   map[string]string{"classifier": "manager"},
			}
			st.AppendTrace("manager", "info", "sheet files in hand, proceeding to full estimation", nil)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("record intake intent: %w", err)
		}
	}
	return tag, nil
}

// classify records the turn's intent and announces the analysis.
func (m *Manager) classify(ctx context.Context, sessionID string) (string, error) {
	snap, err := m.store.Read(ctx, sessionID)
	if err != nil {
		return "", err
	}

	verdict := m.classifier.Classify(ctx, intent.Input{
		Query:     snap.Query,
		Files:     snap.Files,
		Populated: populatedFields(snap),
	})

	_, _, err = m.store.Apply(ctx, sessionID, func(st *session.AppState) error {
		st.Intent = &verdict
		st.AppendTrace("manager", "info", "intent classified: "+verdict.Tag,
			map[string]any{"confidence": verdict.Confidence})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("record intent: %w", err)
	}

	m.emitThinking(sessionID, "analyzing_input", "route_planning",
		fmt.Sprintf("classified request as %s", verdict.Tag),
		[]string{"intent:" + verdict.Tag, "classifier:" + verdict.Metadata["classifier"]},
		verdict.Confidence)

	return verdict.Tag, nil
}

// planOutcome is how one pass over a plan ended.
type planOutcome int

const (
	planDone planOutcome = iota
	planReplan
)

// executePlan walks the plan step by step, merging writes after each
// dispatch. Returns planReplan when a resolved user decision requires
// planning again against the updated state.
func (m *Manager) executePlan(ctx context.Context, sessionID, tag string, plan planner.Plan) (planOutcome, error) {
	stages := plan.Stages()
	total := len(plan.Steps)
	completed := 0

	for i := 0; i < len(plan.Steps); i++ {
		if err := ctx.Err(); err != nil {
			return planDone, err
		}

		step := plan.Steps[i]
		if step.Skip {
			completed++
			m.emitSubstep(sessionID, step.Worker, stream.SubstepSkipped, 100,
				map[string]any{"reason": step.Rationale})
			continue
		}

		batch := []planner.Step{step}
		if m.parallel {
			batch = nextParallelBatch(plan.Steps[i:], m.registry)
			i += len(batch) - 1
		}

		results, err := m.dispatchBatch(ctx, sessionID, tag, batch)
		if err != nil {
			return planDone, err
		}

		for _, sr := range results {
			outcome, err := m.handleResult(ctx, sessionID, sr, plan.Steps[i+1:])
			if err != nil {
				return planDone, err
			}
			if outcome == planReplan {
				return planReplan, nil
			}
		}
		completed += len(batch)

		snap, err := m.store.Read(ctx, sessionID)
		if err != nil {
			return planDone, err
		}
		m.emitStateChange(sessionID, stream.ChangePhaseTransition, step.Worker,
			stages, percentage(completed, total), snap)

		if m.objectivesSatisfied(snap, plan.Steps[i+1:]) {
			m.emitThinking(sessionID, "reassessment", "completion",
				"remaining steps already satisfied by current state",
				[]string{"early_exit"}, 1.0)
			break
		}
	}

	return planDone, nil
}

// handleResult merges one dispatch result into the session and decides
// how the plan proceeds.
func (m *Manager) handleResult(ctx context.Context, sessionID string, sr stepResult, remaining []planner.Step) (planOutcome, error) {
	if err := ctx.Err(); err != nil {
		return planDone, err
	}

	name := sr.step.Worker

	if sr.err != nil {
		// Retry budget exhausted or fatal upstream error. The worker is
		// lost for this run; the run survives only if nothing left needs
		// its output.
		m.emitSubstep(sessionID, name, stream.SubstepFailed, 100,
			map[string]any{"error": sr.err.Error()})

		desc, derr := m.registry.Descriptor(name)
		if derr == nil && !requiredDownstream(remaining, desc.Produces, m.registry) {
			m.emitError(sessionID, sr.err.Error(), stream.SeverityMedium,
				"continue_without_worker", true, []string{name}, false)
			_, _, aerr := m.store.Apply(ctx, sessionID, func(st *session.AppState) error {
				st.AppendTrace(name, "error", "dispatch failed, continuing without output",
					map[string]any{"error": sr.err.Error()})
				return nil
			})
			return planDone, aerr
		}

		m.emitError(sessionID, sr.err.Error(), stream.SeverityHigh, "abort", false, []string{name}, false)
		return planDone, m.failRun(ctx, sessionID, session.ErrKindWorkerFatal, name, sr.err.Error())
	}

	result := sr.result
	switch result.Outcome {
	case worker.OutcomeOK:
		if err := m.merge(ctx, sessionID, name, result); err != nil {
			m.emitSubstep(sessionID, name, stream.SubstepFailed, 100,
				map[string]any{"error": err.Error()})
			m.emitError(sessionID, err.Error(), stream.SeverityHigh, "abort", false, []string{name}, false)
			return planDone, m.failRun(ctx, sessionID, session.ErrKindInvariantViolation, name, err.Error())
		}
		m.emitSubstep(sessionID, name, stream.SubstepCompleted, 100, result.Details)
		return planDone, nil

	case worker.OutcomeNeedsUserInput:
		m.emitSubstep(sessionID, name, stream.SubstepProcessing, 50,
			map[string]any{"awaiting": "user_decision"})
		return m.awaitDecision(ctx, sessionID, name, result)

	case worker.OutcomeRecoverableError:
		m.emitSubstep(sessionID, name, stream.SubstepFailed, 100, result.Details)
		m.emitError(sessionID, result.Message, stream.SeverityMedium, "skip_step", true, []string{name}, false)
		_, _, err := m.store.Apply(ctx, sessionID, func(st *session.AppState) error {
			st.AppendTrace(name, "warn", "recoverable: "+result.Message, result.Details)
			return nil
		})
		return planDone, err

	case worker.OutcomeFatalError:
		m.emitSubstep(sessionID, name, stream.SubstepFailed, 100, result.Details)
		m.emitError(sessionID, result.Message, stream.SeverityHigh, "abort", false, []string{name}, false)
		return planDone, m.failRun(ctx, sessionID, session.ErrKindWorkerFatal, name, result.Message)

	default:
		return planDone, m.failRun(ctx, sessionID, session.ErrKindInvariantViolation, name,
			fmt.Sprintf("worker returned unknown outcome %q", result.Outcome))
	}
}

// awaitDecision parks the run behind the gate until the user answers.
func (m *Manager) awaitDecision(ctx context.Context, sessionID, workerName string, result *worker.Result) (planOutcome, error) {
	if result.Decision == nil {
		return planDone, m.failRun(ctx, sessionID, session.ErrKindInvariantViolation, workerName,
			"needs_user_input without a decision request")
	}

	decisionsOpened.Inc()
	if _, err := m.gate.Open(ctx, sessionID, *result.Decision); err != nil {
		return planDone, m.failRun(ctx, sessionID, session.ErrKindInvariantViolation, workerName,
			"open decision: "+err.Error())
	}

	outcome, err := m.gate.Await(ctx, sessionID)
	if err != nil {
		return planDone, err
	}
	if outcome.TimedOut {
		m.emitError(sessionID, "user decision timed out", stream.SeverityMedium,
			"abort", false, []string{workerName}, true)
		return planDone, m.failRun(ctx, sessionID, session.ErrKindUserTimeout, workerName,
			"user decision timed out")
	}

	m.logger.Info("Decision resolved, re-planning",
		"session_id", sessionID,
		"decision_id", outcome.DecisionID,
		"synthesized", outcome.Synthesized)

	return planReplan, nil
}

// merge applies a worker's writes, enforcing that it only touched fields
// its descriptor declares.
func (m *Manager) merge(ctx context.Context, sessionID, workerName string, result *worker.Result) error {
	desc, err := m.registry.Descriptor(workerName)
	if err != nil {
		return err
	}

	declared := make(map[string]bool, len(desc.Produces))
	for _, f := range desc.Produces {
		declared[f] = true
	}
	for _, f := range result.Writes.Fields() {
		if !declared[f] {
			return fmt.Errorf("worker %s wrote undeclared field %s", workerName, f)
		}
	}

	_, _, err = m.store.Apply(ctx, sessionID, func(st *session.AppState) error {
		result.Writes.ApplyTo(st)
		st.AppendTrace(workerName, "info", "completed",
			map[string]any{"fields": result.Writes.Fields()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("merge %s writes: %w", workerName, err)
	}
	return nil
}

// objectivesSatisfied reports whether every remaining step would be
// skipped against the current state, meaning the plan is effectively done.
func (m *Manager) objectivesSatisfied(snap *session.AppState, remaining []planner.Step) bool {
	if len(remaining) == 0 {
		return false
	}
	for _, step := range remaining {
		if step.Skip {
			continue
		}
		desc, err := m.registry.Descriptor(step.Worker)
		if err != nil || desc.SkipIfFresh == nil || !desc.SkipIfFresh(snap) {
			return false
		}
	}
	return true
}

// completeRun finalizes a successful run.
func (m *Manager) completeRun(ctx context.Context, sessionID, tag string) error {
	snap, _, err := m.store.Apply(ctx, sessionID, func(st *session.AppState) error {
		st.Status = session.StatusComplete
		if st.ManagerNotes == nil {
			st.ManagerNotes = make(map[string]any)
		}
		st.ManagerNotes["objective_satisfied"] = objectiveFor(tag)
		st.ManagerNotes["last_intent"] = tag
		st.AppendTrace("manager", "info", "run complete", map[string]any{"intent": tag})
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}

	m.emitStateChange(sessionID, stream.ChangeWorkflowCompleted, "complete", nil, 100, snap)
	return nil
}

// failRun finalizes a failed run. Always returns errRunFailed so the
// caller can unwind without double-finalizing.
func (m *Manager) failRun(ctx context.Context, sessionID string, kind session.ErrorKind, workerName, message string) error {
	_, _, err := m.store.Apply(ctx, sessionID, func(st *session.AppState) error {
		st.PendingDecision = nil
		st.Status = session.StatusFailed
		st.Error = &session.StateError{
			Kind:    kind,
			Message: message,
			Worker:  workerName,
			// A timed-out decision can be rewound and asked again;
			// everything else that reaches here is terminal.
			Recoverable: kind == session.ErrKindUserTimeout,
		}
		st.AppendTrace("manager", "error", message, map[string]any{"kind": string(kind)})
		return nil
	})
	if err != nil {
		m.logger.Error("Failed to record run failure",
			"session_id", sessionID,
			"kind", kind,
			"error", err)
	}

	m.logger.Warn("Manager run failed",
		"session_id", sessionID,
		"kind", kind,
		"worker", workerName,
		"message", message)

	return fmt.Errorf("%s: %w", message, errRunFailed)
}

// finalizeCancelled records an externally cancelled or timed-out run.
func (m *Manager) finalizeCancelled(sessionID string, cause error) {
	// The run context is gone; use a short independent deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, _, err := m.store.Apply(ctx, sessionID, func(st *session.AppState) error {
		st.PendingDecision = nil
		st.Status = session.StatusFailed
		st.Error = &session.StateError{
			Kind:        session.ErrKindCancelled,
			Message:     "run cancelled: " + cause.Error(),
			Recoverable: false,
		}
		st.AppendTrace("manager", "warn", "run cancelled", nil)
		return nil
	})
	if err != nil {
		m.logger.Error("Failed to record cancellation",
			"session_id", sessionID,
			"error", err)
		return
	}

	m.emitStateChange(sessionID, stream.ChangeCancelled, "cancelled", nil, 0, snap)
}

// objectiveFor names the output that satisfies each intent (I2).
func objectiveFor(tag string) string {
	switch tag {
	case intent.TagFullEstimation, intent.TagQuickEstimate, intent.TagUpdateEstimate:
		return session.FieldEstimate
	case intent.TagExportExisting:
		return session.FieldExportArtifacts
	case intent.TagFileAnalysis, intent.TagDataAnalysis:
		return session.FieldScopeItems
	case intent.TagSpreadsheetIntegration:
		return session.FieldFiles
	default:
		return "none"
	}
}

func populatedFields(st *session.AppState) map[string]bool {
	fields := map[string]bool{}
	for _, f := range []string{
		session.FieldQuery, session.FieldFiles, session.FieldProcessedFiles,
		session.FieldTradeMapping, session.FieldScopeItems, session.FieldTakeoffData,
		session.FieldEstimate, session.FieldQAFindings, session.FieldExportArtifacts,
	} {
		if st.FieldPopulated(f) {
			fields[f] = true
		}
	}
	return fields
}

// requiredDownstream reports whether any remaining non-skipped step
// requires one of the given fields.
func requiredDownstream(remaining []planner.Step, fields []string, reg *worker.Registry) bool {
	lost := make(map[string]bool, len(fields))
	for _, f := range fields {
		lost[f] = true
	}
	for _, step := range remaining {
		if step.Skip {
			continue
		}
		desc, err := reg.Descriptor(step.Worker)
		if err != nil {
			continue
		}
		for _, req := range desc.Requires {
			if lost[req] {
				return true
			}
		}
	}
	return false
}

func percentage(completed, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(completed) / float64(total) * 100
}

func planSummary(plan planner.Plan) string {
	active := plan.ActiveWorkers()
	if len(active) == 0 {
		return "no workers required for this request"
	}
	return fmt.Sprintf("planned %d steps for %s", len(active), plan.Intent)
}

func planFactors(plan planner.Plan) []string {
	factors := []string{"intent:" + plan.Intent}
	for _, step := range plan.Steps {
		if step.Skip {
			factors = append(factors, "skip:"+step.Worker)
		} else {
			factors = append(factors, "run:"+step.Worker)
		}
	}
	return factors
}

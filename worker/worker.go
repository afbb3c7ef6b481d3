// Package worker defines the analysis workers and their registry.
//
// Workers are pure with respect to session state: they read an immutable
// snapshot and return field writes. The manager is the only code that
// applies those writes, which is what keeps every pipeline field owned
// by exactly one worker.
package worker

import (
	"context"

	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/session"
)

// Outcome is the top-level result classification of a dispatch.
type Outcome string

const (
	// OutcomeOK means the worker succeeded and Writes holds its output.
	OutcomeOK Outcome = "ok"

	// OutcomeNeedsUserInput pauses the run behind the decision gate;
	// Decision describes what to ask.
	OutcomeNeedsUserInput Outcome = "needs_user_input"

	// OutcomeRecoverableError records the failure in the trace and lets
	// the plan continue.
	OutcomeRecoverableError Outcome = "recoverable_error"

	// OutcomeFatalError stops the plan and fails the run.
	OutcomeFatalError Outcome = "fatal_error"
)

// Writes is the set of fields a worker produced. Only the fields the
// worker's descriptor declares in Produces may be non-empty.
type Writes struct {
	Files           []session.FileRef
	ProcessedFiles  map[string]session.FileContent
	TradeMapping    []session.TradeMapping
	ScopeItems      []session.ScopeItem
	TakeoffData     []session.TakeoffLine
	Estimate        *session.Estimate
	QAFindings      []session.QAFinding
	ExportArtifacts map[string]string
}

// Fields lists the field names this write set touches.
func (w Writes) Fields() []string {
	var fields []string
	if len(w.Files) > 0 {
		fields = append(fields, session.FieldFiles)
	}
	if len(w.ProcessedFiles) > 0 {
		fields = append(fields, session.FieldProcessedFiles)
	}
	if len(w.TradeMapping) > 0 {
		fields = append(fields, session.FieldTradeMapping)
	}
	if len(w.ScopeItems) > 0 {
		fields = append(fields, session.FieldScopeItems)
	}
	if len(w.TakeoffData) > 0 {
		fields = append(fields, session.FieldTakeoffData)
	}
	if w.Estimate != nil {
		fields = append(fields, session.FieldEstimate)
	}
	if len(w.QAFindings) > 0 {
		fields = append(fields, session.FieldQAFindings)
	}
	if len(w.ExportArtifacts) > 0 {
		fields = append(fields, session.FieldExportArtifacts)
	}
	return fields
}

// ApplyTo copies the write set onto a state. Called only by the manager
// inside a store mutation.
func (w Writes) ApplyTo(st *session.AppState) {
	if len(w.Files) > 0 {
		st.Files = w.Files
	}
	if len(w.ProcessedFiles) > 0 {
		st.ProcessedFiles = w.ProcessedFiles
	}
	if len(w.TradeMapping) > 0 {
		st.TradeMapping = w.TradeMapping
	}
	if len(w.ScopeItems) > 0 {
		st.ScopeItems = w.ScopeItems
	}
	if len(w.TakeoffData) > 0 {
		st.TakeoffData = w.TakeoffData
	}
	if w.Estimate != nil {
		st.Estimate = w.Estimate
	}
	if len(w.QAFindings) > 0 {
		st.QAFindings = w.QAFindings
	}
	if len(w.ExportArtifacts) > 0 {
		st.ExportArtifacts = w.ExportArtifacts
	}
}

// Result is what a dispatch returns.
type Result struct {
	Outcome  Outcome
	Writes   Writes
	Decision *session.DecisionRequest
	Message  string
	Details  map[string]any
}

// OK builds a success result.
func OK(writes Writes) *Result {
	return &Result{Outcome: OutcomeOK, Writes: writes}
}

// NeedsUserInput builds a cooperative-pause result.
func NeedsUserInput(decision session.DecisionRequest) *Result {
	return &Result{Outcome: OutcomeNeedsUserInput, Decision: &decision}
}

// Recoverable builds a continue-anyway failure result.
func Recoverable(message string, details map[string]any) *Result {
	return &Result{Outcome: OutcomeRecoverableError, Message: message, Details: details}
}

// Fatal builds a stop-the-run failure result.
func Fatal(message string, details map[string]any) *Result {
	return &Result{Outcome: OutcomeFatalError, Message: message, Details: details}
}

// Descriptor declares a worker's contract with the pipeline.
type Descriptor struct {
	// Name is the stable identifier used in plans and events.
	Name string

	// Requires lists fields that must be populated before dispatch.
	Requires []string

	// Produces lists fields this worker writes on success.
	Produces []string

	// SkipIfFresh reports whether the worker's output is already valid
	// for the given state, letting the planner omit the step.
	SkipIfFresh func(st *session.AppState) bool

	// Complexity labels the step's difficulty for brain allocation.
	Complexity func(st *session.AppState) brain.Hint
}

// Worker is one pipeline stage. Run reads a snapshot and returns writes;
// it must honor ctx cancellation at its next I/O boundary. Transient
// failures (network, rate limits) are returned as errors so the
// dispatcher can retry; everything else is expressed in the Result.
type Worker interface {
	Descriptor() Descriptor
	Run(ctx context.Context, st *session.AppState, choice brain.Choice) (*Result, error)
}

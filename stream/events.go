// Package stream provides session-keyed fan-out of orchestration events.
//
// Events are a loss-tolerant control stream for UI visualization, not a
// durable log: anything that must survive a restart lives in the session
// state, not here. Delivery is best-effort, non-blocking, and ordered per
// session; slow subscribers get drop accounting instead of backpressure.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/structhub/buildlens/session"
)

// Event type values carried in the envelope.
const (
	EventManagerThinking     = "manager_thinking"
	EventAgentSubstep        = "agent_substep"
	EventWorkflowStateChange = "workflow_state_change"
	EventBrainAllocation     = "brain_allocation"
	EventUserDecisionNeeded  = "user_decision_needed"
	EventErrorRecovery       = "error_recovery"

	// EventChatMessage carries conversational output alongside the six
	// orchestration event types.
	EventChatMessage = "chat_message"
)

// Event is the envelope shared by all event types. Data holds the
// type-specific payload (one of the *Data structs below).
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`

	// Dropped is set on the first event delivered to a subscriber after
	// one or more events were dropped due to a full buffer.
	Dropped int `json:"dropped,omitempty"`
}

// SessionEventType is the message type for session events on the wire.
var SessionEventType = message.Type{
	Domain:   "session",
	Category: "event",
	Version:  "v1",
}

// Schema returns the message type for this payload.
func (e *Event) Schema() message.Type {
	return SessionEventType
}

// Validate validates the event.
func (e *Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

// MarshalJSON marshals the event to JSON.
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON unmarshals the event from JSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	return json.Unmarshal(data, (*Alias)(e))
}

// NewEvent constructs an event envelope with the current UTC time.
func NewEvent(eventType, sessionID string, data any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ManagerThinkingData explains a manager decision as it happens.
type ManagerThinkingData struct {
	ThinkingType   string   `json:"thinking_type"`
	Stage          string   `json:"stage"`
	Analysis       string   `json:"analysis"`
	Factors        []string `json:"factors"`
	Confidence     float64  `json:"confidence"`
	ReasoningDepth string   `json:"reasoning_depth"`
}

// Substep values for AgentSubstepData.
const (
	SubstepInitializing = "initializing"
	SubstepProcessing   = "processing"
	SubstepCompleted    = "completed"
	SubstepFailed       = "failed"
	SubstepSkipped      = "skipped"
)

// AgentSubstepData reports fine-grained worker progress.
type AgentSubstepData struct {
	AgentName          string         `json:"agent_name"`
	Substep            string         `json:"substep"`
	ProgressPercentage int            `json:"progress_percentage"`
	SubstepDetails     map[string]any `json:"substep_details"`
}

// Change type values for WorkflowStateChangeData.
const (
	ChangeWorkflowStarted   = "workflow_started"
	ChangePhaseTransition   = "phase_transition"
	ChangeWorkflowCompleted = "workflow_completed"
	ChangeCancelled         = "cancelled"
)

// WorkflowVisualization describes overall pipeline shape and progress.
type WorkflowVisualization struct {
	Stages               []string `json:"stages"`
	CompletionPercentage float64  `json:"completion_percentage"`
}

// PipelineStatus summarizes which pipeline outputs exist so far.
type PipelineStatus struct {
	FilesProcessed    bool `json:"files_processed"`
	TradesMapped      bool `json:"trades_mapped"`
	ScopeAnalyzed     bool `json:"scope_analyzed"`
	TakeoffCalculated bool `json:"takeoff_calculated"`
	EstimateGenerated bool `json:"estimate_generated"`
	ExportReady       bool `json:"export_ready"`
}

// PipelineStatusFromState derives the pipeline booleans from session state.
func PipelineStatusFromState(st *session.AppState) PipelineStatus {
	return PipelineStatus{
		FilesProcessed:    st.FieldPopulated(session.FieldProcessedFiles),
		TradesMapped:      st.FieldPopulated(session.FieldTradeMapping),
		ScopeAnalyzed:     st.FieldPopulated(session.FieldScopeItems),
		TakeoffCalculated: st.FieldPopulated(session.FieldTakeoffData),
		EstimateGenerated: st.FieldPopulated(session.FieldEstimate),
		ExportReady:       st.FieldPopulated(session.FieldExportArtifacts),
	}
}

// WorkflowStateChangeData reports a workflow-level transition.
type WorkflowStateChangeData struct {
	ChangeType            string                `json:"change_type"`
	CurrentStage          string                `json:"current_stage"`
	WorkflowVisualization WorkflowVisualization `json:"workflow_visualization"`
	ActiveAgents          []string              `json:"active_agents"`
	PipelineStatus        PipelineStatus        `json:"pipeline_status"`
}

// BrainAllocationData reports the model tier chosen for a worker step.
type BrainAllocationData struct {
	AgentName            string   `json:"agent_name"`
	ModelSelected        string   `json:"model_selected"`
	ModelTier            string   `json:"model_tier"`
	Reasoning            string   `json:"reasoning"`
	ComplexityAssessment string   `json:"complexity_assessment"`
	ContextWindow        int      `json:"context_window"`
	FactorsConsidered    []string `json:"factors_considered"`
}

// UserDecisionNeededData prompts the client for a decision.
type UserDecisionNeededData struct {
	DecisionID      string                   `json:"decision_id"`
	DecisionType    string                   `json:"decision_type"`
	Prompt          string                   `json:"prompt"`
	Options         []session.DecisionOption `json:"options"`
	DefaultOption   string                   `json:"default_option,omitempty"`
	TimeoutSeconds  int                      `json:"timeout_seconds"`
	CanSkip         bool                     `json:"can_skip"`
	AffectsWorkflow bool                     `json:"affects_workflow"`
	Context         map[string]any           `json:"context"`
}

// Severity values for ErrorRecoveryData.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// ErrorRecoveryData reports an error and how the manager is handling it.
type ErrorRecoveryData struct {
	ErrorMessage       string   `json:"error_message"`
	Severity           string   `json:"severity"`
	RecoveryStrategy   string   `json:"recovery_strategy"`
	CanContinue        bool     `json:"can_continue"`
	AffectedAgents     []string `json:"affected_agents"`
	UserActionRequired bool     `json:"user_action_required"`
}

// ChatMessageData carries conversational text to the client.
type ChatMessageData struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

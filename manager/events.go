package manager

import (
	"github.com/structhub/buildlens/session"
	"github.com/structhub/buildlens/stream"
)

func (m *Manager) emitThinking(sessionID, thinkingType, stage, analysis string, factors []string, confidence float64) {
	m.broadcaster.Publish(stream.NewEvent(stream.EventManagerThinking, sessionID,
		stream.ManagerThinkingData{
			ThinkingType:   thinkingType,
			Stage:          stage,
			Analysis:       analysis,
			Factors:        factors,
			Confidence:     confidence,
			ReasoningDepth: "standard",
		}))
}

func (m *Manager) emitSubstep(sessionID, workerName, substep string, pct int, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	m.broadcaster.Publish(stream.NewEvent(stream.EventAgentSubstep, sessionID,
		stream.AgentSubstepData{
			AgentName:          workerName,
			Substep:            substep,
			ProgressPercentage: pct,
			SubstepDetails:     details,
		}))
}

func (m *Manager) emitStateChange(sessionID, changeType, currentStage string, stages []string, completion float64, snap *session.AppState) {
	var active []string
	if snap != nil && snap.Status == session.StatusRunning && currentStage != "" {
		active = []string{currentStage}
	}
	m.broadcaster.Publish(stream.NewEvent(stream.EventWorkflowStateChange, sessionID,
		stream.WorkflowStateChangeData{
			ChangeType:   changeType,
			CurrentStage: currentStage,
			WorkflowVisualization: stream.WorkflowVisualization{
				Stages:               stages,
				CompletionPercentage: completion,
			},
			ActiveAgents:   active,
			PipelineStatus: stream.PipelineStatusFromState(snap),
		}))
}

func (m *Manager) emitError(sessionID, message, severity, strategy string, canContinue bool, affected []string, userAction bool) {
	m.broadcaster.Publish(stream.NewEvent(stream.EventErrorRecovery, sessionID,
		stream.ErrorRecoveryData{
			ErrorMessage:       message,
			Severity:           severity,
			RecoveryStrategy:   strategy,
			CanContinue:        canContinue,
			AffectedAgents:     affected,
			UserActionRequired: userAction,
		}))
}

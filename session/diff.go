package session

import "reflect"

// Diff summarizes what one store mutation changed.
type Diff struct {
	// Changed lists the worker-relevant field names whose value changed.
	Changed []string `json:"changed,omitempty"`

	// StatusFrom and StatusTo record a status transition, if any.
	StatusFrom Status `json:"status_from,omitempty"`
	StatusTo   Status `json:"status_to,omitempty"`

	// QueryChanged reports a change to the user query text.
	QueryChanged bool `json:"query_changed,omitempty"`

	// DecisionChanged reports that pending_decision was set or cleared.
	DecisionChanged bool `json:"decision_changed,omitempty"`

	// TraceAppended is the number of trace entries added.
	TraceAppended int `json:"trace_appended,omitempty"`

	// ErrorChanged reports that the error record was set or cleared.
	ErrorChanged bool `json:"error_changed,omitempty"`
}

// StatusChanged reports whether the mutation moved the lifecycle status.
func (d Diff) StatusChanged() bool {
	return d.StatusFrom != d.StatusTo
}

// PipelineRelevant reports whether the mutation touched anything beyond
// the trace: such diffs surface as workflow_state_change notifications,
// trace-only diffs as trace appends.
func (d Diff) PipelineRelevant() bool {
	return len(d.Changed) > 0 || d.StatusChanged() || d.QueryChanged || d.DecisionChanged || d.ErrorChanged
}

// TraceOnly reports whether the mutation only appended trace entries.
func (d Diff) TraceOnly() bool {
	return d.TraceAppended > 0 && !d.PipelineRelevant()
}

// workerFields is the diff comparison order for worker-relevant fields.
var workerFields = []string{
	FieldFiles,
	FieldProcessedFiles,
	FieldTradeMapping,
	FieldScopeItems,
	FieldTakeoffData,
	FieldEstimate,
	FieldQAFindings,
	FieldExportArtifacts,
}

func computeDiff(before, after *AppState) Diff {
	diff := Diff{
		StatusFrom:    before.Status,
		StatusTo:      after.Status,
		QueryChanged:  before.Query != after.Query,
		TraceAppended: len(after.Trace) - len(before.Trace),
	}

	for _, field := range workerFields {
		if !reflect.DeepEqual(fieldValue(before, field), fieldValue(after, field)) {
			diff.Changed = append(diff.Changed, field)
		}
	}

	beforeDec, afterDec := before.PendingDecision, after.PendingDecision
	switch {
	case beforeDec == nil && afterDec != nil,
		beforeDec != nil && afterDec == nil:
		diff.DecisionChanged = true
	case beforeDec != nil && afterDec != nil:
		diff.DecisionChanged = beforeDec.DecisionID != afterDec.DecisionID
	}

	beforeErr, afterErr := before.Error, after.Error
	switch {
	case beforeErr == nil && afterErr != nil,
		beforeErr != nil && afterErr == nil:
		diff.ErrorChanged = true
	case beforeErr != nil && afterErr != nil:
		diff.ErrorChanged = *beforeErr != *afterErr
	}

	return diff
}

func fieldValue(s *AppState, field string) any {
	switch field {
	case FieldFiles:
		return s.Files
	case FieldProcessedFiles:
		return s.ProcessedFiles
	case FieldTradeMapping:
		return s.TradeMapping
	case FieldScopeItems:
		return s.ScopeItems
	case FieldTakeoffData:
		return s.TakeoffData
	case FieldEstimate:
		return s.Estimate
	case FieldQAFindings:
		return s.QAFindings
	case FieldExportArtifacts:
		return s.ExportArtifacts
	default:
		return nil
	}
}

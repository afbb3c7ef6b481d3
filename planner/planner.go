// Package planner turns a classified intent into an ordered worker plan.
//
// Planning is stateless and deterministic: the same intent, state, and
// registry always produce the same plan. The canonical worker sequence
// per intent is a fixed table; freshness checks only mark steps skipped,
// they never reorder.
package planner

import (
	"fmt"

	"github.com/structhub/buildlens/intent"
	"github.com/structhub/buildlens/session"
	"github.com/structhub/buildlens/worker"
)

// Step is one planned dispatch.
type Step struct {
	Worker    string `json:"worker"`
	Rationale string `json:"rationale"`
	Skip      bool   `json:"skip"`
}

// Plan is the ordered steps for one intent against one state snapshot.
type Plan struct {
	Intent string `json:"intent"`
	Steps  []Step `json:"steps"`
}

// ActiveWorkers lists the non-skipped worker names in order.
func (p Plan) ActiveWorkers() []string {
	var names []string
	for _, s := range p.Steps {
		if !s.Skip {
			names = append(names, s.Worker)
		}
	}
	return names
}

// Stages lists every planned worker name, skipped or not.
func (p Plan) Stages() []string {
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Worker
	}
	return names
}

// UnmetDependencyError reports a plan step whose required field is
// neither populated nor produced upstream.
type UnmetDependencyError struct {
	Worker string
	Field  string
}

func (e *UnmetDependencyError) Error() string {
	return fmt.Sprintf("worker %s requires %s which is neither populated nor produced upstream", e.Worker, e.Field)
}

// canonicalSequences is the fixed intent → worker order table.
var canonicalSequences = map[string][]string{
	intent.TagFullEstimation:         {"file-reader", "trade-mapper", "scope", "takeoff", "estimator", "qa-validator", "exporter"},
	intent.TagQuickEstimate:          {"takeoff", "estimator", "qa-validator"},
	intent.TagFileAnalysis:           {"file-reader", "trade-mapper", "scope"},
	intent.TagExportExisting:         {"exporter"},
	intent.TagUpdateEstimate:         {"estimator", "qa-validator", "exporter"},
	intent.TagDataAnalysis:           {"file-reader", "trade-mapper", "scope"},
	intent.TagSpreadsheetIntegration: {"spreadsheet-intake"},
	intent.TagNoAction:               {},
}

// CanonicalSequence returns the worker order for an intent tag.
func CanonicalSequence(intentTag string) ([]string, bool) {
	seq, ok := canonicalSequences[intentTag]
	return seq, ok
}

// Build produces the plan for an intent against a state snapshot.
// Steps whose output is already fresh are kept but marked skipped; every
// remaining step must have its requirements populated or produced by a
// preceding non-skipped step.
func Build(intentTag string, st *session.AppState, reg *worker.Registry) (Plan, error) {
	sequence, ok := canonicalSequences[intentTag]
	if !ok {
		return Plan{}, fmt.Errorf("no canonical sequence for intent %q", intentTag)
	}

	plan := Plan{Intent: intentTag}

	// Fields available to downstream steps: populated now, or produced
	// by an earlier non-skipped step.
	available := make(map[string]bool)
	for _, field := range []string{
		session.FieldQuery, session.FieldFiles, session.FieldProcessedFiles,
		session.FieldTradeMapping, session.FieldScopeItems, session.FieldTakeoffData,
		session.FieldEstimate, session.FieldQAFindings, session.FieldExportArtifacts,
	} {
		if st.FieldPopulated(field) {
			available[field] = true
		}
	}

	for _, name := range sequence {
		desc, err := reg.Descriptor(name)
		if err != nil {
			return Plan{}, fmt.Errorf("plan %s: %w", intentTag, err)
		}

		if desc.SkipIfFresh != nil && desc.SkipIfFresh(st) {
			plan.Steps = append(plan.Steps, Step{
				Worker:    name,
				Rationale: "output already fresh",
				Skip:      true,
			})
			continue
		}

		for _, req := range desc.Requires {
			if !available[req] {
				return Plan{}, &UnmetDependencyError{Worker: name, Field: req}
			}
		}

		for _, field := range desc.Produces {
			available[field] = true
		}

		plan.Steps = append(plan.Steps, Step{
			Worker:    name,
			Rationale: fmt.Sprintf("required for %s", intentTag),
		})
	}

	return plan, nil
}

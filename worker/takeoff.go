package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/session"
)

// Takeoff measures quantities for each scope item.
type Takeoff struct {
	llm    Completer
	logger *slog.Logger
}

// NewTakeoff creates the takeoff worker.
func NewTakeoff(completer Completer, logger *slog.Logger) *Takeoff {
	if logger == nil {
		logger = slog.Default()
	}
	return &Takeoff{llm: completer, logger: logger}
}

// Descriptor implements Worker.
func (w *Takeoff) Descriptor() Descriptor {
	return Descriptor{
		Name:     "takeoff",
		Requires: []string{session.FieldScopeItems},
		Produces: []string{session.FieldTakeoffData},
		SkipIfFresh: func(st *session.AppState) bool {
			return st.FieldPopulated(session.FieldTakeoffData)
		},
		Complexity: func(_ *session.AppState) brain.Hint {
			return brain.HintMedium
		},
	}
}

const takeoffSystem = `You are a construction takeoff estimator.
For each scope item, produce a measured quantity with its unit and the measurement
method. Reference scope items by their "scope_ref" id. State assumptions explicitly.
Reply with ONLY a JSON object:
{"takeoff_data": [{"scope_ref": "<id>", "quantity": <number>, "unit": "<unit>", "method": "<how measured>", "assumptions": ["<assumption>"]}]}`

// Run implements Worker.
func (w *Takeoff) Run(ctx context.Context, st *session.AppState, choice brain.Choice) (*Result, error) {
	prompt := fmt.Sprintf("Scope items:\n%s", renderScopeItems(st.ScopeItems))
	if len(st.ProcessedFiles) > 0 {
		prompt += "\n\nSource documents:\n" + documentDigest(st, promptContentBudget/2)
	}

	var reply struct {
		TakeoffData []session.TakeoffLine `json:"takeoff_data"`
	}
	if err := completeJSON(ctx, w.llm, choice, takeoffSystem, prompt, &reply); err != nil {
		return nil, fmt.Errorf("takeoff: %w", err)
	}

	if len(reply.TakeoffData) == 0 {
		return Recoverable("no takeoff quantities produced", nil), nil
	}

	w.logger.Debug("Takeoff calculated", "lines", len(reply.TakeoffData))
	return OK(Writes{TakeoffData: reply.TakeoffData}), nil
}

// ScopeRef is the stable id for a scope item by position.
func ScopeRef(index int) string {
	return fmt.Sprintf("scope-%d", index+1)
}

// renderScopeItems lists scope items with their scope_ref ids.
func renderScopeItems(items []session.ScopeItem) string {
	type refItem struct {
		ScopeRef string `json:"scope_ref"`
		session.ScopeItem
	}
	refs := make([]refItem, len(items))
	for i, item := range items {
		refs[i] = refItem{ScopeRef: ScopeRef(i), ScopeItem: item}
	}
	data, _ := json.MarshalIndent(refs, "", "  ")
	return string(data)
}

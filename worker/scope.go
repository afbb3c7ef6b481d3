package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/session"
)

// Scope breaks the mapped trades down into discrete units of work.
type Scope struct {
	llm    Completer
	logger *slog.Logger
}

// NewScope creates the scope worker.
func NewScope(completer Completer, logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{llm: completer, logger: logger}
}

// Descriptor implements Worker.
func (w *Scope) Descriptor() Descriptor {
	return Descriptor{
		Name:     "scope",
		Requires: []string{session.FieldProcessedFiles, session.FieldTradeMapping},
		Produces: []string{session.FieldScopeItems},
		SkipIfFresh: func(st *session.AppState) bool {
			return st.FieldPopulated(session.FieldScopeItems)
		},
		Complexity: func(st *session.AppState) brain.Hint {
			pages := 0
			for _, fc := range st.ProcessedFiles {
				pages += len(fc.Pages)
			}
			if pages > 40 {
				return brain.HintHigh
			}
			return brain.HintMedium
		},
	}
}

const scopeSystem = `You are a construction scope analyst.
Given document content and the trades identified in it, enumerate the discrete units of
work (scope items) the documents call for.
Reply with ONLY a JSON object:
{"scope_items": [{"trade": "<trade>", "item": "<short name>", "description": "<what the work is>", "location": "<where, optional>", "spec": "<spec reference, optional>"}]}`

// Run implements Worker.
func (w *Scope) Run(ctx context.Context, st *session.AppState, choice brain.Choice) (*Result, error) {
	trades, _ := json.Marshal(st.TradeMapping)
	prompt := fmt.Sprintf("Identified trades:\n%s\n\nDocuments:\n%s",
		trades, documentDigest(st, promptContentBudget))

	var reply struct {
		ScopeItems []session.ScopeItem `json:"scope_items"`
	}
	if err := completeJSON(ctx, w.llm, choice, scopeSystem, prompt, &reply); err != nil {
		return nil, fmt.Errorf("scope analysis: %w", err)
	}

	if len(reply.ScopeItems) == 0 {
		return Recoverable("no scope items identified", nil), nil
	}

	w.logger.Debug("Scope analyzed", "items", len(reply.ScopeItems))
	return OK(Writes{ScopeItems: reply.ScopeItems}), nil
}

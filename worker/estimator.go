package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/session"
)

// Estimator prices the takeoff. The model proposes unit costs; extended
// amounts, per-trade subtotals, and the grand total are computed here so
// the arithmetic is never hallucinated.
type Estimator struct {
	llm    Completer
	logger *slog.Logger
}

// NewEstimator creates the estimator worker.
func NewEstimator(completer Completer, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{llm: completer, logger: logger}
}

// Descriptor implements Worker.
func (w *Estimator) Descriptor() Descriptor {
	return Descriptor{
		Name:     "estimator",
		Requires: []string{session.FieldTakeoffData},
		Produces: []string{session.FieldEstimate},
		SkipIfFresh: func(st *session.AppState) bool {
			return st.FieldPopulated(session.FieldEstimate)
		},
		Complexity: func(st *session.AppState) brain.Hint {
			if len(st.TakeoffData) > 50 {
				return brain.HintHigh
			}
			return brain.HintMedium
		},
	}
}

const estimatorSystem = `You are a construction cost estimator.
For each takeoff line, propose a realistic unit cost in USD for the quantity's unit.
Reference lines by their "scope_ref" id as "line_ref".
Reply with ONLY a JSON object:
{"estimate_lines": [{"line_ref": "<scope_ref>", "unit_cost": <number>}]}`

// Run implements Worker.
func (w *Estimator) Run(ctx context.Context, st *session.AppState, choice brain.Choice) (*Result, error) {
	takeoff, _ := json.MarshalIndent(st.TakeoffData, "", "  ")
	prompt := fmt.Sprintf("Takeoff lines:\n%s", takeoff)

	var reply struct {
		EstimateLines []struct {
			LineRef  string  `json:"line_ref"`
			UnitCost float64 `json:"unit_cost"`
		} `json:"estimate_lines"`
	}
	if err := completeJSON(ctx, w.llm, choice, estimatorSystem, prompt, &reply); err != nil {
		return nil, fmt.Errorf("estimation: %w", err)
	}

	if len(reply.EstimateLines) == 0 {
		return Recoverable("no estimate lines produced", nil), nil
	}

	quantities := make(map[string]float64, len(st.TakeoffData))
	for _, line := range st.TakeoffData {
		quantities[line.ScopeRef] = line.Quantity
	}

	estimate := &session.Estimate{Subtotals: make(map[string]float64)}
	for _, line := range reply.EstimateLines {
		qty, ok := quantities[line.LineRef]
		if !ok {
			w.logger.Warn("Estimate line references unknown takeoff line", "line_ref", line.LineRef)
			continue
		}
		extended := round2(qty * line.UnitCost)
		estimate.Lines = append(estimate.Lines, session.EstimateLine{
			LineRef:  line.LineRef,
			UnitCost: line.UnitCost,
			Extended: extended,
		})
		estimate.Subtotals[tradeForRef(st, line.LineRef)] += extended
		estimate.Total = round2(estimate.Total + extended)
	}

	if len(estimate.Lines) == 0 {
		return Recoverable("estimate lines did not match takeoff data", nil), nil
	}

	w.logger.Debug("Estimate generated",
		"lines", len(estimate.Lines),
		"total", estimate.Total)
	return OK(Writes{Estimate: estimate}), nil
}

// tradeForRef resolves a scope_ref back to its trade for subtotals.
func tradeForRef(st *session.AppState, ref string) string {
	for i, item := range st.ScopeItems {
		if ScopeRef(i) == ref {
			return item.Trade
		}
	}
	return "general"
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

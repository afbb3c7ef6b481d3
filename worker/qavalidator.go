package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/session"
)

// QAValidator runs deterministic consistency checks over the estimate.
// No LLM involvement: the same estimate always yields the same findings.
type QAValidator struct {
	logger *slog.Logger
}

// NewQAValidator creates the qa-validator worker.
func NewQAValidator(logger *slog.Logger) *QAValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &QAValidator{logger: logger}
}

// Descriptor implements Worker.
func (w *QAValidator) Descriptor() Descriptor {
	return Descriptor{
		Name:     "qa-validator",
		Requires: []string{session.FieldEstimate},
		Produces: []string{session.FieldQAFindings},
		SkipIfFresh: func(st *session.AppState) bool {
			return st.FieldPopulated(session.FieldQAFindings)
		},
		Complexity: func(_ *session.AppState) brain.Hint {
			return brain.HintLow
		},
	}
}

// Run implements Worker.
func (w *QAValidator) Run(ctx context.Context, st *session.AppState, _ brain.Choice) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	findings := validateEstimate(st)
	w.logger.Debug("QA validation complete", "findings", len(findings))
	return OK(Writes{QAFindings: findings}), nil
}

// priceTolerance is the acceptable rounding drift on extended amounts
// and totals, in dollars.
const priceTolerance = 0.01

func validateEstimate(st *session.AppState) []session.QAFinding {
	var findings []session.QAFinding
	est := st.Estimate

	quantities := make(map[string]float64, len(st.TakeoffData))
	for _, line := range st.TakeoffData {
		quantities[line.ScopeRef] = line.Quantity
	}

	var sum float64
	covered := make(map[string]bool, len(est.Lines))
	for _, line := range est.Lines {
		covered[line.LineRef] = true

		if line.UnitCost < 0 {
			findings = append(findings, session.QAFinding{
				Severity: session.SeverityError,
				Message:  fmt.Sprintf("negative unit cost %.2f", line.UnitCost),
				Ref:      line.LineRef,
			})
		}

		qty, ok := quantities[line.LineRef]
		if !ok {
			findings = append(findings, session.QAFinding{
				Severity: session.SeverityError,
				Message:  "estimate line has no matching takeoff line",
				Ref:      line.LineRef,
			})
		} else if math.Abs(qty*line.UnitCost-line.Extended) > priceTolerance {
			findings = append(findings, session.QAFinding{
				Severity: session.SeverityError,
				Message: fmt.Sprintf("extended amount %.2f does not equal quantity %.2f x unit cost %.2f",
					line.Extended, qty, line.UnitCost),
				Ref: line.LineRef,
			})
		}

		sum += line.Extended
	}

	if math.Abs(sum-est.Total) > priceTolerance {
		findings = append(findings, session.QAFinding{
			Severity: session.SeverityError,
			Message:  fmt.Sprintf("total %.2f does not equal sum of lines %.2f", est.Total, sum),
		})
	}

	for _, line := range st.TakeoffData {
		if !covered[line.ScopeRef] {
			findings = append(findings, session.QAFinding{
				Severity: session.SeverityWarn,
				Message:  "takeoff line is not priced in the estimate",
				Ref:      line.ScopeRef,
			})
		}
	}

	if len(findings) == 0 {
		findings = append(findings, session.QAFinding{
			Severity: session.SeverityInfo,
			Message:  fmt.Sprintf("estimate passed validation: %d lines, total %.2f", len(est.Lines), est.Total),
		})
	}

	return findings
}

// HasBlockingFindings reports whether any finding is severe enough to
// stop an export.
func HasBlockingFindings(findings []session.QAFinding) bool {
	for _, f := range findings {
		if f.Severity == session.SeverityError {
			return true
		}
	}
	return false
}

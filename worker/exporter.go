package worker

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/session"
)

// Exporter renders the estimate into downloadable artifacts (CSV and
// JSON). Purely deterministic.
type Exporter struct {
	qaBlocksOnError bool
	logger          *slog.Logger
}

// NewExporter creates the exporter worker. When qaBlocksOnError is set,
// error-severity QA findings make the export fail instead of shipping a
// known-bad estimate.
func NewExporter(qaBlocksOnError bool, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{qaBlocksOnError: qaBlocksOnError, logger: logger}
}

// Descriptor implements Worker.
func (w *Exporter) Descriptor() Descriptor {
	return Descriptor{
		Name:     "exporter",
		Requires: []string{session.FieldEstimate},
		Produces: []string{session.FieldExportArtifacts},
		SkipIfFresh: func(st *session.AppState) bool {
			return st.FieldPopulated(session.FieldExportArtifacts)
		},
		Complexity: func(_ *session.AppState) brain.Hint {
			return brain.HintLow
		},
	}
}

// Run implements Worker.
func (w *Exporter) Run(ctx context.Context, st *session.AppState, _ brain.Choice) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if w.qaBlocksOnError && HasBlockingFindings(st.QAFindings) {
		return Fatal("estimate has blocking QA findings, refusing to export",
			map[string]any{"findings": st.QAFindings}), nil
	}

	csvData, err := renderCSV(st)
	if err != nil {
		return Fatal(fmt.Sprintf("render csv: %v", err), nil), nil
	}

	jsonData, err := json.MarshalIndent(st.Estimate, "", "  ")
	if err != nil {
		return Fatal(fmt.Sprintf("render json: %v", err), nil), nil
	}

	artifacts := map[string]string{
		"estimate.csv":  csvData,
		"estimate.json": string(jsonData),
	}

	w.logger.Debug("Estimate exported", "artifacts", len(artifacts))
	return OK(Writes{ExportArtifacts: artifacts}), nil
}

func renderCSV(st *session.AppState) (string, error) {
	units := make(map[string]session.TakeoffLine, len(st.TakeoffData))
	for _, line := range st.TakeoffData {
		units[line.ScopeRef] = line
	}

	var b strings.Builder
	cw := csv.NewWriter(&b)

	if err := cw.Write([]string{"line_ref", "trade", "quantity", "unit", "unit_cost", "extended"}); err != nil {
		return "", err
	}

	for _, line := range st.Estimate.Lines {
		takeoff := units[line.LineRef]
		record := []string{
			line.LineRef,
			tradeForRef(st, line.LineRef),
			strconv.FormatFloat(takeoff.Quantity, 'f', 2, 64),
			takeoff.Unit,
			strconv.FormatFloat(line.UnitCost, 'f', 2, 64),
			strconv.FormatFloat(line.Extended, 'f', 2, 64),
		}
		if err := cw.Write(record); err != nil {
			return "", err
		}
	}

	if err := cw.Write([]string{"total", "", "", "", "", strconv.FormatFloat(st.Estimate.Total, 'f', 2, 64)}); err != nil {
		return "", err
	}

	cw.Flush()
	return b.String(), cw.Error()
}

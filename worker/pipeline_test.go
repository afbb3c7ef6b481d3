package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/llm"
	"github.com/structhub/buildlens/model"
	"github.com/structhub/buildlens/session"
)

// scriptedCompleter returns canned responses in order.
type scriptedCompleter struct {
	replies []string
	err     error
	calls   []llm.Request
}

func (s *scriptedCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	idx := len(s.calls) - 1
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	return &llm.Response{Content: s.replies[idx], Model: "stub-model"}, nil
}

func processedState() *session.AppState {
	return &session.AppState{
		SessionID: "s-aaaa1111",
		Query:     "estimate this project",
		ProcessedFiles: map[string]session.FileContent{
			"plans.pdf": {Pages: []session.Page{
				{Type: session.PageTypeText, Content: "Section 26: electrical panel schedule. Section 09: gypsum board."},
			}},
		},
	}
}

func TestTradeMapper_Run(t *testing.T) {
	stub := &scriptedCompleter{replies: []string{
		`{"trade_mapping": [
			{"trade": "electrical", "section_ref": "plans.pdf#1", "confidence": 0.9},
			{"trade": "drywall", "section_ref": "plans.pdf#1", "confidence": 0.85}
		]}`,
	}}
	w := NewTradeMapper(stub, nil)

	res, err := w.Run(context.Background(), processedState(), brain.Choice{Tier: model.TierMedium})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	require.Len(t, res.Writes.TradeMapping, 2)
	assert.Equal(t, "electrical", res.Writes.TradeMapping[0].Trade)

	// The prompt carried the document content.
	require.Len(t, stub.calls, 1)
	assert.Contains(t, stub.calls[0].Messages[1].Content, "electrical panel schedule")
	assert.Equal(t, model.TierMedium, stub.calls[0].Tier)
}

func TestTradeMapper_FormatCorrectionRetry(t *testing.T) {
	stub := &scriptedCompleter{replies: []string{
		"Sure! The trades are electrical and drywall.",
		`{"trade_mapping": [{"trade": "electrical", "section_ref": "plans.pdf#1", "confidence": 0.9}]}`,
	}}
	w := NewTradeMapper(stub, nil)

	res, err := w.Run(context.Background(), processedState(), brain.Choice{Tier: model.TierMedium})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	require.Len(t, stub.calls, 2)

	// The correction round carries the bad reply back.
	correction := stub.calls[1].Messages
	assert.Equal(t, "assistant", correction[2].Role)
	assert.Contains(t, correction[3].Content, "ONLY the JSON object")
}

func TestTradeMapper_TransientErrorPropagates(t *testing.T) {
	stub := &scriptedCompleter{err: llm.NewTransientError(fmt.Errorf("rate limited"))}
	w := NewTradeMapper(stub, nil)

	_, err := w.Run(context.Background(), processedState(), brain.Choice{Tier: model.TierMedium})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
}

func TestScope_Run(t *testing.T) {
	stub := &scriptedCompleter{replies: []string{
		`{"scope_items": [
			{"trade": "electrical", "item": "panel install", "description": "install 200A panel", "location": "garage"},
			{"trade": "drywall", "item": "hang and finish", "description": "5/8 type X on interior walls"}
		]}`,
	}}
	w := NewScope(stub, nil)

	st := processedState()
	st.TradeMapping = []session.TradeMapping{{Trade: "electrical", SectionRef: "plans.pdf#1", Confidence: 0.9}}

	res, err := w.Run(context.Background(), st, brain.Choice{Tier: model.TierHigh})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	require.Len(t, res.Writes.ScopeItems, 2)
	assert.Equal(t, "panel install", res.Writes.ScopeItems[0].Item)
}

func TestTakeoff_Run(t *testing.T) {
	stub := &scriptedCompleter{replies: []string{
		`{"takeoff_data": [
			{"scope_ref": "scope-1", "quantity": 1, "unit": "EA", "method": "count", "assumptions": ["single panel"]},
			{"scope_ref": "scope-2", "quantity": 4800, "unit": "SF", "method": "wall area from floor plan"}
		]}`,
	}}
	w := NewTakeoff(stub, nil)

	st := processedState()
	st.ScopeItems = []session.ScopeItem{
		{Trade: "electrical", Item: "panel install"},
		{Trade: "drywall", Item: "hang and finish"},
	}

	res, err := w.Run(context.Background(), st, brain.Choice{Tier: model.TierMedium})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	require.Len(t, res.Writes.TakeoffData, 2)
	assert.Equal(t, 4800.0, res.Writes.TakeoffData[1].Quantity)

	// Scope refs were offered to the model.
	assert.Contains(t, stub.calls[0].Messages[1].Content, "scope-1")
}

func estimableState() *session.AppState {
	return &session.AppState{
		SessionID: "s-aaaa1111",
		ScopeItems: []session.ScopeItem{
			{Trade: "electrical", Item: "panel install"},
			{Trade: "drywall", Item: "hang and finish"},
		},
		TakeoffData: []session.TakeoffLine{
			{ScopeRef: "scope-1", Quantity: 1, Unit: "EA"},
			{ScopeRef: "scope-2", Quantity: 4800, Unit: "SF"},
		},
	}
}

func TestEstimator_ComputesArithmeticLocally(t *testing.T) {
	stub := &scriptedCompleter{replies: []string{
		`{"estimate_lines": [
			{"line_ref": "scope-1", "unit_cost": 2400},
			{"line_ref": "scope-2", "unit_cost": 2.25}
		]}`,
	}}
	w := NewEstimator(stub, nil)

	res, err := w.Run(context.Background(), estimableState(), brain.Choice{Tier: model.TierHigh})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)

	est := res.Writes.Estimate
	require.NotNil(t, est)
	require.Len(t, est.Lines, 2)
	assert.Equal(t, 2400.0, est.Lines[0].Extended)
	assert.Equal(t, 10800.0, est.Lines[1].Extended)
	assert.Equal(t, 13200.0, est.Total)
	assert.Equal(t, 2400.0, est.Subtotals["electrical"])
	assert.Equal(t, 10800.0, est.Subtotals["drywall"])
}

func TestEstimator_DropsUnknownRefs(t *testing.T) {
	stub := &scriptedCompleter{replies: []string{
		`{"estimate_lines": [
			{"line_ref": "scope-1", "unit_cost": 100},
			{"line_ref": "scope-99", "unit_cost": 500}
		]}`,
	}}
	w := NewEstimator(stub, nil)

	res, err := w.Run(context.Background(), estimableState(), brain.Choice{Tier: model.TierHigh})
	require.NoError(t, err)
	require.Len(t, res.Writes.Estimate.Lines, 1)
	assert.Equal(t, 100.0, res.Writes.Estimate.Total)
}

func validatedState() *session.AppState {
	st := estimableState()
	st.Estimate = &session.Estimate{
		Lines: []session.EstimateLine{
			{LineRef: "scope-1", UnitCost: 2400, Extended: 2400},
			{LineRef: "scope-2", UnitCost: 2.25, Extended: 10800},
		},
		Subtotals: map[string]float64{"electrical": 2400, "drywall": 10800},
		Total:     13200,
	}
	return st
}

func TestQAValidator_CleanEstimate(t *testing.T) {
	w := NewQAValidator(nil)

	res, err := w.Run(context.Background(), validatedState(), brain.Choice{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)

	require.Len(t, res.Writes.QAFindings, 1)
	assert.Equal(t, session.SeverityInfo, res.Writes.QAFindings[0].Severity)
	assert.False(t, HasBlockingFindings(res.Writes.QAFindings))
}

func TestQAValidator_FindsArithmeticErrors(t *testing.T) {
	w := NewQAValidator(nil)

	st := validatedState()
	st.Estimate.Lines[1].Extended = 9999 // quantity * unit_cost is 10800
	st.Estimate.Total = 999999

	res, err := w.Run(context.Background(), st, brain.Choice{})
	require.NoError(t, err)

	findings := res.Writes.QAFindings
	assert.True(t, HasBlockingFindings(findings))

	var extended, total bool
	for _, f := range findings {
		if strings.Contains(f.Message, "extended amount") {
			extended = true
		}
		if strings.Contains(f.Message, "does not equal sum") {
			total = true
		}
	}
	assert.True(t, extended)
	assert.True(t, total)
}

func TestQAValidator_WarnsOnUnpricedTakeoff(t *testing.T) {
	w := NewQAValidator(nil)

	st := validatedState()
	st.TakeoffData = append(st.TakeoffData, session.TakeoffLine{ScopeRef: "scope-3", Quantity: 10, Unit: "LF"})

	res, err := w.Run(context.Background(), st, brain.Choice{})
	require.NoError(t, err)

	var warned bool
	for _, f := range res.Writes.QAFindings {
		if f.Severity == session.SeverityWarn && f.Ref == "scope-3" {
			warned = true
		}
	}
	assert.True(t, warned)
	assert.False(t, HasBlockingFindings(res.Writes.QAFindings))
}

func TestExporter_ProducesArtifacts(t *testing.T) {
	w := NewExporter(true, nil)

	res, err := w.Run(context.Background(), validatedState(), brain.Choice{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)

	csvData := res.Writes.ExportArtifacts["estimate.csv"]
	assert.Contains(t, csvData, "line_ref,trade,quantity,unit,unit_cost,extended")
	assert.Contains(t, csvData, "scope-2,drywall,4800.00,SF,2.25,10800.00")
	assert.Contains(t, csvData, "total,,,,,13200.00")

	assert.Contains(t, res.Writes.ExportArtifacts["estimate.json"], `"total": 13200`)
}

func TestExporter_BlocksOnQAErrors(t *testing.T) {
	st := validatedState()
	st.QAFindings = []session.QAFinding{{Severity: session.SeverityError, Message: "total mismatch"}}

	w := NewExporter(true, nil)
	res, err := w.Run(context.Background(), st, brain.Choice{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFatalError, res.Outcome)

	// With blocking disabled the export proceeds.
	w = NewExporter(false, nil)
	res, err = w.Run(context.Background(), st, brain.Choice{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
}

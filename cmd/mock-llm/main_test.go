package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completions(t *testing.T, s *server, system, user string) string {
	t.Helper()
	body, err := json.Marshal(chatRequest{
		Model: "mock",
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleChatCompletions(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	return resp.Choices[0].Message.Content
}

func TestTradeMappingRoute(t *testing.T) {
	s := newServer()
	content := completions(t, s,
		"You map construction documents to trades.",
		"=== plans.pdf ===\n--- page 1 (text) ---\npanel schedule and duct runs\n")

	var reply struct {
		TradeMapping []struct {
			Trade      string  `json:"trade"`
			SectionRef string  `json:"section_ref"`
			Confidence float64 `json:"confidence"`
		} `json:"trade_mapping"`
	}
	require.NoError(t, json.Unmarshal([]byte(content), &reply))
	require.Len(t, reply.TradeMapping, 2)
	assert.Equal(t, "electrical", reply.TradeMapping[0].Trade)
	assert.Equal(t, "hvac", reply.TradeMapping[1].Trade)
	assert.Equal(t, "plans.pdf#1", reply.TradeMapping[0].SectionRef)
}

func TestScopeRoute(t *testing.T) {
	s := newServer()
	content := completions(t, s,
		"You are a construction scope analyst.",
		`Identified trades: [{"trade":"electrical"}]`)

	var reply struct {
		ScopeItems []struct {
			Trade string `json:"trade"`
			Item  string `json:"item"`
		} `json:"scope_items"`
	}
	require.NoError(t, json.Unmarshal([]byte(content), &reply))
	require.Len(t, reply.ScopeItems, 2)
	assert.Equal(t, "electrical", reply.ScopeItems[0].Trade)
}

func TestTakeoffAndEstimateRoutes(t *testing.T) {
	s := newServer()
	prompt := "Scope items:\nscope-1 electrical rough-in\nscope-2 electrical finish\n"

	takeoff := completions(t, s, "You are a construction takeoff estimator.", prompt)
	var takeoffReply struct {
		TakeoffData []struct {
			ScopeRef string  `json:"scope_ref"`
			Quantity float64 `json:"quantity"`
			Unit     string  `json:"unit"`
		} `json:"takeoff_data"`
	}
	require.NoError(t, json.Unmarshal([]byte(takeoff), &takeoffReply))
	require.Len(t, takeoffReply.TakeoffData, 2)
	assert.Equal(t, "scope-1", takeoffReply.TakeoffData[0].ScopeRef)
	assert.Positive(t, takeoffReply.TakeoffData[0].Quantity)

	estimate := completions(t, s, "You are a construction cost estimator.", prompt)
	var estimateReply struct {
		EstimateLines []struct {
			LineRef  string  `json:"line_ref"`
			UnitCost float64 `json:"unit_cost"`
		} `json:"estimate_lines"`
	}
	require.NoError(t, json.Unmarshal([]byte(estimate), &estimateReply))
	require.Len(t, estimateReply.EstimateLines, 2)
	assert.Equal(t, "scope-2", estimateReply.EstimateLines[1].LineRef)
}

func TestIntentRoute(t *testing.T) {
	s := newServer()

	content := completions(t, s,
		"You classify requests sent to a construction-document analysis service.",
		"please export my estimate")
	var verdict struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal([]byte(content), &verdict))
	assert.Equal(t, "export_existing", verdict.Intent)
	assert.InDelta(t, 0.9, verdict.Confidence, 0.001)

	content = completions(t, s,
		"You classify requests sent to a construction-document analysis service.",
		"https://docs.google.com/spreadsheets/d/abc123")
	require.NoError(t, json.Unmarshal([]byte(content), &verdict))
	assert.Equal(t, "spreadsheet_integration", verdict.Intent)
}

func TestStats(t *testing.T) {
	s := newServer()
	completions(t, s, "You map construction documents to trades.", "panel")
	completions(t, s, "You map construction documents to trades.", "duct")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.handleStats(rec, req)

	var stats struct {
		TotalCalls   int64            `json:"total_calls"`
		CallsByRoute map[string]int64 `json:"calls_by_route"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.TotalCalls)
	assert.Equal(t, int64(2), stats.CallsByRoute["trade-mapping"])
}

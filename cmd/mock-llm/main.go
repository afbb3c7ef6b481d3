// Package main implements a mock LLM server for buildlens development
// and wiring tests. It serves OpenAI-compatible /v1/chat/completions
// responses, routing on the system prompt to synthesize replies that
// parse against each worker's JSON schema: trade mapping, scope items,
// takeoff lines, estimate lines, and intent verdicts. This removes the
// need for a real model while exercising the full pipeline, making runs
// fast, deterministic, and offline-capable.
//
// Usage:
//
//	mock-llm -port 11434
//
// Point model.endpoint at it with provider "openai" and any tier chain.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type server struct {
	calls atomic.Int64

	// Per-route call counters for test assertions via /stats.
	routeCalls   map[string]*atomic.Int64
	routeCallsMu sync.Mutex
}

func newServer() *server {
	return &server{routeCalls: make(map[string]*atomic.Int64)}
}

func main() {
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	s := newServer()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock LLM server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	system, user := splitMessages(req.Messages)
	route, content := synthesize(system, user)
	s.count(route)

	callNum := s.calls.Add(1)
	log.Printf("[call %d] model=%s route=%s messages=%d", callNum, req.Model, route, len(req.Messages))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(user) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(user) + len(content)) / 4,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleStats returns per-route call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.routeCallsMu.Lock()
	callsByRoute := make(map[string]int64, len(s.routeCalls))
	for route, counter := range s.routeCalls {
		callsByRoute[route] = counter.Load()
	}
	s.routeCallsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_route": callsByRoute,
	})
}

func (s *server) count(route string) {
	s.routeCallsMu.Lock()
	counter, ok := s.routeCalls[route]
	if !ok {
		counter = &atomic.Int64{}
		s.routeCalls[route] = counter
	}
	s.routeCallsMu.Unlock()
	counter.Add(1)
}

func splitMessages(messages []chatMessage) (system, user string) {
	for _, m := range messages {
		switch m.Role {
		case "system":
			system += m.Content
		case "user":
			user += m.Content
		}
	}
	return system, user
}

// synthesize picks a reply by the system prompt's role line and builds
// JSON the corresponding worker can unmarshal.
func synthesize(system, user string) (route, content string) {
	lower := strings.ToLower(system)
	switch {
	case strings.Contains(lower, "classify requests"):
		return "intent", intentReply(user)
	case strings.Contains(lower, "map construction documents"):
		return "trade-mapping", tradeMappingReply(user)
	case strings.Contains(lower, "scope analyst"):
		return "scope", scopeReply(user)
	case strings.Contains(lower, "takeoff"):
		return "takeoff", takeoffReply(user)
	case strings.Contains(lower, "cost estimator"):
		return "estimate", estimateReply(user)
	default:
		return "unknown", `{"ok": true}`
	}
}

func intentReply(user string) string {
	lower := strings.ToLower(user)
	intent := "full_estimation"
	switch {
	case strings.Contains(lower, "docs.google.com/spreadsheets"):
		intent = "spreadsheet_integration"
	case strings.Contains(lower, "export"):
		intent = "export_existing"
	case strings.Contains(lower, "what") || strings.Contains(lower, "?"):
		intent = "data_analysis"
	}
	return fmt.Sprintf(`{"intent": %q, "confidence": 0.9, "reasoning": "mock classification"}`, intent)
}

// knownTrades maps document keywords to the trade they indicate.
var knownTrades = map[string]string{
	"panel":      "electrical",
	"conduit":    "electrical",
	"breaker":    "electrical",
	"pipe":       "plumbing",
	"fixture":    "plumbing",
	"duct":       "hvac",
	"diffuser":   "hvac",
	"footing":    "concrete",
	"slab":       "concrete",
	"stud":       "framing",
	"drywall":    "drywall",
	"roof":       "roofing",
	"insulation": "insulation",
}

func tradeMappingReply(user string) string {
	lower := strings.ToLower(user)
	seen := make(map[string]bool)
	for keyword, trade := range knownTrades {
		if strings.Contains(lower, keyword) {
			seen[trade] = true
		}
	}
	if len(seen) == 0 {
		seen["general"] = true
	}

	trades := make([]string, 0, len(seen))
	for trade := range seen {
		trades = append(trades, trade)
	}
	sort.Strings(trades)

	section := firstFileRef(user)
	entries := make([]map[string]any, 0, len(trades))
	for _, trade := range trades {
		entries = append(entries, map[string]any{
			"trade":       trade,
			"section_ref": section,
			"confidence":  0.85,
		})
	}
	return mustJSON(map[string]any{"trade_mapping": entries})
}

func scopeReply(user string) string {
	trades := tradesFromPrompt(user)
	items := make([]map[string]any, 0, len(trades)*2)
	for _, trade := range trades {
		items = append(items,
			map[string]any{
				"trade":       trade,
				"item":        trade + " rough-in",
				"description": "Rough-in work for " + trade,
				"location":    "per plans",
			},
			map[string]any{
				"trade":       trade,
				"item":        trade + " finish",
				"description": "Finish work for " + trade,
				"location":    "per plans",
			})
	}
	return mustJSON(map[string]any{"scope_items": items})
}

func takeoffReply(user string) string {
	refs := scopeRefs(user)
	lines := make([]map[string]any, 0, len(refs))
	for i, ref := range refs {
		lines = append(lines, map[string]any{
			"scope_ref":   ref,
			"quantity":    float64(100 + 10*i),
			"unit":        "SF",
			"method":      "plan measurement",
			"assumptions": []string{"standard ceiling height"},
		})
	}
	return mustJSON(map[string]any{"takeoff_data": lines})
}

func estimateReply(user string) string {
	refs := scopeRefs(user)
	lines := make([]map[string]any, 0, len(refs))
	for i, ref := range refs {
		lines = append(lines, map[string]any{
			"line_ref":  ref,
			"unit_cost": 12.5 + float64(i),
		})
	}
	return mustJSON(map[string]any{"estimate_lines": lines})
}

var scopeRefRe = regexp.MustCompile(`scope-\d+`)

// scopeRefs extracts the scope item ids referenced in a prompt,
// de-duplicated in first-seen order.
func scopeRefs(user string) []string {
	matches := scopeRefRe.FindAllString(user, -1)
	seen := make(map[string]bool, len(matches))
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		refs = append(refs, m)
	}
	if len(refs) == 0 {
		refs = append(refs, "scope-1")
	}
	return refs
}

var fileHeaderRe = regexp.MustCompile(`=== (\S+) ===`)

func firstFileRef(user string) string {
	if m := fileHeaderRe.FindStringSubmatch(user); m != nil {
		return m[1] + "#1"
	}
	return "document#1"
}

// tradesFromPrompt pulls trade names out of the scope worker's
// "Identified trades" JSON preamble.
func tradesFromPrompt(user string) []string {
	var seen []string
	have := make(map[string]bool)
	for _, trade := range knownTrades {
		if have[trade] {
			continue
		}
		if strings.Contains(user, fmt.Sprintf("%q", trade)) || strings.Contains(user, trade) {
			have[trade] = true
			seen = append(seen, trade)
		}
	}
	if strings.Contains(user, "general") {
		if !have["general"] {
			seen = append(seen, "general")
		}
	}
	if len(seen) == 0 {
		seen = append(seen, "general")
	}
	sort.Strings(seen)
	return seen
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"ok": false}`
	}
	return string(data)
}

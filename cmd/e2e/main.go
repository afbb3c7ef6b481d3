// Package main provides the buildlens e2e smoke runner. It drives a
// running buildlens instance over its HTTP API: creates sessions, waits
// for pipelines to finish, follows the SSE stream, and checks the
// resulting state. Run it against a server backed by mock-llm for a
// deterministic offline check of the full wiring.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		baseURL       string
		outputJSON    bool
		globalTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "e2e [scenario]",
		Short: "Run buildlens e2e smoke tests",
		Long: `Run end-to-end smoke tests against a running buildlens server.

Available scenarios:
  full-estimation  Upload a document and drive the pipeline to an estimate
  export-followup  Follow up on a completed session with an export request
  event-stream     Watch the SSE stream while a pipeline runs
  all              Run all scenarios (default)

Examples:
  e2e                               # Run all scenarios
  e2e full-estimation               # Run one scenario
  e2e --base-url http://host:8080   # Custom server address
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "all"
			if len(args) > 0 {
				name = args[0]
			}
			return run(name, baseURL, outputJSON, globalTimeout)
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "Buildlens server URL")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	cmd.Flags().DurationVar(&globalTimeout, "global-timeout", 10*time.Minute, "Global timeout for all scenarios")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available scenarios",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available scenarios:")
			fmt.Println()
			for _, s := range allScenarios() {
				fmt.Printf("  %-16s %s\n", s.name, s.description)
			}
			fmt.Println()
			fmt.Println("Use 'e2e all' to run all scenarios.")
		},
	})

	return cmd
}

type scenario struct {
	name        string
	description string
	run         func(ctx context.Context, c *client) error
}

type result struct {
	Scenario string        `json:"scenario"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

func allScenarios() []scenario {
	return []scenario{
		{
			name:        "full-estimation",
			description: "Upload a document and drive the pipeline to an estimate",
			run:         runFullEstimation,
		},
		{
			name:        "export-followup",
			description: "Follow up on a completed session with an export request",
			run:         runExportFollowup,
		},
		{
			name:        "event-stream",
			description: "Watch the SSE stream while a pipeline runs",
			run:         runEventStream,
		},
	}
}

func run(name, baseURL string, outputJSON bool, globalTimeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), globalTimeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var toRun []scenario
	if name == "all" {
		toRun = allScenarios()
	} else {
		for _, s := range allScenarios() {
			if s.name == name {
				toRun = []scenario{s}
			}
		}
		if len(toRun) == 0 {
			return fmt.Errorf("unknown scenario: %s", name)
		}
	}

	c := &client{baseURL: strings.TrimSuffix(baseURL, "/"), http: &http.Client{}}

	results := make([]result, 0, len(toRun))
	allPassed := true
	for _, s := range toRun {
		if ctx.Err() != nil {
			break
		}
		if !outputJSON {
			fmt.Printf("Running %s... ", s.name)
		}
		start := time.Now()
		err := s.run(ctx, c)
		r := result{Scenario: s.name, Success: err == nil, Duration: time.Since(start)}
		if err != nil {
			r.Error = err.Error()
			allPassed = false
			if !outputJSON {
				fmt.Printf("FAILED: %v\n", err)
			}
		} else if !outputJSON {
			fmt.Printf("PASSED (%dms)\n", r.Duration.Milliseconds())
		}
		results = append(results, r)
	}

	if outputJSON {
		data, err := json.MarshalIndent(map[string]any{
			"timestamp": time.Now(),
			"results":   results,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}

	if !allPassed {
		return fmt.Errorf("some scenarios failed")
	}
	return nil
}

// client is a thin wrapper over the buildlens HTTP API.
type client struct {
	baseURL string
	http    *http.Client
}

// sessionState mirrors the fields these scenarios assert on.
type sessionState struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Intent    struct {
		Tag string `json:"tag"`
	} `json:"intent"`
	Estimate *struct {
		Total float64 `json:"total"`
	} `json:"estimate"`
	ExportArtifacts map[string]string `json:"export_artifacts"`
	Error           *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *client) createSession(ctx context.Context, query, fileName, fileBody string) (*sessionState, error) {
	payload := map[string]any{
		"query": query,
	}
	if fileName != "" {
		payload["files"] = []map[string]any{{
			"name": fileName,
			"mime": "text/plain",
			"data": []byte(fileBody),
			"size": len(fileBody),
		}}
	}
	return c.postState(ctx, "/sessions", payload, http.StatusCreated)
}

func (c *client) sendMessage(ctx context.Context, sessionID, text string) error {
	_, err := c.postState(ctx, "/sessions/"+sessionID+"/messages",
		map[string]any{"text": text}, http.StatusAccepted)
	return err
}

func (c *client) postState(ctx context.Context, path string, payload any, wantStatus int) (*sessionState, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var st sessionState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return &st, nil
}

func (c *client) getSession(ctx context.Context, sessionID string) (*sessionState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET session: status %d", resp.StatusCode)
	}
	var st sessionState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// waitTerminal polls until the session reaches complete or failed.
func (c *client) waitTerminal(ctx context.Context, sessionID string) (*sessionState, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for session %s", sessionID)
		case <-ticker.C:
			st, err := c.getSession(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			switch st.Status {
			case "complete", "failed":
				return st, nil
			}
		}
	}
}

const samplePlan = `ELECTRICAL PLAN - BUILDING A
Panel schedule: 42-circuit panel, main breaker 200A.
Conduit runs on levels 1-3 per drawing E-101.
HVAC: rooftop unit with duct distribution to all floors.`

func runFullEstimation(ctx context.Context, c *client) error {
	st, err := c.createSession(ctx, "Please estimate these plans", "plans.txt", samplePlan)
	if err != nil {
		return err
	}

	final, err := c.waitTerminal(ctx, st.SessionID)
	if err != nil {
		return err
	}
	if final.Status != "complete" {
		if final.Error != nil {
			return fmt.Errorf("session failed: %s: %s", final.Error.Kind, final.Error.Message)
		}
		return fmt.Errorf("session ended %s", final.Status)
	}
	if final.Estimate == nil || final.Estimate.Total <= 0 {
		return fmt.Errorf("no priced estimate produced")
	}
	if len(final.ExportArtifacts) == 0 {
		return fmt.Errorf("no export artifacts produced")
	}
	return nil
}

func runExportFollowup(ctx context.Context, c *client) error {
	st, err := c.createSession(ctx, "Please estimate these plans", "plans.txt", samplePlan)
	if err != nil {
		return err
	}
	if _, err := c.waitTerminal(ctx, st.SessionID); err != nil {
		return err
	}

	if err := c.sendMessage(ctx, st.SessionID, "export the estimate to csv"); err != nil {
		return err
	}
	final, err := c.waitTerminal(ctx, st.SessionID)
	if err != nil {
		return err
	}
	if final.Status != "complete" {
		return fmt.Errorf("follow-up ended %s", final.Status)
	}
	if final.Intent.Tag != "export_existing" {
		return fmt.Errorf("expected export_existing intent, got %s", final.Intent.Tag)
	}
	return nil
}

func runEventStream(ctx context.Context, c *client) error {
	st, err := c.createSession(ctx, "Please estimate these plans", "plans.txt", samplePlan)
	if err != nil {
		return err
	}

	// Bound the stream read; if the run finished before the stream
	// attached the completion frame never arrives.
	sseCtx, sseCancel := context.WithTimeout(ctx, 30*time.Second)
	defer sseCancel()

	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet,
		c.baseURL+"/sessions/"+st.SessionID+"/events", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("SSE subscribe: status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	frames := 0
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event: ") {
			frames++
		}
		if strings.Contains(line, `"workflow_completed"`) {
			return nil
		}
	}

	final, err := c.getSession(ctx, st.SessionID)
	if err != nil {
		return err
	}
	if final.Status != "complete" {
		return fmt.Errorf("stream closed after %d frames with session %s", frames, final.Status)
	}
	return nil
}

package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/structhub/buildlens/llm"
	"github.com/structhub/buildlens/model"
	"github.com/structhub/buildlens/session"
)

// PatternThreshold is the confidence a pattern rule needs to end
// classification without consulting the LLM.
const PatternThreshold = 0.9

// DefaultConfidenceFloor is the minimum LLM confidence accepted before
// falling back to the structural default.
const DefaultConfidenceFloor = 0.5

// Completer is the LLM surface the classifier needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Classifier resolves a user turn to one tag from the closed intent set.
type Classifier struct {
	llm    Completer
	rules  []Rule
	floor  float64
	logger *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRules replaces the default pattern rules.
func WithRules(rules []Rule) Option {
	return func(c *Classifier) {
		c.rules = rules
	}
}

// WithConfidenceFloor sets the minimum accepted LLM confidence.
func WithConfidenceFloor(floor float64) Option {
	return func(c *Classifier) {
		if floor > 0 {
			c.floor = floor
		}
	}
}

// WithLogger sets the classifier's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClassifier creates a classifier. A nil completer disables the LLM
// pass; pattern rules and the structural default still apply.
func NewClassifier(completer Completer, opts ...Option) *Classifier {
	c := &Classifier{
		llm:    completer,
		rules:  DefaultRules(),
		floor:  DefaultConfidenceFloor,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify runs the three passes. It always returns an intent from the
// closed set; LLM failures degrade to the structural default rather
// than erroring.
func (c *Classifier) Classify(ctx context.Context, in Input) session.Intent {
	if match, rule := matchRules(c.rules, in, PatternThreshold); match != nil {
		c.logger.Debug("Intent matched by pattern", "rule", rule, "tag", match.Tag)
		return *match
	}

	if c.llm != nil {
		if intent, err := c.classifyLLM(ctx, in); err != nil {
			c.logger.Warn("LLM intent pass failed, using default", "error", err)
		} else if intent.Confidence < c.floor {
			c.logger.Debug("LLM intent below confidence floor, using default",
				"tag", intent.Tag,
				"confidence", intent.Confidence,
				"floor", c.floor)
		} else {
			return intent
		}
	}

	return c.structuralDefault(in)
}

// llmVerdict is the JSON shape the LLM pass asks for.
type llmVerdict struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

const classifySystemPrompt = `You classify requests sent to a construction-document analysis service.
Reply with a single JSON object: {"intent": "<tag>", "confidence": <0..1>, "reasoning": "<short>"}.
The intent MUST be exactly one of:
full_estimation, quick_estimate, file_analysis, export_existing, update_estimate, data_analysis, spreadsheet_integration, no_action.`

func (c *Classifier) classifyLLM(ctx context.Context, in Input) (session.Intent, error) {
	resp, err := c.llm.Complete(ctx, llm.Request{
		Tier: model.TierLow,
		Messages: []llm.Message{
			{Role: "system", Content: classifySystemPrompt},
			{Role: "user", Content: buildPrompt(in)},
		},
	})
	if err != nil {
		return session.Intent{}, fmt.Errorf("intent completion: %w", err)
	}

	raw := llm.ExtractJSON(resp.Content)

	var verdict llmVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return session.Intent{}, fmt.Errorf("parse intent json: %w", err)
	}

	if !ValidTag(verdict.Intent) {
		return session.Intent{}, fmt.Errorf("intent %q is outside the closed set", verdict.Intent)
	}

	return session.Intent{
		Tag:        verdict.Intent,
		Confidence: verdict.Confidence,
		Metadata: map[string]string{
			"classifier": "llm",
			"model":      resp.Model,
			"reasoning":  verdict.Reasoning,
		},
	}, nil
}

// buildPrompt summarizes the turn for the LLM pass.
func buildPrompt(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Query: %s\n", in.Query)

	if len(in.Files) > 0 {
		b.WriteString("Attached files:\n")
		for _, f := range in.Files {
			fmt.Fprintf(&b, "- %s (%s, %d bytes)\n", f.Name, f.Mime, f.Size)
		}
	} else {
		b.WriteString("Attached files: none\n")
	}

	b.WriteString("Already populated: ")
	var populated []string
	for _, field := range []string{
		session.FieldFiles, session.FieldProcessedFiles, session.FieldTradeMapping,
		session.FieldScopeItems, session.FieldTakeoffData, session.FieldEstimate,
		session.FieldQAFindings, session.FieldExportArtifacts,
	} {
		if in.Populated[field] {
			populated = append(populated, field)
		}
	}
	if len(populated) == 0 {
		b.WriteString("nothing")
	} else {
		b.WriteString(strings.Join(populated, ", "))
	}
	b.WriteString("\n")

	return b.String()
}

// structuralDefault is the last-resort heuristic when neither patterns
// nor the LLM settle the intent.
func (c *Classifier) structuralDefault(in Input) session.Intent {
	tag := TagNoAction
	switch {
	case in.HasFiles():
		tag = TagFullEstimation
	case in.HasEstimate():
		tag = TagExportExisting
	}
	return session.Intent{
		Tag:        tag,
		Confidence: 0.5,
		Metadata:   map[string]string{"classifier": "default"},
	}
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/session"
)

// promptContentBudget caps how much extracted document text one prompt
// carries. Oversized content is truncated per file, not dropped.
const promptContentBudget = 24000

// TradeMapper identifies which construction trades appear in the
// processed documents and where.
type TradeMapper struct {
	llm    Completer
	logger *slog.Logger
}

// NewTradeMapper creates the trade-mapper worker.
func NewTradeMapper(completer Completer, logger *slog.Logger) *TradeMapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradeMapper{llm: completer, logger: logger}
}

// Descriptor implements Worker.
func (w *TradeMapper) Descriptor() Descriptor {
	return Descriptor{
		Name:     "trade-mapper",
		Requires: []string{session.FieldProcessedFiles},
		Produces: []string{session.FieldTradeMapping},
		SkipIfFresh: func(st *session.AppState) bool {
			return st.FieldPopulated(session.FieldTradeMapping)
		},
		Complexity: func(_ *session.AppState) brain.Hint {
			return brain.HintMedium
		},
	}
}

const tradeMapperSystem = `You map construction documents to trades.
Given extracted document content, identify every construction trade involved and the
document section it appears in.
Reply with ONLY a JSON object:
{"trade_mapping": [{"trade": "<trade name>", "section_ref": "<file>#<page>", "confidence": <0..1>}]}`

// Run implements Worker.
func (w *TradeMapper) Run(ctx context.Context, st *session.AppState, choice brain.Choice) (*Result, error) {
	var reply struct {
		TradeMapping []session.TradeMapping `json:"trade_mapping"`
	}

	prompt := documentDigest(st, promptContentBudget)
	if err := completeJSON(ctx, w.llm, choice, tradeMapperSystem, prompt, &reply); err != nil {
		return nil, fmt.Errorf("trade mapping: %w", err)
	}

	if len(reply.TradeMapping) == 0 {
		return Recoverable("no trades identified in documents", nil), nil
	}

	w.logger.Debug("Trades mapped", "count", len(reply.TradeMapping))
	return OK(Writes{TradeMapping: reply.TradeMapping}), nil
}

// documentDigest renders processed content for a prompt, truncating each
// file to keep the total under budget.
func documentDigest(st *session.AppState, budget int) string {
	var b strings.Builder
	perFile := budget
	if len(st.ProcessedFiles) > 0 {
		perFile = budget / len(st.ProcessedFiles)
	}

	for _, name := range sortedFileNames(st.ProcessedFiles) {
		fc := st.ProcessedFiles[name]
		fmt.Fprintf(&b, "=== %s ===\n", name)
		remaining := perFile
		for i, page := range fc.Pages {
			if remaining <= 0 {
				b.WriteString("[truncated]\n")
				break
			}
			content := page.Content
			if len(content) > remaining {
				content = content[:remaining]
			}
			remaining -= len(content)
			fmt.Fprintf(&b, "--- page %d (%s) ---\n%s\n", i+1, page.Type, content)
		}
	}

	return b.String()
}

func sortedFileNames(files map[string]session.FileContent) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	// Deterministic prompt construction keeps dispatches reproducible.
	sort.Strings(names)
	return names
}

// Package brain decides which model tier each worker step runs on.
//
// Allocation is table-driven: a base tier from the worker's complexity
// hint, adjusted by document characteristics and the user's intent, then
// clamped by any configured per-worker override. Identical inputs always
// produce the identical choice.
package brain

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/structhub/buildlens/model"
	"github.com/structhub/buildlens/session"
)

// Choice is the allocation result for one worker step.
type Choice struct {
	Tier                 model.Tier `json:"tier"`
	Model                string     `json:"model"`
	Rationale            string     `json:"rationale"`
	ComplexityAssessment string     `json:"complexity_assessment"`
	ContextWindow        int        `json:"context_window"`
	Factors              []string   `json:"factors"`
}

// Hint is a worker's coarse complexity label for the current state.
type Hint string

const (
	HintLow    Hint = "low"
	HintMedium Hint = "medium"
	HintHigh   Hint = "high"
)

// largeDocumentPages is the page count past which a step is treated as
// a large-context problem.
const largeDocumentPages = 100

// Allocator maps worker steps to model tiers.
type Allocator struct {
	models    *model.Registry
	overrides map[string]model.Tier
	logger    *slog.Logger
}

// NewAllocator creates an allocator. overrides forces specific workers
// onto a tier regardless of the computed choice (config
// brain_tier_overrides).
func NewAllocator(models *model.Registry, overrides map[string]model.Tier, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		models:    models,
		overrides: overrides,
		logger:    logger,
	}
}

// Allocate chooses a tier for one worker step. The decision depends
// only on the arguments and the allocator's immutable configuration.
func (a *Allocator) Allocate(workerName string, hint Hint, intentTag string, st *session.AppState) Choice {
	factors := []string{fmt.Sprintf("complexity_hint:%s", hint)}
	tier := tierForHint(hint)

	if hasVisualContent(st) && visualSensitive(workerName) {
		if tier == model.TierLow {
			tier = model.TierMedium
		}
		factors = append(factors, "visual_content")
	}

	if pages := totalPages(st); pages > largeDocumentPages {
		tier = bump(tier)
		factors = append(factors, fmt.Sprintf("large_document:%d_pages", pages))
	}

	// Quick estimates trade accuracy for speed.
	if intentTag == "quick_estimate" && tier == model.TierHigh {
		tier = model.TierMedium
		factors = append(factors, "intent_weight:quick_estimate")
	}

	if forced, ok := a.overrides[workerName]; ok {
		tier = forced
		factors = append(factors, fmt.Sprintf("override:%s", forced))
	}

	modelName := ""
	if chain := a.models.GetFallbackChain(tier); len(chain) > 0 {
		modelName = chain[0]
	}

	choice := Choice{
		Tier:                 tier,
		Model:                modelName,
		Rationale:            rationale(workerName, tier, factors),
		ComplexityAssessment: string(hint),
		ContextWindow:        a.models.ContextWindow(tier),
		Factors:              factors,
	}

	a.logger.Debug("Brain allocated",
		"worker", workerName,
		"tier", tier,
		"model", modelName,
		"factors", factors)

	return choice
}

func tierForHint(hint Hint) model.Tier {
	switch hint {
	case HintHigh:
		return model.TierHigh
	case HintMedium:
		return model.TierMedium
	default:
		return model.TierLow
	}
}

func bump(t model.Tier) model.Tier {
	switch t {
	case model.TierLow:
		return model.TierMedium
	default:
		return model.TierHigh
	}
}

// visualSensitive workers read raw document content and benefit from a
// stronger model when scans or images are involved.
func visualSensitive(workerName string) bool {
	switch workerName {
	case "file-reader", "trade-mapper", "scope":
		return true
	}
	return false
}

// hasVisualContent reports whether intake or processed content includes
// images or scanned pages.
func hasVisualContent(st *session.AppState) bool {
	if st == nil {
		return false
	}
	for _, f := range st.Files {
		if strings.HasPrefix(f.Mime, "image/") {
			return true
		}
	}
	for _, fc := range st.ProcessedFiles {
		for _, p := range fc.Pages {
			if p.Type == session.PageTypeImageOCR {
				return true
			}
		}
	}
	return false
}

func totalPages(st *session.AppState) int {
	if st == nil {
		return 0
	}
	n := 0
	for _, fc := range st.ProcessedFiles {
		n += len(fc.Pages)
	}
	return n
}

func rationale(workerName string, tier model.Tier, factors []string) string {
	return fmt.Sprintf("%s on %s tier (%s)", workerName, tier, strings.Join(factors, ", "))
}

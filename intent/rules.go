package intent

import (
	"regexp"
	"strings"

	"github.com/structhub/buildlens/session"
)

// Rule is one deterministic classification pattern. Rules are evaluated
// in declaration order; the first match wins.
type Rule struct {
	Name       string
	Tag        string
	Confidence float64
	Match      func(in Input) bool
}

var (
	spreadsheetURL = regexp.MustCompile(`https?://(docs\.google\.com/spreadsheets|sheets\.googleapis\.com|[^\s]+\.sharepoint\.com/[^\s]*\.xlsx?)`)
	quickWords     = regexp.MustCompile(`\b(quick|rough|ballpark|back[- ]of[- ]the[- ]envelope)\b`)
	exportWords    = regexp.MustCompile(`\b(export|download|send|excel|csv|xlsx)\b`)
	updateWords    = regexp.MustCompile(`\b(update|revise|adjust|change|redo|fix)\b`)
	analyzeWords   = regexp.MustCompile(`\b(analy[sz]e|review|summari[sz]e|read|what'?s in|look at)\b`)
	estimateWords  = regexp.MustCompile(`\b(estimate|estimation|bid|quote|pricing|price|takeoff|cost)\b`)
	dataWords      = regexp.MustCompile(`\b(trades?|scope|breakdown|categor(y|ies|ize))\b`)
	greetingWords  = regexp.MustCompile(`^\s*(hi|hello|hey|thanks|thank you|ok|okay)\s*[.!]?\s*$`)
)

// DefaultRules is the ordered pattern pass. Every rule here carries
// confidence at or above the pattern threshold of 0.9 so a match ends
// classification immediately.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "spreadsheet-url",
			Tag:        TagSpreadsheetIntegration,
			Confidence: 0.95,
			Match: func(in Input) bool {
				return spreadsheetURL.MatchString(in.Query)
			},
		},
		{
			Name:       "greeting-only",
			Tag:        TagNoAction,
			Confidence: 0.95,
			Match: func(in Input) bool {
				return greetingWords.MatchString(strings.ToLower(in.Query)) && !in.HasFiles()
			},
		},
		{
			Name:       "export-existing-estimate",
			Tag:        TagExportExisting,
			Confidence: 0.92,
			Match: func(in Input) bool {
				q := strings.ToLower(in.Query)
				return exportWords.MatchString(q) && in.HasEstimate() && !updateWords.MatchString(q)
			},
		},
		{
			Name:       "update-existing-estimate",
			Tag:        TagUpdateEstimate,
			Confidence: 0.9,
			Match: func(in Input) bool {
				q := strings.ToLower(in.Query)
				return updateWords.MatchString(q) && estimateWords.MatchString(q) && in.HasEstimate()
			},
		},
		{
			Name:       "quick-estimate",
			Tag:        TagQuickEstimate,
			Confidence: 0.9,
			Match: func(in Input) bool {
				q := strings.ToLower(in.Query)
				return quickWords.MatchString(q) && estimateWords.MatchString(q)
			},
		},
		{
			Name:       "full-estimation",
			Tag:        TagFullEstimation,
			Confidence: 0.9,
			Match: func(in Input) bool {
				q := strings.ToLower(in.Query)
				return estimateWords.MatchString(q) && in.HasFiles()
			},
		},
		{
			Name:       "data-analysis",
			Tag:        TagDataAnalysis,
			Confidence: 0.9,
			Match: func(in Input) bool {
				q := strings.ToLower(in.Query)
				return dataWords.MatchString(q) && analyzeWords.MatchString(q) && in.HasFiles()
			},
		},
		{
			Name:       "file-analysis",
			Tag:        TagFileAnalysis,
			Confidence: 0.9,
			Match: func(in Input) bool {
				q := strings.ToLower(in.Query)
				return analyzeWords.MatchString(q) && in.HasFiles() && !estimateWords.MatchString(q)
			},
		},
	}
}

// matchRules runs the pattern pass and returns the first match at or
// above the threshold.
func matchRules(rules []Rule, in Input, threshold float64) (*session.Intent, string) {
	for _, rule := range rules {
		if rule.Confidence >= threshold && rule.Match(in) {
			return &session.Intent{
				Tag:        rule.Tag,
				Confidence: rule.Confidence,
				Metadata:   map[string]string{"classifier": "pattern", "rule": rule.Name},
			}, rule.Name
		}
	}
	return nil, ""
}

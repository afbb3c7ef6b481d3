// Package intent classifies what a user turn asks the pipeline to do.
//
// Classification runs three passes: deterministic pattern rules, an LLM
// pass for anything the rules cannot settle, and a structural default
// when the LLM fails or is unsure. The output tag is always one of the
// closed set below; the classifier never invents a new intent.
package intent

import "github.com/structhub/buildlens/session"

// The closed intent set.
const (
	TagFullEstimation         = "full_estimation"
	TagQuickEstimate          = "quick_estimate"
	TagFileAnalysis           = "file_analysis"
	TagExportExisting         = "export_existing"
	TagUpdateEstimate         = "update_estimate"
	TagDataAnalysis           = "data_analysis"
	TagSpreadsheetIntegration = "spreadsheet_integration"
	TagNoAction               = "no_action"
)

// ValidTag reports whether tag is in the closed intent set.
func ValidTag(tag string) bool {
	switch tag {
	case TagFullEstimation, TagQuickEstimate, TagFileAnalysis,
		TagExportExisting, TagUpdateEstimate, TagDataAnalysis,
		TagSpreadsheetIntegration, TagNoAction:
		return true
	}
	return false
}

// Input is everything classification may consider: the user's text, a
// summary of attached files, and which pipeline fields already hold
// data. Classification must be reproducible from these inputs alone.
type Input struct {
	Query     string
	Files     []session.FileRef
	Populated map[string]bool
}

// HasFiles reports whether the turn carries or already has documents.
func (in Input) HasFiles() bool {
	return len(in.Files) > 0 || in.Populated[session.FieldFiles]
}

// HasEstimate reports whether a prior estimate exists.
func (in Input) HasEstimate() bool {
	return in.Populated[session.FieldEstimate]
}

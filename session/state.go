// Package session owns the per-session analysis state and the store
// that serializes all mutations to it.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusNew          Status = "new"
	StatusIntakeReady  Status = "intake_ready"
	StatusRunning      Status = "running"
	StatusAwaitingUser Status = "awaiting_user"
	StatusFilesReady   Status = "files_ready_for_analysis"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
)

// IsTerminal reports whether the session has finished.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// AppState field names, used by worker descriptors (requires/produces),
// the dependency graph, and rewind.
const (
	FieldQuery           = "query"
	FieldFiles           = "files"
	FieldProcessedFiles  = "processed_files_content"
	FieldTradeMapping    = "trade_mapping"
	FieldScopeItems      = "scope_items"
	FieldTakeoffData     = "takeoff_data"
	FieldEstimate        = "estimate"
	FieldQAFindings      = "qa_findings"
	FieldExportArtifacts = "export_artifacts"
)

// FileRef describes one intake document. Either URL or Data is set.
type FileRef struct {
	Name string `json:"name"`
	Mime string `json:"mime"`
	URL  string `json:"url,omitempty"`
	Data []byte `json:"data,omitempty"`
	Size int64  `json:"size"`
}

// Intent is the classified goal of the current user turn.
type Intent struct {
	Tag        string            `json:"tag"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// PageType classifies a page of extracted document content.
type PageType string

const (
	PageTypeText     PageType = "text"
	PageTypeTable    PageType = "table"
	PageTypeImageOCR PageType = "image_ocr"
)

// Page is one unit of extracted content from a document.
type Page struct {
	Type    PageType `json:"type"`
	Content string   `json:"content"`
}

// FileContent is the extracted pages of one document.
type FileContent struct {
	Pages []Page `json:"pages"`
}

// TradeMapping associates a construction trade with a document section.
type TradeMapping struct {
	Trade      string  `json:"trade"`
	SectionRef string  `json:"section_ref"`
	Confidence float64 `json:"confidence"`
}

// ScopeItem is one unit of work identified in the documents.
type ScopeItem struct {
	Trade       string `json:"trade"`
	Item        string `json:"item"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
	Spec        string `json:"spec,omitempty"`
	Qty         string `json:"qty,omitempty"`
}

// TakeoffLine is a measured quantity for a scope item.
type TakeoffLine struct {
	ScopeRef    string   `json:"scope_ref"`
	Quantity    float64  `json:"quantity"`
	Unit        string   `json:"unit"`
	Method      string   `json:"method"`
	Assumptions []string `json:"assumptions,omitempty"`
}

// EstimateLine is one priced line of the estimate.
type EstimateLine struct {
	LineRef  string  `json:"line_ref"`
	UnitCost float64 `json:"unit_cost"`
	Extended float64 `json:"extended"`
}

// Estimate is the priced output: ordered lines plus per-trade subtotals
// and a grand total.
type Estimate struct {
	Lines     []EstimateLine     `json:"lines"`
	Subtotals map[string]float64 `json:"subtotals,omitempty"`
	Total     float64            `json:"total"`
}

// Severity grades a QA finding.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// QAFinding is one validation result from the qa-validator worker.
type QAFinding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Ref      string   `json:"ref,omitempty"`
}

// DecisionKind categorizes a pending decision.
type DecisionKind string

const (
	DecisionFileSelection  DecisionKind = "file_selection"
	DecisionConfirmProceed DecisionKind = "confirm_proceed"
	DecisionChooseOption   DecisionKind = "choose_option"
	DecisionResolveError   DecisionKind = "resolve_error"
)

// DecisionOption is one selectable choice in a decision.
type DecisionOption struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
}

// DecisionRequest is a suspension point awaiting user input.
type DecisionRequest struct {
	DecisionID      string           `json:"decision_id"`
	Kind            DecisionKind     `json:"kind"`
	Prompt          string           `json:"prompt"`
	Options         []DecisionOption `json:"options,omitempty"`
	DefaultOption   string           `json:"default_option,omitempty"`
	Timeout         time.Duration    `json:"timeout"`
	CanSkip         bool             `json:"can_skip"`
	AffectsWorkflow bool             `json:"affects_workflow"`
	CreatedAt       time.Time        `json:"created_at"`
}

// NewDecisionID returns a short unique decision id.
func NewDecisionID() string {
	return fmt.Sprintf("d-%s", uuid.New().String()[:8])
}

// NewSessionID returns a short unique session id.
func NewSessionID() string {
	return fmt.Sprintf("s-%s", uuid.New().String()[:8])
}

// TraceEntry is one append-only activity record.
type TraceEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Worker    string         `json:"worker"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// StateError records why a session failed or degraded.
type StateError struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Worker      string    `json:"worker,omitempty"`
	Recoverable bool      `json:"recoverable"`
}

// AppState is the single source of truth for one running analysis.
type AppState struct {
	SessionID string    `json:"session_id"`
	Query     string    `json:"query"`
	Files     []FileRef `json:"files,omitempty"`
	Intent    *Intent   `json:"intent,omitempty"`

	ProcessedFiles  map[string]FileContent `json:"processed_files_content,omitempty"`
	TradeMapping    []TradeMapping         `json:"trade_mapping,omitempty"`
	ScopeItems      []ScopeItem            `json:"scope_items,omitempty"`
	TakeoffData     []TakeoffLine          `json:"takeoff_data,omitempty"`
	Estimate        *Estimate              `json:"estimate,omitempty"`
	QAFindings      []QAFinding            `json:"qa_findings,omitempty"`
	ExportArtifacts map[string]string      `json:"export_artifacts,omitempty"`

	Status          Status           `json:"status"`
	PendingDecision *DecisionRequest `json:"pending_decision,omitempty"`
	Trace           []TraceEntry     `json:"agent_trace,omitempty"`
	Error           *StateError      `json:"error,omitempty"`
	ManagerNotes    map[string]any   `json:"manager_notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FieldPopulated reports whether a named worker-relevant field is non-empty.
func (s *AppState) FieldPopulated(field string) bool {
	switch field {
	case FieldQuery:
		return s.Query != ""
	case FieldFiles:
		return len(s.Files) > 0
	case FieldProcessedFiles:
		return len(s.ProcessedFiles) > 0
	case FieldTradeMapping:
		return len(s.TradeMapping) > 0
	case FieldScopeItems:
		return len(s.ScopeItems) > 0
	case FieldTakeoffData:
		return len(s.TakeoffData) > 0
	case FieldEstimate:
		return s.Estimate != nil && len(s.Estimate.Lines) > 0
	case FieldQAFindings:
		return len(s.QAFindings) > 0
	case FieldExportArtifacts:
		return len(s.ExportArtifacts) > 0
	default:
		return false
	}
}

// ClearField empties a named worker-output field.
func (s *AppState) ClearField(field string) {
	switch field {
	case FieldFiles:
		s.Files = nil
	case FieldProcessedFiles:
		s.ProcessedFiles = nil
	case FieldTradeMapping:
		s.TradeMapping = nil
	case FieldScopeItems:
		s.ScopeItems = nil
	case FieldTakeoffData:
		s.TakeoffData = nil
	case FieldEstimate:
		s.Estimate = nil
	case FieldQAFindings:
		s.QAFindings = nil
	case FieldExportArtifacts:
		s.ExportArtifacts = nil
	}
}

// AppendTrace adds a trace entry stamped now, keeping timestamps monotonic.
func (s *AppState) AppendTrace(worker, level, message string, details map[string]any) {
	ts := time.Now().UTC()
	if n := len(s.Trace); n > 0 && ts.Before(s.Trace[n-1].Timestamp) {
		ts = s.Trace[n-1].Timestamp
	}
	s.Trace = append(s.Trace, TraceEntry{
		Timestamp: ts,
		Worker:    worker,
		Level:     level,
		Message:   message,
		Details:   details,
	})
}

// Clone returns a deep copy usable as an immutable snapshot.
func (s *AppState) Clone() *AppState {
	if s == nil {
		return nil
	}
	out := *s

	out.Files = append([]FileRef(nil), s.Files...)
	for i := range out.Files {
		out.Files[i].Data = append([]byte(nil), s.Files[i].Data...)
	}
	if s.Intent != nil {
		intent := *s.Intent
		intent.Metadata = cloneStringMap(s.Intent.Metadata)
		out.Intent = &intent
	}
	if s.ProcessedFiles != nil {
		out.ProcessedFiles = make(map[string]FileContent, len(s.ProcessedFiles))
		for name, fc := range s.ProcessedFiles {
			out.ProcessedFiles[name] = FileContent{Pages: append([]Page(nil), fc.Pages...)}
		}
	}
	out.TradeMapping = append([]TradeMapping(nil), s.TradeMapping...)
	out.ScopeItems = append([]ScopeItem(nil), s.ScopeItems...)
	out.TakeoffData = append([]TakeoffLine(nil), s.TakeoffData...)
	for i := range out.TakeoffData {
		out.TakeoffData[i].Assumptions = append([]string(nil), s.TakeoffData[i].Assumptions...)
	}
	if s.Estimate != nil {
		est := Estimate{
			Lines:     append([]EstimateLine(nil), s.Estimate.Lines...),
			Subtotals: cloneFloatMap(s.Estimate.Subtotals),
			Total:     s.Estimate.Total,
		}
		out.Estimate = &est
	}
	out.QAFindings = append([]QAFinding(nil), s.QAFindings...)
	out.ExportArtifacts = cloneStringMap(s.ExportArtifacts)
	if s.PendingDecision != nil {
		dec := *s.PendingDecision
		dec.Options = append([]DecisionOption(nil), s.PendingDecision.Options...)
		out.PendingDecision = &dec
	}
	out.Trace = append([]TraceEntry(nil), s.Trace...)
	for i := range out.Trace {
		out.Trace[i].Details = cloneAnyMap(s.Trace[i].Details)
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	out.ManagerNotes = cloneAnyMap(s.ManagerNotes)

	return &out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

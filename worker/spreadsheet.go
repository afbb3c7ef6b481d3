package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/session"
)

// sheetURLPattern finds the spreadsheet link in the user's query.
var sheetURLPattern = regexp.MustCompile(`https?://(?:docs\.google\.com/spreadsheets|sheets\.googleapis\.com|[^\s]+\.sharepoint\.com)[^\s]*`)

// Attachment is one file the spreadsheet service reports.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// SpreadsheetIntake retrieves intake files attached to an external
// spreadsheet. One obvious file proceeds directly; multiple candidates
// pause for a file_selection decision, and the chosen attachment is
// downloaded on the post-decision dispatch.
type SpreadsheetIntake struct {
	serviceURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSpreadsheetIntake creates the spreadsheet-intake worker.
func NewSpreadsheetIntake(serviceURL string, logger *slog.Logger) *SpreadsheetIntake {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpreadsheetIntake{
		serviceURL: serviceURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

// Descriptor implements Worker.
func (w *SpreadsheetIntake) Descriptor() Descriptor {
	return Descriptor{
		Name:     "spreadsheet-intake",
		Requires: []string{session.FieldQuery},
		Produces: []string{session.FieldFiles},
		SkipIfFresh: func(st *session.AppState) bool {
			return st.FieldPopulated(session.FieldFiles)
		},
		Complexity: func(_ *session.AppState) brain.Hint {
			return brain.HintLow
		},
	}
}

// Run implements Worker.
func (w *SpreadsheetIntake) Run(ctx context.Context, st *session.AppState, _ brain.Choice) (*Result, error) {
	if w.serviceURL == "" {
		return Fatal("spreadsheet service is not configured", nil), nil
	}

	sheetURL := sheetURLPattern.FindString(st.Query)
	if sheetURL == "" {
		return Recoverable("no spreadsheet link found in the request", nil), nil
	}

	attachments, err := w.listAttachments(ctx, sheetURL)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	if len(attachments) == 0 {
		return Recoverable("spreadsheet has no attached files", map[string]any{"sheet_url": sheetURL}), nil
	}

	// A resolved file_selection decision names the attachment to take.
	if chosen := lastDecisionResponse(st); chosen != "" {
		for _, att := range attachments {
			if att.ID == chosen {
				return w.download(ctx, att)
			}
		}
		return Recoverable(fmt.Sprintf("selected attachment %q no longer exists", chosen), nil), nil
	}

	if len(attachments) == 1 {
		return w.download(ctx, attachments[0])
	}

	options := make([]session.DecisionOption, len(attachments))
	for i, att := range attachments {
		options[i] = session.DecisionOption{
			ID:     att.ID,
			Label:  att.Name,
			Detail: fmt.Sprintf("%s, %d bytes", att.Mime, att.Size),
		}
	}

	return NeedsUserInput(session.DecisionRequest{
		Kind:            session.DecisionFileSelection,
		Prompt:          fmt.Sprintf("The spreadsheet has %d attached files. Which should be analyzed?", len(attachments)),
		Options:         options,
		AffectsWorkflow: true,
	}), nil
}

func (w *SpreadsheetIntake) listAttachments(ctx context.Context, sheetURL string) ([]Attachment, error) {
	endpoint := fmt.Sprintf("%s/attachments?sheet_url=%s", w.serviceURL, url.QueryEscape(sheetURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("service returned status %d", resp.StatusCode)
	}

	var attachments []Attachment
	if err := json.NewDecoder(resp.Body).Decode(&attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return attachments, nil
}

func (w *SpreadsheetIntake) download(ctx context.Context, att Attachment) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", att.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", att.Name, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", att.Name, err)
	}

	w.logger.Info("Downloaded spreadsheet attachment",
		"name", att.Name,
		"bytes", len(data))

	return OK(Writes{Files: []session.FileRef{{
		Name: att.Name,
		Mime: att.Mime,
		Data: data,
		Size: int64(len(data)),
	}}}), nil
}

// lastDecisionResponse reads the resolved file_selection response out of
// the manager's notes, if one exists.
func lastDecisionResponse(st *session.AppState) string {
	note, ok := st.ManagerNotes["last_decision"].(map[string]any)
	if !ok {
		return ""
	}
	response, _ := note["response"].(string)
	return response
}

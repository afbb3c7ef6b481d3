package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/bmatcuk/doublestar/v4"
	readability "github.com/go-shiori/go-readability"
	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/session"
)

// maxFetchSize caps remote document downloads.
const maxFetchSize = 32 << 20 // 32 MiB

// FileReader extracts per-page text content from intake documents.
// A file that fails to parse is skipped with a trace detail; the worker
// still succeeds with partial output as long as anything was readable.
type FileReader struct {
	allowedPatterns []string
	httpClient      *http.Client
	converter       *md.Converter
	logger          *slog.Logger
}

// NewFileReader creates the file-reader worker. allowedPatterns is a
// doublestar glob allowlist for file names; empty allows everything.
func NewFileReader(allowedPatterns []string, logger *slog.Logger) *FileReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileReader{
		allowedPatterns: allowedPatterns,
		httpClient:      &http.Client{Timeout: 60 * time.Second},
		converter:       md.NewConverter("", true, nil),
		logger:          logger,
	}
}

// Descriptor implements Worker.
func (r *FileReader) Descriptor() Descriptor {
	return Descriptor{
		Name:     "file-reader",
		Requires: []string{session.FieldFiles},
		Produces: []string{session.FieldProcessedFiles},
		SkipIfFresh: func(st *session.AppState) bool {
			return st.FieldPopulated(session.FieldProcessedFiles)
		},
		Complexity: func(st *session.AppState) brain.Hint {
			if len(st.Files) > 10 {
				return brain.HintMedium
			}
			return brain.HintLow
		},
	}
}

// Run implements Worker.
func (r *FileReader) Run(ctx context.Context, st *session.AppState, _ brain.Choice) (*Result, error) {
	processed := make(map[string]session.FileContent, len(st.Files))
	skipped := map[string]string{}

	for _, f := range st.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !r.allowed(f.Name) {
			skipped[f.Name] = "file type not allowed by intake policy"
			continue
		}

		data, err := r.fetch(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			skipped[f.Name] = fmt.Sprintf("fetch failed: %v", err)
			continue
		}

		content, err := r.extract(f, data)
		if err != nil {
			skipped[f.Name] = fmt.Sprintf("parse failed: %v", err)
			continue
		}
		processed[f.Name] = content
	}

	for name, reason := range skipped {
		r.logger.Warn("Skipped intake file", "file", name, "reason", reason)
	}

	if len(processed) == 0 {
		return Recoverable("no readable files in intake", map[string]any{"skipped": skipped}), nil
	}

	res := OK(Writes{ProcessedFiles: processed})
	if len(skipped) > 0 {
		res.Details = map[string]any{"skipped": skipped}
	}
	return res, nil
}

func (r *FileReader) allowed(name string) bool {
	if len(r.allowedPatterns) == 0 {
		return true
	}
	for _, pattern := range r.allowedPatterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
		// Patterns like **/*.pdf should also accept bare names.
		if ok, err := doublestar.Match(path.Base(pattern), path.Base(name)); err == nil && ok {
			return true
		}
	}
	return false
}

// fetch returns the file bytes, downloading by URL when no inline data
// was provided.
func (r *FileReader) fetch(ctx context.Context, f session.FileRef) ([]byte, error) {
	if len(f.Data) > 0 {
		return f.Data, nil
	}
	if f.URL == "" {
		return nil, fmt.Errorf("no data or url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// extract converts raw bytes into typed pages by format.
func (r *FileReader) extract(f session.FileRef, data []byte) (session.FileContent, error) {
	switch {
	case isHTML(f):
		return r.extractHTML(f, data)
	case isCSV(f):
		return extractCSV(data)
	case isPDF(f, data):
		return extractPDF(data), nil
	case isPlainText(f):
		return session.FileContent{
			Pages: []session.Page{{Type: session.PageTypeText, Content: string(data)}},
		}, nil
	default:
		return session.FileContent{}, fmt.Errorf("unsupported format %q", f.Mime)
	}
}

// extractHTML strips boilerplate with readability, then converts the
// article body to markdown so downstream prompts stay compact.
func (r *FileReader) extractHTML(f session.FileRef, data []byte) (session.FileContent, error) {
	article, err := readability.FromReader(bytes.NewReader(data), nil)
	if err != nil {
		return session.FileContent{}, fmt.Errorf("readability: %w", err)
	}

	markdown, err := r.converter.ConvertString(article.Content)
	if err != nil {
		// Fall back to the plain text extraction.
		markdown = article.TextContent
	}
	if strings.TrimSpace(markdown) == "" {
		return session.FileContent{}, fmt.Errorf("no readable content in %s", f.Name)
	}

	return session.FileContent{
		Pages: []session.Page{{Type: session.PageTypeText, Content: markdown}},
	}, nil
}

// extractCSV renders each CSV as a single table page.
func extractCSV(data []byte) (session.FileContent, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return session.FileContent{}, fmt.Errorf("csv: %w", err)
	}

	var b strings.Builder
	for _, row := range records {
		b.WriteString(strings.Join(row, " | "))
		b.WriteString("\n")
	}

	return session.FileContent{
		Pages: []session.Page{{Type: session.PageTypeTable, Content: b.String()}},
	}, nil
}

var pdfTextOp = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*Tj`)

// extractPDF pulls literal text operators out of uncompressed PDF
// content streams. Scanned or compressed documents yield an image_ocr
// page so the brain allocator treats them as visual content.
func extractPDF(data []byte) session.FileContent {
	matches := pdfTextOp.FindAllSubmatch(data, -1)
	if len(matches) == 0 {
		return session.FileContent{
			Pages: []session.Page{{Type: session.PageTypeImageOCR, Content: ""}},
		}
	}

	var b strings.Builder
	for _, m := range matches {
		b.Write(m[1])
		b.WriteString(" ")
	}

	return session.FileContent{
		Pages: []session.Page{{Type: session.PageTypeText, Content: b.String()}},
	}
}

func isHTML(f session.FileRef) bool {
	return strings.Contains(f.Mime, "html") || hasExt(f.Name, ".html", ".htm")
}

func isCSV(f session.FileRef) bool {
	return strings.Contains(f.Mime, "csv") || hasExt(f.Name, ".csv")
}

func isPDF(f session.FileRef, data []byte) bool {
	return strings.Contains(f.Mime, "pdf") || hasExt(f.Name, ".pdf") || bytes.HasPrefix(data, []byte("%PDF"))
}

func isPlainText(f session.FileRef) bool {
	return strings.HasPrefix(f.Mime, "text/") || f.Mime == "" || hasExt(f.Name, ".txt", ".md")
}

func hasExt(name string, exts ...string) bool {
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

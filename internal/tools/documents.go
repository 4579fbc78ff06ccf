package tools

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/storage"
)

// FileSource resolves a user's uploaded file.
type FileSource interface {
	GetFile(ctx context.Context, userID string, id uuid.UUID) (model.File, error)
}

// Documents holds the tools that read uploaded files or raw text.
type Documents struct {
	files FileSource
	arts  *Artifacts
}

// NewDocuments creates the document tools.
func NewDocuments(files FileSource, arts *Artifacts) *Documents {
	return &Documents{files: files, arts: arts}
}

func (d *Documents) file(ctx context.Context, args map[string]any) (model.File, error) {
	raw := str(args, "file_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return model.File{}, Fail("NotFound", "file %q not found", raw)
	}
	f, err := d.files.GetFile(ctx, UserID(ctx), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.File{}, Fail("NotFound", "file %q not found", raw)
		}
		return model.File{}, fmt.Errorf("tools: load file: %w", err)
	}
	return f, nil
}

// PreviewCSV returns the header row and up to limit data rows of an uploaded
// CSV, and stores the normalized preview as an artifact.
func (d *Documents) PreviewCSV(ctx context.Context, args map[string]any) (Result, error) {
	f, err := d.file(ctx, args)
	if err != nil {
		return Result{}, err
	}
	limit := integer(args, "limit", 50)

	r := csv.NewReader(strings.NewReader(strings.TrimPrefix(f.TextContent, "\ufeff")))
	r.FieldsPerRecord = -1
	headers, err := r.Read()
	if err != nil && !errors.Is(err, io.EOF) {
		return Result{}, Fail("ParseError", "%s: %v", f.Filename, err)
	}
	if headers == nil {
		headers = []string{}
	}
	rows := [][]string{}
	for len(rows) < limit {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, Fail("ParseError", "%s: %v", f.Filename, err)
		}
		rows = append(rows, rec)
	}

	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if len(headers) > 0 {
		_ = w.Write(headers)
	}
	_ = w.WriteAll(rows)
	path, err := d.arts.SaveBytes("csv-preview", "csv", []byte(sb.String()))
	if err != nil {
		return Result{}, err
	}

	return Result{
		OK:        true,
		Text:      fmt.Sprintf("Previewed %s: %d columns, %d rows.", f.Filename, len(headers), len(rows)),
		Artifacts: []Artifact{{Kind: "csv", Path: path}},
		Fields:    map[string]any{"headers": headers, "rows": rows},
	}, nil
}

// Summarize returns the leading max_chars of a document's extracted text.
func (d *Documents) Summarize(ctx context.Context, args map[string]any) (Result, error) {
	f, err := d.file(ctx, args)
	if err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(f.TextContent)
	summary := truncate(text, integer(args, "max_chars", 800))
	narration := "No readable text found."
	if summary != "" {
		narration = summary
	}
	return Result{
		OK:     true,
		Text:   narration,
		Fields: map[string]any{"summary": summary, "length": len([]rune(text)), "file_id": f.ID.String()},
	}, nil
}

var (
	positiveWords = []string{"good", "great", "awesome", "love", "excellent", "nice", "happy"}
	negativeWords = []string{"bad", "terrible", "hate", "awful", "sad", "angry"}
)

// Sentiment labels text by counting lexicon hits.
func (d *Documents) Sentiment(_ context.Context, args map[string]any) (Result, error) {
	t := strings.ToLower(str(args, "text"))
	pos, neg := 0, 0
	for _, w := range positiveWords {
		if strings.Contains(t, w) {
			pos++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(t, w) {
			neg++
		}
	}
	label := "neutral"
	switch {
	case pos > neg:
		label = "positive"
	case neg > pos:
		label = "negative"
	}
	return Result{
		OK:     true,
		Text:   fmt.Sprintf("Sentiment: %s.", label),
		Fields: map[string]any{"label": label, "scores": map[string]any{"positive": pos, "negative": neg}},
	}, nil
}

// truncate cuts s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

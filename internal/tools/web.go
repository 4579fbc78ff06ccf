package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ashita-ai/parley/internal/model"
)

// Web holds the link-building and download tools.
type Web struct {
	client   *http.Client
	maxBytes int64
	arts     *Artifacts
	validate func(string) error
}

// NewWeb creates the web tools. Downloads are capped at maxBytes.
func NewWeb(timeout time.Duration, maxBytes int64, arts *Artifacts) *Web {
	return &Web{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		arts:     arts,
		validate: model.ValidatePublicURL,
	}
}

// Search returns search engine links for a query. No API key is involved.
func (w *Web) Search(_ context.Context, args map[string]any) (Result, error) {
	q := strings.TrimSpace(str(args, "q"))
	if q == "" {
		return Result{OK: false, Error: "empty query", Fields: map[string]any{"links": []string{}}}, nil
	}
	v := url.Values{"q": {q}}.Encode()
	links := []string{
		"https://www.google.com/search?" + v,
		"https://duckduckgo.com/?" + v,
		"https://www.bing.com/search?" + v,
	}
	return Result{
		OK:     true,
		Text:   fmt.Sprintf("Search results for '%s':\n%s", q, strings.Join(links, "\n")),
		Fields: map[string]any{"links": links},
	}, nil
}

// Places builds map and search links for a place query, optionally "near" a
// location.
func (w *Web) Places(_ context.Context, args map[string]any) (Result, error) {
	query := str(args, "q")
	if near := str(args, "near"); near != "" {
		query += " near " + near
	}
	v := url.Values{"q": {query}}.Encode()
	links := []string{
		"https://www.google.com/maps/search/" + url.QueryEscape(query),
		"https://www.google.com/search?" + v,
		"https://duckduckgo.com/?" + v,
	}
	return Result{
		OK:     true,
		Text:   fmt.Sprintf("Built search links for '%s'.", query),
		Fields: map[string]any{"query": query, "links": links},
	}, nil
}

// Download fetches a public URL into the artifact store.
func (w *Web) Download(ctx context.Context, args map[string]any) (Result, error) {
	target := str(args, "url")
	if err := w.validate(target); err != nil {
		return Result{}, Fail("InvalidURL", "%v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, Fail("InvalidURL", "%v", err)
	}
	req.Header.Set("User-Agent", "parley-download/1.0")
	resp, err := w.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, Fail("Timeout", "fetch %s: %v", target, err)
		}
		return Result{}, Fail("HTTPError", "fetch %s: %v", target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, Fail("HTTPError", "fetch %s: status %d", target, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, w.maxBytes+1))
	if err != nil {
		return Result{}, Fail("HTTPError", "read %s: %v", target, err)
	}
	if int64(len(data)) > w.maxBytes {
		return Result{}, Fail("TooLarge", "%s exceeds %d bytes", target, w.maxBytes)
	}

	path, err := w.arts.SaveBytes("download", extension(target), data)
	if err != nil {
		return Result{}, err
	}
	return Result{
		OK:        true,
		Text:      fmt.Sprintf("Downloaded file (%d bytes).", len(data)),
		Artifacts: []Artifact{{Kind: "download", Path: path}},
		Fields:    map[string]any{"artifact_path": path, "size": len(data)},
	}, nil
}

// extension guesses a file extension from the URL path, defaulting to "bin".
func extension(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "bin"
	}
	ext := strings.TrimPrefix(path.Ext(u.Path), ".")
	if ext == "" || len(ext) > 8 {
		return "bin"
	}
	return strings.ToLower(ext)
}

// Package tools holds the side-effecting executors behind registry entries.
//
// Executors only run after the registry has validated their arguments, so a
// handler may assume required fields are present and well-typed. Failures are
// reported as *Failure errors (wrapping ErrToolFailed) or as a Result with
// OK=false; the dispatcher narrates both the same way.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// ErrToolFailed is wrapped by every *Failure.
var ErrToolFailed = errors.New("tools: tool failed")

// Failure is a classified tool error. Class is a short machine-readable name
// such as "Timeout" or "NotFound".
type Failure struct {
	Class   string
	Message string
}

func (f *Failure) Error() string { return f.Class + ": " + f.Message }

func (f *Failure) Unwrap() error { return ErrToolFailed }

// Fail builds a *Failure.
func Fail(class, format string, args ...any) error {
	return &Failure{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Artifact is a file a tool produced.
type Artifact struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// Result is a tool outcome. Text is the narration shown to the user; Fields
// are merged into the final_answer payload.
type Result struct {
	OK        bool
	Text      string
	Error     string
	Artifacts []Artifact
	Fields    map[string]any
}

// Executor runs named tools.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (Result, error)
	Supports(name string) bool
}

// Func is one tool's handler.
type Func func(ctx context.Context, args map[string]any) (Result, error)

// Set is an Executor backed by a table of handlers.
type Set struct {
	mu       sync.RWMutex
	handlers map[string]Func
}

var _ Executor = (*Set)(nil)

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{handlers: make(map[string]Func)}
}

// Register binds a handler to a tool name, replacing any previous binding.
func (s *Set) Register(name string, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = fn
}

// Supports reports whether a handler is bound to name.
func (s *Set) Supports(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[name]
	return ok
}

// Names returns the bound tool names, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.handlers))
}

// Execute runs the handler bound to name.
func (s *Set) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	s.mu.RLock()
	fn, ok := s.handlers[name]
	s.mu.RUnlock()
	if !ok {
		return Result{}, Fail("UnknownTool", "no executor bound to %s", name)
	}
	return fn(ctx, args)
}

type userKey struct{}

// WithUserID scopes a tool call to a user. Per-user tools (files, todos,
// notes, calendar) read it back with UserID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the user a tool call runs for, or "".
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userKey{}).(string)
	return v
}

// Config carries executor settings.
type Config struct {
	ArtifactsDir string
	ChromeURL    string // remote DevTools endpoint; empty launches a local headless browser
	Timeout      time.Duration
	MaxDownload  int64
	SMTPAddr     string // empty keeps every email a dry run
	SMTPFrom     string
}

// Default builds the Set wired to every tool in the built-in catalog.
func Default(cfg Config, files FileSource, logger *slog.Logger) (*Set, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxDownload <= 0 {
		cfg.MaxDownload = 25 << 20
	}
	arts, err := NewArtifacts(cfg.ArtifactsDir)
	if err != nil {
		return nil, err
	}

	set := NewSet()
	browser := NewBrowser(cfg.ChromeURL, cfg.Timeout, arts, logger)
	set.Register("browser.screenshot", browser.Screenshot)
	set.Register("pdf.generate", browser.PDF)

	mail := NewMailer(cfg.SMTPAddr, cfg.SMTPFrom, arts, logger)
	set.Register("email.draft_send", mail.DraftSend)

	web := NewWeb(cfg.Timeout, cfg.MaxDownload, arts)
	set.Register("search.web", web.Search)
	set.Register("places.search", web.Places)
	set.Register("download.fetch", web.Download)

	docs := NewDocuments(files, arts)
	set.Register("csv.preview", docs.PreviewCSV)
	set.Register("summarize.document", docs.Summarize)
	set.Register("sentiment.analyze", docs.Sentiment)

	ws := NewWorkspace()
	ws.RegisterAll(set)

	logger.Info("tools: executors ready", "count", len(set.Names()), "artifacts_dir", arts.Dir())
	return set, nil
}

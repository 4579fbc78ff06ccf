package tools

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/ashita-ai/parley/internal/model"
)

// Browser drives headless Chrome through the DevTools protocol.
type Browser struct {
	remoteURL string
	timeout   time.Duration
	arts      *Artifacts
	logger    *slog.Logger
}

// NewBrowser creates a Browser. remoteURL selects an already running Chrome
// (ws:// or http:// DevTools endpoint); empty launches one per call.
func NewBrowser(remoteURL string, timeout time.Duration, arts *Artifacts, logger *slog.Logger) *Browser {
	return &Browser{remoteURL: remoteURL, timeout: timeout, arts: arts, logger: logger}
}

func (b *Browser) session(ctx context.Context) (context.Context, context.CancelFunc) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if b.remoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, b.remoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.NoSandbox,
			chromedp.DisableGPU,
			chromedp.WindowSize(1366, 900),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	timeoutCtx, timeoutCancel := context.WithTimeout(taskCtx, b.timeout)
	return timeoutCtx, func() {
		timeoutCancel()
		taskCancel()
		allocCancel()
	}
}

// browserAction turns one {"type": ...} step into chromedp actions.
func browserAction(step map[string]any) (chromedp.Action, error) {
	switch t := str(step, "type"); t {
	case "goto":
		u := str(step, "url")
		if err := model.ValidatePublicURL(u); err != nil {
			return nil, err
		}
		return chromedp.Navigate(u), nil
	case "click":
		sel := str(step, "selector")
		return chromedp.Tasks{
			chromedp.WaitVisible(sel, chromedp.ByQuery),
			chromedp.Click(sel, chromedp.ByQuery),
		}, nil
	case "type":
		sel := str(step, "selector")
		return chromedp.Tasks{
			chromedp.WaitVisible(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, str(step, "text"), chromedp.ByQuery),
		}, nil
	case "scroll":
		return chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", integer(step, "y", 800)), nil), nil
	case "wait":
		return chromedp.Sleep(time.Duration(integer(step, "ms", 300)) * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown action %q", t)
	}
}

// Screenshot opens a URL, applies the optional actions and captures a full
// page PNG. A failing action is recorded in step_errors and does not abort the
// capture.
func (b *Browser) Screenshot(ctx context.Context, args map[string]any) (Result, error) {
	target := str(args, "url")
	if err := model.ValidatePublicURL(target); err != nil {
		return Result{}, Fail("InvalidURL", "%v", err)
	}

	sctx, cancel := b.session(ctx)
	defer cancel()

	if err := chromedp.Run(sctx, chromedp.Navigate(target)); err != nil {
		return Result{}, Fail("BrowserError", "open %s: %v", target, err)
	}

	stepErrors := []map[string]any{}
	for i, step := range objects(args, "actions") {
		action, err := browserAction(step)
		if err == nil {
			err = chromedp.Run(sctx, action)
		}
		if err != nil {
			stepErrors = append(stepErrors, map[string]any{"index": i, "type": str(step, "type"), "error": err.Error()})
		}
	}

	var buf []byte
	if err := chromedp.Run(sctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return Result{}, Fail("BrowserError", "screenshot %s: %v", target, err)
	}
	path, err := b.arts.SaveBytes("screenshot", "png", buf)
	if err != nil {
		return Result{}, err
	}
	if len(stepErrors) > 0 {
		b.logger.Warn("browser: some actions failed", "url", target, "failed", len(stepErrors))
	}

	return Result{
		OK:        true,
		Text:      fmt.Sprintf("Opened %s and captured a screenshot.", target),
		Artifacts: []Artifact{{Kind: "screenshot", Path: path}},
		Fields: map[string]any{
			"engine":          "chromedp",
			"screenshot_path": path,
			"step_errors":     stepErrors,
		},
	}, nil
}

// PDF renders HTML (or Markdown shown preformatted) to a PDF artifact.
func (b *Browser) PDF(ctx context.Context, args map[string]any) (Result, error) {
	doc := str(args, "html")
	if doc == "" {
		doc = "<html><body><pre>" + html.EscapeString(str(args, "markdown")) + "</pre></body></html>"
	}

	sctx, cancel := b.session(ctx)
	defer cancel()

	var pdf []byte
	err := chromedp.Run(sctx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, doc).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return Result{}, Fail("BrowserError", "render pdf: %v", err)
	}

	path, err := b.arts.SaveBytes("document", "pdf", pdf)
	if err != nil {
		return Result{}, err
	}
	return Result{
		OK:        true,
		Text:      fmt.Sprintf("Generated a PDF (%d bytes).", len(pdf)),
		Artifacts: []Artifact{{Kind: "pdf", Path: path}},
		Fields:    map[string]any{"engine": "chromedp", "pdf_path": path},
	}, nil
}

// Package dispatch executes confirmed (or confirmation-free) tool runs in the
// background and narrates the outcome on the conversation stream.
//
// Each dispatch drives its run to exactly one terminal status. Work is bounded
// by a weighted semaphore; panics inside a tool are recovered and reported as
// a failed run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/registry"
	"github.com/ashita-ai/parley/internal/telemetry"
	"github.com/ashita-ai/parley/internal/tools"
)

// DefaultConcurrency bounds in-flight dispatches when none is configured.
const DefaultConcurrency = 16

// ErrClosed is returned by Submit after Shutdown has begun.
var ErrClosed = errors.New("dispatch: shutting down")

// Runs is the part of the run service a dispatch needs.
type Runs interface {
	Finish(ctx context.Context, id uuid.UUID, status model.RunStatus) (model.Run, error)
	AddStep(ctx context.Context, runID uuid.UUID, kind model.StepKind, status model.StepStatus, data map[string]any) (model.Step, error)
	TrackDispatch(id uuid.UUID, cancel context.CancelFunc) (release func())
}

// Registry validates tool calls.
type Registry interface {
	Has(name string) bool
	RequireValid(name string, args map[string]any) (model.ToolMeta, error)
}

// Publisher fans events out to a conversation's subscribers.
type Publisher interface {
	Publish(conversationID uuid.UUID, name string, data any)
}

// Usage records consumption after a tool succeeds.
type Usage interface {
	Increment(ctx context.Context, userID string, tasks, tokens int64) error
}

// Dispatcher runs tool calls for runs.
type Dispatcher struct {
	runs     Runs
	registry Registry
	exec     tools.Executor
	usage    Usage
	pub      Publisher
	logger   *slog.Logger
	tracer   trace.Tracer

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	base   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	closed bool

	inflight atomic.Int64
}

// New creates a Dispatcher allowing at most concurrency tool runs at once.
func New(runs Runs, reg Registry, exec tools.Executor, usage Usage, pub Publisher, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	base, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		runs:     runs,
		registry: reg,
		exec:     exec,
		usage:    usage,
		pub:      pub,
		logger:   logger,
		tracer:   telemetry.Tracer(telemetry.ScopeDispatch),
		sem:      semaphore.NewWeighted(int64(concurrency)),
		base:     base,
		stop:     stop,
	}
}

// Submit schedules Execute in the background. The dispatch keeps ctx's values
// (trace, request id) but not its cancellation, so an HTTP request ending does
// not stop the tool.
func (d *Dispatcher) Submit(ctx context.Context, run model.Run) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.wg.Add(1)
	d.inflight.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inflight.Add(-1)
		d.run(context.WithoutCancel(ctx), run)
	}()
	return nil
}

// Go runs fn on the pool. It is used for tool-less background work (chat
// replies) that must respect the same bound and shutdown. When shutdown stops
// the task before it gets a slot, dropped is called instead of fn with a
// context that is no longer cancelled, so the caller can close out its run.
func (d *Dispatcher) Go(ctx context.Context, fn func(ctx context.Context), dropped func(ctx context.Context, err error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.wg.Add(1)
	d.inflight.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inflight.Add(-1)
		ctx, cancel := d.detach(context.WithoutCancel(ctx))
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("dispatch: background task panicked", "panic", r)
			}
		}()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.logger.Warn("dispatch: background task dropped before start", "error", err)
			if dropped != nil {
				dropped(context.WithoutCancel(ctx), err)
			}
			return
		}
		defer d.sem.Release(1)
		fn(ctx)
	}()
	return nil
}

// detach ties ctx to the dispatcher's lifetime.
func (d *Dispatcher) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(d.base, cancel)
	return ctx, func() {
		stopAfter()
		cancel()
	}
}

func (d *Dispatcher) run(ctx context.Context, run model.Run) {
	ctx, cancel := d.detach(ctx)
	defer cancel()
	// Track while queued so a Cancel before a slot frees up is honoured.
	release := d.runs.TrackDispatch(run.ID, cancel)
	if err := d.sem.Acquire(ctx, 1); err != nil {
		release()
		d.logger.Warn("dispatch: dropped before start", "run_id", run.ID, "error", err)
		var tool string
		if run.PendingPayload != nil {
			tool = registry.NormalizeCall(*run.PendingPayload).Name
		}
		if _, ferr := d.fail(ctx, run, tool, "Cancelled", "dispatcher stopped before the tool started"); ferr != nil {
			d.logger.Error("dispatch: record dropped run", "run_id", run.ID, "error", ferr)
		}
		return
	}
	release()
	defer d.sem.Release(1)
	if _, err := d.Execute(ctx, run); err != nil {
		d.logger.Error("dispatch: execute", "run_id", run.ID, "error", err)
	}
}

// Execute runs the run's pending tool call and finishes the run. It returns
// the run as finished; the error is only non-nil when the run could not be
// recorded.
func (d *Dispatcher) Execute(ctx context.Context, run model.Run) (finished model.Run, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := d.runs.TrackDispatch(run.ID, cancel)
	defer release()

	var call model.ToolCall
	if run.PendingPayload != nil {
		call = registry.NormalizeCall(*run.PendingPayload)
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.execute", trace.WithAttributes(
		attribute.String("parley.run_id", run.ID.String()),
		attribute.String("parley.tool", call.Name),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch: tool panicked", "run_id", run.ID, "tool", call.Name, "panic", r)
			span.SetStatus(codes.Error, "panic")
			finished, err = d.fail(ctx, run, call.Name, "Panic", fmt.Sprint(r))
		}
	}()

	if ctx.Err() != nil {
		return d.fail(ctx, run, call.Name, "Cancelled", ctx.Err().Error())
	}

	if call.Empty() || !d.registry.Has(call.Name) || !d.exec.Supports(call.Name) {
		name := call.Name
		if name == "" {
			name = "none"
		}
		d.pub.Publish(run.ConversationID, model.EventFinalAnswer, map[string]any{
			"text":   fmt.Sprintf("Pending action not recognized: %s.", name),
			"run_id": run.ID,
		})
		d.step(ctx, run.ID, model.StepKindFinal, model.StepStatusFailed, map[string]any{"error": "unrecognized", "tool": call.Name})
		span.SetStatus(codes.Error, "unrecognized tool")
		return d.runs.Finish(ctx, run.ID, model.RunStatusFailed)
	}

	meta, err := d.registry.RequireValid(call.Name, call.Args)
	if err != nil {
		span.SetStatus(codes.Error, "invalid payload")
		return d.fail(ctx, run, call.Name, "InvalidPayload", err.Error())
	}

	d.step(ctx, run.ID, model.StepKindTool, model.StepStatusStarted, map[string]any{"tool": call.Name, "args": call.Args})
	res, execErr := d.exec.Execute(tools.WithUserID(ctx, run.UserID), call.Name, call.Args)

	// A tool that ignores its context can still return after Cancel; the run
	// is already cancelled and must not be narrated or charged as a success.
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		return d.fail(ctx, run, call.Name, "Cancelled", ctx.Err().Error())
	}

	if execErr == nil && !res.OK {
		msg := res.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		execErr = &tools.Failure{Class: "ToolError", Message: msg}
	}
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "tool failed")
		class, msg := classify(execErr)
		return d.fail(ctx, run, call.Name, class, msg)
	}

	for _, a := range res.Artifacts {
		d.pub.Publish(run.ConversationID, model.EventArtifactReady, map[string]any{
			"run_id": run.ID, "kind": a.Kind, "path": a.Path,
		})
	}
	payload := maps.Clone(res.Fields)
	if payload == nil {
		payload = map[string]any{}
	}
	payload["text"] = res.Text
	payload["run_id"] = run.ID
	payload["tool"] = call.Name
	if len(res.Artifacts) > 0 {
		payload["artifacts"] = res.Artifacts
	}
	d.pub.Publish(run.ConversationID, model.EventFinalAnswer, payload)

	// The tool has succeeded; recording it must not be cut short by a Cancel
	// that lands from here on.
	rctx := context.WithoutCancel(ctx)
	if err := d.usage.Increment(rctx, run.UserID, 1, meta.TokenCost); err != nil {
		d.logger.Warn("dispatch: usage not recorded", "run_id", run.ID, "user_id", run.UserID, "error", err)
	}
	d.step(rctx, run.ID, model.StepKindTool, model.StepStatusCompleted, map[string]any{"tool": call.Name, "text": res.Text})
	return d.runs.Finish(rctx, run.ID, model.RunStatusCompleted)
}

// fail narrates a tool failure and finishes the run as failed. A run stopped
// by Cancel is already terminal and gets no narration.
func (d *Dispatcher) fail(ctx context.Context, run model.Run, tool, class, msg string) (model.Run, error) {
	// Recording must survive the dispatch context being cancelled.
	rctx := context.WithoutCancel(ctx)
	if ctx.Err() != nil && d.base.Err() == nil {
		d.step(rctx, run.ID, model.StepKindTool, model.StepStatusFailed, map[string]any{"tool": tool, "error": "cancelled"})
		return d.runs.Finish(rctx, run.ID, model.RunStatusCancelled)
	}
	d.pub.Publish(run.ConversationID, model.EventFinalAnswer, map[string]any{
		"text":   fmt.Sprintf("Tool failed: %s: %s", class, msg),
		"run_id": run.ID,
		"tool":   tool,
		"error":  map[string]any{"class": class, "message": msg},
	})
	d.step(rctx, run.ID, model.StepKindTool, model.StepStatusFailed, map[string]any{"tool": tool, "class": class, "error": msg})
	d.logger.Info("dispatch: tool failed", "run_id", run.ID, "tool", tool, "class", class, "error", msg)
	return d.runs.Finish(rctx, run.ID, model.RunStatusFailed)
}

func (d *Dispatcher) step(ctx context.Context, runID uuid.UUID, kind model.StepKind, status model.StepStatus, data map[string]any) {
	if _, err := d.runs.AddStep(ctx, runID, kind, status, data); err != nil {
		d.logger.Warn("dispatch: step not recorded", "run_id", runID, "kind", kind, "error", err)
	}
}

func classify(err error) (class, msg string) {
	var f *tools.Failure
	switch {
	case errors.As(err, &f):
		return f.Class, f.Message
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout", err.Error()
	case errors.Is(err, context.Canceled):
		return "Cancelled", err.Error()
	default:
		return "Error", err.Error()
	}
}

// InFlight reports dispatches and background tasks that have been accepted
// and have not yet returned, queued ones included.
func (d *Dispatcher) InFlight() int { return int(d.inflight.Load()) }

// Wait blocks until every submitted dispatch has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Shutdown refuses new work and waits for in-flight dispatches. When ctx
// expires first, the remaining dispatches are cancelled and awaited.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.stop()
		return nil
	case <-ctx.Done():
		d.stop()
		<-done
		return ctx.Err()
	}
}

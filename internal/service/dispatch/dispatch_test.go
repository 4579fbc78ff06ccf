package dispatch

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/parley/internal/broker"
	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/quota"
	"github.com/ashita-ai/parley/internal/registry"
	"github.com/ashita-ai/parley/internal/service/runs"
	"github.com/ashita-ai/parley/internal/storage/memory"
	"github.com/ashita-ai/parley/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	store  *memory.Store
	runs   *runs.Service
	broker *broker.Broker
	guard  *quota.Guard
	set    *tools.Set
	disp   *Dispatcher
	conv   uuid.UUID
	sub    *broker.Subscription
}

func newHarness(t *testing.T, concurrency int) *harness {
	t.Helper()
	h := &harness{store: memory.New(), set: tools.NewSet(), conv: uuid.New()}
	reg := registry.MustDefault()
	h.runs = runs.New(h.store, reg, testLogger())
	h.broker = broker.New(64, testLogger())
	h.guard = quota.New(h.store, quota.DefaultConfig(), testLogger())
	h.disp = New(h.runs, reg, h.set, h.guard, h.broker, concurrency, testLogger())
	h.sub = h.broker.Subscribe(h.conv)
	t.Cleanup(func() {
		_ = h.disp.Shutdown(context.Background())
		h.broker.Unsubscribe(h.sub)
	})
	return h
}

func (h *harness) create(t *testing.T, payload map[string]any) model.Run {
	t.Helper()
	no := false
	run, err := h.runs.Create(context.Background(), runs.CreateParams{
		ConversationID: h.conv, UserID: "u1", Payload: payload, NeedsConfirmation: &no,
	})
	require.NoError(t, err)
	return run
}

func (h *harness) events() []broker.Event {
	var out []broker.Event
	for {
		select {
		case ev := <-h.sub.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func searchCall(q string) map[string]any {
	return map[string]any{"name": "search.web", "args": map[string]any{"q": q}}
}

func usage(t *testing.T, h *harness) quota.Snapshot {
	t.Helper()
	snap, err := h.guard.Usage(context.Background(), "u1", model.TierFree)
	require.NoError(t, err)
	return snap
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t, 4)
	h.set.Register("search.web", func(ctx context.Context, args map[string]any) (tools.Result, error) {
		assert.Equal(t, "u1", tools.UserID(ctx))
		return tools.Result{
			OK:        true,
			Text:      "found it",
			Artifacts: []tools.Artifact{{Kind: "report", Path: "/tmp/r.txt"}},
			Fields:    map[string]any{"links": []string{"https://a.test"}},
		}, nil
	})
	run := h.create(t, searchCall("go"))

	got, err := h.disp.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)

	evs := h.events()
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventArtifactReady, evs[0].Name)
	assert.Equal(t, model.EventFinalAnswer, evs[1].Name)
	final := evs[1].Data.(map[string]any)
	assert.Equal(t, "found it", final["text"])
	assert.Equal(t, []string{"https://a.test"}, final["links"])

	snap := usage(t, h)
	assert.Equal(t, int64(1), snap.Usage.Tasks)
	assert.Equal(t, int64(2500), snap.Usage.Tokens)

	steps, err := h.runs.Steps(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.StepStatusStarted, steps[0].Status)
	assert.Equal(t, model.StepStatusCompleted, steps[1].Status)
}

func TestExecuteFailureDoesNotCharge(t *testing.T) {
	cases := map[string]struct {
		fn   tools.Func
		want string
	}{
		"classified error": {
			fn: func(context.Context, map[string]any) (tools.Result, error) {
				return tools.Result{}, tools.Fail("Timeout", "took too long")
			},
			want: "Tool failed: Timeout: took too long",
		},
		"not ok result": {
			fn: func(context.Context, map[string]any) (tools.Result, error) {
				return tools.Result{OK: false, Error: "empty query"}, nil
			},
			want: "Tool failed: ToolError: empty query",
		},
		"panic": {
			fn: func(context.Context, map[string]any) (tools.Result, error) {
				panic("boom")
			},
			want: "Tool failed: Panic: boom",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, 4)
			h.set.Register("search.web", tc.fn)
			run := h.create(t, searchCall("go"))

			got, err := h.disp.Execute(context.Background(), run)
			require.NoError(t, err)
			assert.Equal(t, model.RunStatusFailed, got.Status)

			evs := h.events()
			require.Len(t, evs, 1)
			assert.Equal(t, model.EventFinalAnswer, evs[0].Name)
			assert.Equal(t, tc.want, evs[0].Data.(map[string]any)["text"])
			assert.Equal(t, int64(0), usage(t, h).Usage.Tasks)
		})
	}
}

func TestExecuteUnrecognized(t *testing.T) {
	h := newHarness(t, 4)

	// In the registry but with no executor bound.
	run := h.create(t, searchCall("go"))
	got, err := h.disp.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	evs := h.events()
	require.Len(t, evs, 1)
	assert.Equal(t, "Pending action not recognized: search.web.", evs[0].Data.(map[string]any)["text"])

	// No payload at all.
	chat := h.create(t, nil)
	got, err = h.disp.Execute(context.Background(), chat)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	evs = h.events()
	require.Len(t, evs, 1)
	assert.Equal(t, "Pending action not recognized: none.", evs[0].Data.(map[string]any)["text"])
}

func TestExecuteRevalidatesPayload(t *testing.T) {
	h := newHarness(t, 4)
	h.set.Register("search.web", func(context.Context, map[string]any) (tools.Result, error) {
		t.Fatal("executor must not run for an invalid payload")
		return tools.Result{}, nil
	})
	run := h.create(t, searchCall("go"))
	run.PendingPayload = &model.ToolCall{Name: "search.web", Args: map[string]any{}}

	got, err := h.disp.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	evs := h.events()
	require.Len(t, evs, 1)
	assert.Contains(t, evs[0].Data.(map[string]any)["text"], "Tool failed: InvalidPayload:")
}

func TestExecuteIsTerminalOnce(t *testing.T) {
	h := newHarness(t, 4)
	h.set.Register("search.web", func(context.Context, map[string]any) (tools.Result, error) {
		return tools.Result{OK: true, Text: "ok"}, nil
	})
	run := h.create(t, searchCall("go"))
	_, err := h.runs.Finish(context.Background(), run.ID, model.RunStatusFailed)
	require.NoError(t, err)

	got, err := h.disp.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status, "the first terminal status wins")
}

func TestCancelStopsInFlightTool(t *testing.T) {
	h := newHarness(t, 4)
	started := make(chan struct{})
	h.set.Register("search.web", func(ctx context.Context, _ map[string]any) (tools.Result, error) {
		close(started)
		<-ctx.Done()
		return tools.Result{}, ctx.Err()
	})
	run := h.create(t, searchCall("go"))
	require.NoError(t, h.disp.Submit(context.Background(), run))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("tool did not start")
	}
	_, err := h.runs.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	h.disp.Wait()

	got, err := h.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.Empty(t, h.events(), "a cancelled run is not narrated as a failure")
	assert.Equal(t, int64(0), usage(t, h).Usage.Tasks)
}

func TestCancelBeforeStubbornToolReturns(t *testing.T) {
	h := newHarness(t, 4)
	started := make(chan struct{})
	gate := make(chan struct{})
	h.set.Register("search.web", func(context.Context, map[string]any) (tools.Result, error) {
		close(started)
		<-gate
		return tools.Result{OK: true, Text: "done anyway"}, nil
	})
	run := h.create(t, searchCall("go"))
	require.NoError(t, h.disp.Submit(context.Background(), run))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("tool did not start")
	}
	_, err := h.runs.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	close(gate)
	h.disp.Wait()

	got, err := h.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.Empty(t, h.events(), "a cancelled run is not narrated as a success")
	assert.Equal(t, int64(0), usage(t, h).Usage.Tasks)

	steps, err := h.runs.Steps(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	last := steps[len(steps)-1]
	assert.Equal(t, model.StepStatusFailed, last.Status)
	assert.Equal(t, "cancelled", last.Data["error"])
}

func TestCancelWhileQueuedNeverRunsTool(t *testing.T) {
	h := newHarness(t, 1)
	gate := make(chan struct{})
	var calls atomic.Int32
	h.set.Register("search.web", func(context.Context, map[string]any) (tools.Result, error) {
		if calls.Add(1) == 1 {
			<-gate
		}
		return tools.Result{OK: true, Text: "ok"}, nil
	})
	first := h.create(t, searchCall("first"))
	second := h.create(t, searchCall("second"))
	require.NoError(t, h.disp.Submit(context.Background(), first))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.disp.Submit(context.Background(), second))

	_, err := h.runs.Cancel(context.Background(), second.ID)
	require.NoError(t, err)
	close(gate)
	h.disp.Wait()

	assert.Equal(t, int32(1), calls.Load())
	got, err := h.runs.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
}

func TestSubmitDetachesFromRequestContext(t *testing.T) {
	h := newHarness(t, 4)
	h.set.Register("search.web", func(ctx context.Context, _ map[string]any) (tools.Result, error) {
		time.Sleep(10 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			return tools.Result{}, err
		}
		return tools.Result{OK: true, Text: "ok"}, nil
	})
	run := h.create(t, searchCall("go"))

	reqCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.disp.Submit(reqCtx, run))
	cancel()
	h.disp.Wait()

	got, err := h.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
}

func TestConcurrencyIsBounded(t *testing.T) {
	h := newHarness(t, 2)
	var active, peak atomic.Int32
	h.set.Register("search.web", func(context.Context, map[string]any) (tools.Result, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return tools.Result{OK: true, Text: "ok"}, nil
	})

	for range 8 {
		require.NoError(t, h.disp.Submit(context.Background(), h.create(t, searchCall("go"))))
	}
	h.disp.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int64(8), usage(t, h).Usage.Tasks)
}

func TestShutdownRefusesNewWork(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.disp.Shutdown(context.Background()))
	assert.ErrorIs(t, h.disp.Submit(context.Background(), h.create(t, searchCall("go"))), ErrClosed)
	assert.ErrorIs(t, h.disp.Go(context.Background(), func(context.Context) {}, nil), ErrClosed)
}

func TestShutdownCancelsStragglers(t *testing.T) {
	h := newHarness(t, 2)
	h.set.Register("search.web", func(ctx context.Context, _ map[string]any) (tools.Result, error) {
		<-ctx.Done()
		return tools.Result{}, ctx.Err()
	})
	run := h.create(t, searchCall("go"))
	require.NoError(t, h.disp.Submit(context.Background(), run))
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.disp.Shutdown(ctx), context.DeadlineExceeded)

	got, err := h.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
}

func TestGoRunsBackgroundWork(t *testing.T) {
	h := newHarness(t, 1)
	done := make(chan struct{})
	require.NoError(t, h.disp.Go(context.Background(), func(context.Context) { close(done) }, nil))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background task did not run")
	}
	require.NoError(t, h.disp.Go(context.Background(), func(context.Context) { panic("contained") }, nil))
	h.disp.Wait()
}

func TestGoReportsTaskDroppedAtShutdown(t *testing.T) {
	h := newHarness(t, 1)
	gate := make(chan struct{})
	require.NoError(t, h.disp.Go(context.Background(), func(ctx context.Context) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}, nil))

	var ran atomic.Bool
	dropped := make(chan error, 1)
	require.NoError(t, h.disp.Go(context.Background(), func(context.Context) { ran.Store(true) },
		func(ctx context.Context, err error) {
			assert.NoError(t, ctx.Err(), "drop callback gets a live context")
			dropped <- err
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.disp.Shutdown(ctx), context.DeadlineExceeded)
	close(gate)

	select {
	case err := <-dropped:
		assert.ErrorIs(t, err, context.Canceled)
	default:
		t.Fatal("queued task was not reported as dropped")
	}
	assert.False(t, ran.Load())
}

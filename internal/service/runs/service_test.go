package runs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/registry"
	"github.com/ashita-ai/parley/internal/storage"
	"github.com/ashita-ai/parley/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newService(t *testing.T) *Service {
	t.Helper()
	return New(memory.New(), registry.MustDefault(), testLogger())
}

func emailPayload() map[string]any {
	return map[string]any{
		"name": "email.draft_send",
		"args": map[string]any{"to": "a@example.com", "subject": "Hi", "body": "Hello"},
	}
}

func browserPayload() map[string]any {
	return map[string]any{"tool": "browser", "url": "https://example.com"}
}

func TestCreateChatRunStartsRunning(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	run, err := s.Create(ctx, CreateParams{
		ConversationID: uuid.New(),
		UserID:         "u1",
		Plan:           []string{"generate_answer"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, model.RunModeChat, run.Mode)
	assert.False(t, run.NeedsConfirmation)
	assert.Nil(t, run.PendingPayload)
	assert.Nil(t, run.FinishedAt)
}

func TestCreateUsesRegistryConfirmationDefault(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	email, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1", Payload: emailPayload()})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAwaitingConfirmation, email.Status)
	assert.True(t, email.NeedsConfirmation)
	require.NotNil(t, email.PendingPayload)
	assert.Equal(t, "email.draft_send", email.PendingPayload.Name)
	assert.Equal(t, model.RunModeTask, email.Mode)

	browser, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1", Payload: browserPayload()})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, browser.Status)
	require.NotNil(t, browser.PendingPayload)
	assert.Equal(t, "browser.screenshot", browser.PendingPayload.Name, "legacy payload is normalized")
	assert.Equal(t, "https://example.com", browser.PendingPayload.Args["url"])
}

func TestCreateExplicitConfirmationWins(t *testing.T) {
	s := newService(t)
	yes := true
	run, err := s.Create(context.Background(), CreateParams{
		ConversationID:    uuid.New(),
		UserID:            "u1",
		Payload:           browserPayload(),
		NeedsConfirmation: &yes,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAwaitingConfirmation, run.Status)
}

func TestCreateGatedRunNeedsPayload(t *testing.T) {
	store := memory.New()
	s := New(store, registry.MustDefault(), testLogger())
	conv := uuid.New()
	yes := true
	_, err := s.Create(context.Background(), CreateParams{
		ConversationID: conv, UserID: "u1", NeedsConfirmation: &yes,
	})
	require.ErrorIs(t, err, ErrNoPendingPayload)

	list, err := s.ListByConversation(context.Background(), conv)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateRejectsBadPayloadBeforePersisting(t *testing.T) {
	store := memory.New()
	s := New(store, registry.MustDefault(), testLogger())
	ctx := context.Background()
	conv := uuid.New()

	_, err := s.Create(ctx, CreateParams{ConversationID: conv, UserID: "u1",
		Payload: map[string]any{"name": "nope.tool", "args": map[string]any{}}})
	require.ErrorIs(t, err, registry.ErrUnknownTool)

	_, err = s.Create(ctx, CreateParams{ConversationID: conv, UserID: "u1",
		Payload: map[string]any{"name": "email.draft_send", "args": map[string]any{"to": "x"}}})
	require.ErrorIs(t, err, registry.ErrInvalidPayload)
	var verr *registry.ValidationError
	require.True(t, errors.As(err, &verr))

	_, err = s.Create(ctx, CreateParams{ConversationID: conv, UserID: "u1",
		Payload: map[string]any{"name": "todos.list", "args": "not-an-object"}})
	require.ErrorIs(t, err, registry.ErrInvalidPayload)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "args", verr.Path)

	runs, err := store.ListRuns(ctx, conv, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestConfirmOnlyFromAwaiting(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	run, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1", Payload: emailPayload()})
	require.NoError(t, err)

	got, won, err := s.Confirm(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, model.RunStatusRunning, got.Status)

	got, won, err = s.Confirm(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, won, "second confirm is a no-op")
	assert.Equal(t, model.RunStatusRunning, got.Status)

	_, _, err = s.Confirm(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentConfirmHasOneWinner(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	run, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1", Payload: emailPayload()})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, won, err := s.Confirm(ctx, run.ID)
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestCancel(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	run, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1", Payload: emailPayload()})
	require.NoError(t, err)

	got, err := s.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	require.NotNil(t, got.FinishedAt)

	again, err := s.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, got.FinishedAt, again.FinishedAt, "cancel of a terminal run changes nothing")

	_, won, err := s.Confirm(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, won)

	_, err = s.Cancel(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancelStopsTrackedDispatch(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	run, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1", Payload: browserPayload()})
	require.NoError(t, err)

	dctx, cancel := context.WithCancel(context.Background())
	release := s.TrackDispatch(run.ID, cancel)
	defer release()

	_, err = s.Cancel(ctx, run.ID)
	require.NoError(t, err)
	select {
	case <-dctx.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatch context was not cancelled")
	}
}

func TestTrackDispatchOnCancelledRunCancelsAtOnce(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	run, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1"})
	require.NoError(t, err)
	_, err = s.Cancel(ctx, run.ID)
	require.NoError(t, err)

	dctx, cancel := context.WithCancel(context.Background())
	defer s.TrackDispatch(run.ID, cancel)()
	require.Error(t, dctx.Err())
}

func TestFinishIsSticky(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	run, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1"})
	require.NoError(t, err)

	_, err = s.Finish(ctx, run.ID, model.RunStatusRunning)
	require.ErrorIs(t, err, ErrNotTerminal)

	done, err := s.Finish(ctx, run.ID, model.RunStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	require.NotNil(t, done.FinishedAt)

	again, err := s.Finish(ctx, run.ID, model.RunStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, again.Status, "first outcome wins")
}

func TestMarkAwaitingConfirmation(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	chat, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1"})
	require.NoError(t, err)
	_, err = s.MarkAwaitingConfirmation(ctx, chat.ID)
	require.ErrorIs(t, err, ErrNoPendingPayload)

	tool, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1", Payload: browserPayload()})
	require.NoError(t, err)
	got, err := s.MarkAwaitingConfirmation(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAwaitingConfirmation, got.Status)

	pending, err := s.LatestPending(ctx, tool.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, tool.ID, pending.ID)
}

func TestLatestPendingAndList(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	conv := uuid.New()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := range 3 {
		s.SetClock(func() time.Time { return base.Add(time.Duration(i) * time.Minute) })
		run, err := s.Create(ctx, CreateParams{ConversationID: conv, UserID: "u1", Payload: emailPayload()})
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	pending, err := s.LatestPending(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, ids[2], pending.ID)

	list, err := s.ListByConversation(ctx, conv)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID, "newest first")

	_, err = s.LatestPending(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStepsAreOrdered(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	run, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1"})
	require.NoError(t, err)

	for _, k := range []model.StepKind{model.StepKindPlan, model.StepKindTool, model.StepKindFinal} {
		_, err := s.AddStep(ctx, run.ID, k, model.StepStatusCompleted, nil)
		require.NoError(t, err)
	}
	steps, err := s.Steps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, st := range steps {
		assert.Equal(t, i, st.Idx)
	}
	assert.Equal(t, model.StepKindFinal, steps[2].Kind)
}

func TestExpirePending(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	s.SetClock(func() time.Time { return old })
	stale, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1", Payload: emailPayload()})
	require.NoError(t, err)

	s.SetClock(time.Now)
	fresh, err := s.Create(ctx, CreateParams{ConversationID: uuid.New(), UserID: "u1", Payload: emailPayload()})
	require.NoError(t, err)

	expired, err := s.ExpirePending(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)

	got, err := s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAwaitingConfirmation, got.Status)
}

// Whatever sequence of lifecycle calls is applied, finished_at is set exactly
// when the status is terminal, and a terminal status never changes again.
func TestRunLifecycleInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal runs are sticky and stamped", prop.ForAll(
		func(ops []int, confirmFirst bool) bool {
			s := New(memory.New(), registry.MustDefault(), testLogger())
			ctx := context.Background()
			needs := confirmFirst
			run, err := s.Create(ctx, CreateParams{
				ConversationID: uuid.New(), UserID: "u1",
				Payload: browserPayload(), NeedsConfirmation: &needs,
			})
			if err != nil {
				return false
			}

			var terminal model.RunStatus
			for _, op := range ops {
				switch op {
				case 0:
					run, _, err = s.Confirm(ctx, run.ID)
				case 1:
					run, err = s.Cancel(ctx, run.ID)
				case 2:
					run, err = s.Finish(ctx, run.ID, model.RunStatusCompleted)
				case 3:
					run, err = s.Finish(ctx, run.ID, model.RunStatusFailed)
				case 4:
					run, err = s.MarkAwaitingConfirmation(ctx, run.ID)
				}
				if err != nil {
					return false
				}
				if run.Status.Terminal() != (run.FinishedAt != nil) {
					return false
				}
				if terminal != "" && run.Status != terminal {
					return false
				}
				if run.Status.Terminal() {
					terminal = run.Status
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 4)), gen.Bool(),
	))

	properties.TestingRun(t)
}

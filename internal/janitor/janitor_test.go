package janitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/registry"
	"github.com/ashita-ai/parley/internal/service/runs"
	"github.com/ashita-ai/parley/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu     sync.Mutex
	events []map[string]any
}

func (r *recorder) Publish(_ uuid.UUID, name string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == model.EventConfirmation {
		r.events = append(r.events, data.(map[string]any))
	}
}

func TestSweepExpiresStalePendingRuns(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := runs.New(store, registry.MustDefault(), testLogger())

	needs := true
	staged := func(age time.Duration) model.Run {
		svc.SetClock(func() time.Time { return time.Now().Add(-age) })
		run, err := svc.Create(ctx, runs.CreateParams{
			ConversationID:    uuid.New(),
			UserID:            "alice",
			Payload:           map[string]any{"tool": "email", "command": "hi"},
			NeedsConfirmation: &needs,
		})
		require.NoError(t, err)
		return run
	}
	old := staged(time.Hour)
	fresh := staged(time.Minute)
	svc.SetClock(time.Now)

	pub := &recorder{}
	j, err := New(svc, store, pub, Config{Schedule: "@every 1m", PendingTTL: 30 * time.Minute}, testLogger())
	require.NoError(t, err)

	res, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	got, err := svc.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	got, err = svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAwaitingConfirmation, got.Status)

	require.Len(t, pub.events, 1)
	assert.Equal(t, "expired", pub.events[0]["status"])
	assert.Equal(t, old.ID, pub.events[0]["run_id"])
}

func TestSweepPurgesIdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, err := store.BeginIdempotency(ctx, "alice", "POST:/x", "k", "h")
	require.NoError(t, err)
	require.NoError(t, store.CompleteIdempotency(ctx, "alice", "POST:/x", "k", 202, map[string]any{}))

	j, err := New(runs.New(store, registry.MustDefault(), testLogger()), store, nil,
		Config{Schedule: "@every 1m", IdempotencyTTL: time.Nanosecond}, testLogger())
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	res, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.KeysDeleted)
	assert.Zero(t, res.Expired)
}

type failingRuns struct{}

func (failingRuns) ExpirePending(context.Context, time.Duration) ([]model.Run, error) {
	return nil, errors.New("db down")
}

type countingKeys struct {
	mu    sync.Mutex
	calls int
}

func (k *countingKeys) CleanupIdempotencyKeys(context.Context, time.Duration, time.Duration) (int64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls++
	return 0, nil
}

func (k *countingKeys) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls
}

func TestSweepContinuesAfterExpireFailure(t *testing.T) {
	keys := &countingKeys{}
	j, err := New(failingRuns{}, keys, nil,
		Config{Schedule: "@every 1m", PendingTTL: time.Minute, IdempotencyTTL: time.Hour}, testLogger())
	require.NoError(t, err)

	_, err = j.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 1, keys.count())
}

func TestScheduleRunsSweeps(t *testing.T) {
	keys := &countingKeys{}
	j, err := New(failingRuns{}, keys, nil,
		Config{Schedule: "@every 1s", IdempotencyTTL: time.Hour}, testLogger())
	require.NoError(t, err)

	j.Start()
	assert.Eventually(t, func() bool { return keys.count() > 0 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	j.Stop(ctx)
}

func TestInvalidSchedule(t *testing.T) {
	_, err := New(failingRuns{}, &countingKeys{}, nil, Config{Schedule: "every minute"}, testLogger())
	require.Error(t, err)
	require.Error(t, ValidateSchedule("61 * * * *"))
	require.NoError(t, ValidateSchedule("*/5 * * * *"))
	require.NoError(t, ValidateSchedule("0 */5 * * * *"))
}

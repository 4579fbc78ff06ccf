package quota_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/quota"
	"github.com/ashita-ai/parley/internal/storage/memory"
	"github.com/ashita-ai/parley/internal/testutil"
)

func newGuard(t *testing.T, counter quota.Counter) *quota.Guard {
	t.Helper()
	cfg := quota.DefaultConfig()
	cfg.Tiers[model.TierFree] = quota.Limits{Tasks: 3, Tokens: 10_000}
	g := quota.New(counter, cfg, testutil.TestLogger())
	g.SetClock(func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) })
	return g
}

func TestCheck_UnderLimit(t *testing.T) {
	g := newGuard(t, memory.New())
	snap, err := g.Check(context.Background(), "u1", model.TierFree)
	require.NoError(t, err)
	assert.Equal(t, model.TierFree, snap.Tier)
	assert.Equal(t, int64(3), snap.Limits.Tasks)
	assert.Equal(t, "20260501", snap.Usage.Day)
}

func TestCheck_TasksExhausted(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, memory.New())
	for range 3 {
		require.NoError(t, g.Increment(ctx, "u1", 1, 10))
	}

	_, err := g.Check(ctx, "u1", model.TierFree)
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)
	var ex *quota.ExceededError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, quota.KindTasks, ex.Kind)
	assert.Equal(t, int64(3), ex.Used)
	assert.Equal(t, "quota exceeded: tasks 3/3", ex.Error())

	// A paid user with the same usage is fine.
	_, err = g.Check(ctx, "u1", model.TierPaid)
	assert.NoError(t, err)
}

func TestCheck_TokensExhausted(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, memory.New())
	require.NoError(t, g.Increment(ctx, "u1", 1, 10_000))

	_, err := g.Check(ctx, "u1", model.TierFree)
	var ex *quota.ExceededError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, quota.KindTokens, ex.Kind)
}

func TestUnknownTierUsesDefault(t *testing.T) {
	g := newGuard(t, memory.New())
	tier, limits := g.LimitsFor("platinum")
	assert.Equal(t, model.TierFree, tier)
	assert.Equal(t, int64(3), limits.Tasks)
}

func TestCountersAreDaily(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	g := newGuard(t, store)
	for range 3 {
		require.NoError(t, g.Increment(ctx, "u1", 1, 1))
	}
	_, err := g.Check(ctx, "u1", model.TierFree)
	require.Error(t, err)

	g.SetClock(func() time.Time { return time.Date(2026, 5, 2, 0, 0, 1, 0, time.UTC) })
	_, err = g.Check(ctx, "u1", model.TierFree)
	assert.NoError(t, err, "a new UTC day starts from zero")
}

func TestIncrementConcurrent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	g := newGuard(t, store)

	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Increment(ctx, "u1", 1, 25))
		}()
	}
	wg.Wait()

	snap, err := g.Usage(ctx, "u1", model.TierDev)
	require.NoError(t, err)
	assert.Equal(t, int64(40), snap.Usage.Tasks)
	assert.Equal(t, int64(1000), snap.Usage.Tokens)
}

type failingCounter struct{}

func (failingCounter) GetUsage(context.Context, string, string) (model.UsageCounter, error) {
	return model.UsageCounter{}, errors.New("db down")
}

func (failingCounter) IncrementUsage(context.Context, string, string, int64, int64) error {
	return errors.New("db down")
}

func TestCheckFailsClosedOnStorageError(t *testing.T) {
	g := newGuard(t, failingCounter{})
	_, err := g.Check(context.Background(), "u1", model.TierFree)
	require.Error(t, err)
	assert.NotErrorIs(t, err, quota.ErrQuotaExceeded)
	require.Error(t, g.Increment(context.Background(), "u1", 1, 1))
}

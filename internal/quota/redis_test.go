package quota_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/quota"
	"github.com/ashita-ai/parley/internal/testutil"
)

var redisURL string

func TestMain(m *testing.M) {
	tc := testutil.MustStartRedis()
	redisURL = tc.DSN
	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

func TestRedisCounter(t *testing.T) {
	ctx := context.Background()
	c, err := quota.NewRedisCounter(ctx, redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	user := "redis-" + uuid.NewString()[:8]
	zero, err := c.GetUsage(ctx, user, "20260501")
	require.NoError(t, err)
	assert.Equal(t, int64(0), zero.Tasks)
	assert.Equal(t, user, zero.UserID)

	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.IncrementUsage(ctx, user, "20260501", 1, 40))
		}()
	}
	wg.Wait()

	got, err := c.GetUsage(ctx, user, "20260501")
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.Tasks)
	assert.Equal(t, int64(1000), got.Tokens)

	other, err := c.GetUsage(ctx, user, "20260502")
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.Tasks)
}

func TestRedisCountersAreKept(t *testing.T) {
	ctx := context.Background()
	c, err := quota.NewRedisCounter(ctx, redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	user := "redis-history-" + uuid.NewString()[:8]
	require.NoError(t, c.IncrementUsage(ctx, user, "20260101", 1, 10))

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	raw := redis.NewClient(opts)
	t.Cleanup(func() { _ = raw.Close() })
	ttl, err := raw.TTL(ctx, "parley:usage:"+user+":20260101").Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl, "usage keys must not expire")
}

func TestRedisCounterBacksGuard(t *testing.T) {
	ctx := context.Background()
	c, err := quota.NewRedisCounter(ctx, redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	g := newGuard(t, c)
	user := "redis-guard-" + uuid.NewString()[:8]
	for range 3 {
		require.NoError(t, g.Increment(ctx, user, 1, 1))
	}
	_, err = g.Check(ctx, user, model.TierFree)
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)
}

func TestNewRedisCounterBadURL(t *testing.T) {
	_, err := quota.NewRedisCounter(context.Background(), "not a url")
	require.Error(t, err)
}

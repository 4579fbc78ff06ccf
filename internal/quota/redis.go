package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/parley/internal/model"
)

// RedisCounter keeps usage counters in Redis hashes keyed by user and day.
// HINCRBY is atomic, so concurrent increments never lose updates. Keys carry
// no expiry; past days stay as usage history, like the usage_counters rows.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter connects to url (redis://host:port/db) and verifies it.
func NewRedisCounter(ctx context.Context, url string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("quota: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("quota: ping redis: %w", err)
	}
	return NewRedisCounterFromClient(client), nil
}

// NewRedisCounterFromClient wraps an existing client.
func NewRedisCounterFromClient(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, prefix: "parley:usage:"}
}

func (c *RedisCounter) key(userID, day string) string {
	return c.prefix + userID + ":" + day
}

// GetUsage reads the (user, day) hash. A missing key reads as zero.
func (c *RedisCounter) GetUsage(ctx context.Context, userID, day string) (model.UsageCounter, error) {
	u := model.UsageCounter{UserID: userID, Day: day}
	vals, err := c.client.HMGet(ctx, c.key(userID, day), "tasks", "tokens").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.UsageCounter{}, fmt.Errorf("quota: redis hmget: %w", err)
	}
	if len(vals) == 2 {
		if u.Tasks, err = parseCount(vals[0]); err != nil {
			return model.UsageCounter{}, err
		}
		if u.Tokens, err = parseCount(vals[1]); err != nil {
			return model.UsageCounter{}, err
		}
	}
	return u, nil
}

// IncrementUsage adds both deltas in one MULTI/EXEC.
func (c *RedisCounter) IncrementUsage(ctx context.Context, userID, day string, tasks, tokens int64) error {
	key := c.key(userID, day)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "tasks", tasks)
		pipe.HIncrBy(ctx, key, "tokens", tokens)
		return nil
	})
	if err != nil {
		return fmt.Errorf("quota: redis increment: %w", err)
	}
	return nil
}

// Close releases the client.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}

func parseCount(v any) (int64, error) {
	switch s := v.(type) {
	case nil:
		return 0, nil
	case string:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("quota: corrupt counter %q: %w", s, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("quota: unexpected counter type %T", v)
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/parley/internal/model"
)

// GetUsage returns the counter for (user, day). A missing row reads as zero.
func (db *DB) GetUsage(ctx context.Context, userID, day string) (model.UsageCounter, error) {
	u := model.UsageCounter{UserID: userID, Day: day}
	err := db.pool.QueryRow(ctx,
		`SELECT tasks, tokens FROM usage_counters WHERE user_id = $1 AND day = $2`,
		userID, day,
	).Scan(&u.Tasks, &u.Tokens)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.UsageCounter{}, fmt.Errorf("storage: get usage: %w", err)
	}
	return u, nil
}

// IncrementUsage atomically adds deltas to the (user, day) counter, creating
// it on first use. The upsert avoids lost updates under concurrent dispatches.
func (db *DB) IncrementUsage(ctx context.Context, userID, day string, tasks, tokens int64) error {
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO usage_counters (user_id, day, tasks, tokens)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, day) DO UPDATE
			 SET tasks = usage_counters.tasks + EXCLUDED.tasks,
			     tokens = usage_counters.tokens + EXCLUDED.tokens`,
			userID, day, tasks, tokens,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: increment usage: %w", err)
	}
	return nil
}

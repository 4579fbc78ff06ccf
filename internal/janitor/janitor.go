// Package janitor runs periodic maintenance: expiring runs that waited too
// long for confirmation and purging old idempotency keys.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ashita-ai/parley/internal/model"
)

// Runs expires stale pending runs.
type Runs interface {
	ExpirePending(ctx context.Context, olderThan time.Duration) ([]model.Run, error)
}

// Keys purges idempotency records.
type Keys interface {
	CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error)
}

// Publisher announces expired runs to connected clients.
type Publisher interface {
	Publish(conversationID uuid.UUID, name string, data any)
}

// Config holds the janitor's schedule and retention windows.
type Config struct {
	// Schedule is a cron expression (5 or 6 fields) or a descriptor such
	// as "@every 1m".
	Schedule       string
	PendingTTL     time.Duration
	IdempotencyTTL time.Duration
	// Abandoned in-progress idempotency keys are dropped after this long.
	InProgressTTL time.Duration
	// Timeout bounds a single sweep.
	Timeout time.Duration
}

// parser accepts standard and seconds-extended expressions plus descriptors.
var parser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule reports whether expr parses.
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("janitor: invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Janitor owns the cron scheduler.
type Janitor struct {
	cron   *cron.Cron
	runs   Runs
	keys   Keys
	pub    Publisher
	cfg    Config
	logger *slog.Logger
}

// Result summarizes one sweep.
type Result struct {
	Expired     int
	KeysDeleted int64
}

// New creates a Janitor. Call Start to begin the schedule.
func New(runs Runs, keys Keys, pub Publisher, cfg Config, logger *slog.Logger) (*Janitor, error) {
	if cfg.InProgressTTL <= 0 {
		cfg.InProgressTTL = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	j := &Janitor{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		runs:   runs,
		keys:   keys,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, j.tick); err != nil {
		return nil, fmt.Errorf("janitor: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Start runs the schedule in the background.
func (j *Janitor) Start() {
	j.logger.Info("janitor: started", "schedule", j.cfg.Schedule, "pending_ttl", j.cfg.PendingTTL)
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		j.logger.Warn("janitor: stop timed out with a sweep in progress")
	}
}

func (j *Janitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Timeout)
	defer cancel()
	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Error("janitor: sweep failed", "error", err)
	}
}

// Sweep runs one maintenance pass. Both steps run even if the first fails.
func (j *Janitor) Sweep(ctx context.Context) (Result, error) {
	var res Result
	var firstErr error

	if j.cfg.PendingTTL > 0 {
		expired, err := j.runs.ExpirePending(ctx, j.cfg.PendingTTL)
		if err != nil {
			firstErr = fmt.Errorf("janitor: expire pending: %w", err)
		}
		res.Expired = len(expired)
		for _, run := range expired {
			if j.pub != nil {
				j.pub.Publish(run.ConversationID, model.EventConfirmation, map[string]any{
					"run_id": run.ID, "status": "expired",
				})
			}
		}
	}

	if j.cfg.IdempotencyTTL > 0 {
		n, err := j.keys.CleanupIdempotencyKeys(ctx, j.cfg.IdempotencyTTL, j.cfg.InProgressTTL)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("janitor: cleanup idempotency keys: %w", err)
		}
		res.KeysDeleted = n
	}

	if res.Expired > 0 || res.KeysDeleted > 0 {
		j.logger.Info("janitor: sweep", "expired_runs", res.Expired, "idempotency_keys_deleted", res.KeysDeleted)
	}
	return res, firstErr
}

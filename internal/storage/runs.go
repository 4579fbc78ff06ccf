package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/parley/internal/model"
)

const runColumns = `id, conversation_id, user_id, status, mode, plan, needs_confirmation,
	pending_payload, started_at, finished_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var run model.Run
	err := row.Scan(
		&run.ID, &run.ConversationID, &run.UserID, &run.Status, &run.Mode, &run.Plan,
		&run.NeedsConfirmation, &run.PendingPayload, &run.StartedAt, &run.FinishedAt,
	)
	if run.Plan == nil {
		run.Plan = []string{}
	}
	return run, err
}

// InsertRun stores a new run exactly as given.
func (db *DB) InsertRun(ctx context.Context, run model.Run) error {
	plan := run.Plan
	if plan == nil {
		plan = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, conversation_id, user_id, status, mode, plan, needs_confirmation,
		                   pending_payload, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.ConversationID, run.UserID, string(run.Status), string(run.Mode), plan,
		run.NeedsConfirmation, run.PendingPayload, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// LatestPendingRun returns the newest awaiting_confirmation run of a conversation.
func (db *DB) LatestPendingRun(ctx context.Context, conversationID uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE conversation_id = $1 AND status = 'awaiting_confirmation'
		 ORDER BY started_at DESC
		 LIMIT 1`, conversationID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: pending run for %s: %w", conversationID, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: latest pending run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs of a conversation, newest first.
func (db *DB) ListRuns(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE conversation_id = $1
		 ORDER BY started_at DESC
		 LIMIT $2`, conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TransitionRun performs a conditional status update. The WHERE clause on the
// current status makes concurrent transitions race-free: exactly one caller
// observes changed=true.
func (db *DB) TransitionRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus) (model.Run, bool, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	var finishedAt *time.Time
	if to.Terminal() {
		now := time.Now().UTC()
		finishedAt = &now
	}

	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs SET status = $2, finished_at = $3
		 WHERE id = $1 AND status = ANY($4)
		 RETURNING `+runColumns,
		id, string(to), finishedAt, fromStrs,
	))
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, false, fmt.Errorf("storage: transition run: %w", err)
	}

	// No row matched: either the run is missing or it is in another status.
	current, err := db.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, false, err
	}
	return current, false, nil
}

// ExpirePendingRuns cancels stale awaiting_confirmation runs.
func (db *DB) ExpirePendingRuns(ctx context.Context, before time.Time) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE runs SET status = 'cancelled', finished_at = now()
		 WHERE status = 'awaiting_confirmation' AND started_at < $1
		 RETURNING `+runColumns, before,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: expire pending runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

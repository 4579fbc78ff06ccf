package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/parley/internal/model"
)

// AppendStep stores a step with the next idx for its run. Concurrent appends
// to the same run collide on the (run_id, idx) unique constraint and are
// retried with a fresh idx.
func (db *DB) AppendStep(ctx context.Context, step model.Step) (model.Step, error) {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	if step.Data == nil {
		step.Data = map[string]any{}
	}

	err := retry(ctx, 12, time.Millisecond, func(err error) bool {
		return hasCode(err, codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected)
	}, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO steps (id, run_id, idx, kind, data, status, created_at)
			 SELECT $1, $2, COALESCE(MAX(idx) + 1, 0), $3, $4, $5, $6
			 FROM steps WHERE run_id = $2
			 RETURNING idx`,
			step.ID, step.RunID, string(step.Kind), step.Data, string(step.Status), step.CreatedAt,
		).Scan(&step.Idx)
	})
	if err != nil {
		return model.Step{}, fmt.Errorf("storage: append step: %w", err)
	}
	return step, nil
}

// ListSteps returns a run's steps in idx order.
func (db *DB) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, idx, kind, data, status, created_at
		 FROM steps WHERE run_id = $1 ORDER BY idx`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	steps := []model.Step{}
	for rows.Next() {
		var s model.Step
		if err := rows.Scan(&s.ID, &s.RunID, &s.Idx, &s.Kind, &s.Data, &s.Status, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// Package memory provides an in-memory implementation of storage.Store.
//
// This implementation is suitable for development, tests and single-node
// demos where persistence across restarts is not required. It is safe for
// concurrent use; a single mutex makes every method atomic, which gives the
// same conditional-update semantics as the Postgres store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/storage"
)

type conversation struct {
	model.Conversation
	deleted bool
}

type usageKey struct{ user, day string }

type idemKey struct{ user, endpoint, key string }

type idemEntry struct {
	hash       string
	completed  bool
	statusCode int
	response   json.RawMessage
	updatedAt  time.Time
}

// Store is an in-memory storage.Store.
type Store struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*conversation
	messages      map[uuid.UUID][]model.Message
	files         map[uuid.UUID]model.File
	runs          map[uuid.UUID]model.Run
	steps         map[uuid.UUID][]model.Step
	usage         map[usageKey]model.UsageCounter
	idem          map[idemKey]*idemEntry
}

// Compile-time check that Store implements storage.Store.
var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		conversations: make(map[uuid.UUID]*conversation),
		messages:      make(map[uuid.UUID][]model.Message),
		files:         make(map[uuid.UUID]model.File),
		runs:          make(map[uuid.UUID]model.Run),
		steps:         make(map[uuid.UUID][]model.Step),
		usage:         make(map[usageKey]model.UsageCounter),
		idem:          make(map[idemKey]*idemEntry),
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// cloneRun copies the mutable parts of a run so callers never alias stored state.
func cloneRun(r model.Run) model.Run {
	r.Plan = slices.Clone(r.Plan)
	if r.Plan == nil {
		r.Plan = []string{}
	}
	if r.PendingPayload != nil {
		p := *r.PendingPayload
		p.Args = maps.Clone(p.Args)
		r.PendingPayload = &p
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		r.FinishedAt = &t
	}
	return r
}

// ---- runs ----------------------------------------------------------------

// InsertRun stores a new run.
func (s *Store) InsertRun(ctx context.Context, run model.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("memory: run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	if err := ctx.Err(); err != nil {
		return model.Run{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("memory: run %s: %w", id, storage.ErrNotFound)
	}
	return cloneRun(run), nil
}

// LatestPendingRun returns the newest awaiting_confirmation run of a conversation.
func (s *Store) LatestPendingRun(ctx context.Context, conversationID uuid.UUID) (model.Run, error) {
	if err := ctx.Err(); err != nil {
		return model.Run{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  model.Run
		found bool
	)
	for _, r := range s.runs {
		if r.ConversationID != conversationID || r.Status != model.RunStatusAwaitingConfirmation {
			continue
		}
		if !found || r.StartedAt.After(best.StartedAt) {
			best, found = r, true
		}
	}
	if !found {
		return model.Run{}, fmt.Errorf("memory: pending run for %s: %w", conversationID, storage.ErrNotFound)
	}
	return cloneRun(best), nil
}

// ListRuns returns up to limit runs of a conversation, newest first.
func (s *Store) ListRuns(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := []model.Run{}
	for _, r := range s.runs {
		if r.ConversationID == conversationID {
			runs = append(runs, cloneRun(r))
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// TransitionRun moves a run to `to` when its status is one of `from`.
func (s *Store) TransitionRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus) (model.Run, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Run{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, false, fmt.Errorf("memory: run %s: %w", id, storage.ErrNotFound)
	}
	if !slices.Contains(from, run.Status) {
		return cloneRun(run), false, nil
	}
	run.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		run.FinishedAt = &now
	} else {
		run.FinishedAt = nil
	}
	s.runs[id] = run
	return cloneRun(run), true, nil
}

// ExpirePendingRuns cancels awaiting_confirmation runs started before the cutoff.
func (s *Store) ExpirePendingRuns(ctx context.Context, before time.Time) ([]model.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []model.Run
	now := time.Now().UTC()
	for id, r := range s.runs {
		if r.Status != model.RunStatusAwaitingConfirmation || !r.StartedAt.Before(before) {
			continue
		}
		r.Status = model.RunStatusCancelled
		finished := now
		r.FinishedAt = &finished
		s.runs[id] = r
		expired = append(expired, cloneRun(r))
	}
	return expired, nil
}

// AppendStep stores a step with the next idx for its run.
func (s *Store) AppendStep(ctx context.Context, step model.Step) (model.Step, error) {
	if err := ctx.Err(); err != nil {
		return model.Step{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[step.RunID]; !ok {
		return model.Step{}, fmt.Errorf("memory: run %s: %w", step.RunID, storage.ErrNotFound)
	}
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	step.Data = maps.Clone(step.Data)
	if step.Data == nil {
		step.Data = map[string]any{}
	}
	step.Idx = len(s.steps[step.RunID])
	s.steps[step.RunID] = append(s.steps[step.RunID], step)
	return step, nil
}

// ListSteps returns a run's steps in idx order.
func (s *Store) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Step, len(s.steps[runID]))
	copy(out, s.steps[runID])
	return out, nil
}

// ---- usage ---------------------------------------------------------------

// GetUsage returns the (user, day) counter; missing reads as zero.
func (s *Store) GetUsage(ctx context.Context, userID, day string) (model.UsageCounter, error) {
	if err := ctx.Err(); err != nil {
		return model.UsageCounter{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[usageKey{userID, day}]
	if !ok {
		return model.UsageCounter{UserID: userID, Day: day}, nil
	}
	return u, nil
}

// IncrementUsage adds deltas to the (user, day) counter under the store lock.
func (s *Store) IncrementUsage(ctx context.Context, userID, day string, tasks, tokens int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := usageKey{userID, day}
	u := s.usage[k]
	u.UserID, u.Day = userID, day
	u.Tasks += tasks
	u.Tokens += tokens
	s.usage[k] = u
	return nil
}

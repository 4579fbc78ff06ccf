// Package runs owns the run lifecycle: creation with payload validation,
// the confirmation gate, cancellation, and terminal finishing.
//
// Every status change goes through a conditional storage transition, so two
// concurrent confirmations (or a confirm racing a cancel) resolve to exactly
// one winner. Terminal statuses are sticky.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/registry"
	"github.com/ashita-ai/parley/internal/storage"
	"github.com/ashita-ai/parley/internal/telemetry"
)

// RecentLimit bounds ListByConversation.
const RecentLimit = 20

var (
	// ErrNoPendingPayload is returned when a run without a tool call is asked
	// to wait for confirmation.
	ErrNoPendingPayload = errors.New("runs: no pending payload")
	// ErrNotTerminal is returned when Finish is given a non-terminal status.
	ErrNotTerminal = errors.New("runs: status is not terminal")
)

// Validator is the registry gate a tool call must pass before a run exists.
type Validator interface {
	RequireValid(name string, args map[string]any) (model.ToolMeta, error)
}

// CreateParams describes a new run. Payload may use either the canonical
// {name, args} shape or the legacy {tool, ...} shape; nil means no tool.
// NeedsConfirmation overrides the registry default when set.
type CreateParams struct {
	ConversationID    uuid.UUID
	UserID            string
	Mode              model.RunMode
	Plan              []string
	Payload           map[string]any
	NeedsConfirmation *bool
}

// Service is the run state machine.
type Service struct {
	store     storage.RunStore
	validator Validator
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc

	finished metric.Int64Counter
}

// New creates a run Service.
func New(store storage.RunStore, validator Validator, logger *slog.Logger) *Service {
	meter := telemetry.Meter(telemetry.ScopeRuns)
	finished, _ := meter.Int64Counter("parley.runs.finished",
		metric.WithDescription("Runs that reached a terminal status"))
	return &Service{
		store:     store,
		validator: validator,
		logger:    logger,
		now:       time.Now,
		cancels:   make(map[uuid.UUID]context.CancelFunc),
		finished:  finished,
	}
}

// Create validates the payload and persists a new run. A run that needs
// confirmation is stored directly as awaiting_confirmation and must carry a
// tool call; anything else starts running.
func (s *Service) Create(ctx context.Context, p CreateParams) (model.Run, error) {
	var (
		call  model.ToolCall
		meta  model.ToolMeta
		needs bool
	)
	if p.Payload != nil {
		var err error
		if call, err = registry.Normalize(p.Payload); err != nil {
			return model.Run{}, fmt.Errorf("runs: create: %w", err)
		}
	}
	if !call.Empty() {
		var err error
		meta, err = s.validator.RequireValid(call.Name, call.Args)
		if err != nil {
			return model.Run{}, fmt.Errorf("runs: create: %w", err)
		}
		needs = meta.NeedsConfirmation
	}
	if p.NeedsConfirmation != nil {
		needs = *p.NeedsConfirmation
	}
	if needs && call.Empty() {
		return model.Run{}, fmt.Errorf("runs: create: %w", ErrNoPendingPayload)
	}

	mode := p.Mode
	if mode == "" {
		mode = model.RunModeChat
		if !call.Empty() {
			mode = model.RunModeTask
		}
	}
	plan := p.Plan
	if plan == nil {
		plan = []string{}
	}

	run := model.Run{
		ID:                uuid.New(),
		ConversationID:    p.ConversationID,
		UserID:            p.UserID,
		Status:            model.RunStatusRunning,
		Mode:              mode,
		Plan:              plan,
		NeedsConfirmation: needs,
		StartedAt:         s.now().UTC(),
	}
	if !call.Empty() {
		run.PendingPayload = &call
	}
	if needs {
		run.Status = model.RunStatusAwaitingConfirmation
	}

	if err := s.store.InsertRun(ctx, run); err != nil {
		return model.Run{}, fmt.Errorf("runs: create: %w", err)
	}
	s.logger.Debug("run created", "run_id", run.ID, "conversation_id", run.ConversationID,
		"status", run.Status, "tool", call.Name)
	return run, nil
}

// MarkAwaitingConfirmation moves a running or queued run into the
// confirmation gate. The run must carry a pending payload.
func (s *Service) MarkAwaitingConfirmation(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, fmt.Errorf("runs: mark awaiting: %w", err)
	}
	if run.PendingPayload == nil || run.PendingPayload.Empty() {
		return run, fmt.Errorf("runs: mark awaiting %s: %w", id, ErrNoPendingPayload)
	}
	run, _, err = s.store.TransitionRun(ctx, id,
		[]model.RunStatus{model.RunStatusRunning, model.RunStatusQueued},
		model.RunStatusAwaitingConfirmation)
	if err != nil {
		return model.Run{}, fmt.Errorf("runs: mark awaiting: %w", err)
	}
	return run, nil
}

// Confirm releases the confirmation gate. The bool reports whether this call
// performed the transition; only the winner may dispatch the tool. Any other
// status is left untouched and the current run is returned.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (model.Run, bool, error) {
	run, changed, err := s.store.TransitionRun(ctx, id,
		[]model.RunStatus{model.RunStatusAwaitingConfirmation}, model.RunStatusRunning)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("runs: confirm: %w", err)
	}
	if changed {
		s.logger.Info("run confirmed", "run_id", id)
	}
	return run, changed, nil
}

// Cancel moves any non-terminal run to cancelled and stops its in-flight
// dispatch, if any. Cancelling a terminal run returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, changed, err := s.store.TransitionRun(ctx, id, model.NonTerminalStatuses, model.RunStatusCancelled)
	if err != nil {
		return model.Run{}, fmt.Errorf("runs: cancel: %w", err)
	}
	if changed {
		s.stopDispatch(id)
		s.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(run.Status))))
		s.logger.Info("run cancelled", "run_id", id)
	}
	return run, nil
}

// Finish records a terminal outcome. A run that is already terminal keeps its
// first outcome and is returned as is.
func (s *Service) Finish(ctx context.Context, id uuid.UUID, status model.RunStatus) (model.Run, error) {
	if !status.Terminal() {
		return model.Run{}, fmt.Errorf("runs: finish %s with %q: %w", id, status, ErrNotTerminal)
	}
	run, changed, err := s.store.TransitionRun(ctx, id, model.NonTerminalStatuses, status)
	if err != nil {
		return model.Run{}, fmt.Errorf("runs: finish: %w", err)
	}
	if changed {
		s.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
		s.logger.Info("run finished", "run_id", id, "status", status)
	} else {
		s.logger.Debug("run already terminal, finish ignored", "run_id", id,
			"status", run.Status, "requested", status)
	}
	return run, nil
}

// Get returns a run by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, fmt.Errorf("runs: get: %w", err)
	}
	return run, nil
}

// LatestPending returns the newest run of the conversation that is waiting
// for confirmation, or an error wrapping storage.ErrNotFound.
func (s *Service) LatestPending(ctx context.Context, conversationID uuid.UUID) (model.Run, error) {
	run, err := s.store.LatestPendingRun(ctx, conversationID)
	if err != nil {
		return model.Run{}, fmt.Errorf("runs: latest pending: %w", err)
	}
	return run, nil
}

// ListByConversation returns the most recent runs of a conversation, newest
// first.
func (s *Service) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]model.Run, error) {
	runs, err := s.store.ListRuns(ctx, conversationID, RecentLimit)
	if err != nil {
		return nil, fmt.Errorf("runs: list: %w", err)
	}
	return runs, nil
}

// AddStep appends an audit step. Storage assigns the index.
func (s *Service) AddStep(ctx context.Context, runID uuid.UUID, kind model.StepKind, status model.StepStatus, data map[string]any) (model.Step, error) {
	if data == nil {
		data = map[string]any{}
	}
	step, err := s.store.AppendStep(ctx, model.Step{
		ID:        uuid.New(),
		RunID:     runID,
		Kind:      kind,
		Data:      data,
		Status:    status,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return model.Step{}, fmt.Errorf("runs: add step: %w", err)
	}
	return step, nil
}

// Steps returns a run's audit trail ordered by index.
func (s *Service) Steps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	steps, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("runs: steps: %w", err)
	}
	return steps, nil
}

// ExpirePending cancels runs that have waited for confirmation longer than
// olderThan.
func (s *Service) ExpirePending(ctx context.Context, olderThan time.Duration) ([]model.Run, error) {
	expired, err := s.store.ExpirePendingRuns(ctx, s.now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("runs: expire pending: %w", err)
	}
	if len(expired) > 0 {
		s.finished.Add(ctx, int64(len(expired)),
			metric.WithAttributes(attribute.String("status", string(model.RunStatusCancelled))))
		s.logger.Info("expired pending runs", "count", len(expired), "older_than", olderThan)
	}
	return expired, nil
}

// TrackDispatch registers the cancel function of a run's in-flight dispatch so
// Cancel can stop it. A run that is already terminal when it is registered
// has cancel called at once. The returned release func must be called when
// the dispatch ends.
func (s *Service) TrackDispatch(id uuid.UUID, cancel context.CancelFunc) (release func()) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
	// Registered first, checked second: a Cancel racing this call either sees
	// the entry or has already made the run terminal.
	if run, err := s.store.GetRun(context.Background(), id); err == nil && run.Status.Terminal() {
		cancel()
	}
	return func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
	}
}

func (s *Service) stopDispatch(id uuid.UUID) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

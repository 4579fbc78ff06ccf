package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/parley/internal/model"
)

// Store is the full persistence surface used by the server and services.
// *DB implements it against Postgres; internal/storage/memory implements it
// in process for development and tests.
type Store interface {
	RunStore
	ConversationStore
	UsageStore
	IdempotencyStore
	Ping(ctx context.Context) error
}

// RunStore persists runs and their append-only steps.
type RunStore interface {
	InsertRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	// LatestPendingRun returns the most recently started awaiting_confirmation
	// run of a conversation, or ErrNotFound.
	LatestPendingRun(ctx context.Context, conversationID uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Run, error)
	// TransitionRun moves a run to status `to` when its current status is one of
	// `from`. finished_at is stamped when `to` is terminal. It returns the run
	// as it is after the call and whether this call changed it.
	TransitionRun(ctx context.Context, id uuid.UUID, from []model.RunStatus, to model.RunStatus) (model.Run, bool, error)
	// ExpirePendingRuns cancels awaiting_confirmation runs started before the
	// cutoff and returns them.
	ExpirePendingRuns(ctx context.Context, before time.Time) ([]model.Run, error)
	// AppendStep assigns the next idx for the run and stores the step.
	AppendStep(ctx context.Context, step model.Step) (model.Step, error)
	ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error)
}

// ConversationStore persists conversations, messages and read-only files.
// Every lookup is scoped to the owning user.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv model.Conversation) (model.Conversation, error)
	GetConversation(ctx context.Context, userID string, id uuid.UUID) (model.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error)
	UpdateConversation(ctx context.Context, userID string, id uuid.UUID, title *string, archived *bool) (model.Conversation, error)
	DeleteConversation(ctx context.Context, userID string, id uuid.UUID) error
	CreateMessage(ctx context.Context, msg model.Message) (model.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]model.Message, error)
	GetFile(ctx context.Context, userID string, id uuid.UUID) (model.File, error)
}

// UsageStore holds per-user, per-day quota counters.
type UsageStore interface {
	GetUsage(ctx context.Context, userID, day string) (model.UsageCounter, error)
	IncrementUsage(ctx context.Context, userID, day string, tasks, tokens int64) error
}

// IdempotencyStore reserves and replays Idempotency-Key requests.
type IdempotencyStore interface {
	BeginIdempotency(ctx context.Context, userID, endpoint, key, requestHash string) (IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, userID, endpoint, key string, statusCode int, responseData any) error
	ClearInProgressIdempotency(ctx context.Context, userID, endpoint, key string) error
	CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error)
}

var _ Store = (*DB)(nil)

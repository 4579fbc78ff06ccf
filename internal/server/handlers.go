package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/parley/internal/broker"
	"github.com/ashita-ai/parley/internal/ctxutil"
	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/quota"
	"github.com/ashita-ai/parley/internal/registry"
	"github.com/ashita-ai/parley/internal/service/chat"
	"github.com/ashita-ai/parley/internal/service/dispatch"
	"github.com/ashita-ai/parley/internal/storage"
)

// Chat is the message orchestrator surface the HTTP API drives.
type Chat interface {
	HandleMessage(ctx context.Context, user chat.User, conversationID uuid.UUID, text string, attachments []uuid.UUID) (model.PostMessageResponse, error)
	ConfirmRun(ctx context.Context, user chat.User, runID uuid.UUID) (model.Run, error)
	CancelRun(ctx context.Context, user chat.User, runID uuid.UUID) (model.Run, error)
	Invoke(ctx context.Context, user chat.User, conversationID uuid.UUID, name string, args map[string]any) (model.Run, error)
}

// Runs reads run state.
type Runs interface {
	Get(ctx context.Context, id uuid.UUID) (model.Run, error)
	Steps(ctx context.Context, runID uuid.UUID) ([]model.Step, error)
	ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]model.Run, error)
}

// Usage reports quota consumption.
type Usage interface {
	Usage(ctx context.Context, userID string, tier model.Tier) (quota.Snapshot, error)
}

// Catalog lists the tool registry.
type Catalog interface {
	List() []model.ToolMeta
}

// InFlighter reports background work in progress.
type InFlighter interface {
	InFlight() int
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store       storage.Store
	chat        Chat
	runs        Runs
	broker      *broker.Broker
	usage       Usage
	catalog     Catalog
	dispatcher  InFlighter
	logger      *slog.Logger
	version     string
	storeName   string
	keepalive   time.Duration
	idemTimeout time.Duration
	startedAt   time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store      storage.Store
	Chat       Chat
	Runs       Runs
	Broker     *broker.Broker
	Usage      Usage
	Catalog    Catalog
	Dispatcher InFlighter // optional
	Logger     *slog.Logger
	Version    string
	StoreName  string

	// StreamKeepalive is the interval between SSE comment frames. Zero
	// means 15s.
	StreamKeepalive time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(deps HandlersDeps) *Handlers {
	keepalive := deps.StreamKeepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Handlers{
		store:       deps.Store,
		chat:        deps.Chat,
		runs:        deps.Runs,
		broker:      deps.Broker,
		usage:       deps.Usage,
		catalog:     deps.Catalog,
		dispatcher:  deps.Dispatcher,
		logger:      deps.Logger,
		version:     deps.Version,
		storeName:   deps.StoreName,
		keepalive:   keepalive,
		idemTimeout: 10 * time.Second,
		startedAt:   time.Now(),
	}
}

// userFrom returns the authenticated caller. The auth middleware guarantees
// claims on every non-public route, so a miss is a wiring bug.
func userFrom(r *http.Request) (chat.User, bool) {
	id, tier, ok := ctxutil.UserFromContext(r.Context())
	return chat.User{ID: id, Tier: tier}, ok
}

func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) (chat.User, bool) {
	u, ok := userFrom(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
	}
	return u, ok
}

// writeDomainError maps service errors onto HTTP statuses.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr     *registry.ValidationError
		exceeded *quota.ExceededError
	)
	switch {
	case errors.Is(err, registry.ErrUnknownTool):
		writeError(w, r, http.StatusNotFound, model.ErrCodeUnknownTool, err.Error())
	case errors.As(err, &verr):
		writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Error(),
			map[string]any{"tool": verr.Tool, "path": verr.Path})
	case errors.Is(err, registry.ErrInvalidPayload), errors.Is(err, chat.ErrBadArguments):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.As(err, &exceeded):
		writeErrorDetails(w, r, http.StatusPaymentRequired, model.ErrCodeQuotaExceeded, exceeded.Error(),
			map[string]any{"kind": exceeded.Kind, "used": exceeded.Used, "limit": exceeded.Limit})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, chat.ErrPendingExists):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a run is already awaiting confirmation in this conversation")
	case errors.Is(err, dispatch.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "server is shutting down")
	default:
		h.writeInternalError(w, r, "request failed", err)
	}
}

// writeInternalError logs the cause and returns an opaque 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   h.storeName + ":" + storeStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.Subscribers = h.broker.TotalSubscribers()
	}
	if h.dispatcher != nil {
		resp.InFlight = h.dispatcher.InFlight()
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleUsage handles GET /v1/usage.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	snap, err := h.usage.Usage(r.Context(), user.ID, user.Tier)
	if err != nil {
		h.writeInternalError(w, r, "failed to read usage", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.UsageResponse{
		Usage:      snap.Usage,
		Tier:       snap.Tier,
		TaskLimit:  snap.Limits.Tasks,
		TokenLimit: snap.Limits.Tokens,
	})
}

// --- Shared helpers ---

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 200

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

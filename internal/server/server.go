package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/parley/internal/auth"
	"github.com/ashita-ai/parley/internal/broker"
	"github.com/ashita-ai/parley/internal/ctxutil"
	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/ratelimit"
	"github.com/ashita-ai/parley/internal/storage"
)

// Server is the Parley HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	broker     *broker.Broker
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, Dispatcher.
type ServerConfig struct {
	// Required dependencies.
	Store   storage.Store
	Auth    *auth.Authenticator
	Chat    Chat
	Runs    Runs
	Broker  *broker.Broker
	Usage   Usage
	Catalog Catalog
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter    ratelimit.Limiter
	MCPServer  *mcpserver.MCPServer
	Dispatcher InFlighter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StoreName           string
	MaxRequestBodyBytes int64
	StreamKeepalive     time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:           cfg.Store,
		Chat:            cfg.Chat,
		Runs:            cfg.Runs,
		Broker:          cfg.Broker,
		Usage:           cfg.Usage,
		Catalog:         cfg.Catalog,
		Dispatcher:      cfg.Dispatcher,
		Logger:          cfg.Logger,
		Version:         cfg.Version,
		StoreName:       cfg.StoreName,
		StreamKeepalive: cfg.StreamKeepalive,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	limited := ratelimit.Middleware(cfg.Limiter, userKeyFunc, reqIDFunc, cfg.Logger)
	route := func(fn http.HandlerFunc) http.Handler { return limited(fn) }

	mux := http.NewServeMux()

	// Conversations.
	mux.Handle("POST /v1/conversations", route(h.HandleCreateConversation))
	mux.Handle("GET /v1/conversations", route(h.HandleListConversations))
	mux.Handle("GET /v1/conversations/{id}", route(h.HandleGetConversation))
	mux.Handle("PATCH /v1/conversations/{id}", route(h.HandleUpdateConversation))
	mux.Handle("DELETE /v1/conversations/{id}", route(h.HandleDeleteConversation))
	mux.Handle("POST /v1/conversations/{id}/messages", route(h.HandlePostMessage))
	mux.Handle("GET /v1/conversations/{id}/messages", route(h.HandleListMessages))
	mux.Handle("GET /v1/conversations/{id}/runs", route(h.HandleListRuns))

	// Event stream. Not rate limited: one long-lived request per tab.
	mux.HandleFunc("GET /v1/conversations/{id}/stream", h.HandleStream)

	// Runs.
	mux.Handle("GET /v1/runs/{run_id}", route(h.HandleGetRun))
	mux.Handle("POST /v1/runs/{run_id}/confirm", route(h.HandleConfirmRun))
	mux.Handle("POST /v1/runs/{run_id}/cancel", route(h.HandleCancelRun))

	// Tools.
	mux.Handle("GET /v1/tools/registry", route(h.HandleToolRegistry))
	mux.Handle("POST /v1/tools/{name}", route(h.HandleInvokeTool))

	// Quota.
	mux.Handle("GET /v1/usage", route(h.HandleUsage))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", limited(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → body limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = maxBodyMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = authMiddleware(cfg.Auth, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		broker:   cfg.Broker,
		logger:   cfg.Logger,
	}
}

// userKeyFunc rate limits per authenticated user, classed by tier so each
// tier can carry its own rule. The dev tier is exempt.
func userKeyFunc(r *http.Request) string {
	id, tier, ok := ctxutil.UserFromContext(r.Context())
	if !ok || tier == model.TierDev {
		return ""
	}
	return ratelimit.Key(string(tier), id)
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server. Open event streams are
// closed first; http.Server.Shutdown does not interrupt them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	if s.broker != nil {
		s.broker.CloseAll()
	}
	return s.httpServer.Shutdown(ctx)
}

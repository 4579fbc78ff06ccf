package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/parley/internal/ctxutil"
	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/quota"
	"github.com/ashita-ai/parley/internal/registry"
	"github.com/ashita-ai/parley/internal/service/chat"
	"github.com/ashita-ai/parley/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("parley_list_tools",
			mcplib.WithDescription(`List the tools Parley can run, with their input schemas.

WHEN TO USE: Before parley_invoke_tool, to find the tool name and the
arguments it requires. Tools with needs_confirmation=true are staged and
wait for parley_confirm_run.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListTools,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("parley_invoke_tool",
			mcplib.WithDescription(`Start a tool run in one of the user's conversations.

Returns the run. If its status is awaiting_confirmation, show the user what
will happen and call parley_confirm_run only after they agree.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("conversation_id",
				mcplib.Description("Conversation the run belongs to (UUID)"),
				mcplib.Required(),
			),
			mcplib.WithString("name",
				mcplib.Description("Tool name from parley_list_tools, e.g. browser.screenshot"),
				mcplib.Required(),
			),
			mcplib.WithObject("args",
				mcplib.Description("Tool arguments matching the tool's input_schema"),
			),
		),
		s.handleInvokeTool,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("parley_get_run",
			mcplib.WithDescription("Get a run with its status, plan and recorded steps."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run ID (UUID)"), mcplib.Required()),
		),
		s.handleGetRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("parley_confirm_run",
			mcplib.WithDescription(`Confirm a run that is awaiting confirmation and start it.

Only call this after the user explicitly approved the action. Confirming a
run that is no longer awaiting confirmation returns it unchanged.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("run_id", mcplib.Description("Run ID (UUID)"), mcplib.Required()),
		),
		s.handleConfirmRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("parley_cancel_run",
			mcplib.WithDescription("Cancel a pending or running run. Cancelling a finished run is a no-op."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run ID (UUID)"), mcplib.Required()),
		),
		s.handleCancelRun,
	)
}

// caller returns the authenticated user the HTTP transport put on ctx.
func caller(ctx context.Context) (chat.User, bool) {
	id, tier, ok := ctxutil.UserFromContext(ctx)
	return chat.User{ID: id, Tier: tier}, ok
}

func requestUUID(request mcplib.CallToolRequest, key string) (uuid.UUID, error) {
	raw := request.GetString(key, "")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a UUID", key)
	}
	return id, nil
}

// domainError renders service errors as tool errors. Unexpected failures are
// logged and returned opaque.
func (s *Server) domainError(op string, err error) *mcplib.CallToolResult {
	var (
		verr     *registry.ValidationError
		exceeded *quota.ExceededError
	)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("not found")
	case errors.Is(err, registry.ErrUnknownTool):
		return errorResult(err.Error())
	case errors.As(err, &verr):
		return errorResult(verr.Error())
	case errors.As(err, &exceeded):
		return errorResult(exceeded.Error())
	case errors.Is(err, registry.ErrInvalidPayload):
		return errorResult(err.Error())
	default:
		s.logger.Error("mcp: tool failed", "op", op, "error", err)
		return errorResult(op + " failed")
	}
}

func (s *Server) handleListTools(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(map[string]any{"tools": s.catalog.List()})
}

func (s *Server) handleInvokeTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	user, ok := caller(ctx)
	if !ok {
		return errorResult("authentication required"), nil
	}
	convID, err := requestUUID(request, "conversation_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	name := request.GetString("name", "")
	if name == "" {
		return errorResult("name is required"), nil
	}
	args, _ := request.GetArguments()["args"].(map[string]any)

	run, err := s.chat.Invoke(ctx, user, convID, name, args)
	if err != nil {
		return s.domainError("invoke", err), nil
	}
	return jsonResult(run)
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	user, ok := caller(ctx)
	if !ok {
		return errorResult("authentication required"), nil
	}
	runID, err := requestUUID(request, "run_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	detail, err := s.runDetail(ctx, user, runID)
	if err != nil {
		return s.domainError("get run", err), nil
	}
	return jsonResult(detail)
}

// runDetail loads a run the user owns together with its steps.
func (s *Server) runDetail(ctx context.Context, user chat.User, runID uuid.UUID) (model.RunDetail, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return model.RunDetail{}, err
	}
	if run.UserID != user.ID {
		return model.RunDetail{}, fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
	}
	steps, err := s.runs.Steps(ctx, runID)
	if err != nil {
		return model.RunDetail{}, err
	}
	if steps == nil {
		steps = []model.Step{}
	}
	return model.RunDetail{Run: run, Steps: steps}, nil
}

func (s *Server) handleConfirmRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	user, ok := caller(ctx)
	if !ok {
		return errorResult("authentication required"), nil
	}
	runID, err := requestUUID(request, "run_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	run, err := s.chat.ConfirmRun(ctx, user, runID)
	if err != nil {
		return s.domainError("confirm", err), nil
	}
	return jsonResult(run)
}

func (s *Server) handleCancelRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	user, ok := caller(ctx)
	if !ok {
		return errorResult("authentication required"), nil
	}
	runID, err := requestUUID(request, "run_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	run, err := s.chat.CancelRun(ctx, user, runID)
	if err != nil {
		return s.domainError("cancel", err), nil
	}
	return jsonResult(run)
}

package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// review-run: walks the agent through asking the user before confirming a staged run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-run",
			mcplib.WithPromptDescription("Ask the user to approve a run that is awaiting confirmation"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The run awaiting confirmation"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewRunPrompt,
	)

	// agent-setup: system prompt snippet explaining the confirm-before-run workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining Parley's confirm-before-run workflow"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleReviewRunPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	raw := request.Params.Arguments["run_id"]
	if raw == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("run_id must be a UUID")
	}
	user, ok := caller(ctx)
	if !ok {
		return nil, fmt.Errorf("mcp: authentication required")
	}
	detail, err := s.runDetail(ctx, user, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run %s: %w", runID, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s is %s.\n", runID, detail.Run.Status)
	if p := detail.Run.PendingPayload; p != nil {
		fmt.Fprintf(&b, "It will call %s with arguments %v.\n", p.Name, p.Args)
	}
	if len(detail.Run.Plan) > 0 {
		fmt.Fprintf(&b, "Plan: %s.\n", strings.Join(detail.Run.Plan, " → "))
	}
	b.WriteString(`
1. DESCRIBE the action to the user in one sentence and ask for a yes or no.
2. If they agree, CALL parley_confirm_run with this run_id.
3. If they decline, CALL parley_cancel_run with this run_id.
4. FOLLOW the run with parley_get_run until it is completed, failed or cancelled.`)

	return &mcplib.GetPromptResult{
		Description: "Review run " + runID.String(),
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: b.String()},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Parley confirm-before-run workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You can run tools for the user through Parley.

## The Pattern: Stage, Ask, Confirm

Some tools act on the outside world (sending email, for example). Parley
stages those as runs in awaiting_confirmation. Nothing happens until the
run is confirmed.

1. Call parley_list_tools to find the tool and its arguments.
2. Call parley_invoke_tool. Read the returned status.
3. If it is awaiting_confirmation, tell the user what will happen and wait.
4. Confirm with parley_confirm_run or cancel with parley_cancel_run.
5. Poll parley_get_run until the status is terminal.

## Available Tools

- parley_list_tools: tool catalog with input schemas
- parley_invoke_tool: start a run in a conversation
- parley_get_run: run status, plan and steps
- parley_confirm_run: release a staged run (only with user approval)
- parley_cancel_run: cancel a staged or running run

A run that failed with class QuotaExceeded will keep failing until the
daily quota resets. Do not retry it.`,
				},
			},
		},
	}, nil
}

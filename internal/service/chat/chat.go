// Package chat turns user messages into runs.
//
// A message is persisted first and then routed: a yes/no reply settles the
// conversation's pending confirmation, attachments start a chat-with-files
// run, "!!" commands stage a tool run behind the confirmation gate, and
// anything else gets a streamed plain reply. All streaming work runs on the
// dispatcher's bounded pool; HandleMessage itself returns as soon as the run
// exists. The HTTP and MCP surfaces share ConfirmRun, CancelRun and Invoke
// so the confirmation rules live in one place.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/quota"
	"github.com/ashita-ai/parley/internal/service/runs"
	"github.com/ashita-ai/parley/internal/storage"
)

const (
	plainReply   = "Message received. (Planner confirmation enabled for tools.)"
	filesPreface = "I read your files. "
	noTextFound  = "No readable text found."
	contextChars = 400
)

// ErrPendingExists is returned when a new tool command arrives while the
// conversation still has a run awaiting confirmation.
var ErrPendingExists = errors.New("chat: a run is already awaiting confirmation")

// User identifies the caller.
type User struct {
	ID   string
	Tier model.Tier
}

// Conversations is the conversation storage the orchestrator needs.
type Conversations interface {
	GetConversation(ctx context.Context, userID string, id uuid.UUID) (model.Conversation, error)
	CreateMessage(ctx context.Context, msg model.Message) (model.Message, error)
}

// Files resolves attachments.
type Files interface {
	GetFile(ctx context.Context, userID string, id uuid.UUID) (model.File, error)
}

// Runs is the run lifecycle.
type Runs interface {
	Create(ctx context.Context, p runs.CreateParams) (model.Run, error)
	Get(ctx context.Context, id uuid.UUID) (model.Run, error)
	Confirm(ctx context.Context, id uuid.UUID) (model.Run, bool, error)
	Cancel(ctx context.Context, id uuid.UUID) (model.Run, error)
	Finish(ctx context.Context, id uuid.UUID, status model.RunStatus) (model.Run, error)
	LatestPending(ctx context.Context, conversationID uuid.UUID) (model.Run, error)
	AddStep(ctx context.Context, runID uuid.UUID, kind model.StepKind, status model.StepStatus, data map[string]any) (model.Step, error)
}

// Dispatcher runs background work.
type Dispatcher interface {
	Submit(ctx context.Context, run model.Run) error
	Go(ctx context.Context, fn func(ctx context.Context), dropped func(ctx context.Context, err error)) error
}

// Quota gates tool runs.
type Quota interface {
	Check(ctx context.Context, userID string, tier model.Tier) (quota.Snapshot, error)
}

// Registry resolves tool metadata for confirmation summaries.
type Registry interface {
	Resolve(name string) (model.ToolMeta, error)
}

// Publisher fans events out to a conversation.
type Publisher interface {
	Publish(conversationID uuid.UUID, name string, data any)
}

// Service is the message orchestrator.
type Service struct {
	convs      Conversations
	files      Files
	runs       Runs
	disp       Dispatcher
	quota      Quota
	registry   Registry
	pub        Publisher
	logger     *slog.Logger
	tokenDelay time.Duration
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	Conversations Conversations
	Files         Files
	Runs          Runs
	Dispatcher    Dispatcher
	Quota         Quota
	Registry      Registry
	Publisher     Publisher
	Logger        *slog.Logger
	// TokenDelay paces streamed tokens so clients render progressively.
	TokenDelay time.Duration
}

// New creates a Service.
func New(d Deps) *Service {
	return &Service{
		convs:      d.Conversations,
		files:      d.Files,
		runs:       d.Runs,
		disp:       d.Dispatcher,
		quota:      d.Quota,
		registry:   d.Registry,
		pub:        d.Publisher,
		logger:     d.Logger,
		tokenDelay: d.TokenDelay,
	}
}

// HandleMessage persists a user message and starts whatever it asks for.
// The response carries the run that was started, or the pending run that a
// yes/no reply settled.
func (s *Service) HandleMessage(ctx context.Context, user User, conversationID uuid.UUID, text string, attachments []uuid.UUID) (model.PostMessageResponse, error) {
	conv, err := s.convs.GetConversation(ctx, user.ID, conversationID)
	if err != nil {
		return model.PostMessageResponse{}, fmt.Errorf("chat: %w", err)
	}
	if conv.Archived {
		return model.PostMessageResponse{}, fmt.Errorf("chat: conversation %s is archived: %w", conversationID, storage.ErrNotFound)
	}
	ids := make([]string, len(attachments))
	for i, a := range attachments {
		ids[i] = a.String()
	}
	msg, err := s.convs.CreateMessage(ctx, model.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Text:           text,
		Attachments:    ids,
	})
	if err != nil {
		return model.PostMessageResponse{}, fmt.Errorf("chat: save message: %w", err)
	}
	resp := model.PostMessageResponse{Message: &msg}

	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	switch lower {
	case "yes", "y":
		if pending, ok := s.pending(ctx, conversationID); ok {
			run, err := s.confirm(ctx, user, pending)
			resp.Run = &run
			return resp, err
		}
	case "no", "n", "cancel":
		if pending, ok := s.pending(ctx, conversationID); ok {
			run, err := s.cancel(ctx, pending)
			resp.Run = &run
			return resp, err
		}
	}

	var run model.Run
	switch {
	case len(attachments) > 0 && !strings.HasPrefix(lower, "!!"):
		run, err = s.startFilesChat(ctx, user, conversationID, attachments)
	case hasCommand(lower, "!!browse"):
		run, err = s.stageBrowse(ctx, user, conversationID, trimmed)
	case hasCommand(lower, "!!email"):
		run, err = s.stageEmail(ctx, user, conversationID, trimmed)
	case hasCommand(lower, "!!tool"):
		run, err = s.stageTool(ctx, user, conversationID, trimmed)
	default:
		run, err = s.startPlainChat(ctx, user, conversationID)
	}
	if err != nil {
		return resp, err
	}
	resp.Run = &run
	return resp, nil
}

func hasCommand(lower, cmd string) bool {
	return lower == cmd || strings.HasPrefix(lower, cmd+" ")
}

func (s *Service) pending(ctx context.Context, conversationID uuid.UUID) (model.Run, bool) {
	run, err := s.runs.LatestPending(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("chat: pending lookup failed", "conversation_id", conversationID, "error", err)
		}
		return model.Run{}, false
	}
	return run, true
}

// ---- confirmation ----------------------------------------------------------

// ConfirmRun releases a run the user owns from the confirmation gate and
// dispatches it. Confirming a run that is no longer awaiting confirmation is
// a no-op returning its current state.
func (s *Service) ConfirmRun(ctx context.Context, user User, runID uuid.UUID) (model.Run, error) {
	run, err := s.owned(ctx, user, runID)
	if err != nil {
		return model.Run{}, err
	}
	return s.confirm(ctx, user, run)
}

// CancelRun cancels a run the user owns. Cancelling a terminal run is a no-op.
func (s *Service) CancelRun(ctx context.Context, user User, runID uuid.UUID) (model.Run, error) {
	run, err := s.owned(ctx, user, runID)
	if err != nil {
		return model.Run{}, err
	}
	return s.cancel(ctx, run)
}

func (s *Service) owned(ctx context.Context, user User, runID uuid.UUID) (model.Run, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return model.Run{}, fmt.Errorf("chat: %w", err)
	}
	if run.UserID != user.ID {
		return model.Run{}, fmt.Errorf("chat: run %s: %w", runID, storage.ErrNotFound)
	}
	return run, nil
}

func (s *Service) confirm(ctx context.Context, user User, run model.Run) (model.Run, error) {
	if run.Status != model.RunStatusAwaitingConfirmation {
		return run, nil
	}
	// Quota may have been consumed since the run was staged.
	if _, err := s.quota.Check(ctx, user.ID, user.Tier); err != nil {
		return run, fmt.Errorf("chat: confirm: %w", err)
	}
	run, won, err := s.runs.Confirm(ctx, run.ID)
	if err != nil {
		return model.Run{}, fmt.Errorf("chat: %w", err)
	}
	if !won {
		return run, nil
	}
	s.pub.Publish(run.ConversationID, model.EventConfirmation, map[string]any{
		"run_id": run.ID, "status": "confirmed",
	})
	if err := s.disp.Submit(ctx, run); err != nil {
		s.logger.Error("chat: dispatch refused", "run_id", run.ID, "error", err)
		if failed, ferr := s.runs.Finish(context.WithoutCancel(ctx), run.ID, model.RunStatusFailed); ferr == nil {
			run = failed
		}
		return run, fmt.Errorf("chat: dispatch: %w", err)
	}
	return run, nil
}

func (s *Service) cancel(ctx context.Context, run model.Run) (model.Run, error) {
	wasTerminal := run.Status.Terminal()
	run, err := s.runs.Cancel(ctx, run.ID)
	if err != nil {
		return model.Run{}, fmt.Errorf("chat: %w", err)
	}
	if !wasTerminal && run.Status == model.RunStatusCancelled {
		s.pub.Publish(run.ConversationID, model.EventConfirmation, map[string]any{
			"run_id": run.ID, "status": "cancelled",
		})
	}
	return run, nil
}

// ---- tool commands ---------------------------------------------------------

func (s *Service) stageBrowse(ctx context.Context, user User, conversationID uuid.UUID, text string) (model.Run, error) {
	parts := strings.SplitN(text, " ", 3)
	var target string
	if len(parts) > 1 {
		target = strings.TrimSpace(parts[1])
	}
	payload := map[string]any{"tool": "browser", "url": target}
	if len(parts) == 3 {
		var extra struct {
			Actions []map[string]any `json:"actions"`
		}
		if err := json.Unmarshal([]byte(parts[2]), &extra); err == nil && extra.Actions != nil {
			actions := make([]any, len(extra.Actions))
			for i, a := range extra.Actions {
				actions[i] = a
			}
			payload["actions"] = actions
		}
	}
	return s.stage(ctx, user, conversationID, payload,
		[]string{"plan_browser", "open_page", "capture"},
		fmt.Sprintf("Open %s and take a screenshot.", target))
}

func (s *Service) stageEmail(ctx context.Context, user User, conversationID uuid.UUID, text string) (model.Run, error) {
	cmd := strings.TrimSpace(text[len("!!email"):])
	return s.stage(ctx, user, conversationID,
		map[string]any{"tool": "email", "command": cmd},
		[]string{"compose_email", "dry_run_save"},
		fmt.Sprintf("Draft an email (%s)", cmd))
}

// stageTool handles "!!tool <name> <json-args>".
func (s *Service) stageTool(ctx context.Context, user User, conversationID uuid.UUID, text string) (model.Run, error) {
	parts := strings.SplitN(text, " ", 3)
	var name string
	if len(parts) > 1 {
		name = strings.TrimSpace(parts[1])
	}
	args := map[string]any{}
	if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
		if err := json.Unmarshal([]byte(parts[2]), &args); err != nil {
			return model.Run{}, fmt.Errorf("chat: !!tool args for %s: %w", name, ErrBadArguments)
		}
	}
	summary := "Run " + name + "."
	if meta, err := s.registry.Resolve(name); err == nil {
		summary = fmt.Sprintf("Run %s: %s", name, meta.Summary)
	}
	return s.stage(ctx, user, conversationID,
		map[string]any{"name": name, "args": args},
		[]string{"plan_tool", "invoke_tool"},
		summary)
}

// ErrBadArguments is returned when a chat command's JSON arguments do not parse.
var ErrBadArguments = errors.New("chat: arguments are not a JSON object")

// stage creates an awaiting_confirmation run for a chat command.
func (s *Service) stage(ctx context.Context, user User, conversationID uuid.UUID, payload map[string]any, plan []string, summary string) (model.Run, error) {
	if _, err := s.quota.Check(ctx, user.ID, user.Tier); err != nil {
		return model.Run{}, fmt.Errorf("chat: %w", err)
	}
	if pending, ok := s.pending(ctx, conversationID); ok {
		return model.Run{}, fmt.Errorf("chat: run %s: %w", pending.ID, ErrPendingExists)
	}
	needs := true
	run, err := s.runs.Create(ctx, runs.CreateParams{
		ConversationID:    conversationID,
		UserID:            user.ID,
		Mode:              model.RunModeTask,
		Plan:              plan,
		Payload:           payload,
		NeedsConfirmation: &needs,
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("chat: %w", err)
	}
	s.announce(ctx, run, summary)
	return run, nil
}

// announce publishes the plan and confirmation prompt of a staged run.
func (s *Service) announce(ctx context.Context, run model.Run, summary string) {
	s.step(ctx, run.ID, model.StepKindPlan, model.StepStatusCompleted, map[string]any{"steps": run.Plan, "summary": summary})
	s.pub.Publish(run.ConversationID, model.EventReasoningPlan, map[string]any{
		"steps": run.Plan, "run_id": run.ID,
	})
	s.pub.Publish(run.ConversationID, model.EventConfirmNeeded, map[string]any{
		"run_id":  run.ID,
		"summary": summary,
		"how_to_confirm": map[string]any{
			"rest": "POST /runs/{run_id}/confirm",
			"chat": "reply 'yes'",
		},
	})
}

// Invoke runs a tool directly, outside a chat message. Tools that need
// confirmation are staged and announced; the rest are dispatched at once.
func (s *Service) Invoke(ctx context.Context, user User, conversationID uuid.UUID, name string, args map[string]any) (model.Run, error) {
	conv, err := s.convs.GetConversation(ctx, user.ID, conversationID)
	if err != nil {
		return model.Run{}, fmt.Errorf("chat: %w", err)
	}
	if conv.Archived {
		return model.Run{}, fmt.Errorf("chat: conversation %s is archived: %w", conversationID, storage.ErrNotFound)
	}
	if _, err := s.quota.Check(ctx, user.ID, user.Tier); err != nil {
		return model.Run{}, fmt.Errorf("chat: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	run, err := s.runs.Create(ctx, runs.CreateParams{
		ConversationID: conversationID,
		UserID:         user.ID,
		Mode:           model.RunModeTask,
		Plan:           []string{"invoke_tool"},
		Payload:        map[string]any{"name": name, "args": args},
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("chat: %w", err)
	}
	if run.Status == model.RunStatusAwaitingConfirmation {
		summary := "Run " + name + "."
		if meta, err := s.registry.Resolve(name); err == nil {
			summary = fmt.Sprintf("Run %s: %s", name, meta.Summary)
		}
		s.announce(ctx, run, summary)
		return run, nil
	}
	if err := s.disp.Submit(ctx, run); err != nil {
		_, _ = s.runs.Finish(context.WithoutCancel(ctx), run.ID, model.RunStatusFailed)
		return model.Run{}, fmt.Errorf("chat: dispatch: %w", err)
	}
	return run, nil
}

// ---- streamed replies ------------------------------------------------------

func (s *Service) startPlainChat(ctx context.Context, user User, conversationID uuid.UUID) (model.Run, error) {
	run, err := s.runs.Create(ctx, runs.CreateParams{
		ConversationID: conversationID,
		UserID:         user.ID,
		Mode:           model.RunModeChat,
		Plan:           []string{"generate_answer"},
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("chat: %w", err)
	}
	return run, s.background(ctx, run, func(ctx context.Context) {
		s.step(ctx, run.ID, model.StepKindPlan, model.StepStatusCompleted, map[string]any{"steps": run.Plan})
		s.pub.Publish(conversationID, model.EventReasoningPlan, map[string]any{
			"steps": run.Plan, "run_id": run.ID,
		})
		s.reply(ctx, run, plainReply, []any{})
	})
}

func (s *Service) startFilesChat(ctx context.Context, user User, conversationID uuid.UUID, attachments []uuid.UUID) (model.Run, error) {
	run, err := s.runs.Create(ctx, runs.CreateParams{
		ConversationID: conversationID,
		UserID:         user.ID,
		Mode:           model.RunModeChat,
		Plan:           []string{"receive_attachments", "parse_inline_context", "generate_answer"},
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("chat: %w", err)
	}
	return run, s.background(ctx, run, func(ctx context.Context) {
		s.step(ctx, run.ID, model.StepKindPlan, model.StepStatusCompleted, map[string]any{"steps": run.Plan})
		for _, id := range attachments {
			s.pub.Publish(conversationID, model.EventAttachmentReceived, map[string]any{"file_id": id})
		}

		sources := []map[string]any{}
		var texts []string
		for _, id := range attachments {
			f, err := s.files.GetFile(ctx, user.ID, id)
			if err != nil {
				s.logger.Info("chat: attachment skipped", "run_id", run.ID, "file_id", id, "error", err)
				continue
			}
			sources = append(sources, map[string]any{"file_id": f.ID, "filename": f.Filename})
			if t := strings.TrimSpace(f.TextContent); t != "" {
				texts = append(texts, t)
			}
		}
		s.pub.Publish(conversationID, model.EventAttachmentParsed, map[string]any{
			"count": len(sources), "sources": sources,
		})
		s.pub.Publish(conversationID, model.EventContextReady, map[string]any{"sources": sources})
		s.step(ctx, run.ID, model.StepKindInfo, model.StepStatusCompleted, map[string]any{"sources": len(sources)})

		s.reply(ctx, run, filesAnswer(strings.Join(texts, "\n\n")), []any{})
	})
}

// filesAnswer is the canned answer for a chat-with-files run.
func filesAnswer(bundle string) string {
	if bundle == "" {
		return filesPreface + noTextFound
	}
	r := []rune(bundle)
	if len(r) > contextChars {
		r = r[:contextChars]
	}
	return filesPreface + strings.ReplaceAll(string(r), "\n", " ") + "..."
}

// background runs fn on the dispatcher pool. If the pool refuses the task, or
// shuts down before it starts, the run is failed.
func (s *Service) background(ctx context.Context, run model.Run, fn func(ctx context.Context)) error {
	err := s.disp.Go(ctx, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("chat: reply panicked", "run_id", run.ID, "panic", r)
				_, _ = s.runs.Finish(context.WithoutCancel(ctx), run.ID, model.RunStatusFailed)
			}
		}()
		fn(ctx)
	}, func(ctx context.Context, err error) {
		s.logger.Info("chat: reply dropped", "run_id", run.ID, "error", err)
		if _, ferr := s.runs.Finish(ctx, run.ID, model.RunStatusFailed); ferr != nil {
			s.logger.Error("chat: finish dropped reply", "run_id", run.ID, "error", ferr)
		}
	})
	if err != nil {
		_, _ = s.runs.Finish(context.WithoutCancel(ctx), run.ID, model.RunStatusFailed)
		return fmt.Errorf("chat: schedule reply: %w", err)
	}
	return nil
}

// reply streams text word by word, then publishes the final answer and
// completes the run.
func (s *Service) reply(ctx context.Context, run model.Run, text string, citations []any) {
	words := strings.Split(text, " ")
	for _, w := range words {
		s.pub.Publish(run.ConversationID, model.EventToken, map[string]any{"text_chunk": w + " "})
		if s.tokenDelay > 0 {
			select {
			case <-ctx.Done():
				s.logger.Info("chat: reply interrupted", "run_id", run.ID)
				_, _ = s.runs.Finish(context.WithoutCancel(ctx), run.ID, model.RunStatusFailed)
				return
			case <-time.After(s.tokenDelay):
			}
		}
	}
	s.step(ctx, run.ID, model.StepKindToken, model.StepStatusCompleted, map[string]any{"count": len(words)})
	s.pub.Publish(run.ConversationID, model.EventFinalAnswer, map[string]any{
		"text": text, "citations": citations, "run_id": run.ID,
	})
	s.step(ctx, run.ID, model.StepKindFinal, model.StepStatusCompleted, map[string]any{"text": text})
	if _, err := s.runs.Finish(ctx, run.ID, model.RunStatusCompleted); err != nil {
		s.logger.Error("chat: finish reply", "run_id", run.ID, "error", err)
	}
}

func (s *Service) step(ctx context.Context, runID uuid.UUID, kind model.StepKind, status model.StepStatus, data map[string]any) {
	if _, err := s.runs.AddStep(ctx, runID, kind, status, data); err != nil {
		s.logger.Warn("chat: step not recorded", "run_id", runID, "kind", kind, "error", err)
	}
}
